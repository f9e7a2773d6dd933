package xpak

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInt(t *testing.T) {
	for i := 0; i < 1000; i++ {
		assert.Equal(t, decodeint(encodeint(i)), i)
	}
	i := 4294967296 - 1
	assert.Equal(t, decodeint(encodeint(i)), i)
}

func TestEncodeDecode(t *testing.T) {
	data := map[string][]byte{
		"CATEGORY": []byte("app-foo\n"),
		"PF":       []byte("bar-1\n"),
		"SLOT":     []byte("0\n"),
		"empty":    {},
	}
	seg := Encode(data)
	assert.Equal(t, packMagic, string(seg[:8]))
	assert.Equal(t, stopMagic, string(seg[len(seg)-8:]))

	got, err := Decode(seg)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = Decode(seg[:len(seg)-1])
	assert.Error(t, err)
}

func TestTbz2Recompose(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "bar-1.tbz2")
	payload := []byte("compressed tarball")
	require.NoError(t, os.WriteFile(pkg, payload, 0644))

	tb := NewTbz2(pkg)
	names, err := tb.Filelist()
	require.NoError(t, err)
	assert.Empty(t, names)

	meta := filepath.Join(dir, "meta")
	require.NoError(t, os.MkdirAll(meta, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(meta, "CATEGORY"), []byte("app-foo\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(meta, "PF"), []byte("bar-1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(meta, "CONTENTS"), []byte("obj /x 0 0\n"), 0644))
	require.NoError(t, tb.Recompose(meta, true))

	md, err := tb.Metadata()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"CATEGORY": "app-foo", "PF": "bar-1"}, md)

	// replacing the segment keeps the payload intact
	require.NoError(t, os.WriteFile(filepath.Join(meta, "PF"), []byte("bar-2\n"), 0644))
	require.NoError(t, tb.Recompose(meta, true))
	b, err := os.ReadFile(pkg)
	require.NoError(t, err)
	assert.Equal(t, payload, b[:len(payload)])
	v, ok, err := tb.GetFile("PF")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bar-2\n", string(v))

	out := filepath.Join(dir, "out")
	require.NoError(t, tb.Decompose(out))
	b, err = os.ReadFile(filepath.Join(out, "CATEGORY"))
	require.NoError(t, err)
	assert.Equal(t, "app-foo\n", string(b))
}

func TestUnpackSkipsEscapes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Unpack(map[string][]byte{"../evil": []byte("x"), "ok": []byte("y")}, filepath.Join(dir, "d")))
	_, err := os.Stat(filepath.Join(dir, "evil"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "d", "ok"))
	assert.NoError(t, err)
}
