package dbapi

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentsLineRoundTrip(t *testing.T) {
	line := "obj /usr/bin/x 9f86d081884c7d659a2feaa0c55ad015 1700000000"
	c, errs := ParseContents(strings.NewReader(line+"\n"), "/")
	require.Empty(t, errs)

	e, ok := c["/usr/bin/x"]
	require.True(t, ok)
	assert.Equal(t, ContentsObj, e.Type)
	assert.Equal(t, "9f86d081884c7d659a2feaa0c55ad015", e.Hash)
	assert.Equal(t, int64(1700000000), e.Mtime)
	assert.Equal(t, line, e.Line("/usr/bin/x"))

	var buf bytes.Buffer
	require.NoError(t, WriteContents(c, "/", &buf))
	assert.Equal(t, line+"\n", buf.String())
}

func TestParseContentsImpliedDirectories(t *testing.T) {
	in := "dir /usr\nsym /usr/lib/libfoo.so -> libfoo.so.1 1700000001\nfif /run/foo.fifo\ndev /dev/foo\n"
	c, errs := ParseContents(strings.NewReader(in), "/")
	require.Empty(t, errs)

	assert.Equal(t, ContentsDir, c["/usr/lib"].Type)
	assert.Equal(t, ContentsDir, c["/run"].Type)
	assert.Equal(t, "libfoo.so.1", c["/usr/lib/libfoo.so"].Target)
	assert.Equal(t, ContentsFif, c["/run/foo.fifo"].Type)
	assert.Equal(t, ContentsDev, c["/dev/foo"].Type)

	var buf bytes.Buffer
	require.NoError(t, WriteContents(c, "/", &buf))
	assert.Equal(t, "dev /dev/foo\nfif /run/foo.fifo\ndir /usr\nsym /usr/lib/libfoo.so -> libfoo.so.1 1700000001\n", buf.String())
}

func TestParseContentsSkipsCorruptLines(t *testing.T) {
	in := "obj /bin/ok d41d8cd98f00b204e9800998ecf8427e 1\ngarbage here\nobj /bin/bad\ndir /etc\n"
	c, errs := ParseContents(strings.NewReader(in), "/")
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "line 2")
	assert.Contains(t, c, "/bin/ok")
	assert.Contains(t, c, "/etc")
	assert.NotContains(t, c, "/bin/bad")
}

func TestParseContentsNormalizesAndPrefixesRoot(t *testing.T) {
	in := "obj //usr/./bin/../bin/y 00 5\nsym /lib64 -> lib (10, 20)\n"
	c, errs := ParseContents(strings.NewReader(in), "/mnt/target/")
	require.Empty(t, errs)
	assert.Contains(t, c, "/mnt/target/usr/bin/y")
	assert.Equal(t, int64(10), c["/mnt/target/lib64"].Mtime)
	assert.NotContains(t, c, "/mnt/target")

	var buf bytes.Buffer
	require.NoError(t, WriteContents(c, "/mnt/target/", &buf))
	assert.Equal(t, "sym /lib64 -> lib 10\nobj /usr/bin/y 00 5\n", buf.String())
}

func TestParseContentsStatTupleSymlink(t *testing.T) {
	in := "sym /usr/lib/libbar.so -> libbar.so.2 (41471, 1234L, 2049L, 1, 0, 0, 11L, 1699990000, 1700000002, 1699990001)\n"
	c, errs := ParseContents(strings.NewReader(in), "/")
	require.Empty(t, errs)
	e := c["/usr/lib/libbar.so"]
	assert.Equal(t, ContentsSym, e.Type)
	assert.Equal(t, "libbar.so.2", e.Target)
	assert.Equal(t, int64(1700000002), e.Mtime)
}

func TestReadContentsMissingFile(t *testing.T) {
	c, errs := ReadContents(t.TempDir()+"/CONTENTS", "/")
	assert.Empty(t, errs)
	assert.Empty(t, c)
}
