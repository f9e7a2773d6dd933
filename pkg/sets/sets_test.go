package sets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/emergo/pkg/versions"
)

func TestInternalPackageSet(t *testing.T) {
	p, err := NewInternalPackageSet("args", []string{"app-foo/bar", ">=app-foo/bar-2", "app-foo/baz:1", "@system", "not an atom"}, true)
	require.NoError(t, err)
	assert.True(t, p.SupportsOperation("unmerge"))
	assert.True(t, p.Contains("app-foo/bar"))
	assert.True(t, p.Contains("@system"))
	assert.Equal(t, []string{"@system", "not an atom"}, p.NonAtoms())

	pkg, err := versions.NewPkgStr("app-foo/bar-2", "0", "")
	require.NoError(t, err)
	assert.True(t, p.ContainsCpv(pkg))
	assert.Len(t, p.IterAtomsForPackage(pkg), 2)
	assert.Equal(t, ">=app-foo/bar-2", p.FindAtomForPackage(pkg).Value)

	other, _ := versions.NewPkgStr("app-foo/baz-1", "0", "")
	assert.Nil(t, p.FindAtomForPackage(other))

	require.NoError(t, p.RemovePackageAtoms("app-foo/bar"))
	assert.False(t, p.Contains("app-foo/bar"))
	assert.True(t, p.Contains("app-foo/baz:1"))

	_, err = NewInternalPackageSet("args", []string{"!app-foo/bar"}, true)
	assert.Error(t, err)
	_, err = NewInternalPackageSet("args", []string{"app-foo/bar::gentoo"}, false)
	assert.Error(t, err)
}

func TestWorldSelectedSetPersists(t *testing.T) {
	eroot := t.TempDir()
	w := NewWorldSelectedSet(eroot)
	assert.True(t, w.IsEmpty())

	require.NoError(t, w.Lock())
	require.NoError(t, w.Update([]string{"app-foo/bar", "dev-libs/baz:2", "@kde"}))
	require.NoError(t, w.Unlock())

	b, err := os.ReadFile(filepath.Join(eroot, WorldFile))
	require.NoError(t, err)
	assert.Equal(t, "app-foo/bar\ndev-libs/baz:2\n", string(b))
	b, err = os.ReadFile(filepath.Join(eroot, WorldSetsFile))
	require.NoError(t, err)
	assert.Equal(t, "@kde\n", string(b))

	again := NewWorldSelectedSet(eroot)
	assert.True(t, again.Contains("dev-libs/baz:2"))
	assert.True(t, again.Contains("@kde"))
	require.NoError(t, again.Remove("app-foo/bar"))

	third := NewWorldSelectedSet(eroot)
	assert.False(t, third.Contains("app-foo/bar"))
	assert.Len(t, third.Atoms(), 1)
}

func TestSetConfigExpand(t *testing.T) {
	eroot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(eroot, "var/lib/portage"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(eroot, WorldFile), []byte("app-foo/bar\n# comment\nsys-apps/base\n"), 0644))

	c, selected := NewSetConfig(eroot, []string{"sys-apps/base", "sys-libs/libc"})
	assert.Equal(t, []string{"selected", "system", "world"}, c.Names())
	assert.Len(t, selected.Atoms(), 2)

	atoms, err := c.Expand("@world")
	require.NoError(t, err)
	assert.Equal(t, []string{"app-foo/bar", "sys-apps/base", "sys-libs/libc"}, atoms)

	loop, err := NewInternalPackageSet("loop", []string{"@loop"}, true)
	require.NoError(t, err)
	c.Add(loop)
	_, err = c.Expand("loop")
	assert.Error(t, err)
	_, err = c.Expand("@missing")
	assert.Error(t, err)
}
