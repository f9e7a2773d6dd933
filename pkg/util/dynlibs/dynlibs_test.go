package dynlibs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNeededDB map[string]string

func (f fakeNeededDB) CpvAll() []string {
	var out []string
	for k := range f {
		out = append(out, k)
	}
	return out
}

func (f fakeNeededDB) AuxGet(cpv string, keys []string) ([]string, error) {
	return []string{f[cpv]}, nil
}

func touch(t *testing.T, root string, paths ...string) {
	for _, p := range paths {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(p), 0644))
	}
}

func TestParseNeededEntry(t *testing.T) {
	e, err := ParseNeededEntry("test", "X86_64;/usr/bin/bar;;$ORIGIN/../lib:/opt/lib;libfoo.so.1,libc.so.6;x86_64")
	require.NoError(t, err)
	assert.Equal(t, "X86_64", e.Arch)
	assert.Equal(t, "/usr/bin/bar", e.Filename)
	assert.Equal(t, []string{"$ORIGIN/../lib", "/opt/lib"}, e.Runpaths)
	assert.Equal(t, []string{"libfoo.so.1", "libc.so.6"}, e.Needed)
	assert.Equal(t, "x86_64", e.MultilibCategory)
	assert.Equal(t, "X86_64;/usr/bin/bar;;$ORIGIN/../lib:/opt/lib;libfoo.so.1,libc.so.6;x86_64", e.String())

	_, err = ParseNeededEntry("test", "X86_64;/usr/bin/bar")
	assert.Error(t, err)

	assert.Equal(t, "/opt/app/lib", expandOrigin("$ORIGIN/lib", "/opt/app"))
	assert.Equal(t, "/opt/app/lib", expandOrigin("${ORIGIN}/lib", "/opt/app"))
}

func TestLinkageMapConsumers(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "/usr/lib/libfoo.so.1", "/usr/bin/bar", "/opt/baz/bin/baz", "/opt/baz/lib/libbaz.so")
	db := fakeNeededDB{
		"dev-libs/foo-1": "X86_64;/usr/lib/libfoo.so.1;libfoo.so.1;;libc.so.6;x86_64",
		"app-foo/bar-1":  "X86_64;/usr/bin/bar;;;libfoo.so.1;x86_64",
		"app-foo/baz-1": "X86_64;/opt/baz/bin/baz;;$ORIGIN/../lib;libbaz.so;x86_64\n" +
			"X86_64;/opt/baz/lib/libbaz.so;libbaz.so;;;x86_64",
	}
	lm := NewLinkageMap(db, nil, root)
	require.NoError(t, lm.Rebuild(nil, "", nil))

	consumers, err := lm.FindConsumers("/usr/lib/libfoo.so.1", nil, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/bar"}, consumers)

	providers, err := lm.FindProviders("/usr/bin/bar")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/lib/libfoo.so.1"}, providers["libfoo.so.1"])

	consumers, err = lm.FindConsumers("/opt/baz/lib/libbaz.so", nil, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/baz/bin/baz"}, consumers)

	owners, err := lm.GetOwners("/usr/lib/libfoo.so.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-libs/foo-1"}, owners)

	soname, err := lm.GetSoname("/usr/lib/libfoo.so.1")
	require.NoError(t, err)
	assert.Equal(t, "libfoo.so.1", soname)

	libs, err := lm.ListLibraryObjects()
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/baz/lib/libbaz.so", "/usr/lib/libfoo.so.1"}, libs)

	broken, err := lm.ListBrokenBinaries()
	require.NoError(t, err)
	assert.Equal(t, []string{"libc.so.6"}, broken["/usr/lib/libfoo.so.1"])
	assert.NotContains(t, broken, "/usr/bin/bar")

	_, err = lm.FindConsumers("/no/such/lib.so", nil, true)
	assert.Error(t, err)
}

func TestLinkageMapAlternativeProvider(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "/usr/lib/libfoo.so.1", "/lib/libfoo.so.1", "/usr/bin/bar")
	db := fakeNeededDB{
		"dev-libs/foo-1": "X86_64;/usr/lib/libfoo.so.1;libfoo.so.1;;;x86_64",
		"dev-libs/foo-2": "X86_64;/lib/libfoo.so.1;libfoo.so.1;;;x86_64",
		"app-foo/bar-1":  "X86_64;/usr/bin/bar;;;libfoo.so.1;x86_64",
	}
	lm := NewLinkageMap(db, nil, root)
	require.NoError(t, lm.Rebuild(nil, "", nil))

	consumers, err := lm.FindConsumers("/usr/lib/libfoo.so.1", nil, false)
	require.NoError(t, err)
	assert.Empty(t, consumers)

	isFoo2 := func(p string) bool { return p == "/lib/libfoo.so.1" }
	consumers, err = lm.FindConsumers("/usr/lib/libfoo.so.1", []func(string) bool{isFoo2}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/bar"}, consumers)
}

func TestLinkageMapSonameLink(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "/usr/lib/libfoo.so.1.0", "/usr/lib/libfoo.so.1.1", "/usr/bin/bar")
	require.NoError(t, os.Symlink("libfoo.so.1.1", filepath.Join(root, "usr/lib/libfoo.so.1")))
	db := fakeNeededDB{
		"dev-libs/foo-1": "X86_64;/usr/lib/libfoo.so.1.0;libfoo.so.1;;;x86_64\n" +
			"X86_64;/usr/lib/libfoo.so.1.1;libfoo.so.1;;;x86_64",
		"app-foo/bar-1": "X86_64;/usr/bin/bar;;;libfoo.so.1;x86_64",
	}
	lm := NewLinkageMap(db, nil, root)
	require.NoError(t, lm.Rebuild(nil, "", nil))

	consumers, err := lm.FindConsumers("/usr/lib/libfoo.so.1.0", nil, true)
	require.NoError(t, err)
	assert.Empty(t, consumers)
	consumers, err = lm.FindConsumers("/usr/lib/libfoo.so.1.1", nil, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/bar"}, consumers)

	master, err := lm.IsMasterLink("/usr/lib/libfoo.so.1.1")
	require.NoError(t, err)
	assert.False(t, master)
}

func TestPreservedLibsRegistry(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "/usr/lib/libfoo.so.1.0")
	require.NoError(t, os.Symlink("libfoo.so.1.0", filepath.Join(root, "usr/lib/libfoo.so.1")))
	require.NoError(t, os.Symlink("missing", filepath.Join(root, "usr/lib/libdangling.so")))
	regFile := filepath.Join(root, "var/lib/portage/preserved_libs_registry")

	reg := NewPreservedLibsRegistry(root, regFile)
	require.NoError(t, reg.Lock())
	require.NoError(t, reg.Load())
	assert.False(t, reg.HasEntries())
	reg.Register("dev-libs/foo-1", "0", " 7 ", []string{"/usr/lib/libfoo.so.1.0", "/usr/lib/libfoo.so.1", "/usr/lib/libdangling.so", "/usr/lib/gone.so"})
	require.NoError(t, reg.Store())
	require.NoError(t, reg.Unlock())
	assert.Error(t, reg.Unlock())

	raw, err := os.ReadFile(regFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"dev-libs/foo:0"`))

	again := NewPreservedLibsRegistry(root, regFile)
	require.NoError(t, again.Load())
	assert.Equal(t, map[string][]string{
		"dev-libs/foo-1": {"/usr/lib/libfoo.so.1", "/usr/lib/libfoo.so.1.0"},
	}, again.GetPreservedLibs())

	again.Unregister("dev-libs/foo-2", "0", "7")
	assert.True(t, again.HasEntries())
	again.Unregister("dev-libs/foo-1", "0", "8")
	assert.True(t, again.HasEntries())
	again.Unregister("dev-libs/foo-1", "0", "7")
	assert.False(t, again.HasEntries())

	require.NoError(t, again.Store())
	emptied := NewPreservedLibsRegistry(root, regFile)
	require.NoError(t, emptied.Load())
	assert.False(t, emptied.HasEntries())
}

func TestLinkageMapPreservedLibs(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "/usr/lib/libold.so.1", "/usr/bin/bar")
	regFile := filepath.Join(root, "registry")
	reg := NewPreservedLibsRegistry(root, regFile)
	require.NoError(t, reg.Load())
	reg.Register("dev-libs/old-1", "0", "3", []string{"/usr/lib/libold.so.1"})

	db := fakeNeededDB{"app-foo/bar-1": "X86_64;/usr/bin/bar;;;libold.so.1;x86_64"}
	lm := NewLinkageMap(db, reg, root)
	require.NoError(t, lm.Rebuild(nil, "", nil))
	assert.True(t, lm.Contains("/usr/lib/libold.so.1"))
	owners, err := lm.GetOwners("/usr/lib/libold.so.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-libs/old-1"}, owners)
}
