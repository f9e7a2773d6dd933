package dbapi

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/emergo/pkg/checksum"
	"github.com/ppphp/emergo/pkg/exception"
)

type testImage struct {
	files map[string]string
	links map[string]string
	info  map[string]string
}

func newTestVardb(t *testing.T) *VarDbapi {
	t.Helper()
	root := t.TempDir()
	cfg := NewConfig(root)
	cfg.TmpDir = t.TempDir()
	return NewVarDbapi(cfg)
}

func (img testImage) write(t *testing.T) (string, string) {
	t.Helper()
	base := t.TempDir()
	image := filepath.Join(base, "image")
	info := filepath.Join(base, "build-info")
	require.NoError(t, os.MkdirAll(image, 0755))
	for p, content := range img.files {
		dest := filepath.Join(image, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
		require.NoError(t, os.WriteFile(dest, []byte(content), 0644))
	}
	for p, target := range img.links {
		dest := filepath.Join(image, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
		require.NoError(t, os.Symlink(target, dest))
	}
	md := map[string]string{"SLOT": "0", "EAPI": "8", "repository": "gentoo"}
	for k, v := range img.info {
		md[k] = v
	}
	require.NoError(t, writeInfo(info, md))
	return image, info
}

func mergeTestImage(t *testing.T, vardb *VarDbapi, cpv string, img testImage) error {
	t.Helper()
	image, info := img.write(t)
	split := strings.SplitN(cpv, "/", 2)
	return Merge(split[0], split[1], image, info, vardb, nil)
}

func readTarget(t *testing.T, vardb *VarDbapi, p string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(vardb.settings.Root, p))
	require.NoError(t, err)
	return string(b)
}

func TestMergeRecordsContents(t *testing.T) {
	vardb := newTestVardb(t)
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-1", testImage{
		files: map[string]string{"usr/bin/bar": "bar", "usr/share/doc/bar/README": "docs"},
		links: map[string]string{"usr/bin/b": "bar"},
	}))

	assert.Equal(t, []string{"app-foo/bar-1"}, vardb.CpvAll())
	assert.NoDirExists(t, filepath.Join(vardb.dbroot, "app-foo", mergingPrefix+"bar-1"))
	assert.Equal(t, "bar", readTarget(t, vardb, "usr/bin/bar"))

	d := vardb.Dblink("app-foo/bar-1")
	c := d.Contents()
	root := rootPrefix(vardb.settings.Root)
	sum, err := checksum.ChecksumStr("bar", "MD5")
	require.NoError(t, err)
	assert.Equal(t, ContentsObj, c[root+"/usr/bin/bar"].Type)
	assert.Equal(t, sum, c[root+"/usr/bin/bar"].Hash)
	assert.Equal(t, "bar", c[root+"/usr/bin/b"].Target)
	assert.Equal(t, ContentsDir, c[root+"/usr/share/doc/bar"].Type)
	assert.True(t, d.IsOwner("/usr/bin/bar"))
	assert.False(t, d.IsOwner("/usr/bin/other"))

	values, err := vardb.AuxGet("app-foo/bar-1", []string{"SLOT", "EAPI", "COUNTER"})
	require.NoError(t, err)
	assert.Equal(t, "0", values[0])
	assert.Equal(t, "8", values[1])
	assert.Equal(t, "0", values[2])
}

func TestMergeFileCollision(t *testing.T) {
	vardb := newTestVardb(t)
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-1", testImage{
		files: map[string]string{"usr/bin/x": "from bar"},
	}))
	err := mergeTestImage(t, vardb, "app-foo/qux-1", testImage{
		files: map[string]string{"usr/bin/x": "from qux", "usr/bin/qux": "qux"},
	})
	var collision *exception.FileCollisionError
	require.True(t, errors.As(err, &collision), "got %v", err)
	assert.Equal(t, "app-foo/qux-1", collision.Cpv)
	assert.Equal(t, []string{"/usr/bin/x"}, collision.Paths)
	assert.True(t, errors.Is(err, exception.ErrFileCollision))

	assert.False(t, vardb.CpvExists("app-foo/qux-1"))
	assert.Equal(t, "from bar", readTarget(t, vardb, "usr/bin/x"))
	assert.NoFileExists(t, filepath.Join(vardb.settings.Root, "usr/bin/qux"))
}

func TestMergeCollisionWithUnownedFileIsAllowed(t *testing.T) {
	vardb := newTestVardb(t)
	stray := filepath.Join(vardb.settings.Root, "usr/bin/x")
	require.NoError(t, os.MkdirAll(filepath.Dir(stray), 0755))
	require.NoError(t, os.WriteFile(stray, []byte("stray"), 0644))

	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-1", testImage{
		files: map[string]string{"usr/bin/x": "bar"},
	}))
	assert.Equal(t, "bar", readTarget(t, vardb, "usr/bin/x"))

	vardb.settings.Features["collision-protect"] = true
	require.NoError(t, os.WriteFile(filepath.Join(vardb.settings.Root, "usr/bin/y"), []byte("stray"), 0644))
	err := mergeTestImage(t, vardb, "app-foo/baz-1", testImage{
		files: map[string]string{"usr/bin/y": "baz"},
	})
	assert.True(t, errors.Is(err, exception.ErrFileCollision))
}

func TestMergeReplacesSameSlot(t *testing.T) {
	vardb := newTestVardb(t)
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-1", testImage{
		files: map[string]string{"usr/bin/bar": "v1", "usr/lib/bar/old.dat": "old"},
	}))
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-2", testImage{
		files: map[string]string{"usr/bin/bar": "v2"},
	}))

	assert.Equal(t, []string{"app-foo/bar-2"}, vardb.CpvAll())
	assert.Equal(t, "v2", readTarget(t, vardb, "usr/bin/bar"))
	assert.NoFileExists(t, filepath.Join(vardb.settings.Root, "usr/lib/bar/old.dat"))
	assert.NoDirExists(t, filepath.Join(vardb.settings.Root, "usr/lib/bar"))
	assert.Equal(t, int64(1), vardb.CpvCounter("app-foo/bar-2"))
}

func TestMergeKeepsOtherSlot(t *testing.T) {
	vardb := newTestVardb(t)
	require.NoError(t, mergeTestImage(t, vardb, "dev-lang/py-3.11", testImage{
		files: map[string]string{"usr/bin/py3.11": "311"},
		info:  map[string]string{"SLOT": "3.11"},
	}))
	require.NoError(t, mergeTestImage(t, vardb, "dev-lang/py-3.12", testImage{
		files: map[string]string{"usr/bin/py3.12": "312"},
		info:  map[string]string{"SLOT": "3.12"},
	}))
	assert.Equal(t, []string{"dev-lang/py-3.11", "dev-lang/py-3.12"}, vardb.CpvAll())
	assert.Equal(t, "311", readTarget(t, vardb, "usr/bin/py3.11"))
}

func TestMergeConfigProtect(t *testing.T) {
	vardb := newTestVardb(t)
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-1", testImage{
		files: map[string]string{"etc/bar.conf": "a", "etc/bar/other.conf": "o1"},
	}))
	assert.Equal(t, "a", readTarget(t, vardb, "etc/bar.conf"))

	require.NoError(t, os.WriteFile(filepath.Join(vardb.settings.Root, "etc/bar.conf"), []byte("edited"), 0644))
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-2", testImage{
		files: map[string]string{"etc/bar.conf": "b", "etc/bar/other.conf": "o2"},
	}))

	assert.Equal(t, "edited", readTarget(t, vardb, "etc/bar.conf"))
	assert.Equal(t, "b", readTarget(t, vardb, "etc/._cfg0000_bar.conf"))
	// Unmodified protected files owned by the replaced package are updated.
	assert.Equal(t, "o2", readTarget(t, vardb, "etc/bar/other.conf"))
	assert.NoFileExists(t, filepath.Join(vardb.settings.Root, "etc/bar/._cfg0000_other.conf"))

	sum, _ := checksum.ChecksumStr("b", "MD5")
	assert.Equal(t, sum, readConfMem(vardb.confMemFile)["/etc/bar.conf"])

	// The same update is not offered a second time.
	require.NoError(t, os.Remove(filepath.Join(vardb.settings.Root, "etc/._cfg0000_bar.conf")))
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-3", testImage{
		files: map[string]string{"etc/bar.conf": "b", "etc/bar/other.conf": "o2"},
	}))
	assert.Equal(t, "edited", readTarget(t, vardb, "etc/bar.conf"))
	assert.NoFileExists(t, filepath.Join(vardb.settings.Root, "etc/._cfg0000_bar.conf"))
}

func TestUnmergeSkipsModified(t *testing.T) {
	vardb := newTestVardb(t)
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-1", testImage{
		files: map[string]string{
			"usr/bin/bar":         "bar",
			"usr/share/bar/data":  "data",
			"etc/bar.conf":        "conf",
			"etc/bar/edited.conf": "conf",
		},
		links: map[string]string{"usr/bin/b": "bar"},
	}))
	root := vardb.settings.Root
	modified := filepath.Join(root, "usr/share/bar/data")
	require.NoError(t, os.WriteFile(modified, []byte("changed by hand"), 0644))
	editedConf := filepath.Join(root, "etc/bar/edited.conf")
	require.NoError(t, os.WriteFile(editedConf, []byte("local edit"), 0644))

	require.NoError(t, Unmerge("app-foo", "bar-1", vardb))

	assert.Empty(t, vardb.CpvAll())
	assert.NoFileExists(t, filepath.Join(root, "usr/bin/bar"))
	_, err := os.Lstat(filepath.Join(root, "usr/bin/b"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, modified)
	// unmodified config files go with the package, edited ones stay
	assert.NoFileExists(t, filepath.Join(root, "etc/bar.conf"))
	assert.FileExists(t, editedConf)
	assert.NoDirExists(t, filepath.Join(root, "usr/bin"))
}

func TestUnmergeKeepsFilesOwnedByNewerInstance(t *testing.T) {
	vardb := newTestVardb(t)
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-1", testImage{
		files: map[string]string{"usr/bin/bar": "v1"},
	}))
	old := vardb.Dblink("app-foo/bar-1")
	newer := NewDblink("app-foo", "bar-2", vardb, nil)
	image, info := testImage{files: map[string]string{"usr/bin/bar": "v2"}}.write(t)

	vardb.settings.Features["noclean"] = true
	require.NoError(t, newer.Merge(image, info))
	assert.Equal(t, []string{"app-foo/bar-1", "app-foo/bar-2"}, vardb.CpvAll())

	require.NoError(t, old.Unmerge([]*Dblink{vardb.Dblink("app-foo/bar-2")}, "", nil))
	require.NoError(t, old.Delete())
	assert.Equal(t, "v2", readTarget(t, vardb, "usr/bin/bar"))
	assert.Equal(t, []string{"app-foo/bar-2"}, vardb.CpvAll())
}

func TestUnmergeMissingPackage(t *testing.T) {
	vardb := newTestVardb(t)
	err := Unmerge("app-foo", "nope-1", vardb)
	assert.True(t, errors.Is(err, ErrPackageNotFound))
}

func TestCounterTickSurvivesCorruptFile(t *testing.T) {
	vardb := newTestVardb(t)
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/bar-1", testImage{files: map[string]string{"a": "a"}}))
	require.NoError(t, mergeTestImage(t, vardb, "app-foo/baz-1", testImage{files: map[string]string{"b": "b"}}))
	require.NoError(t, os.WriteFile(vardb.counterPath, []byte("garbage"), 0644))

	fresh := NewVarDbapi(vardb.settings)
	c, err := fresh.CounterTick()
	require.NoError(t, err)
	assert.Equal(t, int64(2), c)
	b, err := os.ReadFile(fresh.counterPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(2), string(b))
}
