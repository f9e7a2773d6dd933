package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/emergo/pkg/checksum"
	"github.com/ppphp/emergo/pkg/exception"
)

func TestConfigProtect(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc/env.d"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/single"), nil, 0644))

	cp := NewConfigProtect(root, []string{"/etc", "/usr/share/config"}, []string{"/etc/env.d", "/etc/single"}, false)
	assert.True(t, cp.IsProtected(filepath.Join(root, "etc/fstab")))
	assert.True(t, cp.IsProtected(filepath.Join(root, "usr/share/config/kdeglobals")))
	assert.False(t, cp.IsProtected(filepath.Join(root, "etcetera/file")))
	assert.False(t, cp.IsProtected(filepath.Join(root, "etc/env.d/00basic")))
	assert.False(t, cp.IsProtected(filepath.Join(root, "etc/single")))
	assert.True(t, cp.IsProtected(filepath.Join(root, "etc/singleton")))

	ci := NewConfigProtect(root, []string{"/ETC"}, nil, true)
	assert.True(t, ci.IsProtected(filepath.Join(root, "etc/Fstab")))
}

func TestNewProtectFilename(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "make.conf")

	got, err := NewProtectFilename(dest, "", false)
	require.NoError(t, err)
	assert.Equal(t, dest, got)

	require.NoError(t, os.WriteFile(dest, []byte("old"), 0644))
	got, err = NewProtectFilename(dest, "", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "._cfg0000_make.conf"), got)

	require.NoError(t, os.WriteFile(got, []byte("new"), 0644))
	sum, err := checksum.PerformMd5(got)
	require.NoError(t, err)

	again, err := NewProtectFilename(dest, sum, false)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	other, err := NewProtectFilename(dest, "0123", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "._cfg0001_make.conf"), other)
}

func TestWriteAtomic(t *testing.T) {
	p := filepath.Join(t.TempDir(), "COUNTER")
	require.NoError(t, os.WriteFile(p, []byte("1"), 0600))
	require.NoError(t, WriteAtomic(p, []byte("2")))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "2", string(b))
	st, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())

	err = WriteAtomic(filepath.Join(t.TempDir(), "missing", "x"), nil)
	assert.True(t, errors.Is(err, exception.ErrFileNotFound))

	f, err := NewAtomicOfstream(p, false)
	require.NoError(t, err)
	f.WriteString("3")
	f.Abort()
	b, _ = os.ReadFile(p)
	assert.Equal(t, "2", string(b))
}

func TestEnsureDirs(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a", "b")
	created, err := EnsureDirs(p, 0755)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = EnsureDirs(p, 0755)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMovefile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "image", "usr", "bin", "x")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0755))
	require.NoError(t, os.WriteFile(src, []byte("test"), 0755))
	mtime := time.Unix(1700000000, 0)

	dest := filepath.Join(dir, "root", "usr", "bin", "x")
	got, err := Movefile(src, dest, MovefileOptions{NewMtime: mtime})
	require.NoError(t, err)
	assert.Equal(t, mtime.Unix(), got.Unix())
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "test", string(b))
	assert.NoFileExists(t, src)

	link := filepath.Join(dir, "image", "lnk")
	require.NoError(t, os.Symlink("usr/bin/x", link))
	_, err = Movefile(link, filepath.Join(dir, "root", "lnk"), MovefileOptions{})
	require.NoError(t, err)
	target, err := os.Readlink(filepath.Join(dir, "root", "lnk"))
	require.NoError(t, err)
	assert.Equal(t, "usr/bin/x", target)

	require.NoError(t, os.WriteFile(src, []byte("y"), 0644))
	_, err = Movefile(src, filepath.Join(dir, "root", "usr"), MovefileOptions{})
	assert.Error(t, err)
}

func TestInstallMask(t *testing.T) {
	m := NewInstallMask("/usr/share/doc *.la -/usr/share/doc/keep")
	assert.True(t, m.Match("usr/share/doc/foo/README"))
	assert.True(t, m.Match("usr/share/doc/"))
	assert.True(t, m.Match("usr/lib/libfoo.la"))
	assert.False(t, m.Match("usr/share/doc/keep"))
	assert.False(t, m.Match("usr/lib/libfoo.so"))

	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "usr/share/doc/foo"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "usr/lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "usr/share/doc/foo/README"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "usr/lib/libfoo.la"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "usr/lib/libfoo.so"), nil, 0644))
	InstallMaskDir(base, NewInstallMask("/usr/share/doc *.la"), nil)
	assert.NoDirExists(t, filepath.Join(base, "usr/share/doc"))
	assert.NoFileExists(t, filepath.Join(base, "usr/lib/libfoo.la"))
	assert.FileExists(t, filepath.Join(base, "usr/lib/libfoo.so"))
}

func TestFnmatch(t *testing.T) {
	assert.True(t, Fnmatch("a/b/c", "a/*"))
	assert.True(t, Fnmatch("lib.so.1", "lib.so.[0-9]"))
	assert.False(t, Fnmatch("lib.so.x", "lib.so.[!a-z]"))
	assert.True(t, Fnmatch("x+y", "x+?"))
}

func TestLinuxRoChecker(t *testing.T) {
	dir := t.TempDir()
	info := filepath.Join(dir, "mountinfo")
	content := "22 1 8:1 / " + dir + " ro,relatime shared:1 - ext4 /dev/sda1 ro\n" +
		"garbage\n"
	require.NoError(t, os.WriteFile(info, []byte(content), 0644))
	old := mountinfoPath
	mountinfoPath = info
	defer func() { mountinfoPath = old }()

	assert.Equal(t, []string{dir}, linuxRoChecker([]string{filepath.Join(dir, "not", "yet")}))
	assert.Empty(t, linuxRoChecker([]string{"/proc"}))
}

func TestMtimeDB(t *testing.T) {
	p := filepath.Join(t.TempDir(), "mtimedb")
	m := NewMtimeDB(p)
	assert.Nil(t, m.Resume)
	m.Resume = &ResumeData{Mergelist: [][4]string{{"ebuild", "/", "app-foo/bar-1", "merge"}}, Favorites: []string{"app-foo/bar"}}
	require.NoError(t, m.Commit("1"))

	m2 := NewMtimeDB(p)
	require.NotNil(t, m2.Resume)
	assert.Equal(t, "app-foo/bar-1", m2.Resume.Mergelist[0][2])
	assert.Equal(t, "1", m2.Version)

	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n    \"")

	m2.Resume = nil
	m2.Updates["/var/db/repos/gentoo/profiles/updates/1Q-2024"] = 1700000000
	require.NoError(t, m2.Commit("2"))
	m3 := NewMtimeDB(p)
	assert.Nil(t, m3.Resume)
	assert.Equal(t, int64(1700000000), m3.Updates["/var/db/repos/gentoo/profiles/updates/1Q-2024"])
	assert.Equal(t, "2", m3.Version)
}
