package dbapi

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/emergo/pkg/checksum"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/xpak"
)

func mustAtom(t *testing.T, s string) *dep.Atom {
	t.Helper()
	a, err := dep.NewAtom(s)
	require.NoError(t, err)
	return a
}

func newFakeTree(t *testing.T) *FakeDbapi {
	f := NewFakeDbapi()
	require.NoError(t, f.CpvInject("app-foo/bar-1", map[string]string{"SLOT": "0", "IUSE": "+ssl"}))
	require.NoError(t, f.CpvInject("app-foo/bar-2", map[string]string{"SLOT": "0"}))
	require.NoError(t, f.CpvInject("app-foo/bar-3", map[string]string{"SLOT": "3"}))
	require.NoError(t, f.CpvInject("dev-libs/libbar-1", map[string]string{"SLOT": "0"}))
	require.NoError(t, f.CpvInject("virtual/bar-0", map[string]string{"SLOT": "0"}))
	return f
}

func TestFakeDbapiMatch(t *testing.T) {
	f := newFakeTree(t)
	assert.Equal(t, []string{"app-foo/bar", "dev-libs/libbar", "virtual/bar"}, f.CpAll())

	var got []string
	for _, p := range f.Match(mustAtom(t, ">=app-foo/bar-2")) {
		got = append(got, p.Cpv)
	}
	assert.Equal(t, []string{"app-foo/bar-2", "app-foo/bar-3"}, got)

	got = nil
	for _, p := range f.Match(mustAtom(t, "app-foo/bar:0")) {
		got = append(got, p.Cpv)
	}
	assert.Equal(t, []string{"app-foo/bar-1", "app-foo/bar-2"}, got)

	f.CpvRemove("app-foo/bar-2")
	assert.False(t, f.CpvExists("app-foo/bar-2"))
	_, err := f.AuxGet("app-foo/bar-2", []string{"SLOT"})
	assert.True(t, errors.Is(err, ErrPackageNotFound))

	md, err := AuxMap(f, "app-foo/bar-3", []string{"SLOT"})
	require.NoError(t, err)
	assert.Equal(t, "3", md["SLOT"])
}

func TestDepExpand(t *testing.T) {
	f := newFakeTree(t)

	a, err := DepExpand("libbar", f)
	require.NoError(t, err)
	assert.Equal(t, "dev-libs/libbar", a.Cp)

	// The virtual loses against the only real package.
	a, err = DepExpand(">=bar-2", f)
	require.NoError(t, err)
	assert.Equal(t, "app-foo/bar", a.Cp)
	assert.Equal(t, ">=", a.Operator)

	a, err = DepExpand("unknown", f)
	require.NoError(t, err)
	assert.Equal(t, "null/unknown", a.Cp)

	require.NoError(t, f.CpvInject("sys-apps/bar-1", map[string]string{"SLOT": "0"}))
	_, err = DepExpand("bar", f)
	var ambiguous *AmbiguousPackageNameError
	require.True(t, errors.As(err, &ambiguous))
	assert.Equal(t, []string{"app-foo/bar", "sys-apps/bar", "virtual/bar"}, ambiguous.Matches)
}

func TestSimilarNameSearch(t *testing.T) {
	f := newFakeTree(t)
	assert.Contains(t, SimilarNameSearch("dev-libs/libbaz", f), "dev-libs/libbar")
	assert.Contains(t, SimilarNameSearch("null/libbr", f), "dev-libs/libbar")
	assert.Empty(t, SimilarNameSearch("sys-kernel/zzzzzzzzzzzz", f))
}

func TestPackageIndexRoundTrip(t *testing.T) {
	in := strings.Join([]string{
		"ACCEPT_KEYWORDS: amd64",
		"CHOST: x86_64-pc-linux-gnu",
		"PACKAGES: 1",
		"",
		"CPV: app-foo/bar-1",
		"DESC: a bar",
		"MTIME: 1700000000",
		"RDEPEND: ssl? ( dev-libs/openssl )",
		"USE: ssl",
		"",
	}, "\n")
	idx := NewPackageIndex()
	require.NoError(t, idx.Read(strings.NewReader(in)))
	require.Len(t, idx.Packages, 1)
	p := idx.Packages[0]
	assert.Equal(t, "a bar", p["DESCRIPTION"])
	assert.Equal(t, "1700000000", p["_mtime_"])
	assert.Equal(t, "x86_64-pc-linux-gnu", p["CHOST"])
	assert.Equal(t, "0", p["SLOT"])

	var buf bytes.Buffer
	require.NoError(t, idx.Write(&buf))
	out := buf.String()
	assert.Contains(t, out, "CPV: app-foo/bar-1\nDESC: a bar\nMTIME: 1700000000\n")
	assert.NotContains(t, out, "SLOT: 0")
	assert.Equal(t, 1, strings.Count(out, "CHOST:"))
}

func TestBinDbapiInject(t *testing.T) {
	dir := t.TempDir()
	pkgFile := filepath.Join(dir, "app-foo", "bar-1.tbz2")
	require.NoError(t, os.MkdirAll(filepath.Dir(pkgFile), 0755))
	require.NoError(t, os.WriteFile(pkgFile, []byte("binary"), 0644))

	b := NewBinDbapi(dir)
	require.NoError(t, b.Inject("app-foo/bar-1", pkgFile, map[string]string{
		"SLOT": "0", "EAPI": "8", "USE": "", "IUSE": "ssl",
		"RDEPEND": "ssl? ( dev-libs/openssl ) dev-libs/libbar",
	}))
	assert.FileExists(t, filepath.Join(dir, "Packages"))

	fresh := NewBinDbapi(dir)
	assert.Equal(t, []string{"app-foo/bar-1"}, fresh.CpvAll())
	values, err := fresh.AuxGet("app-foo/bar-1", []string{"RDEPEND", "SIZE", "MD5"})
	require.NoError(t, err)
	assert.Equal(t, "dev-libs/libbar", values[0])
	assert.Equal(t, "6", values[1])
	sum, _ := checksum.ChecksumStr("binary", "MD5")
	assert.Equal(t, sum, values[2])
	assert.Equal(t, uint64(6), fresh.TotalSize([]string{"app-foo/bar-1"}))
	assert.Equal(t, pkgFile, fresh.Getname("app-foo/bar-1"))

	require.NoError(t, os.Remove(pkgFile))
	gone := NewBinDbapi(dir)
	assert.Empty(t, gone.CpvAll())
}

func TestBinDbapiScan(t *testing.T) {
	dir := t.TempDir()
	pkgFile := filepath.Join(dir, "app-foo", "bar-1.tbz2")
	require.NoError(t, os.MkdirAll(filepath.Dir(pkgFile), 0755))
	seg := xpak.Encode(map[string][]byte{
		"CATEGORY": []byte("app-foo\n"),
		"PF":       []byte("bar-1\n"),
		"SLOT":     []byte("2\n"),
		"RDEPEND":  []byte("dev-libs/libbar\n  dev-libs/libbaz\n"),
	})
	content := append([]byte("payload"), seg...)
	content = append(content, 0, 0, 0, byte(len(seg)))
	content = append(content, "STOP"...)
	require.NoError(t, os.WriteFile(pkgFile, content, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.tbz2"), []byte("no metadata"), 0644))

	b := NewBinDbapi(dir)
	added, err := b.Scan()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-foo/bar-1"}, added)
	values, err := b.AuxGet("app-foo/bar-1", []string{"SLOT", "RDEPEND", "EAPI"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "dev-libs/libbar dev-libs/libbaz", "0"}, values)

	added, err = NewBinDbapi(dir).Scan()
	require.NoError(t, err)
	assert.Empty(t, added)
}

func writeEbuildRepo(t *testing.T, ebuilds map[string]map[string]string) string {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "profiles"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "profiles", "repo_name"), []byte("test_repo\n"), 0644))
	for cpv, md := range ebuilds {
		split := strings.SplitN(cpv, "/", 2)
		pn := strings.SplitN(split[1], "-", 2)[0]
		ebuild := filepath.Join(repo, split[0], pn, split[1]+".ebuild")
		require.NoError(t, os.MkdirAll(filepath.Dir(ebuild), 0755))
		content := "EAPI=" + md["EAPI"] + "\n"
		require.NoError(t, os.WriteFile(ebuild, []byte(content), 0644))
		if md == nil {
			continue
		}
		sum, err := checksum.ChecksumStr(content, "MD5")
		require.NoError(t, err)
		entry := filepath.Join(repo, "metadata", "md5-cache", cpv)
		require.NoError(t, os.MkdirAll(filepath.Dir(entry), 0755))
		var b strings.Builder
		for k, v := range md {
			b.WriteString(k + "=" + v + "\n")
		}
		b.WriteString("_md5_=" + sum + "\n")
		require.NoError(t, os.WriteFile(entry, []byte(b.String()), 0644))
	}
	return repo
}

func TestPortDbapiVisibility(t *testing.T) {
	repo := writeEbuildRepo(t, map[string]map[string]string{
		"app-foo/bar-1":   {"EAPI": "8", "SLOT": "0", "KEYWORDS": "amd64", "IUSE": "+ssl doc"},
		"app-foo/bar-2":   {"EAPI": "8", "SLOT": "0", "KEYWORDS": "~amd64"},
		"app-foo/bar-3":   {"EAPI": "9", "SLOT": "0", "KEYWORDS": "amd64"},
		"app-foo/baz-1":   {"EAPI": "8", "SLOT": "0", "KEYWORDS": "amd64"},
		"app-foo/nocache-1": nil,
	})
	mask := mustAtom(t, "app-foo/baz")
	p, err := NewPortDbapi("", repo, PortOptions{
		Use:            map[string]bool{"doc": true},
		AcceptKeywords: []string{"amd64"},
		PackageMask:    []*dep.Atom{mask},
	})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "test_repo", p.Name)
	assert.Equal(t, []string{"app-foo/bar", "app-foo/baz", "app-foo/nocache"}, p.CpAll())

	all := p.Match(mustAtom(t, "app-foo/bar"))
	require.Len(t, all, 3)
	visible := p.MatchVisible(mustAtom(t, "app-foo/bar"))
	require.Len(t, visible, 1)
	assert.Equal(t, "app-foo/bar-1", visible[0].Cpv)
	assert.Equal(t, "test_repo", visible[0].Repo)
	assert.True(t, visible[0].Use["ssl"])
	assert.True(t, visible[0].Use["doc"])

	assert.Equal(t, []string{"missing keyword"}, p.MaskReasons(all[1]))
	assert.Equal(t, []string{"EAPI 9"}, p.MaskReasons(all[2]))
	assert.Empty(t, p.MatchVisible(mask))
	assert.Empty(t, p.MatchVisible(mustAtom(t, "app-foo/nocache")))
	assert.Empty(t, p.Match(mustAtom(t, "app-foo/bar::other")))

	values, err := p.AuxGet("app-foo/bar-1", []string{"USE", "repository", "EAPI"})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc ssl", "test_repo", "8"}, values)
}

func TestPortDbapiStaleCache(t *testing.T) {
	repo := writeEbuildRepo(t, map[string]map[string]string{
		"app-foo/bar-1": {"EAPI": "8", "SLOT": "0"},
	})
	require.NoError(t, os.WriteFile(filepath.Join(repo, "app-foo", "bar", "bar-1.ebuild"), []byte("changed\n"), 0644))
	p, err := NewPortDbapi("", repo, PortOptions{})
	require.NoError(t, err)
	pkgs := p.Match(mustAtom(t, "app-foo/bar"))
	require.Len(t, pkgs, 1)
	reasons := p.MaskReasons(pkgs[0])
	require.Len(t, reasons, 1)
	assert.True(t, strings.HasPrefix(reasons[0], "corruption: "))
}
