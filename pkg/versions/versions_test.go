package versions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerCmpGreater(t *testing.T) {
	for _, test := range [][2]string{
		{"6.0", "5.0"},
		{"5.12", "5.2"},
		{"5.0", "5"},
		{"1.0-r1", "1.0-r0"},
		{"1.0-r1", "1.0"},
		{"999999999999999999999999999999", "999999999999999999999999999998"},
		{"1.0.0", "1.0"},
		{"1.0.0", "1.0b"},
		{"1b", "1"},
		{"1b_p1", "1_p1"},
		{"1.1b", "1.1"},
		{"12.2.5", "12.2b"}} {
		ans, err := VerCmp(test[0], test[1])
		require.NoError(t, err)
		assert.Greater(t, ans, 0, "%v > %v", test[0], test[1])
	}
}

func TestVerCmpLess(t *testing.T) {
	for _, test := range [][2]string{
		{"4.0", "5.0"}, {"5", "5.0"}, {"1.0_pre2", "1.0_p2"},
		{"1.0_alpha2", "1.0_p2"}, {"1.0_alpha1", "1.0_beta1"}, {"1.0_beta3", "1.0_rc3"},
		{"1.001000000000000000001", "1.001000000000000000002"},
		{"1.00100000000", "1.0010000000000000001"},
		{"999999999999999999999999999998", "999999999999999999999999999999"},
		{"1.01", "1.1"},
		{"1.0-r0", "1.0-r1"},
		{"1.0", "1.0-r1"},
		{"1.0", "1.0.0"},
		{"1.0b", "1.0.0"},
		{"1_p1", "1b_p1"},
		{"1", "1b"},
		{"1.1", "1.1b"},
		{"12.2b", "12.2.5"},
		{"1.0", "1.0_p0"},
		{"1.0_rc1", "1.0"}} {
		ans, err := VerCmp(test[0], test[1])
		require.NoError(t, err)
		assert.Less(t, ans, 0, "%v < %v", test[0], test[1])
	}
}

func TestVerCmpEqual(t *testing.T) {
	for _, test := range [][2]string{
		{"4.0", "4.0"},
		{"1.0", "1.0"},
		{"1.0-r0", "1.0"},
		{"1.0", "1.0-r0"},
		{"1.0-r0", "1.0-r0"},
		{"1.0-r1", "1.0-r1"}} {
		ans, err := VerCmp(test[0], test[1])
		require.NoError(t, err)
		assert.Equal(t, 0, ans, "%v == %v", test[0], test[1])
	}
}

func TestVerNotEqual(t *testing.T) {
	for _, test := range [][2]string{
		{"1", "2"}, {"1.0_alpha", "1.0_pre"}, {"1.0_beta", "1.0_alpha"},
		{"0", "0.0"},
		{"1.0-r0", "1.0-r1"},
		{"1.0-r1", "1.0-r0"},
		{"1.0", "1.0-r1"},
		{"1.0-r1", "1.0"},
		{"1.0", "1.0.0"},
		{"1_p1", "1b_p1"},
		{"1b", "1"},
		{"1.1b", "1.1"},
		{"12.2b", "12.2"}} {
		ans, err := VerCmp(test[0], test[1])
		require.NoError(t, err)
		assert.NotEqual(t, 0, ans, "%v != %v", test[0], test[1])
	}
}

func TestVerCmpInvalid(t *testing.T) {
	_, err := VerCmp("1.0", "1.0-foo")
	assert.Error(t, err)
	assert.False(t, VerVerify("1..0"))
	assert.True(t, VerVerify("2.3_rc1_p2-r4"))
}

func TestCatPkgSplit(t *testing.T) {
	for cpv, want := range map[string][4]string{
		"sys-apps/portage-2.3.99":     {"sys-apps", "portage", "2.3.99", "r0"},
		"app-foo/bar-baz-1.0_beta2-r3": {"app-foo", "bar-baz", "1.0_beta2", "r3"},
		"dev-libs/A-1":                {"dev-libs", "A", "1", "r0"},
	} {
		got, ok := CatPkgSplit(cpv)
		require.True(t, ok, cpv)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"sys-apps/portage", "foo-1.0-1.0", "sys-apps/foo-1.0-2.0"} {
		_, ok := CatPkgSplit(bad)
		assert.False(t, ok, bad)
	}
}

func TestCpvHelpers(t *testing.T) {
	assert.Equal(t, "app-foo/bar", CpvGetKey("app-foo/bar-1.2-r1"))
	assert.Equal(t, "1.2-r1", CpvGetVersion("app-foo/bar-1.2-r1"))
	assert.Equal(t, "", CpvGetKey("app-foo/bar"))
	assert.Equal(t, "app-foo/bar-2", Best([]string{"app-foo/bar-1.9", "app-foo/bar-2", "app-foo/bar-1.10"}))

	cpvs := []string{"b/x-2", "a/y-1", "b/x-1.5"}
	SortCpvs(cpvs)
	assert.Equal(t, []string{"a/y-1", "b/x-1.5", "b/x-2"}, cpvs)
}

func TestNewPkgStr(t *testing.T) {
	p, err := NewPkgStr("dev-libs/openssl-3.0.1-r1", "0/3", "gentoo")
	require.NoError(t, err)
	assert.Equal(t, "dev-libs/openssl", p.Cp)
	assert.Equal(t, "3.0.1-r1", p.Version)
	assert.Equal(t, "openssl-3.0.1-r1", p.Pf)
	assert.Equal(t, "0", p.Slot)
	assert.Equal(t, "3", p.SubSlot)
	assert.Equal(t, "dev-libs/openssl:0", p.SlotKey())

	p, err = NewPkgStr("dev-libs/foo-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "1", p.Version)

	_, err = NewPkgStr("foo-1", "0", "")
	assert.Error(t, err)
}
