package dep

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/versions"
)

func TestAtom(t *testing.T) {
	tests := []struct {
		atom                            string
		op, cp, version, slot, sub, use string
		repo                            string
	}{
		{"=sys-apps/portage-2.1-r1:0[doc,a=,!b=,c?,!d?,-e]", "=", "sys-apps/portage", "2.1-r1", "0", "", "[doc,a=,!b=,c?,!d?,-e]", ""},
		{"=sys-apps/portage-2.1-r1*:0[doc]", "=*", "sys-apps/portage", "2.1-r1", "0", "", "[doc]", ""},
		{"sys-apps/portage:0[doc]", "", "sys-apps/portage", "", "0", "", "[doc]", ""},
		{">=dev-libs/openssl-3.0:0/3", ">=", "dev-libs/openssl", "3.0", "0", "3", "", ""},
		{"=sys-apps/portage-2.1-r1:0::repo_name[doc,a=,!b=,c?,!d?,-e]", "=", "sys-apps/portage", "2.1-r1", "0", "", "[doc,a=,!b=,c?,!d?,-e]", "repo_name"},
		{"sys-apps/portage::repo_name", "", "sys-apps/portage", "", "", "", "", "repo_name"},
		{"dev-libs/A[foo(+)]", "", "dev-libs/A", "", "", "", "[foo(+)]", ""},
		{"~app-foo/bar-baz-1.0_beta2", "~", "app-foo/bar-baz", "1.0_beta2", "", "", "", ""},
	}
	for _, test := range tests {
		a, err := NewAtom(test.atom)
		require.NoError(t, err, test.atom)
		assert.Equal(t, test.op, a.Operator, test.atom)
		assert.Equal(t, test.cp, a.Cp, test.atom)
		assert.Equal(t, test.version, a.Version, test.atom)
		assert.Equal(t, test.slot, a.Slot, test.atom)
		assert.Equal(t, test.sub, a.SubSlot, test.atom)
		assert.Equal(t, test.repo, a.Repo, test.atom)
		if test.use == "" {
			assert.Nil(t, a.Use)
		} else {
			require.NotNil(t, a.Use)
			assert.Equal(t, test.use, a.Use.String())
		}
		assert.Equal(t, test.atom, a.String())
	}
}

func TestInvalidAtom(t *testing.T) {
	for _, s := range []string{
		"sys-apps/portage-2.1",
		"=sys-apps/portage",
		"~sys-apps/portage-2.1*",
		"portage",
		"sys-apps/portage:",
		"sys-apps/portage[doc",
		"sys-apps/portage[-doc?]",
		">=sys-apps/portage-2.1.",
	} {
		_, err := NewAtom(s)
		assert.Error(t, err, s)
		assert.True(t, errors.Is(err, exception.ErrInvalidAtom), s)
	}
}

func TestBlockerAtom(t *testing.T) {
	a, err := NewAtom("!!<dev-libs/A-2:1")
	require.NoError(t, err)
	assert.True(t, a.IsBlocker())
	assert.True(t, a.Blocker.Overlap.Forbid)
	assert.Equal(t, "<dev-libs/A-2:1", a.WithoutBlocker().String())

	a, err = NewAtom("!dev-libs/A:0")
	require.NoError(t, err)
	assert.False(t, a.Blocker.Overlap.Forbid)
	assert.Equal(t, "!dev-libs/A", a.WithoutSlot().String())
	assert.False(t, IsValidAtom("!dev-libs/A", false))
	assert.True(t, IsValidAtom("!dev-libs/A", true))
}

func pkgs(t *testing.T, slot string, cpvs ...string) []*versions.PkgStr {
	var out []*versions.PkgStr
	for _, cpv := range cpvs {
		p, err := versions.NewPkgStr(cpv, slot, "gentoo")
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func cpvsOf(list []*versions.PkgStr) []string {
	var out []string
	for _, p := range list {
		out = append(out, p.Cpv)
	}
	return out
}

func TestMatchFromList(t *testing.T) {
	candidates := pkgs(t, "0", "app-foo/bar-1.0", "app-foo/bar-1.0-r1", "app-foo/bar-1.1", "app-foo/bar-10", "app-foo/baz-1.0")
	tests := []struct {
		atom string
		want []string
	}{
		{"app-foo/bar", []string{"app-foo/bar-1.0", "app-foo/bar-1.0-r1", "app-foo/bar-1.1", "app-foo/bar-10"}},
		{"=app-foo/bar-1.0", []string{"app-foo/bar-1.0"}},
		{"=app-foo/bar-1.0-r0", []string{"app-foo/bar-1.0"}},
		{"~app-foo/bar-1.0", []string{"app-foo/bar-1.0", "app-foo/bar-1.0-r1"}},
		{">app-foo/bar-1.0", []string{"app-foo/bar-1.0-r1", "app-foo/bar-1.1", "app-foo/bar-10"}},
		{">=app-foo/bar-1.1", []string{"app-foo/bar-1.1", "app-foo/bar-10"}},
		{"<app-foo/bar-1.1", []string{"app-foo/bar-1.0", "app-foo/bar-1.0-r1"}},
		{"<=app-foo/bar-1.0-r1", []string{"app-foo/bar-1.0", "app-foo/bar-1.0-r1"}},
		{"=app-foo/bar-1*", []string{"app-foo/bar-1.0", "app-foo/bar-1.0-r1", "app-foo/bar-1.1"}},
		{"=app-foo/bar-1.0*", []string{"app-foo/bar-1.0", "app-foo/bar-1.0-r1"}},
		{"app-foo/bar:1", nil},
		{"app-foo/bar::other", nil},
	}
	for _, test := range tests {
		a, err := NewAtom(test.atom)
		require.NoError(t, err, test.atom)
		assert.Equal(t, test.want, cpvsOf(MatchFromList(a, candidates)), test.atom)
	}

	a, _ := NewAtom("app-foo/bar")
	assert.Equal(t, "app-foo/bar-10", BestMatch(a, candidates).Cpv)
	a, _ = NewAtom("app-foo/nope")
	assert.Nil(t, BestMatch(a, candidates))
}

func TestUseDepMatch(t *testing.T) {
	p := pkgs(t, "0", "app-foo/bar-1")[0]
	p.Iuse = map[string]bool{"ssl": true, "doc": true}
	p.Use = map[string]bool{"ssl": true}

	for atom, want := range map[string]bool{
		"app-foo/bar[ssl]":        true,
		"app-foo/bar[-doc]":       true,
		"app-foo/bar[doc]":        false,
		"app-foo/bar[gtk]":        false,
		"app-foo/bar[gtk(+)]":     true,
		"app-foo/bar[-gtk(-)]":    true,
		"app-foo/bar[gtk(-)]":     false,
		"app-foo/bar[ssl,-doc]":   true,
		"app-foo/bar[ssl,-ssl]":   false,
		"app-foo/bar:0[ssl(+)]":   true,
		"=app-foo/bar-1[-ssl(+)]": false,
	} {
		a, err := NewAtom(atom)
		require.NoError(t, err, atom)
		assert.Equal(t, want, a.Match(p), atom)
	}
}

func TestEvaluateConditionals(t *testing.T) {
	a, err := NewAtom("dev-libs/A[a?,!b?,c=,!d=,e]")
	require.NoError(t, err)
	got := a.EvaluateConditionals(map[string]bool{"a": true, "c": true, "d": true})
	assert.Equal(t, "dev-libs/A[a,-b,c,-d,e]", got.String())
	assert.Same(t, a, got.UnevaluatedAtom())

	got = a.EvaluateConditionals(map[string]bool{})
	assert.Equal(t, "dev-libs/A[-b,-c,d,e]", got.String())
}

func TestUseReduce(t *testing.T) {
	tests := []struct {
		depstr string
		use    map[string]bool
		want   string
	}{
		{"a/b c/d", nil, "a/b c/d"},
		{"foo? ( a/b ) c/d", map[string]bool{"foo": true}, "a/b c/d"},
		{"foo? ( a/b ) c/d", nil, "c/d"},
		{"!foo? ( a/b ) c/d", nil, "a/b c/d"},
		{"|| ( a/b c/d )", nil, "|| ( a/b c/d )"},
		{"|| ( foo? ( a/b ) c/d )", nil, "c/d"},
		{"|| ( ( a/b c/d ) e/f )", nil, "|| ( ( a/b c/d ) e/f )"},
		{"( ( a/b ) bar? ( c/d[bar?] ) )", map[string]bool{"bar": true}, "a/b c/d[bar]"},
		{"", nil, ""},
	}
	for _, test := range tests {
		n, err := UseReduce(test.depstr, test.use)
		require.NoError(t, err, test.depstr)
		assert.Equal(t, test.want, n.String(), test.depstr)
	}
}

func TestParseDepStringErrors(t *testing.T) {
	for _, depstr := range []string{
		"( a/b",
		"a/b )",
		"|| a/b",
		"foo? a/b",
		"||",
		"not-an-atom",
		"f$o? ( a/b )",
	} {
		_, err := ParseDepString(depstr)
		require.Error(t, err, depstr)
		assert.True(t, errors.Is(err, exception.ErrInvalidDependString), depstr)
		var e *exception.InvalidDependStringError
		assert.True(t, errors.As(err, &e))
	}
}

func TestDepNodeAtoms(t *testing.T) {
	n, err := ParseDepString("a/b || ( c/d e/f ) x? ( !g/h )")
	require.NoError(t, err)
	var got []string
	for _, a := range n.Atoms() {
		got = append(got, a.String())
	}
	assert.Equal(t, []string{"a/b", "c/d", "e/f", "!g/h"}, got)
	assert.Equal(t, map[string]bool{"x": true}, n.UseFlags())
}
