package emerge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/emergo/pkg/checksum"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/output"
)

func TestParseOpts(t *testing.T) {
	action, opts, files, err := ParseOpts([]string{"-av", "--deep", "-u", "app-foo/bar", "@world"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "", action)
	assert.Equal(t, "y", opts["--ask"])
	assert.Equal(t, "y", opts["--verbose"])
	assert.Equal(t, "true", opts["--deep"])
	assert.Equal(t, "true", opts["--update"])
	assert.Equal(t, []string{"app-foo/bar", "@world"}, files)

	action, opts, _, err = ParseOpts([]string{"-C", "--with-bdeps=n", "--quiet=n", "app-foo/bar"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "unmerge", action)
	assert.Equal(t, "n", opts["--with-bdeps"])
	_, quiet := opts["--quiet"]
	assert.False(t, quiet)

	_, opts, _, err = ParseOpts([]string{"--select=n", "-U", "--jobs=4"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "true", opts["--oneshot"])
	assert.Equal(t, "changed-use", opts["--reinstall"])
	assert.Equal(t, "4", opts["--jobs"])
}

func TestParseOptsErrors(t *testing.T) {
	_, _, _, err := ParseOpts([]string{"--depclean", "--unmerge"}, io.Discard)
	var multi *MultipleActionsError
	require.True(t, errors.As(err, &multi))
	assert.Equal(t, "depclean", multi.First)
	assert.Equal(t, "unmerge", multi.Second)

	for _, args := range [][]string{
		{"--ask=maybe"},
		{"--jobs=-1"},
		{"--backtrack=x"},
		{"--load-average=high"},
		{"--order-policy=random"},
		{"--no-such-option"},
	} {
		_, _, _, err := ParseOpts(args, io.Discard)
		assert.Error(t, err, "%v", args)
	}
}

func TestEmergeMainInfoActions(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, EmergeMain(context.Background(), []string{"--version"}, nil, &out, &errOut))
	assert.Contains(t, out.String(), "emergo "+Version)

	out.Reset()
	assert.Equal(t, 0, EmergeMain(context.Background(), []string{"--moo"}, nil, &out, &errOut))
	assert.Contains(t, out.String(), "Have you mooed today?")

	errOut.Reset()
	assert.Equal(t, 1, EmergeMain(context.Background(), []string{"--pretend", "=app-foo/bar"}, nil, &out, &errOut))
	assert.Contains(t, errOut.String(), "'=app-foo/bar' is not a valid package atom")
}

func TestValidPackageAtom(t *testing.T) {
	assert.Equal(t, ">=cat/foo-1", insertCategoryIntoAtom(">=foo-1", "cat"))
	assert.Equal(t, "cat/foo", insertCategoryIntoAtom("foo", "cat"))
	assert.Equal(t, "", insertCategoryIntoAtom(">=", "cat"))

	for _, x := range []string{"app-foo/bar", "bar", ">=bar-1", "bar:2", "=app-foo/bar-1.0"} {
		assert.True(t, isValidPackageAtom(x), x)
	}
	for _, x := range []string{"=bar", "app-foo/bar[", ""} {
		assert.False(t, isValidPackageAtom(x), x)
	}
	assert.Equal(t, []string{"=bar"}, findBadAtoms([]string{"@world", "bar", "=bar"}))
}

func TestUserQuery(t *testing.T) {
	var out bytes.Buffer
	q := NewUserQuery(strings.NewReader("\n"), &out, false)
	r, err := q.Query("Continue?", false)
	require.NoError(t, err)
	assert.Equal(t, "Yes", r)

	q = NewUserQuery(strings.NewReader("\nmaybe\nn\n"), &out, false)
	r, err = q.Query("Continue?", true)
	require.NoError(t, err)
	assert.Equal(t, "No", r)
	assert.Contains(t, out.String(), "response 'maybe' not understood")

	q = NewUserQuery(strings.NewReader(""), &out, false)
	_, err = q.Query("Continue?", false)
	assert.Equal(t, ErrInterrupted, err)
}

func TestDisplay(t *testing.T) {
	output.NoColor()
	pg := newPlayground(t, pkgs{
		"app-foo/bar-2": {"RDEPEND": "app-foo/baz"},
		"app-foo/baz-1": {},
	}, nil, pkgs{
		"app-foo/bar-1": {},
	}, nil, nil)
	d, ok := pg.resolve(map[string]string{"--update": "true"}, "app-foo/bar")
	require.True(t, ok)
	tasks, err := d.AltList()
	require.NoError(t, err)

	var buf bytes.Buffer
	NewDisplay(d, &buf, DisplayOptions{}).Print(tasks)
	lines := strings.Split(buf.String(), "\n")
	assert.Equal(t, "[ebuild  N     ] app-foo/baz-1", lines[0])
	assert.Equal(t, "[ebuild      U ] app-foo/bar-2 [1]", lines[1])
	assert.Contains(t, buf.String(), "Total: 2 packages (1 upgrade, 1 new), Size of downloads: 0 B")
}

func TestProgressHandler(t *testing.T) {
	var calls [][2]int
	p := NewProgressHandler(func(curval, maxval int) { calls = append(calls, [2]int{curval, maxval}) })
	clock := time.Unix(1000, 0)
	p.now = func() time.Time { return clock }

	p.OnProgress(4, 1)
	p.OnProgress(4, 2)
	clock = clock.Add(time.Second)
	p.OnProgress(4, 3)
	p.OnProgress(4, 4)
	assert.Equal(t, [][2]int{{1, 4}, {3, 4}, {4, 4}}, calls)
}

func TestBinpkgVerifier(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bar-1.tbz2")
	require.NoError(t, os.WriteFile(path, []byte("binary package"), 0644))
	sum, err := checksum.PerformHex(path, "SHA1")
	require.NoError(t, err)

	v := NewBinpkgVerifier(path, map[string]string{"SIZE": "14", "SHA1": sum, "BUILD_TIME": "1"}, nil)
	assert.Equal(t, map[string]string{"size": "14", "SHA1": sum}, v.Digests)
	assert.NoError(t, v.Verify())

	assert.NoError(t, NewBinpkgVerifier(path, map[string]string{}, nil).Verify())
	assert.NoError(t, NewBinpkgVerifier(path, map[string]string{"SIZE": "14"}, nil).Verify())

	err = NewBinpkgVerifier(path, map[string]string{"SIZE": "15"}, nil).Verify()
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrDigest))
	var de *exception.DigestError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "14", de.Got)
	assert.Equal(t, "15", de.Expected)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	moved, _ := filepath.Glob(filepath.Join(dir, "bar-1.tbz2._checksum_failure_.*"))
	assert.Len(t, moved, 1)

	assert.Error(t, NewBinpkgVerifier(path, map[string]string{"SIZE": "14"}, nil).Verify())
}
