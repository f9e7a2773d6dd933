package emaint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/sets"
	"github.com/ppphp/emergo/pkg/util"
)

func newEnv(t *testing.T, installed []string, world string) (*Env, string) {
	t.Helper()
	root := t.TempDir()
	settings := dbapi.NewConfig(root)
	eroot := settings.EROOT()
	for _, cpv := range installed {
		dir := filepath.Join(eroot, dbapi.VdbPath, cpv)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "SLOT"), []byte("0\n"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "EAPI"), []byte("8\n"), 0644))
	}
	worldFile := filepath.Join(eroot, sets.WorldFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(worldFile), 0755))
	require.NoError(t, os.WriteFile(worldFile, []byte(world), 0644))
	_, w := sets.NewSetConfig(eroot, nil)
	return &Env{
		Vardb:   dbapi.NewVarDbapi(settings),
		World:   w,
		Mtimedb: util.NewMtimeDB(filepath.Join(eroot, dbapi.CachePath, "mtimedb")),
	}, eroot
}

func TestModules(t *testing.T) {
	var names []string
	for _, m := range Modules() {
		names = append(names, m.Name())
		assert.NotEmpty(t, m.Description())
	}
	assert.Equal(t, []string{"binhost", "cleanresume", "merges", "world"}, names)
	_, ok := Get("merges")
	assert.True(t, ok)
}

func TestWorld(t *testing.T) {
	e, eroot := newEnv(t, []string{"app-foo/bar-1"}, "app-foo/bar\napp-foo/gone\n=broken\n")
	m, _ := Get("world")

	lines, err := Run(e, m, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"'=broken' is not a valid atom", "'app-foo/gone' is not installed"}, lines)

	lines, err = Run(e, m, true)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
	world, err := util.GrabFile(filepath.Join(eroot, sets.WorldFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"app-foo/bar"}, world)

	lines, err = Run(e, m, false)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestMerges(t *testing.T) {
	e, eroot := newEnv(t, []string{"app-foo/bar-1"}, "")
	merging := filepath.Join(eroot, dbapi.VdbPath, "app-foo", "-MERGING-bar-2")
	require.NoError(t, os.MkdirAll(merging, 0755))
	assert.Equal(t, []string{"app-foo/bar-1"}, e.Vardb.CpvAll())

	m, _ := Get("merges")
	lines, err := Run(e, m, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"interrupted merge of app-foo/bar-2"}, lines)

	lines, err = Run(e, m, true)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "emerge --oneshot =app-foo/bar-2")
	assert.NoDirExists(t, merging)
	assert.Empty(t, e.Vardb.MergingRecords())
}

func TestCleanResume(t *testing.T) {
	e, eroot := newEnv(t, nil, "")
	m, _ := Get("cleanresume")
	lines, err := Run(e, m, false)
	require.NoError(t, err)
	assert.Empty(t, lines)

	e.Mtimedb.Resume = &util.ResumeData{Mergelist: [][4]string{{"ebuild", "/", "app-foo/bar-1", "merge"}}}
	require.NoError(t, e.Mtimedb.Commit("test"))
	lines, err = Run(e, m, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"resume list has 1 entries"}, lines)
	_, err = Run(e, m, true)
	require.NoError(t, err)
	assert.Nil(t, util.NewMtimeDB(filepath.Join(eroot, dbapi.CachePath, "mtimedb")).Resume)
}
