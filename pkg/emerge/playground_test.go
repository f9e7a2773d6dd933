package emerge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/sets"
	"github.com/ppphp/emergo/pkg/util"
)

// playground is an in-memory system: an ebuild repository, optionally a
// binary repository, and an installed package database over a temporary
// root.
type playground struct {
	t         *testing.T
	eroot     string
	ebuilds   *dbapi.FakeDbapi
	binpkgs   *dbapi.FakeDbapi
	installed *dbapi.FakeDbapi
	rc        *RootConfig
	roots     map[string]*RootConfig
}

type pkgs map[string]map[string]string

func inject(t *testing.T, db *dbapi.FakeDbapi, m pkgs) {
	t.Helper()
	for cpv, md := range m {
		full := map[string]string{"EAPI": "7", "SLOT": "0"}
		for k, v := range md {
			full[k] = v
		}
		require.NoError(t, db.CpvInject(cpv, full))
	}
}

func newPlayground(t *testing.T, ebuilds, binpkgs, installed pkgs, world, system []string) *playground {
	t.Helper()
	root := t.TempDir()
	if len(world) > 0 {
		path := filepath.Join(root, sets.WorldFile)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(strings.Join(world, "\n")+"\n"), 0644))
	}
	pg := &playground{
		t:         t,
		ebuilds:   dbapi.NewFakeDbapi(),
		binpkgs:   dbapi.NewFakeDbapi(),
		installed: dbapi.NewFakeDbapi(),
	}
	inject(t, pg.ebuilds, ebuilds)
	inject(t, pg.binpkgs, binpkgs)
	inject(t, pg.installed, installed)

	settings := dbapi.NewConfig(root)
	pg.eroot = settings.EROOT()
	setconfig, worldSet := sets.NewSetConfig(pg.eroot, system)
	pg.rc = NewRootConfig(settings, pg.installed, setconfig, worldSet)
	pg.rc.Mtimedb = util.NewMtimeDB(filepath.Join(pg.eroot, "mtimedb"))
	pg.rc.AddSource(TypeEbuild, pg.ebuilds)
	if len(binpkgs) > 0 {
		pg.rc.AddSource(TypeBinary, pg.binpkgs)
	}
	pg.roots = map[string]*RootConfig{pg.rc.Root: pg.rc}
	return pg
}

func (pg *playground) resolve(opts map[string]string, args ...string) (*Depgraph, bool) {
	pg.t.Helper()
	if opts == nil {
		opts = map[string]string{}
	}
	d, ok, err := Backtrack(pg.roots, pg.rc.Root, CreateDepgraphParams(opts, ""), args)
	require.NoError(pg.t, err)
	return d, ok
}

// taskStrings renders tasks as "op cpv" and "blocker atom", leaving out
// packages that are not merged.
func taskStrings(tasks []Task) []string {
	var out []string
	for _, t := range tasks {
		switch x := t.(type) {
		case *Package:
			if x.Operation != OpNomerge {
				out = append(out, x.Operation.String()+" "+x.CpvStr())
			}
		case *Blocker:
			out = append(out, "blocker "+x.Atom.Value)
		}
	}
	return out
}

func (pg *playground) mergeList(opts map[string]string, args ...string) []string {
	pg.t.Helper()
	d, ok := pg.resolve(opts, args...)
	require.True(pg.t, ok, "%v", d.Problems())
	tasks, err := d.AltList()
	require.NoError(pg.t, err)
	return taskStrings(tasks)
}

func indexOf(list []string, s string) int {
	for i, x := range list {
		if x == s {
			return i
		}
	}
	return -1
}

func TestSimpleDependency(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-foo/bar-1": {"RDEPEND": "app-foo/baz:0"},
		"app-foo/baz-1": {},
	}, nil, nil, nil, nil)

	assert.Equal(t, []string{"merge app-foo/baz-1", "merge app-foo/bar-1"}, pg.mergeList(nil, "app-foo/bar"))
}

func TestHighestVisibleVersion(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"dev-libs/lib-1":   {},
		"dev-libs/lib-2":   {},
		"dev-libs/lib-3":   {"SLOT": "3"},
		"dev-libs/lib-2.1": {},
	}, nil, nil, nil, nil)

	assert.Equal(t, []string{"merge dev-libs/lib-3"}, pg.mergeList(nil, "dev-libs/lib"))
	assert.Equal(t, []string{"merge dev-libs/lib-2.1"}, pg.mergeList(nil, "dev-libs/lib:0"))
	assert.Equal(t, []string{"merge dev-libs/lib-1"}, pg.mergeList(nil, "<dev-libs/lib-2"))
	for i := 0; i < 3; i++ {
		assert.Equal(t, []string{"merge dev-libs/lib-2.1"}, pg.mergeList(nil, "dev-libs/lib:0"))
	}
}

func TestUnsatisfiedDependency(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-foo/bar-1": {"RDEPEND": "app-foo/missing"},
	}, nil, nil, nil, nil)

	d, ok := pg.resolve(nil, "app-foo/bar")
	assert.False(t, ok)
	require.NotEmpty(t, d.Problems())
	assert.True(t, errors.Is(d.Problems()[0], exception.ErrUnresolvable))

	var buf strings.Builder
	d.DisplayProblems(&buf)
	assert.Contains(t, buf.String(), "app-foo/missing")
}

func TestInvalidDependStringAddsNoEdges(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-foo/bar-1": {"DEPEND": "dev-libs/a", "RDEPEND": "a/b )"},
		"dev-libs/a-1":  {},
	}, nil, nil, nil, nil)

	d, ok := pg.resolve(nil, "app-foo/bar")
	assert.False(t, ok)
	found := false
	for _, err := range d.Problems() {
		found = found || errors.Is(err, exception.ErrInvalidDependString)
	}
	assert.True(t, found, "%v", d.Problems())
	for _, n := range d.Graph().AllNodes() {
		assert.NotEqual(t, "dev-libs/a-1", n.CpvStr())
	}
}

func TestIdempotentUpdate(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-foo/bar-1": {"RDEPEND": "app-foo/baz"},
		"app-foo/baz-1": {},
	}, nil, pkgs{
		"app-foo/bar-1": {"RDEPEND": "app-foo/baz"},
		"app-foo/baz-1": {},
	}, []string{"app-foo/bar"}, nil)

	assert.Empty(t, pg.mergeList(map[string]string{"--update": "true"}, "app-foo/bar"))
	assert.Empty(t, pg.mergeList(map[string]string{"--update": "true", "--deep": "true"}, "@world"))
	// arguments are reinstalled unless --update or --noreplace
	assert.Equal(t, []string{"merge app-foo/bar-1"}, pg.mergeList(nil, "app-foo/bar"))
	assert.Empty(t, pg.mergeList(map[string]string{"--noreplace": "true"}, "app-foo/bar"))
}

func TestEmptyPlanReturns(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-foo/bar-1": {},
	}, nil, pkgs{
		"app-foo/bar-1": {},
	}, []string{"app-foo/bar"}, nil)

	d, ok := pg.resolve(map[string]string{"--update": "true", "--deep": "true"}, "@world")
	require.True(t, ok)

	done := make(chan []Task, 1)
	go func() {
		tasks, _ := d.AltList()
		done <- tasks
	}()
	select {
	case tasks := <-done:
		assert.Empty(t, taskStrings(tasks))
	case <-time.After(5 * time.Second):
		t.Fatal("AltList did not return for an empty plan")
	}
	// cached result is reused
	tasks, err := d.AltList()
	require.NoError(t, err)
	assert.Empty(t, taskStrings(tasks))
}

func TestUpdateToNewVersion(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-foo/bar-1": {},
		"app-foo/bar-2": {},
	}, nil, pkgs{
		"app-foo/bar-1": {},
	}, nil, nil)

	assert.Equal(t, []string{"merge app-foo/bar-2"}, pg.mergeList(map[string]string{"--update": "true"}, "app-foo/bar"))
}

func TestDependenciesFirst(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-misc/a-1": {"RDEPEND": "app-misc/c"},
		"app-misc/b-1": {"DEPEND": "app-misc/c"},
		"app-misc/c-1": {"RDEPEND": "app-misc/d"},
		"app-misc/d-1": {},
	}, nil, nil, nil, nil)

	for _, policy := range []string{"fewest-parents", "most-parents"} {
		list := pg.mergeList(map[string]string{"--order-policy": policy}, "app-misc/a", "app-misc/b")
		require.Len(t, list, 4, policy)
		d, c := indexOf(list, "merge app-misc/d-1"), indexOf(list, "merge app-misc/c-1")
		assert.Less(t, d, c, policy)
		assert.Less(t, c, indexOf(list, "merge app-misc/a-1"), policy)
		assert.Less(t, c, indexOf(list, "merge app-misc/b-1"), policy)
	}
}

func TestUseConditionalDependency(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-misc/x-1": {"IUSE": "ssl", "USE": "", "RDEPEND": "ssl? ( dev-libs/openssl )"},
		"app-misc/y-1": {"IUSE": "ssl", "USE": "ssl", "RDEPEND": "ssl? ( dev-libs/openssl )"},
		"dev-libs/openssl-3": {},
	}, nil, nil, nil, nil)

	assert.Equal(t, []string{"merge app-misc/x-1"}, pg.mergeList(nil, "app-misc/x"))
	assert.Equal(t, []string{"merge dev-libs/openssl-3", "merge app-misc/y-1"}, pg.mergeList(nil, "app-misc/y"))
}

func TestSlotConflictBacktracking(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-misc/a-1":   {"RDEPEND": "dev-libs/lib"},
		"app-misc/b-1":   {"RDEPEND": "<dev-libs/lib-2"},
		"dev-libs/lib-1": {},
		"dev-libs/lib-2": {},
	}, nil, nil, nil, nil)

	list := pg.mergeList(nil, "app-misc/a", "app-misc/b")
	assert.Contains(t, list, "merge dev-libs/lib-1")
	assert.NotContains(t, list, "merge dev-libs/lib-2")
	assert.Len(t, list, 3)
}

func TestSlotConflictWithoutBacktracking(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-misc/a-1":   {"RDEPEND": ">=dev-libs/lib-2"},
		"app-misc/b-1":   {"RDEPEND": "<dev-libs/lib-2"},
		"dev-libs/lib-1": {},
		"dev-libs/lib-2": {},
	}, nil, nil, nil, nil)

	d, ok := pg.resolve(map[string]string{"--backtrack": "0"}, "app-misc/a", "app-misc/b")
	if ok {
		_, err := d.AltList()
		require.Error(t, err)
	}
	found := false
	for _, p := range d.Problems() {
		if errors.Is(p, exception.ErrSlotCollision) || errors.Is(p, exception.ErrUnresolvable) {
			found = true
		}
	}
	assert.True(t, found, "%v", d.Problems())
}

func TestRuntimeCycle(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-misc/x-1": {"RDEPEND": "app-misc/y"},
		"app-misc/y-1": {"RDEPEND": "app-misc/x"},
	}, nil, nil, nil, nil)

	assert.ElementsMatch(t, []string{"merge app-misc/x-1", "merge app-misc/y-1"}, pg.mergeList(nil, "app-misc/x"))
}

func TestBuildtimeCycle(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-misc/x-1": {"IUSE": "foo", "USE": "foo", "DEPEND": "foo? ( app-misc/y )"},
		"app-misc/y-1": {"DEPEND": "app-misc/x"},
	}, nil, nil, nil, nil)

	d, ok := pg.resolve(nil, "app-misc/x")
	require.True(t, ok)
	_, err := d.AltList()
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrCircularDependency))
	var ce *exception.CircularDependencyError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Members, "app-misc/x-1")
	assert.Contains(t, ce.Members, "app-misc/y-1")
}

func TestBlockerSolvedByUninstall(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-misc/new-1": {"RDEPEND": "!app-misc/old"},
	}, nil, pkgs{
		"app-misc/old-1": {},
	}, nil, nil)

	list := pg.mergeList(nil, "app-misc/new")
	assert.Contains(t, list, "merge app-misc/new-1")
	assert.Contains(t, list, "uninstall app-misc/old-1")
	assert.Contains(t, list, "blocker !app-misc/old")
}

func TestUnresolvedBlocker(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-misc/new-1": {"RDEPEND": "!app-misc/old"},
	}, nil, pkgs{
		"app-misc/old-1": {},
	}, nil, nil)

	d, ok := pg.resolve(nil, "app-misc/new", "app-misc/old")
	if ok {
		_, err := d.AltList()
		require.Error(t, err)
		assert.True(t, errors.Is(err, exception.ErrUnresolvedBlocker))
	}

	d, ok = pg.resolve(map[string]string{"--pretend": "true"}, "app-misc/new", "app-misc/old")
	require.True(t, ok)
	tasks, err := d.AltList()
	require.NoError(t, err)
	assert.Contains(t, taskStrings(tasks), "blocker !app-misc/old")
}

func TestBinaryPackages(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-foo/bar-1": {},
	}, pkgs{
		"app-foo/bar-1": {"SIZE": "1024"},
	}, nil, nil, nil)

	d, ok := pg.resolve(map[string]string{"--usepkg": "true"}, "app-foo/bar")
	require.True(t, ok)
	list, err := d.MergeList()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, TypeBinary, list[0].Type)

	d, ok = pg.resolve(nil, "app-foo/bar")
	require.True(t, ok)
	list, err = d.MergeList()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, TypeEbuild, list[0].Type)
}

func TestUnmergeRefused(t *testing.T) {
	pg := newPlayground(t, nil, nil, pkgs{
		"app-foo/bar-1": {"RDEPEND": "app-foo/baz:0"},
		"app-foo/baz-1": {},
	}, nil, nil)

	_, err := CalcUnmergeList(pg.roots, pg.rc.Root, CreateDepgraphParams(map[string]string{}, "remove"), []string{"app-foo/baz"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrUnresolvedBlocker))
	var ub *exception.UnresolvedBlockerError
	require.True(t, errors.As(err, &ub))
	assert.Equal(t, "app-foo/bar-1", ub.Blocking)
	assert.Equal(t, []string{"app-foo/baz-1"}, ub.Blocked)

	list, err := CalcUnmergeList(pg.roots, pg.rc.Root, CreateDepgraphParams(map[string]string{"--nodeps": "true"}, "remove"), []string{"app-foo/baz"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, OpUninstall, list[0].Operation)
	assert.Equal(t, "app-foo/baz-1", list[0].CpvStr())

	list, err = CalcUnmergeList(pg.roots, pg.rc.Root, CreateDepgraphParams(map[string]string{}, "remove"), []string{"app-foo/bar", "baz"})
	require.NoError(t, err)
	var got []string
	for _, p := range list {
		got = append(got, p.CpvStr())
	}
	assert.Equal(t, []string{"app-foo/bar-1", "app-foo/baz-1"}, got)
}

func TestDepclean(t *testing.T) {
	installed := pkgs{
		"app-misc/p-1": {"RDEPEND": "app-misc/q"},
		"app-misc/q-1": {},
	}
	pg := newPlayground(t, nil, nil, installed, nil, nil)
	list, err := CalcDepclean(pg.roots, pg.rc.Root, CreateDepgraphParams(map[string]string{}, "depclean"), nil)
	require.NoError(t, err)
	var got []string
	for _, p := range list {
		assert.Equal(t, OpUninstall, p.Operation)
		got = append(got, p.CpvStr())
	}
	assert.Equal(t, []string{"app-misc/p-1", "app-misc/q-1"}, got)

	pg = newPlayground(t, nil, nil, installed, []string{"app-misc/p"}, nil)
	list, err = CalcDepclean(pg.roots, pg.rc.Root, CreateDepgraphParams(map[string]string{}, "depclean"), nil)
	require.NoError(t, err)
	assert.Empty(t, list)

	pg = newPlayground(t, nil, nil, installed, nil, []string{"app-misc/q"})
	list, err = CalcDepclean(pg.roots, pg.rc.Root, CreateDepgraphParams(map[string]string{}, "depclean"), nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "app-misc/p-1", list[0].CpvStr())
}

// fakeMerger records the tasks it is asked to run and fails the ones
// listed in fail.
type fakeMerger struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]bool
	db   *dbapi.FakeDbapi
}

func (m *fakeMerger) Merge(ctx context.Context, pkg *Package, blockers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ran = append(m.ran, "merge "+pkg.CpvStr())
	if m.fail[pkg.CpvStr()] {
		return errors.New("build failed")
	}
	if m.db != nil {
		return m.db.CpvInject(pkg.CpvStr(), pkg.Metadata)
	}
	return nil
}

func (m *fakeMerger) Unmerge(ctx context.Context, pkg *Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ran = append(m.ran, "uninstall "+pkg.CpvStr())
	if m.db != nil {
		m.db.CpvRemove(pkg.CpvStr())
	}
	return nil
}

func (pg *playground) scheduler(m Merger, d *Depgraph, opts SchedulerOptions) *Scheduler {
	pg.t.Helper()
	list, err := d.MergeList()
	require.NoError(pg.t, err)
	s, err := NewScheduler(pg.roots, pg.rc.Root, map[string]Merger{pg.rc.Root: m}, list, d.SchedulerGraph(), d.Favorites(), opts)
	require.NoError(pg.t, err)
	return s
}

func TestSchedulerRecordsWorld(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-foo/bar-1": {"RDEPEND": "app-foo/baz:0"},
		"app-foo/baz-1": {},
	}, nil, nil, nil, nil)
	d, ok := pg.resolve(nil, "app-foo/bar")
	require.True(t, ok)

	m := &fakeMerger{db: pg.installed}
	require.NoError(t, pg.scheduler(m, d, SchedulerOptions{Jobs: 1}).Merge(context.Background()))
	assert.Equal(t, []string{"merge app-foo/baz-1", "merge app-foo/bar-1"}, m.ran)

	world, err := util.GrabFile(filepath.Join(pg.eroot, sets.WorldFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"app-foo/bar"}, world)
	assert.Nil(t, pg.rc.Mtimedb.Resume)

	log, err := os.ReadFile(filepath.Join(pg.eroot, "var/log", emergeLogName))
	if err == nil {
		assert.Contains(t, string(log), "exiting successfully")
	}
}

func TestSchedulerOneshot(t *testing.T) {
	pg := newPlayground(t, pkgs{"app-foo/bar-1": {}}, nil, nil, nil, nil)
	d, ok := pg.resolve(map[string]string{"--oneshot": "true"}, "app-foo/bar")
	require.True(t, ok)

	m := &fakeMerger{}
	require.NoError(t, pg.scheduler(m, d, SchedulerOptions{Jobs: 1, Oneshot: true}).Merge(context.Background()))
	world, err := util.GrabFile(filepath.Join(pg.eroot, sets.WorldFile))
	require.NoError(t, err)
	assert.Empty(t, world)
}

func TestSchedulerFailureKeepsResumeList(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-foo/bar-1": {"RDEPEND": "app-foo/baz:0"},
		"app-foo/baz-1": {},
		"app-foo/qux-1": {},
	}, nil, nil, nil, nil)
	d, ok := pg.resolve(nil, "app-foo/bar", "app-foo/qux")
	require.True(t, ok)

	m := &fakeMerger{fail: map[string]bool{"app-foo/baz-1": true}}
	s := pg.scheduler(m, d, SchedulerOptions{Jobs: 1, KeepGoing: true})
	err := s.Merge(context.Background())
	require.Error(t, err)
	assert.NotContains(t, m.ran, "merge app-foo/bar-1")
	assert.Contains(t, m.ran, "merge app-foo/qux-1")
	require.Len(t, s.Dropped(), 1)
	assert.Equal(t, "app-foo/bar-1", s.Dropped()[0].CpvStr())
	assert.Len(t, s.Failed(), 1)

	require.NotNil(t, pg.rc.Mtimedb.Resume)
	var left []string
	for _, e := range pg.rc.Mtimedb.Resume.Mergelist {
		left = append(left, e[2])
	}
	assert.ElementsMatch(t, []string{"app-foo/baz-1", "app-foo/bar-1"}, left)
	assert.Equal(t, []string{"app-foo/bar", "app-foo/qux"}, pg.rc.Mtimedb.Resume.Favorites)

	_, resumed, err := ResumeDepgraph(pg.roots, pg.rc.Root, CreateDepgraphParams(map[string]string{}, ""))
	require.NoError(t, err)
	var cpvs []string
	for _, p := range resumed {
		cpvs = append(cpvs, p.CpvStr())
	}
	assert.Equal(t, []string{"app-foo/baz-1", "app-foo/bar-1"}, cpvs)
}

func TestSchedulerParallelJobs(t *testing.T) {
	pg := newPlayground(t, pkgs{
		"app-misc/a-1": {"RDEPEND": "app-misc/c"},
		"app-misc/b-1": {},
		"app-misc/c-1": {},
	}, nil, nil, nil, nil)
	d, ok := pg.resolve(map[string]string{"--oneshot": "true"}, "app-misc/a", "app-misc/b")
	require.True(t, ok)

	m := &fakeMerger{}
	require.NoError(t, pg.scheduler(m, d, SchedulerOptions{Jobs: 3, Oneshot: true}).Merge(context.Background()))
	require.Len(t, m.ran, 3)
	assert.Less(t, indexOf(m.ran, "merge app-misc/c-1"), indexOf(m.ran, "merge app-misc/a-1"))
}

func TestSchedulerUnmergeCleansWorld(t *testing.T) {
	pg := newPlayground(t, nil, nil, pkgs{
		"app-foo/bar-1": {},
	}, []string{"app-foo/bar"}, nil)
	list, err := CalcUnmergeList(pg.roots, pg.rc.Root, CreateDepgraphParams(map[string]string{}, "remove"), []string{"app-foo/bar"})
	require.NoError(t, err)

	m := &fakeMerger{db: pg.installed}
	s, err := NewScheduler(pg.roots, pg.rc.Root, map[string]Merger{pg.rc.Root: m}, list, nil, nil, SchedulerOptions{CleanWorld: true})
	require.NoError(t, err)
	require.NoError(t, s.Merge(context.Background()))
	assert.Equal(t, []string{"uninstall app-foo/bar-1"}, m.ran)

	world, err := util.GrabFile(filepath.Join(pg.eroot, sets.WorldFile))
	require.NoError(t, err)
	assert.Empty(t, world)
}
