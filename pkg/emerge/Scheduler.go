package emerge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/output"
	"github.com/ppphp/emergo/pkg/sets"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
	"github.com/ppphp/emergo/pkg/versions"
)

// Merger applies single tasks of a merge list to a root.
type Merger interface {
	Merge(ctx context.Context, pkg *Package, blockers []string) error
	Unmerge(ctx context.Context, pkg *Package) error
}

type findnamer interface {
	Findname(cpv string) string
}

type getnamer interface {
	Getname(cpv string) string
}

// VdbMerger merges through the installed package database. Exec prepares
// the image of every package.
type VdbMerger struct {
	Root  *RootConfig
	Vardb *dbapi.VarDbapi
	Exec  dbapi.Executor
	// Out receives the digest verification messages of binary packages.
	Out *output.EOutput
}

func (m *VdbMerger) source(pkg *Package) string {
	src := m.Root.Source(pkg.Type)
	if src == nil {
		return ""
	}
	switch db := src.DB.(type) {
	case findnamer:
		return db.Findname(pkg.CpvStr())
	case getnamer:
		return db.Getname(pkg.CpvStr())
	}
	return ""
}

// infoMetadata is what ends up in the package database record.
func infoMetadata(pkg *Package) map[string]string {
	md := make(map[string]string, len(pkg.Metadata)+3)
	for k, v := range pkg.Metadata {
		if v != "" {
			md[k] = v
		}
	}
	split := versions.CatSplit(pkg.CpvStr())
	md["CATEGORY"] = split[0]
	md["PF"] = split[1]
	md["USE"] = dbapi.SortedUse(pkg.Use)
	delete(md, "COUNTER")
	return md
}

// verify checks a binary package against its index entry.
func (m *VdbMerger) verify(pkg *Package, path string) error {
	src := m.Root.Source(TypeBinary)
	if src == nil || path == "" {
		return nil
	}
	vals, err := src.DB.AuxGet(pkg.CpvStr(), binpkgDigestKeys)
	if err != nil {
		return err
	}
	md := make(map[string]string, len(vals))
	for i, k := range binpkgDigestKeys {
		md[k] = vals[i]
	}
	return NewBinpkgVerifier(path, md, m.Out).Verify()
}

func (m *VdbMerger) Merge(ctx context.Context, pkg *Package, blockers []string) error {
	path := m.source(pkg)
	if pkg.Type == TypeBinary {
		if err := m.verify(pkg, path); err != nil {
			return err
		}
	}
	req := &dbapi.MergeRequest{Cpv: pkg.CpvStr(), Source: path, Metadata: infoMetadata(pkg)}
	return dbapi.MergeImage(ctx, m.Exec, req, m.Vardb, blockers, m.Vardb.Settings().TmpDir)
}

func (m *VdbMerger) Unmerge(ctx context.Context, pkg *Package) error {
	split := versions.CatSplit(pkg.CpvStr())
	mp := &dbapi.MergeProcess{Cat: split[0], Pkg: split[1], Vardb: m.Vardb, Unmerge: true}
	if err := mp.Start(ctx); err != nil {
		return err
	}
	return mp.Wait()
}

// SchedulerOptions are the command line switches the scheduler honours.
type SchedulerOptions struct {
	Jobs int
	// LoadAverage holds back new jobs while other jobs run and the
	// one minute load average is at least this value. Zero disables it.
	LoadAverage float64
	KeepGoing   bool
	Oneshot     bool
	OnlyDeps    bool
	// CleanWorld drops world atoms of packages that are no longer
	// installed after an uninstall.
	CleanWorld bool
	Resume     bool
}

type failedPkg struct {
	pkg *Package
	err error
}

type pkgCount struct {
	curval, maxval int
}

type taskResult struct {
	pkg *Package
	err error
}

// Scheduler applies a merge list. Packages run in list order; with more
// than one job, a package starts early when nothing it depends on is
// still waiting or running.
type Scheduler struct {
	roots      map[string]*RootConfig
	targetRoot string
	opts       SchedulerOptions
	mergers    map[string]Merger
	graph      *util.Digraph[*Package, Priority]
	mergelist  []*Package
	favorites  []string
	argsSet    *sets.PackageSet
	mtimedb    *util.MtimeDB

	emergeLog *EmergeLog
	log       *logrus.Entry
	out       *output.EOutput
	pkgCount  pkgCount
	progress  *ProgressHandler

	failed  []failedPkg
	dropped []*Package
}

// NewScheduler prepares mergelist for execution. graph is the scheduler
// graph of the depgraph and may be nil for a plain sequential run.
func NewScheduler(roots map[string]*RootConfig, targetRoot string, mergers map[string]Merger, mergelist []*Package, graph *util.Digraph[*Package, Priority], favorites []string, opts SchedulerOptions) (*Scheduler, error) {
	s := &Scheduler{
		roots:      roots,
		targetRoot: targetRoot,
		opts:       opts,
		mergers:    mergers,
		graph:      graph,
		favorites:  favorites,
		log:        msg.WithFields(logrus.Fields{"root": targetRoot}),
		out:        output.NewEOutput(false),
	}
	if s.opts.Jobs < 1 {
		s.opts.Jobs = 1
	}
	for _, p := range mergelist {
		if p.Operation != OpNomerge {
			s.mergelist = append(s.mergelist, p)
		}
	}
	var atoms []string
	for _, f := range favorites {
		if !strings.HasPrefix(f, sets.SetPrefix) {
			atoms = append(atoms, f)
		}
	}
	argsSet, err := sets.NewInternalPackageSet("args", atoms, true)
	if err != nil {
		return nil, err
	}
	s.argsSet = argsSet
	if rc := roots[targetRoot]; rc != nil {
		s.mtimedb = rc.Mtimedb
		dir := ""
		if rc.Settings != nil {
			dir = filepath.Join(rc.Settings.EROOT(), "var/log")
		}
		s.emergeLog = OpenEmergeLog(dir)
	}
	s.pkgCount.maxval = len(s.mergelist)
	s.progress = NewProgressHandler(func(curval, maxval int) {
		s.log.WithFields(logrus.Fields{"complete": curval, "total": maxval}).Debug("jobs")
		s.emergeLog.Log(" *** Jobs: %d of %d complete", curval, maxval)
	})
	return s, nil
}

// Failed returns the packages that failed together with their errors.
func (s *Scheduler) Failed() map[*Package]error {
	out := make(map[*Package]error, len(s.failed))
	for _, f := range s.failed {
		out[f.pkg] = f.err
	}
	return out
}

// Dropped returns the packages skipped because something they depend on
// failed.
func (s *Scheduler) Dropped() []*Package { return s.dropped }

func (s *Scheduler) saveResumeList() {
	if s.mtimedb == nil {
		return
	}
	rd := &util.ResumeData{Favorites: append([]string(nil), s.favorites...), Oneshot: s.opts.Oneshot}
	for _, p := range s.mergelist {
		if p.Operation == OpMerge || p.Operation == OpUninstall {
			rd.Mergelist = append(rd.Mergelist, [4]string{p.Type.String(), p.Root(), p.CpvStr(), p.Operation.String()})
		}
	}
	s.mtimedb.Resume = rd
	if err := s.mtimedb.Commit(Version); err != nil {
		s.log.WithError(err).Warn("unable to save the resume list")
	}
}

// dropResumeEntry removes a finished package from the resume list.
func (s *Scheduler) dropResumeEntry(p *Package) {
	if s.mtimedb == nil || s.mtimedb.Resume == nil {
		return
	}
	entry := [4]string{p.Type.String(), p.Root(), p.CpvStr(), p.Operation.String()}
	ml := s.mtimedb.Resume.Mergelist
	for i, e := range ml {
		if e == entry {
			s.mtimedb.Resume.Mergelist = append(ml[:i:i], ml[i+1:]...)
			break
		}
	}
	if err := s.mtimedb.Commit(Version); err != nil {
		s.log.WithError(err).Warn("unable to update the resume list")
	}
}

func (s *Scheduler) checkWritable() error {
	var paths []string
	seen := map[string]bool{}
	for _, p := range s.mergelist {
		rc := s.roots[p.Root()]
		if rc == nil || rc.Settings == nil {
			continue
		}
		if r := rc.Settings.EROOT(); !seen[r] {
			seen[r] = true
			paths = append(paths, r)
		}
	}
	if len(paths) == 0 {
		return nil
	}
	return util.CheckWritable(paths)
}

// Merge runs the merge list. A cancelled ctx stops new tasks from
// starting; running ones finish.
func (s *Scheduler) Merge(ctx context.Context) error {
	if s.opts.Resume {
		s.out.Einfo(output.Colorize("GOOD", "*** Resuming merge..."))
		s.emergeLog.Log(" *** Resuming merge...")
	}
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.saveResumeList()
	defer s.emergeLog.Close()

	pending := append([]*Package(nil), s.mergelist...)
	running := map[*Package]bool{}
	done := map[*Package]bool{}
	failedSet := map[*Package]bool{}
	results := make(chan taskResult)
	stop := false

	for len(pending) > 0 || len(running) > 0 {
		for !stop && len(running) < s.opts.Jobs && ctx.Err() == nil {
			if s.loadTooHigh(len(running)) {
				break
			}
			idx := s.choosePkg(pending, running, done)
			if idx < 0 {
				break
			}
			pkg := pending[idx]
			pending = append(pending[:idx:idx], pending[idx+1:]...)
			if dep := s.failedDependency(pkg, failedSet); dep != nil {
				s.log.WithFields(logrus.Fields{"cpv": pkg.CpvStr(), "failed": dep.CpvStr()}).Warn("dropped because a dependency failed")
				s.dropped = append(s.dropped, pkg)
				failedSet[pkg] = true
				continue
			}
			running[pkg] = true
			s.pkgCount.curval++
			go func(pkg *Package, n int) {
				results <- taskResult{pkg, s.runTask(ctx, pkg, n)}
			}(pkg, s.pkgCount.curval)
		}
		if len(running) == 0 {
			break
		}
		r := <-results
		delete(running, r.pkg)
		if r.err != nil {
			s.failed = append(s.failed, failedPkg{r.pkg, r.err})
			failedSet[r.pkg] = true
			s.out.Eerror(fmt.Sprintf("%s of %s failed: %s", r.pkg.Operation, r.pkg.CpvStr(), r.err))
			s.emergeLog.Log(" !!! %s failed: %s", r.pkg.CpvStr(), r.err)
			if !s.opts.KeepGoing {
				stop = true
			}
			continue
		}
		done[r.pkg] = true
		s.taskComplete(r.pkg)
		if s.opts.Jobs > 1 {
			s.progress.OnProgress(s.pkgCount.maxval, len(done))
		}
	}

	if ctx.Err() != nil && len(pending) > 0 {
		return ctx.Err()
	}
	if len(s.failed) > 0 {
		errs := make([]error, 0, len(s.failed))
		for _, f := range s.failed {
			errs = append(errs, fmt.Errorf("%s: %w", f.pkg.CpvStr(), f.err))
		}
		return errors.Join(errs...)
	}
	s.updateWorldSets()
	if s.mtimedb != nil {
		s.mtimedb.Resume = nil
		if err := s.mtimedb.Commit(Version); err != nil {
			s.log.WithError(err).Warn("unable to clear the resume list")
		}
	}
	s.emergeLog.Log(" *** exiting successfully.")
	return nil
}

func (s *Scheduler) loadTooHigh(running int) bool {
	if running == 0 || s.opts.LoadAverage <= 0 {
		return false
	}
	avg, _, _, err := getloadavg()
	return err == nil && avg >= s.opts.LoadAverage
}

// choosePkg returns the index of the next package to start, or -1.
func (s *Scheduler) choosePkg(pending []*Package, running, done map[*Package]bool) int {
	if len(pending) == 0 {
		return -1
	}
	if s.opts.Jobs == 1 || s.graph == nil {
		return 0
	}
	for i, p := range pending {
		if p.Operation == OpUninstall {
			if i == 0 && len(running) == 0 {
				return 0
			}
			// uninstalls wait for everything scheduled before them
			return -1
		}
		if !s.dependentOnScheduledMerges(p, pending[:i], running, done) {
			return i
		}
	}
	return -1
}

// dependentOnScheduledMerges reports whether pkg depends, directly or
// through installed nodes, on a package that is waiting or running.
func (s *Scheduler) dependentOnScheduledMerges(pkg *Package, earlier []*Package, running, done map[*Package]bool) bool {
	waiting := map[*Package]bool{}
	for _, p := range earlier {
		waiting[p] = true
	}
	seen := map[*Package]bool{pkg: true}
	stack := []*Package{pkg}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range s.graph.ChildNodes(n, nil) {
			if seen[child] {
				continue
			}
			seen[child] = true
			if running[child] || waiting[child] {
				return true
			}
			if child.Operation == OpNomerge || done[child] {
				stack = append(stack, child)
			}
		}
	}
	return false
}

func (s *Scheduler) failedDependency(pkg *Package, failed map[*Package]bool) *Package {
	if len(failed) == 0 || s.graph == nil {
		return nil
	}
	for _, child := range s.graph.ChildNodes(pkg, nil) {
		if failed[child] {
			return child
		}
	}
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, pkg *Package, n int) error {
	m := s.mergers[pkg.Root()]
	if m == nil {
		return fmt.Errorf("no merger for root %s", pkg.Root())
	}
	count := fmt.Sprintf("(%d of %d)", n, s.pkgCount.maxval)
	log := s.log.WithFields(logrus.Fields{"cpv": pkg.CpvStr(), "op": pkg.Operation.String()})
	switch pkg.Operation {
	case OpUninstall:
		s.emergeLog.Log(" === %s Unmerging... (%s)", count, pkg.CpvStr())
		log.Info("unmerging")
		return m.Unmerge(ctx, pkg)
	case OpMerge:
		what := "Compiling/Merging"
		if pkg.Type == TypeBinary {
			what = "Merging Binary"
		}
		s.emergeLog.Log(" >>> emerge %s %s", count, pkg.CpvStr())
		s.out.Einfo(fmt.Sprintf(">>> Emerging %s %s %s", what, count, output.Colorize("GOOD", pkg.CpvStr())))
		if size := pkg.Metadata["SIZE"]; size != "" {
			var n uint64
			if _, err := fmt.Sscan(size, &n); err == nil {
				log = log.WithField("size", humanize.Bytes(n))
			}
		}
		log.Info("merging")
		return m.Merge(ctx, pkg, s.findBlockers(pkg))
	}
	return nil
}

// findBlockers returns the installed packages in other slots that pkg
// blocks. The merge engine removes them once pkg is in place.
func (s *Scheduler) findBlockers(pkg *Package) []string {
	rc := s.roots[pkg.Root()]
	depstr := pkg.DepString([]string{"DEPEND", "RDEPEND", "PDEPEND"})
	if rc == nil || depstr == "" {
		return nil
	}
	tree, err := dep.UseReduce(depstr, pkg.Use)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, a := range tree.Atoms() {
		if !a.IsBlocker() {
			continue
		}
		for _, ps := range rc.Vardb.Match(a.WithoutBlocker()) {
			if ps.SlotKey() == pkg.SlotAtom() || seen[ps.Cpv] {
				continue
			}
			seen[ps.Cpv] = true
			out = append(out, ps.Cpv)
		}
	}
	return out
}

func (s *Scheduler) taskComplete(pkg *Package) {
	count := fmt.Sprintf("(%d of %d)", s.pkgCount.curval, s.pkgCount.maxval)
	switch pkg.Operation {
	case OpMerge:
		s.emergeLog.Log(" ::: completed emerge %s %s", count, pkg.CpvStr())
	case OpUninstall:
		s.emergeLog.Log(" >>> unmerge success: %s", pkg.CpvStr())
	}
	s.dropResumeEntry(pkg)
	if err := s.worldAtom(pkg); err != nil {
		s.out.Ewarn(fmt.Sprintf("Unable to update the world file: %s", err))
	}
}

// worldAtom records an argument package in the world file, or drops the
// world atoms an uninstall leaves without installed packages.
func (s *Scheduler) worldAtom(pkg *Package) error {
	if pkg.Root() != s.targetRoot {
		return nil
	}
	rc := s.roots[pkg.Root()]
	if rc == nil || rc.World == nil {
		return nil
	}
	world := rc.World
	if pkg.Operation == OpUninstall {
		if !s.opts.CleanWorld {
			return nil
		}
		if err := world.Lock(); err != nil {
			return err
		}
		defer world.Unlock()
		for _, a := range world.Atoms() {
			if a.Cp == pkg.Cp() && len(rc.Vardb.Match(a)) == 0 {
				if err := world.Remove(a.Value); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if s.opts.Oneshot || s.opts.OnlyDeps {
		return nil
	}
	atom := s.argsSet.FindAtomForPackage(pkg.Cpv)
	if atom == nil {
		return nil
	}
	worldAtom := atom.Cp
	if atom.Slot != "" {
		worldAtom += ":" + atom.Slot
	}
	if err := world.Lock(); err != nil {
		return err
	}
	defer world.Unlock()
	s.out.Einfo(fmt.Sprintf("Recording %s in \"world\" favorites file...", output.Colorize("INFORM", worldAtom)))
	s.emergeLog.Log(" === (%d of %d) Updating world file (%s)", s.pkgCount.curval, s.pkgCount.maxval, pkg.CpvStr())
	return world.Add(worldAtom)
}

// updateWorldSets records set arguments once the whole list merged.
func (s *Scheduler) updateWorldSets() {
	if s.opts.Oneshot || s.opts.OnlyDeps {
		return
	}
	rc := s.roots[s.targetRoot]
	if rc == nil || rc.World == nil {
		return
	}
	var names []string
	for _, f := range s.favorites {
		if strings.HasPrefix(f, sets.SetPrefix) {
			names = append(names, f)
		}
	}
	if len(names) == 0 {
		return
	}
	if err := rc.World.Lock(); err != nil {
		s.log.WithError(err).Warn("unable to lock the world file")
		return
	}
	defer rc.World.Unlock()
	if err := rc.World.Update(names); err != nil {
		s.log.WithError(err).Warn("unable to record sets in world_sets")
	}
}

// lookupPkg finds cpv of type t on root.
func (d *Depgraph) lookupPkg(t PackageType, root, cpv string, op Operation) (*Package, error) {
	rc := d.roots[root]
	if rc == nil {
		return nil, fmt.Errorf("no configuration for root %s", root)
	}
	src := rc.Source(t)
	if src == nil {
		return nil, fmt.Errorf("no %s database for root %s", t, root)
	}
	for _, ps := range src.DB.CpList(versions.CpvGetKey(cpv)) {
		if ps.Cpv != cpv {
			continue
		}
		pkg, err := d.pkg(t, rc, src.DB, ps, false)
		if err != nil {
			return nil, err
		}
		if op == OpUninstall {
			return d.uninstallTask(pkg), nil
		}
		return pkg, nil
	}
	return nil, fmt.Errorf("%s %s is no longer available", t, cpv)
}

// ResumeDepgraph rebuilds the interrupted merge list stored in the mtimedb
// of the target root. Merge entries are resolved again so that their
// dependencies are still ordered; uninstall entries are appended as they
// were.
func ResumeDepgraph(roots map[string]*RootConfig, targetRoot string, params *DepgraphParams) (*Depgraph, []*Package, error) {
	rc := roots[targetRoot]
	if rc == nil || rc.Mtimedb == nil || rc.Mtimedb.Resume == nil {
		return nil, nil, fmt.Errorf("no resume list")
	}
	rd := rc.Mtimedb.Resume
	d, err := NewDepgraph(roots, targetRoot, params, nil)
	if err != nil {
		return nil, nil, err
	}
	var merges, uninstalls []*Package
	for _, e := range rd.Mergelist {
		t, err := ParsePackageType(e[0])
		if err != nil {
			return d, nil, err
		}
		op, err := ParseOperation(e[3])
		if err != nil {
			return d, nil, err
		}
		pkg, err := d.lookupPkg(t, e[1], e[2], op)
		if err != nil {
			return d, nil, err
		}
		if op == OpUninstall {
			uninstalls = append(uninstalls, pkg)
		} else {
			merges = append(merges, pkg)
		}
	}
	ok, err := d.AddPackageArgs(merges)
	if err != nil {
		return d, nil, err
	}
	if !ok {
		return d, nil, errors.Join(d.Problems()...)
	}
	list, err := d.MergeList()
	if err != nil {
		return d, nil, err
	}
	var out []*Package
	for _, p := range list {
		if p.Operation != OpNomerge {
			out = append(out, p)
		}
	}
	for _, u := range uninstalls {
		if rc.Vardb.CpvExists(u.CpvStr()) {
			out = append(out, u)
		}
	}
	return d, out, nil
}
