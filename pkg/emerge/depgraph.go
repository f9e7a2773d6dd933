package emerge

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/emerge/resolver"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/output"
	"github.com/ppphp/emergo/pkg/sets"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
)

var bad = output.NewCreateColorFunc("BAD")

// ResolveState is the phase a Depgraph is in.
type ResolveState int

const (
	StateSeed ResolveState = iota
	StateExpanding
	StateComplete
	StateFailed
)

func (s ResolveState) String() string {
	switch s {
	case StateSeed:
		return "seed"
	case StateExpanding:
		return "expanding"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("ResolveState(%d)", int(s))
}

// parentAtom records through which atom a parent package or an argument
// pulled a package in.
type parentAtom struct {
	parent *Package
	arg    DepArg
	atom   *dep.Atom
}

func (p parentAtom) parentString() string {
	if p.parent != nil {
		return p.parent.String()
	}
	return p.arg.String()
}

// stackItem is either a dependency to resolve or a package whose
// dependencies are still to be expanded.
type stackItem struct {
	pkg *Package
	dep *Dependency
}

type taskGraph = util.Digraph[Task, Priority]

func newTaskGraph() *taskGraph {
	return util.NewDigraph[Task, Priority](priorityLess)
}

// Depgraph computes the packages needed for a set of arguments together
// with an order to merge them in.
type Depgraph struct {
	params     *DepgraphParams
	roots      map[string]*RootConfig
	targetRoot string
	log        *logrus.Entry

	State ResolveState

	runtimePkgMask map[string]string
	// backtrackMask is what a retry should mask to get past a conflict of
	// this run.
	backtrackMask map[string]string
	needRestart   bool

	pkgCache       map[string]*Package
	blockerCache   map[string]*Blocker
	uninstallCache map[string]*Package

	digraph     *util.Digraph[*Package, Priority]
	tracker     *resolver.PackageTracker[*Package]
	slotPkgMap  map[string]map[string]*Package
	setNodes    map[*Package]bool
	parentAtoms map[*Package][]parentAtom

	args        []DepArg
	initialArgs []DepArg

	depStack              []stackItem
	ignoredDeps           []*Dependency
	unsatisfiedDeps       []*Dependency
	unsatisfiedForDisplay []*Dependency
	initiallyUnsatisfied  []*Dependency
	invalidDepStrings     []error

	traversedPkgDeps   map[*Package]bool
	reinstallNodes     map[*Package][]string
	slotCollisionNodes map[*Package]bool

	blockerParents     *taskGraph
	irrelevantBlockers *taskGraph
	unsolvableBlockers *taskGraph
	blockerUninstalls  *taskGraph
	blockedPkgs        *taskGraph

	selector PackageSelector

	serializedTasks []Task
	schedulerGraph  *util.Digraph[*Package, Priority]
	circularDeps    *resolver.CircularDependencyHandler[*Package, Priority]
	planErr         error
}

// NewDepgraph prepares a resolver run over roots. bt carries the masks
// learned by earlier runs and may be nil.
func NewDepgraph(roots map[string]*RootConfig, targetRoot string, params *DepgraphParams, bt *resolver.BacktrackParameter) (*Depgraph, error) {
	if _, ok := roots[targetRoot]; !ok {
		return nil, fmt.Errorf("no configuration for target root %s", targetRoot)
	}
	p := *params
	d := &Depgraph{
		params:             &p,
		roots:              roots,
		targetRoot:         targetRoot,
		log:                msg.WithFields(logrus.Fields{"component": "depgraph"}),
		runtimePkgMask:     map[string]string{},
		pkgCache:           map[string]*Package{},
		blockerCache:       map[string]*Blocker{},
		uninstallCache:     map[string]*Package{},
		digraph:            util.NewDigraph[*Package, Priority](priorityLess),
		tracker:            resolver.NewPackageTracker[*Package](),
		slotPkgMap:         map[string]map[string]*Package{},
		setNodes:           map[*Package]bool{},
		parentAtoms:        map[*Package][]parentAtom{},
		traversedPkgDeps:   map[*Package]bool{},
		reinstallNodes:     map[*Package][]string{},
		slotCollisionNodes: map[*Package]bool{},
		blockerParents:     newTaskGraph(),
		irrelevantBlockers: newTaskGraph(),
		unsolvableBlockers: newTaskGraph(),
		blockerUninstalls:  newTaskGraph(),
		blockedPkgs:        newTaskGraph(),
	}
	if bt != nil {
		for k, v := range bt.RuntimePkgMask {
			d.runtimePkgMask[k] = v
		}
	}
	d.selector = selectorFunc(d.selectPkgHighestAvailable)
	for root := range roots {
		d.slotPkgMap[root] = map[string]*Package{}
	}
	if err := d.loadVdb(); err != nil {
		return nil, err
	}
	return d, nil
}

// loadVdb registers every installed package with the tracker so that the
// resulting state starts out as the installed one.
func (d *Depgraph) loadVdb() error {
	for _, root := range d.sortedRoots() {
		rc := d.roots[root]
		for _, cp := range rc.Vardb.CpAll() {
			for _, ps := range rc.Vardb.CpList(cp) {
				pkg, err := d.pkg(TypeInstalled, rc, rc.Vardb, ps, false)
				if err != nil {
					d.log.WithField("cpv", ps.Cpv).WithError(err).Warn("skipping unreadable installed package")
					continue
				}
				d.tracker.AddInstalledPkg(pkg)
			}
		}
	}
	return nil
}

func (d *Depgraph) sortedRoots() []string {
	out := make([]string, 0, len(d.roots))
	for r := range d.roots {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (d *Depgraph) blocker(root string, atom *dep.Atom, eapi string, priority *DepPriority) *Blocker {
	b := NewBlocker(root, atom, eapi, priority)
	if c, ok := d.blockerCache[b.Key()]; ok {
		return c
	}
	d.blockerCache[b.Key()] = b
	return b
}

// uninstallTask returns the interned uninstall task of an installed
// package.
func (d *Depgraph) uninstallTask(inst *Package) *Package {
	u := inst.WithOperation(OpUninstall)
	if c, ok := d.uninstallCache[u.Key()]; ok {
		return c
	}
	d.uninstallCache[u.Key()] = u
	return u
}

// SelectFiles turns command line arguments into resolver arguments and
// resolves them. It reports false when the graph could not be built; the
// reasons are available from Problems.
func (d *Depgraph) SelectFiles(myfiles []string) (bool, error) {
	rc := d.roots[d.targetRoot]
	for _, x := range myfiles {
		arg, err := d.parseArg(rc, x)
		if err != nil {
			return false, err
		}
		d.args = append(d.args, arg)
	}
	d.initialArgs = append([]DepArg(nil), d.args...)
	return d.resolve(), nil
}

// AddPackageArgs pins exact package instances, as a resumed merge list
// does, and resolves them.
func (d *Depgraph) AddPackageArgs(pkgs []*Package) (bool, error) {
	for _, pkg := range pkgs {
		rc := d.roots[pkg.Root()]
		if rc == nil {
			return false, fmt.Errorf("no configuration for root %s", pkg.Root())
		}
		interned := pkg
		if c, ok := d.pkgCache[pkg.Key()]; ok {
			interned = c
		} else {
			d.pkgCache[pkg.Key()] = pkg
		}
		arg, err := NewPackageArg(interned, interned.CpvStr(), rc)
		if err != nil {
			return false, err
		}
		d.args = append(d.args, arg)
	}
	d.initialArgs = append([]DepArg(nil), d.args...)
	return d.resolve(), nil
}

func (d *Depgraph) parseArg(rc *RootConfig, x string) (DepArg, error) {
	if strings.HasPrefix(x, sets.SetPrefix) {
		name := strings.TrimPrefix(x, sets.SetPrefix)
		if rc.SetConfig == nil {
			return nil, fmt.Errorf("unknown set: %s", x)
		}
		if _, ok := rc.SetConfig.Get(name); !ok {
			return nil, fmt.Errorf("unknown set: %s", x)
		}
		atoms, err := rc.SetConfig.Expand(name)
		if err != nil {
			return nil, err
		}
		pset, err := sets.NewInternalPackageSet(x, atoms, true)
		if err != nil {
			return nil, err
		}
		return NewSetArg(pset, x, rc), nil
	}
	var atom *dep.Atom
	var err error
	if dep.IsValidAtom(x, false) {
		atom, err = dep.NewAtom(x)
	} else {
		dbs := []dbapi.Dbapi{rc.Vardb}
		for _, s := range rc.Sources {
			dbs = append(dbs, s.DB)
		}
		atom, err = dbapi.DepExpand(x, dbs...)
	}
	if err != nil {
		var amb *dbapi.AmbiguousPackageNameError
		if errors.As(err, &amb) {
			return nil, err
		}
		return nil, exception.InvalidAtom(x)
	}
	return NewAtomArg(atom, x, rc, false)
}

func (d *Depgraph) resolve() bool {
	d.State = StateExpanding
	for _, arg := range d.args {
		if pa, ok := arg.(*PackageArg); ok {
			dep := &Dependency{Atom: pa.Atom, Root: pa.Package.Root(), Arg: arg, Priority: &DepPriority{}, Child: pa.Package}
			if !d.addPkg(pa.Package, dep) {
				d.State = StateFailed
				return false
			}
			continue
		}
		for _, atom := range arg.Set().Atoms() {
			d.depStack = append(d.depStack, stackItem{dep: &Dependency{
				Atom:     atom,
				Root:     arg.Base().RootConfig.Root,
				Arg:      arg,
				Priority: &DepPriority{},
				Onlydeps: d.params.OnlyDeps,
			}})
		}
	}
	if !d.createGraph(false) {
		d.State = StateFailed
		return false
	}
	d.processSlotConflicts()
	if !d.completeGraph() {
		d.State = StateFailed
		return false
	}
	d.processSlotConflicts()
	if !d.validateBlockers() {
		d.State = StateFailed
		return false
	}
	if len(d.invalidDepStrings) > 0 {
		d.State = StateFailed
		return false
	}
	d.State = StateComplete
	return true
}

func (d *Depgraph) createGraph(allowUnsatisfied bool) bool {
	for len(d.depStack) > 0 {
		item := d.depStack[len(d.depStack)-1]
		d.depStack = d.depStack[:len(d.depStack)-1]
		if item.pkg != nil {
			if !d.addPkgDeps(item.pkg, allowUnsatisfied) {
				return false
			}
			continue
		}
		if !d.addDep(item.dep, allowUnsatisfied) {
			return false
		}
	}
	return true
}

func (d *Depgraph) addDep(dep *Dependency, allowUnsatisfied bool) bool {
	if dep.Blocker || dep.Atom.IsBlocker() {
		if !d.params.Recurse || dep.Parent == nil || dep.Parent.Onlydeps || d.slotCollisionNodes[dep.Parent] {
			return true
		}
		b := d.blocker(dep.Root, dep.Atom, dep.Parent.Eapi(), dep.Priority)
		d.blockerParents.Add(b, dep.Parent, dep.Priority)
		return true
	}
	pkg, _ := d.selector.Select(dep.Root, dep.Atom, dep.Onlydeps)
	if pkg == nil {
		if dep.Priority != nil && dep.Priority.Optional {
			return true
		}
		if allowUnsatisfied {
			d.unsatisfiedDeps = append(d.unsatisfiedDeps, dep)
			return true
		}
		d.unsatisfiedForDisplay = append(d.unsatisfiedForDisplay, dep)
		d.log.WithFields(logrus.Fields{"atom": dep.Atom.Value, "parent": dep.parentString()}).Debug("unsatisfied dependency")
		return false
	}
	dep.Child = pkg
	return d.addPkg(pkg, dep)
}

func (d *Depgraph) addPkg(pkg *Package, dep *Dependency) bool {
	if !pkg.Installed() && !d.params.Empty && dep.Priority != nil {
		if a, err := atomForSlot(pkg); err == nil && len(d.roots[pkg.Root()].Vardb.Match(a)) > 0 {
			dep.Priority.Rebuild = true
		}
	}
	argAtoms := d.argAtomsForPkg(pkg)

	existing := d.slotPkgMap[pkg.Root()][pkg.SlotAtom()]
	if existing != nil {
		if existing == pkg || existing.CpvStr() == pkg.CpvStr() ||
			(dep.Atom != nil && dep.Atom.Match(existing.Cpv)) {
			d.addParentEdges(existing, dep, argAtoms)
			return true
		}
		d.log.WithFields(logrus.Fields{"slot": pkg.SlotAtom(), "existing": existing.CpvStr(), "cpv": pkg.CpvStr()}).Debug("slot conflict")
		d.slotCollisionNodes[existing] = true
		d.slotCollisionNodes[pkg] = true
	}

	previouslyAdded := d.digraph.Contains(pkg)
	if existing == nil {
		d.slotPkgMap[pkg.Root()][pkg.SlotAtom()] = pkg
	}
	d.tracker.AddPkg(pkg)
	d.addParentEdges(pkg, dep, argAtoms)

	depth := dep.Depth
	if len(argAtoms) > 0 {
		depth = 0
	}
	if !previouslyAdded || depth < pkg.depth {
		pkg.depth = depth
	}

	if !d.params.Recurse {
		return true
	}
	if pkg.Installed() && !d.recurseInstalled(pkg.depth) {
		d.ignoredDeps = append(d.ignoredDeps, dep)
		return true
	}
	if !previouslyAdded {
		d.depStack = append(d.depStack, stackItem{pkg: pkg})
	}
	return true
}

func atomForSlot(pkg *Package) (*dep.Atom, error) {
	return dep.NewAtom(pkg.SlotAtom())
}

// recurseInstalled reports whether the dependencies of an installed
// package at depth are still checked for updates.
func (d *Depgraph) recurseInstalled(depth int) bool {
	return d.params.Empty || d.params.deepUnlimited() || (d.params.Deep > 0 && depth+1 <= d.params.Deep)
}

// recurseSatisfied reports whether a dependency at depth that installed
// packages already satisfy is followed anyway.
func (d *Depgraph) recurseSatisfied(depth int) bool {
	return d.params.Empty || d.params.deepUnlimited() || (d.params.Deep > 0 && depth <= d.params.Deep)
}

func (d *Depgraph) addParentEdges(pkg *Package, dep *Dependency, argAtoms []argAtom) {
	for _, aa := range argAtoms {
		d.setNodes[pkg] = true
		d.addParentAtom(pkg, parentAtom{arg: aa.arg, atom: aa.atom})
	}
	if dep.Parent == nil {
		d.digraph.AddNode(pkg)
		if dep.Arg != nil {
			d.setNodes[pkg] = true
			d.addParentAtom(pkg, parentAtom{arg: dep.Arg, atom: dep.Atom})
		}
		return
	}
	if dep.Parent == pkg {
		if dep.Priority == nil || !dep.Priority.Buildtime || dep.Priority.Satisfied {
			return
		}
	}
	var prio Priority = &DepPriority{}
	if dep.Priority != nil {
		prio = dep.Priority
	}
	d.digraph.Add(pkg, dep.Parent, prio)
	d.addParentAtom(pkg, parentAtom{parent: dep.Parent, atom: dep.Atom})
}

func (d *Depgraph) addParentAtom(pkg *Package, pa parentAtom) {
	for _, x := range d.parentAtoms[pkg] {
		if x.parent == pa.parent && x.arg == pa.arg && x.atom.Value == pa.atom.Value {
			return
		}
	}
	d.parentAtoms[pkg] = append(d.parentAtoms[pkg], pa)
}

// argAtom is an argument atom that applies to some package.
type argAtom struct {
	arg  DepArg
	atom *dep.Atom
}

// argAtomsForPkg returns the argument atoms matching pkg. An atom is
// skipped when a visible higher version lives in another slot, since the
// atom then asks for that one.
func (d *Depgraph) argAtomsForPkg(pkg *Package) []argAtom {
	var out []argAtom
	for _, arg := range d.args {
		if arg.Base().RootConfig.Root != pkg.Root() {
			continue
		}
		if pa, ok := arg.(*PackageArg); ok {
			if pa.Package == pkg || pa.Package.Key() == pkg.Key() {
				out = append(out, argAtom{arg: arg, atom: pa.Atom})
			}
			continue
		}
		atom := arg.Set().FindAtomForPackage(pkg.Cpv)
		if atom == nil {
			continue
		}
		higherSlot := false
		for _, c := range d.visibleMatches(pkg.Root(), atom.WithoutUse()) {
			if c.Cp() == pkg.Cp() && c.Compare(pkg) > 0 && c.SlotAtom() != pkg.SlotAtom() {
				higherSlot = true
				break
			}
		}
		if higherSlot {
			continue
		}
		out = append(out, argAtom{arg: arg, atom: atom})
	}
	return out
}

type depKind struct {
	keys     []string
	priority AbstractDepPriority
	build    bool
}

var depKinds = []depKind{
	{keys: buildtimeKeys, priority: AbstractDepPriority{Buildtime: true}, build: true},
	{keys: runtimeKeys, priority: AbstractDepPriority{Runtime: true}},
	{keys: postKeys, priority: AbstractDepPriority{RuntimePost: true}},
}

func (d *Depgraph) addPkgDeps(pkg *Package, allowUnsatisfied bool) bool {
	d.traversedPkgDeps[pkg] = true
	root := pkg.Root()
	vardb := d.roots[root].Vardb

	// Every kind is reduced before any edge is added, so a package with
	// one invalid dependency string contributes no edges at all.
	type reducedKind struct {
		kind depKind
		prio *DepPriority
		tree *dep.DepNode
	}
	var reduced []reducedKind
	for _, kind := range depKinds {
		prio := &DepPriority{AbstractDepPriority: kind.priority}
		if kind.build {
			if pkg.Built() {
				if !d.params.WithBdeps || d.params.Remove {
					continue
				}
				prio.Buildtime = false
				prio.Optional = true
			}
		}
		depstr := pkg.DepString(kind.keys)
		if depstr == "" {
			continue
		}
		tree, err := dep.UseReduce(depstr, pkg.Use)
		if err != nil {
			if pkg.Installed() {
				d.log.WithField("cpv", pkg.CpvStr()).WithError(err).Warn("ignoring invalid dependencies of installed package")
				continue
			}
			d.invalidDepStrings = append(d.invalidDepStrings, &exception.InvalidDependStringError{
				Package: pkg.CpvStr(), DepStr: depstr, Reason: err.Error(),
			})
			return false
		}
		reduced = append(reduced, reducedKind{kind: kind, prio: prio, tree: tree})
	}

	for _, r := range reduced {
		kind, prio, tree := r.kind, r.prio, r.tree
		for _, atom := range d.selectAtoms(root, tree) {
			mypriority := prio.copy()
			if atom.IsBlocker() {
				if kind.build && pkg.Built() {
					continue
				}
				if !d.addDep(&Dependency{Atom: atom, Blocker: true, Parent: pkg, Priority: mypriority, Depth: pkg.depth + 1, Root: root}, allowUnsatisfied) {
					return false
				}
				continue
			}
			if len(vardb.Match(atom)) > 0 {
				mypriority.Satisfied = true
			}
			dp := &Dependency{Atom: atom, Parent: pkg, Priority: mypriority, Depth: pkg.depth + 1, Root: root}
			if mypriority.Satisfied && !d.recurseSatisfied(dp.Depth) {
				child, _ := d.selector.Select(root, atom, false)
				if child != nil && !child.Installed() && len(d.argAtomsForPkg(child)) == 0 {
					dp.Child = child
					d.ignoredDeps = append(d.ignoredDeps, dp)
					continue
				}
			}
			if !d.addDep(dp, allowUnsatisfied) {
				return false
			}
		}
	}
	return true
}

// selectAtoms flattens a reduced dependency tree, choosing one alternative
// of every any-of group: the first one the resulting state already
// satisfies, else the first one that can be satisfied at all, else the
// first.
func (d *Depgraph) selectAtoms(root string, tree *dep.DepNode) []*dep.Atom {
	switch tree.Kind {
	case dep.NodeAtom:
		return []*dep.Atom{tree.Atom}
	case dep.NodeAnyOf:
		if len(tree.Children) == 0 {
			return nil
		}
		choices := make([][]*dep.Atom, len(tree.Children))
		for i, c := range tree.Children {
			choices[i] = d.selectAtoms(root, c)
		}
		for _, c := range choices {
			if d.allAtoms(c, func(a *dep.Atom) bool { return len(d.tracker.Match(root, a, true)) > 0 }) {
				return c
			}
		}
		for _, c := range choices {
			if d.allAtoms(c, func(a *dep.Atom) bool { return len(d.visibleMatches(root, a)) > 0 }) {
				return c
			}
		}
		return choices[0]
	}
	var out []*dep.Atom
	for _, c := range tree.Children {
		out = append(out, d.selectAtoms(root, c)...)
	}
	return out
}

func (d *Depgraph) allAtoms(atoms []*dep.Atom, ok func(*dep.Atom) bool) bool {
	for _, a := range atoms {
		if a.IsBlocker() {
			continue
		}
		if !ok(a) {
			return false
		}
	}
	return true
}

// processSlotConflicts works out what a retry should mask to get rid of
// the slot conflicts of this run: every package of a conflict except the
// one all parents accept, or else the highest version.
func (d *Depgraph) processSlotConflicts() {
	conflicts := d.tracker.SlotConflicts()
	if len(conflicts) == 0 {
		return
	}
	handler := resolver.NewSlotConflictHandler(conflicts, d.resolverParentAtoms)
	solution := handler.Solution()
	mask := map[string]string{}
	for _, c := range conflicts {
		if keep, ok := solution[c]; ok {
			for _, p := range c.Pkgs {
				if p != keep && !p.Installed() {
					mask[p.Key()] = "slot conflict in " + c.Atom
				}
			}
			continue
		}
		var highest *Package
		for _, p := range c.Pkgs {
			if p.Installed() {
				continue
			}
			if highest == nil || p.Compare(highest) > 0 {
				highest = p
			}
		}
		if highest != nil {
			mask[highest.Key()] = "slot conflict in " + c.Atom
		}
	}
	if len(mask) > 0 {
		d.needRestart = true
		d.backtrackMask = mask
	}
}

func (d *Depgraph) resolverParentAtoms(pkg *Package) []resolver.ParentAtom {
	var out []resolver.ParentAtom
	for _, pa := range d.parentAtoms[pkg] {
		out = append(out, resolver.ParentAtom{Parent: pa.parentString(), Atom: pa.atom})
	}
	return out
}

// completeGraph pulls the installed packages reachable from the selected
// and system sets into the graph, so that blockers and dependencies are
// checked against the whole resulting system.
func (d *Depgraph) completeGraph() bool {
	if !d.params.Recurse || !d.params.Complete {
		return true
	}
	if d.params.Remove {
		d.selector = selectorFunc(d.selectPkgFromInstalled)
	} else {
		d.selector = selectorFunc(d.selectPkgFromGraph)
	}
	d.params.Deep = -1

	for _, root := range d.sortedRoots() {
		rc := d.roots[root]
		if rc.SetConfig == nil {
			continue
		}
		for _, name := range []string{"selected", "system"} {
			pset, ok := rc.SetConfig.Get(name)
			if !ok {
				continue
			}
			arg := NewSetArg(pset, sets.SetPrefix+name, rc)
			arg.Internal = true
			d.args = append(d.args, arg)
			for _, atom := range pset.Atoms() {
				d.depStack = append(d.depStack, stackItem{dep: &Dependency{
					Atom: atom, Root: root, Arg: arg, Priority: &DepPriority{},
				}})
			}
		}
	}
	for _, dp := range d.ignoredDeps {
		d.depStack = append(d.depStack, stackItem{dep: dp})
	}
	d.ignoredDeps = nil

	for {
		if !d.createGraph(true) {
			return false
		}
		unsat := d.unsatisfiedDeps
		d.unsatisfiedDeps = nil
		added := false
		for _, dp := range unsat {
			matches := d.installedMatches(dp.Root, dp.Atom)
			if len(matches) == 0 {
				d.initiallyUnsatisfied = append(d.initiallyUnsatisfied, dp)
				continue
			}
			dp.Child = matches[len(matches)-1]
			if !d.addPkg(dp.Child, dp) {
				return false
			}
			added = true
		}
		if !added {
			break
		}
	}
	return true
}

// Favorites returns the arguments to record in the world file.
func (d *Depgraph) Favorites() []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, arg := range d.initialArgs {
		if arg.Base().Internal {
			continue
		}
		switch a := arg.(type) {
		case *SetArg:
			switch a.Name {
			case "world", "selected", "system":
				continue
			}
			add(sets.SetPrefix + a.Name)
		case *AtomArg:
			s := a.Atom.Cp
			if a.Atom.Slot != "" {
				s += ":" + a.Atom.Slot
			}
			add(s)
		}
	}
	return out
}

// NeedRestart reports whether a retry with BacktrackMask is worth trying.
func (d *Depgraph) NeedRestart() bool { return d.needRestart }

func (d *Depgraph) BacktrackMask() map[string]string { return d.backtrackMask }

// Graph exposes the dependency graph.
func (d *Depgraph) Graph() *util.Digraph[*Package, Priority] { return d.digraph }

// parentChain walks from the parent of dep up to the argument that pulled
// it in.
func (d *Depgraph) parentChain(dp *Dependency) []string {
	var out []string
	seen := map[*Package]bool{}
	cur := dp.Parent
	if cur == nil && dp.Arg != nil {
		return []string{dp.Arg.String()}
	}
	for cur != nil && !seen[cur] {
		seen[cur] = true
		out = append(out, cur.CpvStr())
		pas := d.parentAtoms[cur]
		if len(pas) == 0 {
			break
		}
		pa := pas[0]
		if pa.parent == nil {
			out = append(out, pa.arg.String())
			break
		}
		cur = pa.parent
	}
	return out
}

// Problems returns every reason the resolution or the merge order failed.
func (d *Depgraph) Problems() []error {
	var out []error
	for _, dp := range d.unsatisfiedForDisplay {
		out = append(out, &exception.UnresolvableAtomError{Atom: dp.Atom.Value, Parents: d.parentChain(dp)})
	}
	out = append(out, d.invalidDepStrings...)
	conflicts := d.tracker.SlotConflicts()
	if len(conflicts) > 0 {
		out = append(out, resolver.NewSlotConflictHandler(conflicts, d.resolverParentAtoms).Errors()...)
	}
	out = append(out, d.unresolvedBlockerErrors()...)
	if d.circularDeps != nil {
		out = append(out, d.circularDeps.Err())
	}
	return out
}

// DisplayProblems writes a report of Problems for a user.
func (d *Depgraph) DisplayProblems(w io.Writer) {
	for _, dp := range d.unsatisfiedForDisplay {
		fmt.Fprintf(w, "\n%s\n", bad(fmt.Sprintf("emerge: there are no ebuilds to satisfy \"%s\".", dp.Atom.Value)))
		if chain := d.parentChain(dp); len(chain) > 0 {
			fmt.Fprintf(w, "(dependency required by \"%s\")\n", strings.Join(chain, "\" <- \""))
		}
		if dp.Parent == nil {
			dbs := []dbapi.Dbapi{d.roots[dp.Root].Vardb}
			for _, s := range d.roots[dp.Root].Sources {
				dbs = append(dbs, s.DB)
			}
			if similar := dbapi.SimilarNameSearch(dp.Atom.Cp, dbs...); len(similar) > 0 {
				fmt.Fprintf(w, "\nemerge: Maybe you meant any of these: %s?\n", strings.Join(similar, ", "))
			}
		}
	}
	for _, err := range d.invalidDepStrings {
		fmt.Fprintf(w, "\n%s\n", bad("!!! "+err.Error()))
	}
	if conflicts := d.tracker.SlotConflicts(); len(conflicts) > 0 {
		fmt.Fprint(w, resolver.NewSlotConflictHandler(conflicts, d.resolverParentAtoms).Report())
	}
	if errs := d.unresolvedBlockerErrors(); len(errs) > 0 {
		fmt.Fprintf(w, "\n%s\n", bad("[blocks B     ] unresolved conflicts:"))
		for _, e := range errs {
			fmt.Fprintf(w, "  %s\n", e.Error())
		}
	}
	if d.circularDeps != nil {
		fmt.Fprint(w, d.circularDeps.Report())
	}
}

// Backtrack resolves myfiles, retrying with the masks each failed run
// suggests until one run succeeds or params.Backtrack retries are used
// up. The last depgraph is returned either way.
func Backtrack(roots map[string]*RootConfig, targetRoot string, params *DepgraphParams, myfiles []string) (*Depgraph, bool, error) {
	bt := resolver.NewBacktracker(params.Backtrack)
	var last *Depgraph
	for {
		p, ok := bt.Next()
		if !ok {
			break
		}
		d, err := NewDepgraph(roots, targetRoot, params, p)
		if err != nil {
			return nil, false, err
		}
		success, err := d.SelectFiles(myfiles)
		if err != nil {
			return d, false, err
		}
		last = d
		if !d.needRestart {
			return d, success, nil
		}
		d.log.WithField("try", bt.Tries()).Debug("backtracking")
		bt.Feedback(d.backtrackMask)
	}
	if last == nil {
		return nil, false, errors.New("no resolver run was attempted")
	}
	return last, last.State == StateComplete, nil
}
