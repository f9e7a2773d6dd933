package emerge

import (
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/emerge/resolver"
	"github.com/ppphp/emergo/pkg/util"
	"github.com/ppphp/emergo/pkg/util/msg"
	"github.com/ppphp/emergo/pkg/versions"
)

// OrderPolicy decides which of several eligible nodes is merged first.
// Uninstall tasks always come last and remaining ties are broken by cpv.
type OrderPolicy int

const (
	// OrderFewestParents prefers nodes with the fewest parents.
	OrderFewestParents OrderPolicy = iota
	// OrderMostParents prefers nodes many packages depend on.
	OrderMostParents
)

func (o OrderPolicy) String() string {
	switch o {
	case OrderFewestParents:
		return "fewest-parents"
	case OrderMostParents:
		return "most-parents"
	}
	return "unknown"
}

// ParseOrderPolicy is the inverse of OrderPolicy.String.
func ParseOrderPolicy(s string) (OrderPolicy, bool) {
	switch s {
	case "", "fewest-parents":
		return OrderFewestParents, true
	case "most-parents":
		return OrderMostParents, true
	}
	return 0, false
}

func (o OrderPolicy) less(refs map[*Package]int) func(a, b *Package) bool {
	return func(a, b *Package) bool {
		ua, ub := a.Operation == OpUninstall, b.Operation == OpUninstall
		if ua != ub {
			return ub
		}
		if refs[a] != refs[b] {
			if o == OrderMostParents {
				return refs[a] > refs[b]
			}
			return refs[a] < refs[b]
		}
		if c := versions.CpvCmp(a.CpvStr(), b.CpvStr()); c != 0 {
			return c < 0
		}
		return a.Key() < b.Key()
	}
}

var errSerializeRetry = errors.New("merge order needs a complete graph")

// nodeSet is a set that remembers insertion order.
type nodeSet struct {
	m    map[*Package]bool
	list []*Package
}

func newNodeSet(nodes ...*Package) *nodeSet {
	s := &nodeSet{m: map[*Package]bool{}}
	for _, n := range nodes {
		s.add(n)
	}
	return s
}

func (s *nodeSet) add(n *Package) {
	if !s.m[n] {
		s.m[n] = true
		s.list = append(s.list, n)
	}
}

func (s *nodeSet) has(n *Package) bool { return s.m[n] }

func isBlockerPriority(p Priority) bool {
	_, ok := p.(*BlockerDepPriority)
	return ok
}

// depStringFor returns the dependency variables of parent behind edges
// with the given priorities.
func depStringFor(parent *Package, prios []Priority) string {
	keys := map[string]bool{}
	for _, p := range prios {
		dp, ok := p.(*DepPriority)
		if !ok {
			continue
		}
		switch {
		case dp.Buildtime || (dp.Optional && !dp.Runtime && !dp.RuntimePost):
			for _, k := range buildtimeKeys {
				keys[k] = true
			}
		case dp.Runtime:
			keys["RDEPEND"] = true
		case dp.RuntimePost:
			keys["PDEPEND"] = true
		}
	}
	var ordered []string
	for _, k := range []string{"BDEPEND", "DEPEND", "RDEPEND", "PDEPEND"} {
		if keys[k] {
			ordered = append(ordered, k)
		}
	}
	return parent.DepString(ordered)
}

// AltList returns the merge order: packages to merge or uninstall, with
// the blockers they solve after them and unsolved blockers at the end.
func (d *Depgraph) AltList() ([]Task, error) {
	if d.State == StateFailed {
		return nil, errors.Join(d.Problems()...)
	}
	for d.serializedTasks == nil {
		tasks, sg, err := d.serializeTasks()
		if errors.Is(err, errSerializeRetry) {
			if !d.completeGraph() || !d.validateBlockers() {
				d.State = StateFailed
				return nil, errors.Join(d.Problems()...)
			}
			continue
		}
		if err != nil {
			d.planErr = err
			return tasks, err
		}
		if tasks == nil {
			// nothing to do still counts as planned
			tasks = []Task{}
		}
		d.serializedTasks, d.schedulerGraph = tasks, sg
	}
	return append([]Task(nil), d.serializedTasks...), nil
}

// MergeList returns the packages of AltList, leaving out blockers.
func (d *Depgraph) MergeList() ([]*Package, error) {
	tasks, err := d.AltList()
	var out []*Package
	for _, t := range tasks {
		if p, ok := t.(*Package); ok {
			out = append(out, p)
		}
	}
	return out, err
}

// SchedulerGraph is the dependency graph with the edges of uninstalls
// that run after the packages blocking them reversed.
func (d *Depgraph) SchedulerGraph() *util.Digraph[*Package, Priority] {
	return d.schedulerGraph
}

func (d *Depgraph) serializeTasks() ([]Task, *util.Digraph[*Package, Priority], error) {
	if d.params.Debug {
		msg.WriteMsg("\ndigraph:\n\n"+d.digraph.DebugString()+"\n", -1, nil)
	}
	schedulerGraph := d.digraph.Clone()

	if !d.params.Recurse {
		var out []Task
		for _, n := range schedulerGraph.AllNodes() {
			if n.Operation == OpMerge {
				out = append(out, n)
			}
		}
		return out, schedulerGraph, nil
	}

	mygraph := d.digraph.Clone()
	for {
		var removed []*Package
		for _, n := range mygraph.RootNodes(nil) {
			if n.Installed() || n.Onlydeps {
				removed = append(removed, n)
			}
		}
		if len(removed) == 0 {
			break
		}
		mygraph.DifferenceUpdate(removed)
	}
	refs := map[*Package]int{}
	for _, n := range mygraph.AllNodes() {
		refs[n] = len(mygraph.ParentNodes(n, nil))
	}
	mygraph.SortNodes(d.params.OrderPolicy.less(refs))

	var pr *PriorityRange
	myblockerUninstalls := d.blockerUninstalls.Clone()
	var retlist []Task
	scheduled := map[*Package]bool{}
	ignoredUninstall := map[*Package]bool{}
	haveUninstall := false
	complete := d.params.Complete
	var asap []*Package

	getNodes := func(ignore IgnoreFunc) []*Package {
		var out []*Package
		for _, n := range mygraph.LeafNodes(ignore) {
			if n.Operation != OpUninstall || scheduled[n] {
				out = append(out, n)
			}
		}
		return out
	}

	// gatherDeps collects a group of nodes depending on each other so
	// that they are merged together.
	var gatherDeps func(ignore IgnoreFunc, mergeable map[*Package]bool, selected *nodeSet, node *Package) bool
	gatherDeps = func(ignore IgnoreFunc, mergeable map[*Package]bool, selected *nodeSet, node *Package) bool {
		if selected.has(node) {
			return true
		}
		if !mergeable[node] {
			return false
		}
		selected.add(node)
		for _, c := range mygraph.ChildNodes(node, ignore) {
			if !gatherDeps(ignore, mergeable, selected, c) {
				return false
			}
		}
		return true
	}
	ignoreUninstOrMed := func(p Priority) bool {
		return isBlockerPriority(p) || pr.IgnoreMedium()(p)
	}
	ignoreUninstOrMedSoft := func(p Priority) bool {
		return isBlockerPriority(p) || pr.IgnoreMediumSoft()(p)
	}
	toSet := func(nodes []*Package) map[*Package]bool {
		m := make(map[*Package]bool, len(nodes))
		for _, n := range nodes {
			m[n] = true
		}
		return m
	}

	preferAsap := true
	dropSatisfied := false

	for !mygraph.IsEmpty() {
		var selected []*Package
		var ignore IgnoreFunc
		if dropSatisfied || (preferAsap && len(asap) > 0) {
			pr = DepPrioritySatisfiedRange
		} else {
			pr = DepPriorityNormalRange
		}

		if preferAsap && len(asap) > 0 {
			var kept []*Package
			for _, n := range asap {
				if mygraph.Contains(n) {
					kept = append(kept, n)
				}
			}
			asap = kept
			for i, n := range asap {
				if len(mygraph.ChildNodes(n, pr.IgnoreSoft())) == 0 {
					selected = []*Package{n}
					asap = append(asap[:i:i], asap[i+1:]...)
					break
				}
			}
		}

		if selected == nil && !(preferAsap && len(asap) > 0) {
			for i := pr.None; i <= pr.MediumSoft; i++ {
				ignore = pr.IgnorePriority[i]
				nodes := getNodes(ignore)
				if len(nodes) == 0 {
					continue
				}
				if len(nodes) > 1 {
					var uninstalls []*Package
					for _, n := range nodes {
						if n.Operation == OpUninstall {
							uninstalls = append(uninstalls, n)
						}
					}
					if len(uninstalls) > 0 {
						nodes = uninstalls
					}
				}
				if ignore == nil && !d.params.Tree {
					selected = nodes
				} else {
					for _, n := range nodes {
						if n.Operation == OpUninstall || len(mygraph.ParentNodes(n, nil)) > 0 {
							selected = []*Package{n}
							break
						}
					}
				}
				if selected != nil {
					break
				}
			}
		}

		if selected == nil {
			nodes := getNodes(pr.IgnoreMedium())
			if len(nodes) > 0 {
				mergeable := toSet(nodes)
				if preferAsap && len(asap) > 0 {
					nodes = asap
				}
			gather:
				for i := pr.Soft; i <= pr.MediumSoft; i++ {
					ignore = pr.IgnorePriority[i]
					for _, n := range nodes {
						if len(mygraph.ParentNodes(n, nil)) == 0 {
							continue
						}
						group := newNodeSet()
						if gatherDeps(ignore, mergeable, group, n) {
							selected = group.list
							break gather
						}
					}
				}
				if preferAsap && len(asap) > 0 && selected == nil {
					preferAsap = false
					continue
				}
			}
		}

		if selected != nil && ignore != nil {
			inSelected := toSet(selected)
			for _, n := range selected {
				soft := toSet(mygraph.ChildNodes(n, DepPrioritySatisfiedRange.IgnoreSoft()))
				mediumSoft := toSet(mygraph.ChildNodes(n, DepPrioritySatisfiedRange.IgnoreMediumSoft()))
				for _, c := range mygraph.ChildNodes(n, nil) {
					if mediumSoft[c] || !soft[c] || inSelected[c] {
						continue
					}
					found := false
					for _, a := range asap {
						if a == c {
							found = true
							break
						}
					}
					if !found {
						asap = append(asap, c)
					}
				}
			}
			d.log.WithFields(logrus.Fields{"nodes": len(selected), "range": pr.Name}).Debug("selected nodes by ignoring soft edges")
		}

		if len(selected) > 1 {
			ims := pr.IgnoreMediumSoft()
			dependsOn := func(a, b *Package) bool {
				for _, c := range mygraph.ChildNodes(a, ims) {
					if c == b {
						return true
					}
				}
				return false
			}
			sort.SliceStable(selected, func(i, j int) bool {
				return !dependsOn(selected[i], selected[j]) && dependsOn(selected[j], selected[i])
			})
		}

		if selected == nil && !myblockerUninstalls.IsEmpty() {
			if dropSatisfied {
				pr = DepPrioritySatisfiedRange
			} else {
				pr = DepPriorityNormalRange
			}
			mergeable := toSet(getNodes(ignoreUninstOrMed))
			minParentDeps := -1
			var uninstTask *Package
			for _, t := range myblockerUninstalls.LeafNodes(nil) {
				task, ok := t.(*Package)
				if !ok || ignoredUninstall[task] || scheduled[task] {
					continue
				}
				if inst := d.installedPkg(task.Root(), task.CpvStr()); inst != nil && d.digraph.Contains(inst) {
					continue
				}
				if d.skipBlockerUninstall(task, myblockerUninstalls, complete) {
					continue
				}
				mergeableParent := false
				abort := false
				parentDeps := newNodeSet(task)
				for _, parent := range mygraph.ParentNodes(task, nil) {
					for _, c := range mygraph.ChildNodes(parent, pr.IgnoreMediumSoft()) {
						parentDeps.add(c)
					}
					if minParentDeps >= 0 && len(parentDeps.list) >= minParentDeps {
						abort = true
						break
					}
					if mergeable[parent] && gatherDeps(ignoreUninstOrMedSoft, mergeable, newNodeSet(), parent) {
						mergeableParent = true
					}
				}
				if abort || !mergeableParent {
					continue
				}
				if minParentDeps < 0 || len(parentDeps.list) < minParentDeps {
					minParentDeps = len(parentDeps.list)
					uninstTask = task
				}
				if uninstTask != nil && minParentDeps == 1 {
					break
				}
			}

			if uninstTask != nil {
				scheduled[uninstTask] = true
				parents := mygraph.ParentNodes(uninstTask, nil)
				mygraph.Discard(uninstTask)
				for _, bp := range parents {
					mygraph.Add(bp, uninstTask, blockerPriority)
					_ = schedulerGraph.RemoveEdge(uninstTask, bp)
					schedulerGraph.Add(bp, uninstTask, blockerPriority)
				}
				if slotNode := d.slotPkgMap[uninstTask.Root()][uninstTask.SlotAtom()]; slotNode != nil && slotNode.Operation == OpMerge {
					mygraph.Add(slotNode, uninstTask, blockerPriority)
				}
				d.log.WithField("cpv", uninstTask.CpvStr()).Debug("uninstall scheduled after blocking packages")
				preferAsap = true
				dropSatisfied = false
				continue
			}
		}

		if selected == nil {
			selected = getNodes(nil)
		}
		if selected == nil && !dropSatisfied {
			dropSatisfied = true
			continue
		}
		if selected == nil && !myblockerUninstalls.IsEmpty() {
			var dropped *Package
			for _, t := range myblockerUninstalls.LeafNodes(nil) {
				n, ok := t.(*Package)
				if ok && mygraph.Contains(n) {
					mygraph.Discard(n)
					dropped = n
					ignoredUninstall[n] = true
					break
				}
			}
			if dropped != nil {
				preferAsap = true
				dropSatisfied = false
				continue
			}
		}
		if selected == nil {
			d.circularDeps = resolver.NewCircularDependencyHandler(mygraph, DepPrioritySatisfiedRange.IgnoreMediumSoft(), depStringFor)
			return nil, nil, d.circularDeps.Err()
		}

		preferAsap = true
		dropSatisfied = false
		mygraph.DifferenceUpdate(selected)

		for _, node := range selected {
			if node.Operation == OpNomerge {
				continue
			}
			var solved []*Blocker
			var uninst *Package
			if node.Operation == OpUninstall {
				haveUninstall = true
				uninst = node
			} else if slotAtom, err := dep.NewAtom(node.SlotAtom()); err == nil {
				if insts := d.installedMatches(node.Root(), slotAtom); len(insts) > 0 {
					uninst = d.uninstallTask(insts[0])
					mygraph.Discard(uninst)
				}
			}
			if uninst != nil && !ignoredUninstall[uninst] && myblockerUninstalls.Contains(uninst) {
				blockers := myblockerUninstalls.ParentNodes(uninst, nil)
				myblockerUninstalls.Discard(uninst)
				for _, bt := range blockers {
					if len(myblockerUninstalls.ChildNodes(bt, nil)) == 0 {
						myblockerUninstalls.Discard(bt)
						if !d.unsolvableBlockers.Contains(bt) {
							solved = append(solved, bt.(*Blocker))
						}
					}
				}
			}
			retlist = append(retlist, node)
			if node.Operation == OpUninstall || (uninst != nil && scheduled[uninst]) {
				for _, b := range solved {
					retlist = append(retlist, b)
				}
			}
		}
	}

	unsolvable := d.unsolvableBlockers.LeafNodes(nil)
	for _, t := range myblockerUninstalls.RootNodes(nil) {
		found := false
		for _, u := range unsolvable {
			if u == t {
				found = true
				break
			}
		}
		if !found {
			unsolvable = append(unsolvable, t)
		}
	}

	if haveUninstall && !complete && len(unsolvable) == 0 {
		d.log.Debug("enabling complete graph mode due to uninstall tasks")
		d.params.Complete = true
		return nil, nil, errSerializeRetry
	}

	for _, t := range retlist {
		if b, ok := t.(*Blocker); ok {
			b.Satisfied = true
		}
	}
	for _, t := range unsolvable {
		if d.blockerParents.Contains(t) {
			for _, p := range d.blockerParents.ParentNodes(t, nil) {
				d.unsolvableBlockers.Add(t, p, t.(*Blocker).Priority)
			}
		}
		retlist = append(retlist, t)
	}

	if !d.params.AcceptBlockers && (len(unsolvable) > 0 || len(d.tracker.SlotConflicts()) > 0) {
		return retlist, schedulerGraph, errors.Join(d.Problems()...)
	}
	return retlist, schedulerGraph, nil
}

// skipBlockerUninstall keeps packages the system relies on from being
// uninstalled to solve a blocker.
func (d *Depgraph) skipBlockerUninstall(task *Package, uninstalls *taskGraph, complete bool) bool {
	rc := d.roots[task.Root()]
	heuristic := false
	for _, bt := range uninstalls.ParentNodes(task, nil) {
		b := bt.(*Blocker)
		if !eapiHasStrongBlocks(b.Eapi) {
			heuristic = true
		} else if b.Atom.Blocker != nil && b.Atom.Blocker.Overlap.Forbid && task.Root() == "/" {
			return true
		}
	}
	if heuristic && task.Root() == "/" && rc.SetConfig != nil {
		if system, ok := rc.SetConfig.Get("system"); ok && system.FindAtomForPackage(task.Cpv) != nil {
			return true
		}
	}
	if !complete && rc.SetConfig != nil {
		if selected, ok := rc.SetConfig.Get("selected"); ok {
			inst := d.installedPkg(task.Root(), task.CpvStr())
			for _, atom := range selected.IterAtomsForPackage(task.Cpv) {
				satisfied := false
				for _, p := range d.tracker.Match(task.Root(), atom, true) {
					if p != inst {
						satisfied = true
						break
					}
				}
				if !satisfied {
					return true
				}
			}
		}
	}
	return false
}

// eapiHasStrongBlocks reports whether "!!atom" blockers exist in eapi.
func eapiHasStrongBlocks(eapi string) bool {
	switch eapi {
	case "", "0", "1":
		return false
	}
	return true
}
