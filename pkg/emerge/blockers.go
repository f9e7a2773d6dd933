package emerge

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/exception"
)

// orderPair says that inst must be uninstalled before task is merged.
type orderPair struct {
	inst, task *Package
}

// installedBlockers returns the runtime blocker atoms of an installed
// package. Build time blockers no longer matter once a package is built.
func (d *Depgraph) installedBlockers(pkg *Package) ([]*dep.Atom, error) {
	depstr := pkg.DepString([]string{"RDEPEND", "PDEPEND"})
	if depstr == "" {
		return nil, nil
	}
	tree, err := dep.UseReduce(depstr, pkg.Use)
	if err != nil {
		return nil, err
	}
	var out []*dep.Atom
	for _, a := range tree.Atoms() {
		if a.IsBlocker() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

// validateBlockers drops blockers that match nothing and decides for the
// others whether an uninstall ordered against the blocking package solves
// them.
func (d *Depgraph) validateBlockers() bool {
	if !d.params.Recurse {
		return true
	}

	for _, root := range d.sortedRoots() {
		rc := d.roots[root]
		for _, cp := range rc.Vardb.CpAll() {
			for _, ps := range rc.Vardb.CpList(cp) {
				pkg, err := d.pkg(TypeInstalled, rc, rc.Vardb, ps, false)
				if err != nil {
					continue
				}
				if d.traversedPkgDeps[pkg] {
					continue
				}
				atoms, err := d.installedBlockers(pkg)
				if err != nil {
					if d.replacedByMerge(pkg) {
						continue
					}
					d.invalidDepStrings = append(d.invalidDepStrings, &exception.InvalidDependStringError{
						Package: pkg.CpvStr(), DepStr: pkg.DepString([]string{"RDEPEND", "PDEPEND"}), Reason: err.Error(),
					})
					return false
				}
				for _, a := range atoms {
					prio := &DepPriority{AbstractDepPriority: AbstractDepPriority{Runtime: true}}
					d.blockerParents.Add(d.blocker(root, a, pkg.Eapi(), prio), pkg, prio)
				}
			}
		}
	}

	if previous := d.blockerUninstalls.LeafNodes(nil); len(previous) > 0 {
		d.blockerUninstalls = newTaskGraph()
		for _, t := range previous {
			d.digraph.Discard(t.(*Package))
		}
	}

	for _, t := range d.blockerParents.LeafNodes(nil) {
		blocker, ok := t.(*Blocker)
		if !ok {
			continue
		}
		atom := blocker.Atom.WithoutBlocker()
		blockedInitial := d.installedMatches(blocker.Root, atom)
		blockedFinal := d.tracker.Match(blocker.Root, atom, true)

		if len(blockedInitial) == 0 && len(blockedFinal) == 0 {
			parents := d.blockerParents.ParentNodes(blocker, nil)
			d.blockerParents.Discard(blocker)
			for _, p := range parents {
				d.irrelevantBlockers.Add(blocker, p, blocker.Priority)
				if len(d.blockerParents.ChildNodes(p, nil)) == 0 {
					d.blockerParents.Discard(p)
				}
			}
			continue
		}

		forbid := blocker.Atom.Blocker != nil && blocker.Atom.Blocker.Overlap.Forbid
		for _, pt := range d.blockerParents.ParentNodes(blocker, nil) {
			parent := pt.(*Package)
			unresolved := false
			var order []orderPair
			for _, pkg := range blockedInitial {
				if pkg.SlotAtom() == parent.SlotAtom() && !forbid {
					continue
				}
				if parent.Installed() {
					continue
				}
				d.blockedPkgs.Add(pkg, blocker, blocker.Priority)
				if parent.Operation == OpMerge {
					order = append(order, orderPair{pkg, parent})
					continue
				}
				unresolved = true
			}
			for _, pkg := range blockedFinal {
				if pkg.SlotAtom() == parent.SlotAtom() && !forbid {
					continue
				}
				if parent.Operation == OpNomerge && pkg.Operation == OpNomerge {
					continue
				}
				d.blockedPkgs.Add(pkg, blocker, blocker.Priority)
				if parent.Operation == OpMerge && pkg.Installed() {
					order = append(order, orderPair{pkg, parent})
					continue
				}
				if parent.Operation == OpNomerge {
					order = append(order, orderPair{parent, pkg})
					continue
				}
				unresolved = true
			}

			if !unresolved && len(order) > 0 {
				for _, o := range order {
					if d.setNodes[o.inst] || (d.digraph.Contains(o.inst) && len(d.digraph.ParentNodes(o.inst, nil)) > 0) {
						unresolved = true
						break
					}
				}
			}
			if !unresolved && len(order) > 0 {
				for _, o := range order {
					uninst := d.uninstallTask(o.inst)
					d.digraph.Add(uninst, o.task, blockerPriority)
					d.blockerUninstalls.Add(uninst, blocker, blockerPriority)
					d.log.WithFields(logrus.Fields{"blocker": blocker.Atom.Value, "uninstall": o.inst.CpvStr()}).Debug("blocker solved by uninstall")
				}
			}
			if !unresolved && len(order) == 0 {
				d.irrelevantBlockers.Add(blocker, parent, blocker.Priority)
				_ = d.blockerParents.RemoveEdge(blocker, parent)
				if len(d.blockerParents.ParentNodes(blocker, nil)) == 0 {
					d.blockerParents.Discard(blocker)
				}
				if len(d.blockerParents.ChildNodes(parent, nil)) == 0 {
					d.blockerParents.Discard(parent)
				}
			}
			if unresolved {
				d.unsolvableBlockers.Add(blocker, parent, blocker.Priority)
			}
		}
	}
	return true
}

// replacedByMerge reports whether a package scheduled for merge takes the
// slot of the installed package inst.
func (d *Depgraph) replacedByMerge(inst *Package) bool {
	for _, p := range d.tracker.ReplacedBy(inst) {
		if p.Operation == OpMerge {
			return true
		}
	}
	return false
}

// unresolvedBlockerErrors describes the blockers left unsolved by the last
// validation or serialization.
func (d *Depgraph) unresolvedBlockerErrors() []error {
	var out []error
	for _, t := range d.unsolvableBlockers.LeafNodes(nil) {
		b, ok := t.(*Blocker)
		if !ok {
			continue
		}
		atom := b.Atom.WithoutBlocker()
		var blocked []string
		for _, p := range d.tracker.Match(b.Root, atom, true) {
			blocked = append(blocked, p.CpvStr())
		}
		for _, p := range d.installedMatches(b.Root, atom) {
			found := false
			for _, x := range blocked {
				if x == p.CpvStr() {
					found = true
				}
			}
			if !found {
				blocked = append(blocked, p.CpvStr())
			}
		}
		for _, pt := range d.unsolvableBlockers.ParentNodes(b, nil) {
			out = append(out, &exception.UnresolvedBlockerError{
				Atom:     b.Atom.Value,
				Blocking: pt.(*Package).CpvStr(),
				Blocked:  blocked,
			})
		}
	}
	return out
}
