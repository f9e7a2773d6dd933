package emerge

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/util"
)

// unmergeIgnore relaxes the removal graph one level at a time when no
// package is free of dependents.
var unmergeIgnore = []IgnoreFunc{nil, ignoreLevel(UnmergeSoft), ignoreLevel(-1), ignoreLevel(UnmergeMax)}

var unmergeDepKinds = []depKind{
	{keys: runtimeKeys, priority: AbstractDepPriority{Runtime: true}},
	{keys: postKeys, priority: AbstractDepPriority{RuntimePost: true}},
	{keys: buildtimeKeys, priority: AbstractDepPriority{Buildtime: true}, build: true},
}

// evalDeps reports whether a reduced dependency tree holds when ok decides
// single atoms, and returns the atoms that failed. Blockers always hold.
func evalDeps(n *dep.DepNode, ok func(*dep.Atom) bool) (bool, []*dep.Atom) {
	switch n.Kind {
	case dep.NodeAtom:
		if n.Atom.IsBlocker() || ok(n.Atom) {
			return true, nil
		}
		return false, []*dep.Atom{n.Atom}
	case dep.NodeAnyOf:
		if len(n.Children) == 0 {
			return true, nil
		}
		var failed []*dep.Atom
		for _, c := range n.Children {
			held, f := evalDeps(c, ok)
			if held {
				return true, nil
			}
			failed = append(failed, f...)
		}
		return false, failed
	}
	all := true
	var failed []*dep.Atom
	for _, c := range n.Children {
		held, f := evalDeps(c, ok)
		if !held {
			all = false
			failed = append(failed, f...)
		}
	}
	return all, failed
}

// removalOrder orders pkgs so that a package is removed before the
// packages it depends on.
func (d *Depgraph) removalOrder(pkgs []*Package) []*Package {
	g := util.NewDigraph[*Package, Priority](priorityLess)
	inSet := map[*Package]bool{}
	for _, p := range pkgs {
		inSet[p] = true
		g.AddNode(p)
	}
	for _, p := range pkgs {
		for _, kind := range unmergeDepKinds {
			if kind.build && !d.params.WithBdeps {
				continue
			}
			depstr := p.DepString(kind.keys)
			if depstr == "" {
				continue
			}
			tree, err := dep.UseReduce(depstr, p.Use)
			if err != nil {
				d.log.WithField("cpv", p.CpvStr()).WithError(err).Warn("ignoring invalid dependencies while ordering removal")
				continue
			}
			for _, atom := range tree.Atoms() {
				if atom.IsBlocker() {
					continue
				}
				for _, child := range d.installedMatches(p.Root(), atom) {
					if inSet[child] && child != p {
						g.Add(child, p, NewUnmergeDepPriority(kind.priority))
					}
				}
			}
		}
	}

	var out []*Package
	for !g.IsEmpty() {
		var nodes []*Package
		for _, ignore := range unmergeIgnore {
			nodes = g.RootNodes(ignore)
			if len(nodes) > 0 {
				break
			}
		}
		if len(nodes) == 0 {
			nodes = g.AllNodes()
		}
		refs := map[*Package]int{}
		for _, n := range nodes {
			refs[n] = len(g.ChildNodes(n, nil))
		}
		sort.SliceStable(nodes, func(i, j int) bool {
			if refs[nodes[i]] != refs[nodes[j]] {
				return refs[nodes[i]] < refs[nodes[j]]
			}
			return nodes[i].Key() < nodes[j].Key()
		})
		node := nodes[0]
		g.Discard(node)
		out = append(out, node)
	}
	return out
}

// installedFor resolves atoms to installed packages of the target root.
func (d *Depgraph) installedFor(atoms []string) ([]*Package, error) {
	rc := d.roots[d.targetRoot]
	var out []*Package
	seen := map[*Package]bool{}
	for _, x := range atoms {
		var atom *dep.Atom
		var err error
		if dep.IsValidAtom(x, false) {
			atom, err = dep.NewAtom(x)
		} else {
			atom, err = dbapi.DepExpand(x, rc.Vardb)
		}
		if err != nil {
			return nil, err
		}
		matches := d.installedMatches(rc.Root, atom)
		if len(matches) == 0 {
			d.log.WithField("atom", x).Warn("couldn't find package to unmerge")
			continue
		}
		for _, p := range matches {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// reverseDepErrors returns an error for every installed package outside
// targets whose runtime dependencies only targets satisfy.
func (d *Depgraph) reverseDepErrors(targets []*Package) []error {
	rc := d.roots[d.targetRoot]
	removing := map[*Package]bool{}
	for _, p := range targets {
		removing[p] = true
	}
	remains := func(atom *dep.Atom) bool {
		for _, p := range d.installedMatches(rc.Root, atom) {
			if !removing[p] {
				return true
			}
		}
		return false
	}
	var out []error
	for _, cp := range rc.Vardb.CpAll() {
		for _, ps := range rc.Vardb.CpList(cp) {
			pkg, err := d.pkg(TypeInstalled, rc, rc.Vardb, ps, false)
			if err != nil || removing[pkg] {
				continue
			}
			depstr := pkg.DepString([]string{"RDEPEND", "PDEPEND"})
			if depstr == "" {
				continue
			}
			tree, err := dep.UseReduce(depstr, pkg.Use)
			if err != nil {
				continue
			}
			held, failed := evalDeps(tree, remains)
			if held {
				continue
			}
			for _, atom := range failed {
				var blocked []string
				for _, t := range d.installedMatches(rc.Root, atom) {
					if removing[t] {
						blocked = append(blocked, t.CpvStr())
					}
				}
				if len(blocked) == 0 {
					continue
				}
				out = append(out, &exception.UnresolvedBlockerError{
					Atom:     atom.Value,
					Blocking: pkg.CpvStr(),
					Blocked:  blocked,
				})
			}
		}
	}
	return out
}

// CalcUnmergeList resolves atoms to installed packages in removal order.
// It refuses with UnresolvedBlocker errors when a package that stays
// installed still needs one of them, unless params disable recursion.
func CalcUnmergeList(roots map[string]*RootConfig, targetRoot string, params *DepgraphParams, atoms []string) ([]*Package, error) {
	d, err := NewDepgraph(roots, targetRoot, params, nil)
	if err != nil {
		return nil, err
	}
	targets, err := d.installedFor(atoms)
	if err != nil {
		return nil, err
	}
	if d.params.Recurse {
		if errs := d.reverseDepErrors(targets); len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
	}
	return d.withUninstall(d.removalOrder(targets)), nil
}

// CalcDepclean returns the installed packages that nothing in the selected
// and system sets needs, in removal order. With atoms, only matching
// packages are candidates.
func CalcDepclean(roots map[string]*RootConfig, targetRoot string, params *DepgraphParams, atoms []string) ([]*Package, error) {
	p := *params
	p.Remove, p.Complete, p.Recurse, p.Deep = true, true, true, -1
	d, err := NewDepgraph(roots, targetRoot, &p, nil)
	if err != nil {
		return nil, err
	}
	d.State = StateExpanding
	if !d.completeGraph() {
		d.State = StateFailed
		return nil, errors.Join(d.Problems()...)
	}
	if len(d.initiallyUnsatisfied) > 0 {
		var errs []error
		for _, dp := range d.initiallyUnsatisfied {
			errs = append(errs, &exception.UnresolvableAtomError{Atom: dp.Atom.Value, Parents: d.parentChain(dp)})
		}
		d.State = StateFailed
		return nil, fmt.Errorf("dependencies could not be completely resolved: %w", errors.Join(errs...))
	}
	d.State = StateComplete

	var candidates []*Package
	if len(atoms) > 0 {
		if candidates, err = d.installedFor(atoms); err != nil {
			return nil, err
		}
	} else {
		rc := d.roots[targetRoot]
		for _, cp := range rc.Vardb.CpAll() {
			for _, ps := range rc.Vardb.CpList(cp) {
				if pkg, err := d.pkg(TypeInstalled, rc, rc.Vardb, ps, false); err == nil {
					candidates = append(candidates, pkg)
				}
			}
		}
	}
	var clean []*Package
	for _, pkg := range candidates {
		if !d.digraph.Contains(pkg) {
			clean = append(clean, pkg)
		}
	}
	d.log.WithFields(logrus.Fields{"required": d.digraph.Len(), "clean": len(clean)}).Debug("depclean")
	return d.withUninstall(d.removalOrder(clean)), nil
}

func (d *Depgraph) withUninstall(pkgs []*Package) []*Package {
	out := make([]*Package, len(pkgs))
	for i, p := range pkgs {
		out[i] = d.uninstallTask(p)
	}
	return out
}
