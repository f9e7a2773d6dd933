package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/versions"
)

// ParentAtom records that Parent pulled a package in through Atom. Parent
// is an argument ("@world", "dev-libs/foo") or a package display string.
type ParentAtom struct {
	Parent string
	Atom   *dep.Atom
}

// SlotConflictHandler explains slot conflicts and looks for a package in
// each conflict that every parent atom accepts.
type SlotConflictHandler[T Pkg] struct {
	conflicts   []*PackageConflict[T]
	parentAtoms func(T) []ParentAtom
}

func NewSlotConflictHandler[T Pkg](conflicts []*PackageConflict[T], parentAtoms func(T) []ParentAtom) *SlotConflictHandler[T] {
	return &SlotConflictHandler[T]{conflicts: conflicts, parentAtoms: parentAtoms}
}

func (s *SlotConflictHandler[T]) Errors() []error {
	var out []error
	for _, c := range s.conflicts {
		e := &exception.SlotCollisionError{SlotKey: c.Atom}
		for _, p := range c.Pkgs {
			e.Packages = append(e.Packages, p.CpvStr())
		}
		out = append(out, e)
	}
	return out
}

// Solution returns, for each conflict that has one, the package satisfying
// the atoms of all parents of every package in the conflict.
func (s *SlotConflictHandler[T]) Solution() map[*PackageConflict[T]]T {
	out := map[*PackageConflict[T]]T{}
	for _, c := range s.conflicts {
		var atoms []*dep.Atom
		for _, p := range c.Pkgs {
			for _, pa := range s.parentAtoms(p) {
				atoms = append(atoms, pa.Atom)
			}
		}
		var candidates []T
		for _, p := range c.Pkgs {
			ok := true
			for _, a := range atoms {
				if !a.Match(p.PkgStr()) {
					ok = false
					break
				}
			}
			if ok {
				candidates = append(candidates, p)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		best := candidates[0]
		for _, p := range candidates[1:] {
			if versions.CpvCmp(p.CpvStr(), best.CpvStr()) > 0 {
				best = p
			}
		}
		out[c] = best
	}
	return out
}

// Report renders the conflicts with the parents that pulled each package.
func (s *SlotConflictHandler[T]) Report() string {
	if len(s.conflicts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n!!! Multiple package instances within a single package slot have been pulled\n")
	b.WriteString("!!! into the dependency graph, resulting in a slot conflict:\n\n")
	for _, c := range s.conflicts {
		fmt.Fprintf(&b, "%s\n\n", c.Atom)
		for _, p := range c.Pkgs {
			parents := s.parentAtoms(p)
			if len(parents) == 0 {
				fmt.Fprintf(&b, "  %s\n\n", p.String())
				continue
			}
			fmt.Fprintf(&b, "  %s pulled in by\n", p.String())
			sort.SliceStable(parents, func(i, j int) bool { return parents[i].Parent < parents[j].Parent })
			for _, pa := range parents {
				if pa.Atom.Value == pa.Parent {
					fmt.Fprintf(&b, "    %s (Argument)\n", pa.Parent)
				} else {
					fmt.Fprintf(&b, "    %s required by %s\n", pa.Atom.Value, pa.Parent)
				}
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
