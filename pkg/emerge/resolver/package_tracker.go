// Package resolver holds the bookkeeping the dependency resolver keeps
// about the packages it selected: which installed packages they replace,
// which slots are contested and how to explain cycles.
package resolver

import (
	"sort"

	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/versions"
)

// Pkg is what the tracker needs to know about a package instance.
type Pkg interface {
	comparable
	Root() string
	Cp() string
	SlotAtom() string
	CpvStr() string
	PkgStr() *versions.PkgStr
	String() string
}

// PackageConflict is a set of packages that cannot all be installed.
type PackageConflict[T Pkg] struct {
	Description string
	Root        string
	Pkgs        []T
	// Atom is the slot atom or cpv the packages compete for.
	Atom string
}

func (c *PackageConflict[T]) Contains(pkg T) bool {
	for _, p := range c.Pkgs {
		if p == pkg {
			return true
		}
	}
	return false
}

func (c *PackageConflict[T]) Len() int { return len(c.Pkgs) }

type cpKey struct {
	root, cp string
}

// PackageTracker tracks the packages selected for installation together
// with the installed ones, and answers queries against the resulting
// state: an installed package drops out once a selected package takes its
// slot or cpv.
type PackageTracker[T Pkg] struct {
	cpPkgMap    map[cpKey][]T
	cpVdbPkgMap map[cpKey][]T
	multiPkgs   []cpKey

	replacing  map[T][]T
	replacedBy map[T][]T

	conflictsCache []*PackageConflict[T]
	hasConflicts   bool
}

func NewPackageTracker[T Pkg]() *PackageTracker[T] {
	return &PackageTracker[T]{
		cpPkgMap:    map[cpKey][]T{},
		cpVdbPkgMap: map[cpKey][]T{},
		replacing:   map[T][]T{},
		replacedBy:  map[T][]T{},
	}
}

func keyOf[T Pkg](pkg T) cpKey {
	return cpKey{pkg.Root(), pkg.Cp()}
}

func contains[T comparable](list []T, x T) bool {
	for _, y := range list {
		if y == x {
			return true
		}
	}
	return false
}

func without[T comparable](list []T, x T) []T {
	out := list[:0:0]
	for _, y := range list {
		if y != x {
			out = append(out, y)
		}
	}
	return out
}

func replaces[T Pkg](pkg, installed T) bool {
	return installed.SlotAtom() == pkg.SlotAtom() || installed.CpvStr() == pkg.CpvStr()
}

// AddPkg adds a package selected for installation.
func (p *PackageTracker[T]) AddPkg(pkg T) {
	k := keyOf(pkg)
	if contains(p.cpPkgMap[k], pkg) {
		return
	}
	p.cpPkgMap[k] = append(p.cpPkgMap[k], pkg)
	if len(p.cpPkgMap[k]) > 1 {
		p.hasConflicts = false
		p.conflictsCache = nil
		if len(p.cpPkgMap[k]) == 2 {
			p.multiPkgs = append(p.multiPkgs, k)
		}
	}
	p.replacing[pkg] = nil
	for _, installed := range p.cpVdbPkgMap[k] {
		if replaces(pkg, installed) {
			p.replacing[pkg] = append(p.replacing[pkg], installed)
			p.replacedBy[installed] = append(p.replacedBy[installed], pkg)
		}
	}
}

// AddInstalledPkg adds a package of the installed-package database.
func (p *PackageTracker[T]) AddInstalledPkg(installed T) {
	k := keyOf(installed)
	if contains(p.cpVdbPkgMap[k], installed) {
		return
	}
	p.cpVdbPkgMap[k] = append(p.cpVdbPkgMap[k], installed)
	for _, pkg := range p.cpPkgMap[k] {
		if replaces(pkg, installed) {
			p.replacing[pkg] = append(p.replacing[pkg], installed)
			p.replacedBy[installed] = append(p.replacedBy[installed], pkg)
		}
	}
}

// RemovePkg removes a package added with AddPkg. It reports false when
// the package was not tracked.
func (p *PackageTracker[T]) RemovePkg(pkg T) bool {
	k := keyOf(pkg)
	if !contains(p.cpPkgMap[k], pkg) {
		return false
	}
	p.cpPkgMap[k] = without(p.cpPkgMap[k], pkg)
	p.hasConflicts = false
	p.conflictsCache = nil
	switch len(p.cpPkgMap[k]) {
	case 0:
		delete(p.cpPkgMap, k)
	case 1:
		p.multiPkgs = without(p.multiPkgs, k)
	}
	for _, installed := range p.replacing[pkg] {
		p.replacedBy[installed] = without(p.replacedBy[installed], pkg)
		if len(p.replacedBy[installed]) == 0 {
			delete(p.replacedBy, installed)
		}
	}
	delete(p.replacing, pkg)
	return true
}

// Replacing returns the installed packages pkg replaces.
func (p *PackageTracker[T]) Replacing(pkg T) []T {
	return append([]T(nil), p.replacing[pkg]...)
}

// ReplacedBy returns the selected packages replacing installed.
func (p *PackageTracker[T]) ReplacedBy(installed T) []T {
	return append([]T(nil), p.replacedBy[installed]...)
}

// Match returns the packages of the resulting state matching atom, sorted
// by ascending version. installed false leaves out installed packages.
func (p *PackageTracker[T]) Match(root string, atom *dep.Atom, installed bool) []T {
	k := cpKey{root, atom.Cp}
	candidates := append([]T(nil), p.cpPkgMap[k]...)
	if installed {
		for _, inst := range p.cpVdbPkgMap[k] {
			if _, ok := p.replacedBy[inst]; !ok {
				candidates = append(candidates, inst)
			}
		}
	}
	var out []T
	for _, c := range candidates {
		if atom.Match(c.PkgStr()) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return versions.CpvCmp(out[i].CpvStr(), out[j].CpvStr()) < 0
	})
	return out
}

// Conflicts returns the slot conflicts and the cpv conflicts (one cpv
// selected in several slots).
func (p *PackageTracker[T]) Conflicts() []*PackageConflict[T] {
	if p.hasConflicts {
		return p.conflictsCache
	}
	var out []*PackageConflict[T]
	for _, k := range p.multiPkgs {
		var slotOrder, cpvOrder []string
		slotMap := map[string][]T{}
		cpvMap := map[string][]T{}
		for _, pkg := range p.cpPkgMap[k] {
			if _, ok := slotMap[pkg.SlotAtom()]; !ok {
				slotOrder = append(slotOrder, pkg.SlotAtom())
			}
			slotMap[pkg.SlotAtom()] = append(slotMap[pkg.SlotAtom()], pkg)
			if _, ok := cpvMap[pkg.CpvStr()]; !ok {
				cpvOrder = append(cpvOrder, pkg.CpvStr())
			}
			cpvMap[pkg.CpvStr()] = append(cpvMap[pkg.CpvStr()], pkg)
		}
		for _, s := range slotOrder {
			if len(slotMap[s]) > 1 {
				out = append(out, &PackageConflict[T]{Description: "slot conflict", Root: k.root, Pkgs: slotMap[s], Atom: s})
			}
		}
		for _, c := range cpvOrder {
			pkgs := cpvMap[c]
			if len(pkgs) < 2 {
				continue
			}
			slots := map[string]bool{}
			for _, pkg := range pkgs {
				slots[pkg.PkgStr().Slot] = true
			}
			if len(slots) > 1 {
				out = append(out, &PackageConflict[T]{Description: "cpv conflict", Root: k.root, Pkgs: pkgs, Atom: c})
			}
		}
	}
	p.conflictsCache = out
	p.hasConflicts = true
	return out
}

func (p *PackageTracker[T]) SlotConflicts() []*PackageConflict[T] {
	var out []*PackageConflict[T]
	for _, c := range p.Conflicts() {
		if c.Description == "slot conflict" {
			out = append(out, c)
		}
	}
	return out
}

// AllPkgs returns the selected packages of root followed by the installed
// packages nothing replaces.
func (p *PackageTracker[T]) AllPkgs(root string) []T {
	var out []T
	for _, k := range p.sortedKeys(p.cpPkgMap) {
		if k.root == root {
			out = append(out, p.cpPkgMap[k]...)
		}
	}
	for _, k := range p.sortedKeys(p.cpVdbPkgMap) {
		if k.root != root {
			continue
		}
		for _, inst := range p.cpVdbPkgMap[k] {
			if _, ok := p.replacedBy[inst]; !ok {
				out = append(out, inst)
			}
		}
	}
	return out
}

func (p *PackageTracker[T]) sortedKeys(m map[cpKey][]T) []cpKey {
	keys := make([]cpKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].root != keys[j].root {
			return keys[i].root < keys[j].root
		}
		return keys[i].cp < keys[j].cp
	})
	return keys
}

// Contains reports whether pkg is tracked. With installed set, installed
// packages count unless they are replaced.
func (p *PackageTracker[T]) Contains(pkg T, installed bool) bool {
	k := keyOf(pkg)
	if contains(p.cpPkgMap[k], pkg) {
		return true
	}
	if installed && contains(p.cpVdbPkgMap[k], pkg) {
		_, replaced := p.replacedBy[pkg]
		return !replaced
	}
	return false
}
