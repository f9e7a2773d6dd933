// Package sets implements named package sets: the selected (world) file,
// the system set and ad hoc sets built from command line arguments.
package sets

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/versions"
)

// Operations lists what a set may be used for.
var Operations = []string{"merge", "unmerge"}

// PackageSet is a lazily loaded collection of atoms. Entries that are not
// atoms, such as "@system" references, are kept as non-atoms.
type PackageSet struct {
	Name        string
	Description string
	// WorldCandidate marks sets that may be recorded in world_sets.
	WorldCandidate bool

	operations []string
	allowRepo  bool

	atoms    map[string]*dep.Atom
	nonAtoms map[string]bool
	atomMap  map[string][]*dep.Atom
	errors   []string

	loaded  bool
	loading bool
	load    func() ([]string, error)
	write   func(p *PackageSet) error
}

func newPackageSet(name, description string, allowRepo bool) *PackageSet {
	return &PackageSet{
		Name:        name,
		Description: description,
		operations:  []string{"merge"},
		allowRepo:   allowRepo,
		atoms:       map[string]*dep.Atom{},
		nonAtoms:    map[string]bool{},
		atomMap:     map[string][]*dep.Atom{},
	}
}

// NewInternalPackageSet is an in-memory set that supports unmerge.
func NewInternalPackageSet(name string, initial []string, allowRepo bool) (*PackageSet, error) {
	p := newPackageSet(name, "internal package set", allowRepo)
	p.operations = Operations
	p.loaded = true
	if err := p.Update(initial); err != nil {
		return nil, err
	}
	return p, nil
}

// NewStaticSet holds a fixed list of atoms, such as the profile's system
// set.
func NewStaticSet(name, description string, atoms []string) *PackageSet {
	p := newPackageSet(name, description, true)
	p.load = func() ([]string, error) { return atoms, nil }
	return p
}

func (p *PackageSet) ensureLoaded() {
	if p.loaded || p.loading || p.load == nil {
		return
	}
	p.loading = true
	items, err := p.load()
	p.loading = false
	p.loaded = true
	if err != nil {
		p.errors = append(p.errors, err.Error())
		return
	}
	p.setAtoms(items)
}

// Reload discards the loaded atoms so the next query reads them again.
func (p *PackageSet) Reload() {
	if p.load != nil {
		p.loaded = false
	}
}

func (p *PackageSet) parse(item string) (*dep.Atom, bool, error) {
	item = strings.TrimSpace(item)
	if item == "" {
		return nil, false, nil
	}
	if strings.HasPrefix(item, SetPrefix) {
		return nil, true, nil
	}
	a, err := dep.NewAtom(item)
	if err != nil {
		return nil, true, nil
	}
	if a.IsBlocker() {
		return nil, false, exception.InvalidAtom(item)
	}
	if !p.allowRepo && a.Repo != "" {
		return nil, false, fmt.Errorf("%w: repository specification not allowed here", exception.InvalidAtom(item))
	}
	return a, false, nil
}

func (p *PackageSet) setAtoms(items []string) {
	p.atoms = map[string]*dep.Atom{}
	p.nonAtoms = map[string]bool{}
	for _, item := range items {
		a, nonAtom, err := p.parse(item)
		switch {
		case err != nil:
			p.errors = append(p.errors, err.Error())
		case nonAtom:
			p.nonAtoms[strings.TrimSpace(item)] = true
		case a != nil:
			p.atoms[a.Value] = a
		}
	}
	p.updateAtomMap()
}

func (p *PackageSet) updateAtomMap() {
	p.atomMap = map[string][]*dep.Atom{}
	for _, a := range p.Atoms() {
		p.atomMap[a.Cp] = append(p.atomMap[a.Cp], a)
	}
}

// Errors returns problems met while loading the set.
func (p *PackageSet) Errors() []string {
	p.ensureLoaded()
	return append([]string{}, p.errors...)
}

// Contains reports whether item is one of the set's atoms or non-atoms,
// compared as written.
func (p *PackageSet) Contains(item string) bool {
	p.ensureLoaded()
	_, ok := p.atoms[item]
	return ok || p.nonAtoms[item]
}

// Atoms returns the atoms sorted by their text.
func (p *PackageSet) Atoms() []*dep.Atom {
	p.ensureLoaded()
	out := make([]*dep.Atom, 0, len(p.atoms))
	for _, a := range p.atoms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

func (p *PackageSet) NonAtoms() []string {
	p.ensureLoaded()
	out := make([]string, 0, len(p.nonAtoms))
	for x := range p.nonAtoms {
		out = append(out, x)
	}
	sort.Strings(out)
	return out
}

func (p *PackageSet) IsEmpty() bool {
	p.ensureLoaded()
	return len(p.atoms) == 0 && len(p.nonAtoms) == 0
}

func (p *PackageSet) SupportsOperation(op string) bool {
	for _, o := range p.operations {
		if o == op {
			return true
		}
	}
	return false
}

// ContainsCpv reports whether any atom of the set matches pkg.
func (p *PackageSet) ContainsCpv(pkg *versions.PkgStr) bool {
	return len(p.IterAtomsForPackage(pkg)) > 0
}

// IterAtomsForPackage returns the atoms matching pkg.
func (p *PackageSet) IterAtomsForPackage(pkg *versions.PkgStr) []*dep.Atom {
	p.ensureLoaded()
	var out []*dep.Atom
	for _, a := range p.atomMap[pkg.Cp] {
		if a.Match(pkg) {
			out = append(out, a)
		}
	}
	return out
}

func atomSpecificity(a *dep.Atom) int {
	switch a.Operator {
	case "=":
		return 6
	case "~":
		return 5
	case "=*":
		return 4
	case "":
		if a.Slot != "" {
			return 2
		}
		return 1
	}
	return 3
}

// FindAtomForPackage returns the most specific atom matching pkg, or nil.
func (p *PackageSet) FindAtomForPackage(pkg *versions.PkgStr) *dep.Atom {
	var best *dep.Atom
	for _, a := range p.IterAtomsForPackage(pkg) {
		if best == nil || atomSpecificity(a) > atomSpecificity(best) {
			best = a
		}
	}
	return best
}

// Editable reports whether changes to the set are persisted.
func (p *PackageSet) Editable() bool {
	return p.write != nil || p.load == nil
}

func (p *PackageSet) persist() error {
	if p.write == nil {
		return nil
	}
	return p.write(p)
}

// Update adds items to the set.
func (p *PackageSet) Update(items []string) error {
	p.ensureLoaded()
	modified := false
	for _, item := range items {
		a, nonAtom, err := p.parse(item)
		switch {
		case err != nil:
			return err
		case nonAtom:
			if !p.nonAtoms[strings.TrimSpace(item)] {
				p.nonAtoms[strings.TrimSpace(item)] = true
				modified = true
			}
		case a != nil:
			if _, ok := p.atoms[a.Value]; !ok {
				p.atoms[a.Value] = a
				modified = true
			}
		}
	}
	if !modified {
		return nil
	}
	p.updateAtomMap()
	return p.persist()
}

func (p *PackageSet) Add(item string) error {
	return p.Update([]string{item})
}

// Replace sets the contents of the set to items.
func (p *PackageSet) Replace(items []string) error {
	p.loaded = true
	p.setAtoms(items)
	return p.persist()
}

// Remove drops item, an atom or non-atom as written.
func (p *PackageSet) Remove(item string) error {
	p.ensureLoaded()
	_, isAtom := p.atoms[item]
	if !isAtom && !p.nonAtoms[item] {
		return nil
	}
	delete(p.atoms, item)
	delete(p.nonAtoms, item)
	p.updateAtomMap()
	return p.persist()
}

// RemovePackageAtoms drops every atom for cp.
func (p *PackageSet) RemovePackageAtoms(cp string) error {
	p.ensureLoaded()
	if len(p.atomMap[cp]) == 0 {
		return nil
	}
	for _, a := range p.atomMap[cp] {
		delete(p.atoms, a.Value)
	}
	p.updateAtomMap()
	return p.persist()
}

// Clear empties an in-memory set.
func (p *PackageSet) Clear() {
	p.atoms = map[string]*dep.Atom{}
	p.nonAtoms = map[string]bool{}
	p.updateAtomMap()
}
