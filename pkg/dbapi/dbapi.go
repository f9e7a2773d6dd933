// Package dbapi holds the package databases (ebuild repositories, binary
// package indexes and the installed-package database) and the merge engine
// that moves package images into the live filesystem.
package dbapi

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/versions"
)

// ErrPackageNotFound is returned by AuxGet for a cpv the database does not
// hold.
var ErrPackageNotFound = errors.New("package not found")

func notFound(cpv string) error {
	return fmt.Errorf("%w: %s", ErrPackageNotFound, cpv)
}

// Dbapi is the lookup interface every package database implements.
type Dbapi interface {
	// CpList returns every version of cp in ascending order.
	CpList(cp string) []*versions.PkgStr
	CpAll() []string
	CpvAll() []string
	CpvExists(cpv string) bool
	AuxGet(cpv string, keys []string) ([]string, error)
	Match(atom *dep.Atom) []*versions.PkgStr
}

// PkgStrKeys are the metadata keys needed to build a matchable PkgStr.
var PkgStrKeys = []string{"SLOT", "repository", "USE", "IUSE", "BUILD_ID"}

// newPkgStr builds a PkgStr carrying the slot, repository and USE state
// found in metadata. A nil use leaves USE as recorded in metadata.
func newPkgStr(cpv string, metadata map[string]string, use map[string]bool) (*versions.PkgStr, error) {
	p, err := versions.NewPkgStr(cpv, metadata["SLOT"], metadata["repository"])
	if err != nil {
		return nil, err
	}
	p.Iuse = map[string]bool{}
	for _, x := range strings.Fields(metadata["IUSE"]) {
		p.Iuse[strings.TrimLeft(x, "+-")] = true
	}
	if use != nil {
		p.Use = use
	} else {
		p.Use = map[string]bool{}
		for _, x := range strings.Fields(metadata["USE"]) {
			p.Use[x] = true
		}
	}
	fmt.Sscanf(metadata["BUILD_ID"], "%d", &p.BuildId)
	return p, nil
}

// EffectiveUse computes the enabled flags of a package from its IUSE and
// the configured global flags. global maps a flag to false when it was
// explicitly disabled.
func EffectiveUse(iuse string, global map[string]bool) map[string]bool {
	use := map[string]bool{}
	for _, x := range strings.Fields(iuse) {
		name := strings.TrimLeft(x, "+-")
		enabled, ok := global[name]
		if !ok {
			enabled = strings.HasPrefix(x, "+")
		}
		if enabled {
			use[name] = true
		}
	}
	return use
}

// SortedUse returns the enabled flags as a sorted, space separated string.
func SortedUse(use map[string]bool) string {
	flags := make([]string, 0, len(use))
	for f, on := range use {
		if on {
			flags = append(flags, f)
		}
	}
	sort.Strings(flags)
	return strings.Join(flags, " ")
}

func sortPkgStrs(pkgs []*versions.PkgStr) {
	sort.SliceStable(pkgs, func(i, j int) bool {
		return versions.CpvCmp(pkgs[i].Cpv, pkgs[j].Cpv) < 0
	})
}

// Categories returns the sorted categories present in db.
func Categories(db Dbapi) []string {
	seen := map[string]bool{}
	for _, cp := range db.CpAll() {
		seen[versions.CatSplit(cp)[0]] = true
	}
	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

// AuxMap is AuxGet returning a key -> value map.
func AuxMap(db Dbapi, cpv string, keys []string) (map[string]string, error) {
	values, err := db.AuxGet(cpv, keys)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(keys))
	for i, k := range keys {
		m[k] = values[i]
	}
	return m, nil
}

// FakeDbapi is an in-memory database used for the resolver's view of the
// target state and for tests.
type FakeDbapi struct {
	cpvMap map[string]map[string]string
	cpMap  map[string][]*versions.PkgStr
}

func NewFakeDbapi() *FakeDbapi {
	return &FakeDbapi{
		cpvMap: map[string]map[string]string{},
		cpMap:  map[string][]*versions.PkgStr{},
	}
}

// CpvInject adds cpv with metadata, replacing an existing entry.
func (f *FakeDbapi) CpvInject(cpv string, metadata map[string]string) error {
	p, err := newPkgStr(cpv, metadata, nil)
	if err != nil {
		return err
	}
	f.CpvRemove(cpv)
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	f.cpvMap[cpv] = md
	f.cpMap[p.Cp] = append(f.cpMap[p.Cp], p)
	sortPkgStrs(f.cpMap[p.Cp])
	return nil
}

func (f *FakeDbapi) CpvRemove(cpv string) {
	if _, ok := f.cpvMap[cpv]; !ok {
		return
	}
	delete(f.cpvMap, cpv)
	cp := versions.CpvGetKey(cpv)
	list := f.cpMap[cp]
	for i, p := range list {
		if p.Cpv == cpv {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(f.cpMap, cp)
	} else {
		f.cpMap[cp] = list
	}
}

func (f *FakeDbapi) Clear() {
	f.cpvMap = map[string]map[string]string{}
	f.cpMap = map[string][]*versions.PkgStr{}
}

func (f *FakeDbapi) CpList(cp string) []*versions.PkgStr {
	return append([]*versions.PkgStr{}, f.cpMap[cp]...)
}

func (f *FakeDbapi) CpAll() []string {
	cps := make([]string, 0, len(f.cpMap))
	for cp := range f.cpMap {
		cps = append(cps, cp)
	}
	sort.Strings(cps)
	return cps
}

func (f *FakeDbapi) CpvAll() []string {
	var cpvs []string
	for _, cp := range f.CpAll() {
		for _, p := range f.cpMap[cp] {
			cpvs = append(cpvs, p.Cpv)
		}
	}
	return cpvs
}

func (f *FakeDbapi) CpvExists(cpv string) bool {
	_, ok := f.cpvMap[cpv]
	return ok
}

func (f *FakeDbapi) AuxGet(cpv string, keys []string) ([]string, error) {
	md, ok := f.cpvMap[cpv]
	if !ok {
		return nil, notFound(cpv)
	}
	r := make([]string, len(keys))
	for i, k := range keys {
		r[i] = md[k]
	}
	return r, nil
}

func (f *FakeDbapi) Match(atom *dep.Atom) []*versions.PkgStr {
	return dep.MatchFromList(atom, f.cpMap[atom.Cp])
}

// AmbiguousPackageNameError lists the categories a short package name was
// found in.
type AmbiguousPackageNameError struct {
	Name    string
	Matches []string
}

func (e *AmbiguousPackageNameError) Error() string {
	return fmt.Sprintf("the short ebuild name \"%s\" is ambiguous: %s", e.Name, strings.Join(e.Matches, ", "))
}
