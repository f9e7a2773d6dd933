package emerge

import (
	"sort"

	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/versions"
)

// PackageSelector picks the package that satisfies an atom on a root. It
// reuses packages already selected into the graph so that one slot is not
// filled twice.
type PackageSelector interface {
	Select(root string, atom *dep.Atom, onlydeps bool) (pkg, existing *Package)
}

type selectorFunc func(root string, atom *dep.Atom, onlydeps bool) (*Package, *Package)

func (f selectorFunc) Select(root string, atom *dep.Atom, onlydeps bool) (*Package, *Package) {
	return f(root, atom, onlydeps)
}

// sources returns the candidate databases in the order their packages are
// preferred least: ebuilds, binaries, then installed packages.
func (d *Depgraph) sources(rc *RootConfig) []*PackageSource {
	var out []*PackageSource
	if !d.params.UsePkgOnly {
		for _, s := range rc.Sources {
			if s.Type == TypeEbuild {
				out = append(out, s)
			}
		}
	}
	if d.params.UsePkg {
		for _, s := range rc.Sources {
			if s.Type == TypeBinary {
				out = append(out, s)
			}
		}
	}
	return append(out, rc.Source(TypeInstalled))
}

// pkg returns the interned package instance for ps found in db.
func (d *Depgraph) pkg(t PackageType, rc *RootConfig, db dbapi.Dbapi, ps *versions.PkgStr, onlydeps bool) (*Package, error) {
	op := OpMerge
	if t == TypeInstalled || onlydeps {
		op = OpNomerge
	}
	cacheKey := packageKey(t, rc.Root, ps.Cpv, ps.Repo, op)
	if p, ok := d.pkgCache[cacheKey]; ok {
		return p, nil
	}
	md, err := dbapi.AuxMap(db, ps.Cpv, MetadataKeys)
	if err != nil {
		return nil, err
	}
	if md["repository"] == "" {
		md["repository"] = ps.Repo
	}
	var use map[string]bool
	if t != TypeInstalled && ps.Use != nil {
		use = make(map[string]bool, len(ps.Use))
		for f, on := range ps.Use {
			if on {
				use[f] = true
			}
		}
	}
	p, err := NewPackage(t, rc.Root, ps.Cpv, md, use, op)
	if err != nil {
		return nil, err
	}
	p.Onlydeps = onlydeps
	d.pkgCache[cacheKey] = p
	return p, nil
}

// installedPkg returns the installed instance of cpv on root, or nil.
func (d *Depgraph) installedPkg(root, cpv string) *Package {
	rc := d.roots[root]
	for _, ps := range rc.Vardb.CpList(versions.CpvGetKey(cpv)) {
		if ps.Cpv == cpv {
			p, err := d.pkg(TypeInstalled, rc, rc.Vardb, ps, false)
			if err != nil {
				return nil
			}
			return p
		}
	}
	return nil
}

// installedMatches returns the installed packages matching atom in
// ascending order.
func (d *Depgraph) installedMatches(root string, atom *dep.Atom) []*Package {
	rc := d.roots[root]
	var out []*Package
	for _, ps := range rc.Vardb.Match(atom.WithoutBlocker()) {
		if p, err := d.pkg(TypeInstalled, rc, rc.Vardb, ps, false); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// reinstallForFlags returns the flags whose change calls for rebuilding
// an installed package, or nil.
func (d *Depgraph) reinstallForFlags(origIuse, origUse, curIuse, curUse map[string]bool) []string {
	flags := map[string]bool{}
	enabled := func(iuse, use map[string]bool) map[string]bool {
		out := map[string]bool{}
		for f := range iuse {
			if use[f] {
				out[f] = true
			}
		}
		return out
	}
	symDiff := func(a, b map[string]bool) {
		for f := range a {
			if !b[f] {
				flags[f] = true
			}
		}
		for f := range b {
			if !a[f] {
				flags[f] = true
			}
		}
	}
	switch {
	case d.params.NewUse:
		symDiff(origIuse, curIuse)
		symDiff(enabled(origIuse, origUse), enabled(curIuse, curUse))
	case d.params.ChangedUse:
		symDiff(enabled(origIuse, origUse), enabled(curIuse, curUse))
	default:
		return nil
	}
	if len(flags) == 0 {
		return nil
	}
	out := make([]string, 0, len(flags))
	for f := range flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// selectPkgHighestAvailable is the normal selection: the best visible
// candidate, where an existing graph node or an installed package wins
// over an equal version from a repository.
func (d *Depgraph) selectPkgHighestAvailable(root string, atom *dep.Atom, onlydeps bool) (*Package, *Package) {
	rc := d.roots[root]
	var matched []*Package
	var existing, highest, myeb *Package
	reinstall := false
	foundAvailableArg := false
	avoidUpdate := !d.params.Update

	for _, findExisting := range []bool{true, false} {
		if existing != nil {
			break
		}
		for _, src := range d.sources(rc) {
			if existing != nil {
				break
			}
			installed := src.Type == TypeInstalled
			if installed && !findExisting {
				wantReinstall := reinstall || d.params.Empty || (foundAvailableArg && !d.params.Selective)
				if wantReinstall && len(matched) > 0 {
					continue
				}
			}
			cands := src.DB.Match(atom.WithoutUse())
			for i := len(cands) - 1; i >= 0; i-- {
				ps := cands[i]
				if !installed && src.Visible != nil && !src.Visible(ps) {
					continue
				}
				pkg, err := d.pkg(src.Type, rc, src.DB, ps, onlydeps)
				if err != nil {
					continue
				}
				if _, masked := d.runtimePkgMask[pkg.Key()]; masked {
					continue
				}
				if !installed && d.params.NoReplace && d.installedCpvMatches(root, atom, pkg.CpvStr()) {
					continue
				}
				if !installed && len(d.argAtomsForPkg(pkg)) > 0 {
					foundAvailableArg = true
				}
				if atom.Use != nil && !atom.Match(pkg.Cpv) {
					continue
				}
				if pkg.Cp() == atom.Cp && (highest == nil || pkg.Compare(highest) > 0) {
					highest = pkg
				}
				if findExisting {
					e := d.slotPkgMap[root][pkg.SlotAtom()]
					if e == nil {
						break
					}
					if atom.Match(e.Cpv) {
						if highest != nil && e.Cp() == atom.Cp && e.Compare(highest) < 0 && e.SlotAtom() != highest.SlotAtom() {
							// a higher version lives in another slot
						} else {
							matched = append(matched, e)
							existing = e
						}
					}
					break
				}
				if src.Type == TypeBinary && myeb != nil {
					if d.reinstallForFlags(pkg.Cpv.Iuse, pkg.Use, myeb.Cpv.Iuse, myeb.Use) != nil {
						break
					}
				}
				if !installed && d.installedCpvMatches(root, atom, pkg.CpvStr()) {
					if inst := d.installedPkg(root, pkg.CpvStr()); inst != nil {
						if flags := d.reinstallForFlags(inst.Cpv.Iuse, inst.Use, pkg.Cpv.Iuse, pkg.Use); flags != nil {
							reinstall = true
							d.reinstallNodes[pkg] = flags
						}
					}
				}
				if !pkg.Built() {
					myeb = pkg
				}
				matched = append(matched, pkg)
				break
			}
		}
	}

	if len(matched) == 0 {
		return nil, nil
	}
	for _, m := range matched {
		if existing != nil && m == existing {
			return existing, existing
		}
	}
	if len(matched) > 1 {
		if avoidUpdate {
			for _, m := range matched {
				if m.Installed() {
					return m, existing
				}
			}
		}
		cpvs := make([]string, 0, len(matched))
		for _, m := range matched {
			cpvs = append(cpvs, m.CpvStr())
		}
		best := versions.Best(cpvs)
		var kept []*Package
		for _, m := range matched {
			if m.CpvStr() == best {
				kept = append(kept, m)
			}
		}
		matched = kept
	}
	return matched[len(matched)-1], existing
}

func (d *Depgraph) installedCpvMatches(root string, atom *dep.Atom, cpv string) bool {
	for _, ps := range d.roots[root].Vardb.Match(atom) {
		if ps.Cpv == cpv {
			return true
		}
	}
	return false
}

// selectPkgFromGraph only looks at packages already in the graph and at
// installed packages nothing replaces.
func (d *Depgraph) selectPkgFromGraph(root string, atom *dep.Atom, onlydeps bool) (*Package, *Package) {
	matches := d.tracker.Match(root, atom, true)
	if len(matches) == 0 {
		return nil, nil
	}
	pkg := matches[len(matches)-1]
	return pkg, d.slotPkgMap[root][pkg.SlotAtom()]
}

// selectPkgFromInstalled only looks at installed packages.
func (d *Depgraph) selectPkgFromInstalled(root string, atom *dep.Atom, onlydeps bool) (*Package, *Package) {
	matches := d.installedMatches(root, atom)
	if len(matches) == 0 {
		return nil, nil
	}
	pkg := matches[len(matches)-1]
	return pkg, d.slotPkgMap[root][pkg.SlotAtom()]
}

// visibleMatches returns every selectable candidate of atom on root, in
// ascending order.
func (d *Depgraph) visibleMatches(root string, atom *dep.Atom) []*Package {
	rc := d.roots[root]
	var out []*Package
	for _, src := range d.sources(rc) {
		for _, ps := range src.DB.Match(atom) {
			if src.Type != TypeInstalled && src.Visible != nil && !src.Visible(ps) {
				continue
			}
			if p, err := d.pkg(src.Type, rc, src.DB, ps, false); err == nil {
				out = append(out, p)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
