package dbapi

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ppphp/emergo/pkg/checksum"
)

// OwnersDB finds the installed packages that own a path. It keeps an index
// of basename hashes inside the metadata cache so that only packages with a
// matching basename need their CONTENTS read.
type OwnersDB struct {
	vardb *VarDbapi
	// LowMem scans every package instead of consulting the index.
	LowMem bool
}

func newOwnersDB(vardb *VarDbapi) *OwnersDB {
	return &OwnersDB{vardb: vardb}
}

func ownersNameHash(name string) string {
	h, err := checksum.ChecksumStr(name, "MD5")
	if err != nil || len(h) < 4 {
		return name
	}
	return h[len(h)-4:]
}

func (o *OwnersDB) pkgHash(cpv string) (string, bool) {
	values, err := o.vardb.AuxGet(cpv, []string{"COUNTER", "_mtime_"})
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s %s %s", cpv, values[0], values[1]), true
}

// populate adds packages missing from the index and drops entries for
// packages that changed or went away.
func (o *OwnersDB) populate() {
	current := map[string]string{}
	for _, cpv := range o.vardb.CpvAll() {
		if h, ok := o.pkgHash(cpv); ok {
			current[h] = cpv
		}
	}

	o.vardb.cacheMu.Lock()
	ac := o.vardb.auxCache()
	baseNames := ac.Owners.BaseNames
	cached := map[string]bool{}
	for _, pkgs := range baseNames {
		for h := range pkgs {
			cached[h] = true
		}
	}
	var uncached []string
	for h := range current {
		if !cached[h] {
			uncached = append(uncached, h)
		}
	}
	stale := map[string]bool{}
	for h := range cached {
		if _, ok := current[h]; !ok {
			stale[h] = true
		}
	}
	if len(stale) > 0 {
		for name, pkgs := range baseNames {
			for h := range pkgs {
				if stale[h] {
					delete(pkgs, h)
				}
			}
			if len(pkgs) == 0 {
				delete(baseNames, name)
			}
		}
		ac.modified["owners"] = true
	}
	o.vardb.cacheMu.Unlock()

	sort.Strings(uncached)
	for _, h := range uncached {
		cpv := current[h]
		names := map[string]bool{}
		for _, p := range o.vardb.Dblink(cpv).Contents().Keys() {
			names[ownersNameHash(filepath.Base(p))] = true
		}
		o.vardb.cacheMu.Lock()
		for n := range names {
			if baseNames[n] == nil {
				baseNames[n] = map[string]bool{}
			}
			baseNames[n][h] = true
		}
		ac.modified[cpv] = true
		o.vardb.cacheMu.Unlock()
	}
}

// GetOwners maps each owning cpv to the given paths it owns. Paths are
// absolute within the target root.
func (o *OwnersDB) GetOwners(paths []string) map[string][]string {
	owners := map[string][]string{}
	for _, pair := range o.IterOwners(paths) {
		owners[pair[0]] = append(owners[pair[0]], pair[1])
	}
	for cpv := range owners {
		sort.Strings(owners[cpv])
	}
	return owners
}

// IterOwners returns (cpv, path) pairs in a stable order.
func (o *OwnersDB) IterOwners(paths []string) [][2]string {
	if len(paths) == 0 {
		return nil
	}
	if o.LowMem {
		return o.iterOwnersLowMem(paths)
	}
	o.populate()

	byHash := map[string][]string{}
	for _, p := range paths {
		h := ownersNameHash(filepath.Base(p))
		byHash[h] = append(byHash[h], p)
	}

	candidates := map[string]map[string]bool{}
	o.vardb.cacheMu.Lock()
	baseNames := o.vardb.auxCache().Owners.BaseNames
	for h, ps := range byHash {
		for pkgHash := range baseNames[h] {
			cpv := strings.SplitN(pkgHash, " ", 2)[0]
			if candidates[cpv] == nil {
				candidates[cpv] = map[string]bool{}
			}
			for _, p := range ps {
				candidates[cpv][p] = true
			}
		}
	}
	o.vardb.cacheMu.Unlock()

	cpvs := make([]string, 0, len(candidates))
	for cpv := range candidates {
		cpvs = append(cpvs, cpv)
	}
	sort.Strings(cpvs)
	var result [][2]string
	for _, cpv := range cpvs {
		if !o.vardb.CpvExists(cpv) {
			continue
		}
		d := o.vardb.Dblink(cpv)
		ps := make([]string, 0, len(candidates[cpv]))
		for p := range candidates[cpv] {
			ps = append(ps, p)
		}
		sort.Strings(ps)
		for _, p := range ps {
			if d.IsOwner(p) {
				result = append(result, [2]string{cpv, p})
			}
		}
	}
	return result
}

func (o *OwnersDB) iterOwnersLowMem(paths []string) [][2]string {
	var result [][2]string
	for _, cpv := range o.vardb.CpvAll() {
		d := o.vardb.Dblink(cpv)
		for _, p := range paths {
			if d.IsOwner(p) {
				result = append(result, [2]string{cpv, p})
			}
		}
	}
	return result
}
