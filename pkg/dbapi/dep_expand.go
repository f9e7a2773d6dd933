package dbapi

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/versions"
)

var alphanumRe = regexp.MustCompile(`\w`)

// DepExpand parses myDep, filling in the category of a short package name
// from the databases that carry it. A name found in no database keeps the
// "null" category so that it fails to resolve later.
func DepExpand(myDep string, dbs ...Dbapi) (*dep.Atom, error) {
	origDep := strings.TrimPrefix(myDep, "*")
	myDep = origDep
	hasCat := strings.Contains(strings.SplitN(origDep, ":", 2)[0], "/")
	if !hasCat {
		if loc := alphanumRe.FindStringIndex(origDep); loc != nil {
			myDep = origDep[:loc[0]] + "null/" + origDep[loc[0]:]
		}
	}
	atom, err := dep.NewAtom(myDep)
	if err != nil {
		if !dep.IsValidAtom("="+myDep, false) {
			return nil, err
		}
		if atom, err = dep.NewAtom("=" + myDep); err != nil {
			return nil, err
		}
	}
	if hasCat {
		return atom, nil
	}

	name := versions.CatSplit(atom.Cp)[1]
	found := map[string]bool{}
	for _, db := range dbs {
		for _, cat := range Categories(db) {
			if len(db.CpList(cat+"/"+name)) > 0 {
				found[cat+"/"+name] = true
			}
		}
	}
	var matches []string
	for cp := range found {
		matches = append(matches, cp)
	}
	sort.Strings(matches)

	if len(matches) > 1 {
		var real []string
		for _, m := range matches {
			if !strings.HasPrefix(m, "virtual/") {
				real = append(real, m)
			}
		}
		if len(matches) == 2 && len(real) == 1 {
			matches = real
		} else {
			return nil, &AmbiguousPackageNameError{Name: name, Matches: matches}
		}
	}
	if len(matches) == 0 {
		return atom, nil
	}
	return dep.NewAtom(strings.Replace(atom.Value, "null/"+name, matches[0], 1))
}
