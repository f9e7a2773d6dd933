package dbapi

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/ppphp/emergo/pkg/versions"
)

// getCloseMatches returns up to n candidates whose similarity ratio with
// word is at least cutoff, best first.
func getCloseMatches(word string, possibilities []string, n int, cutoff float64) []string {
	type scored struct {
		score float64
		s     string
	}
	var result []scored
	b := strings.Split(word, "")
	m := difflib.NewMatcher(nil, b)
	for _, x := range possibilities {
		m.SetSeq1(strings.Split(x, ""))
		if m.RealQuickRatio() >= cutoff && m.QuickRatio() >= cutoff {
			if r := m.Ratio(); r >= cutoff {
				result = append(result, scored{r, x})
			}
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].score != result[j].score {
			return result[i].score > result[j].score
		}
		return result[i].s > result[j].s
	})
	if len(result) > n {
		result = result[:n]
	}
	out := make([]string, len(result))
	for i, r := range result {
		out[i] = r.s
	}
	return out
}

// SimilarNameSearch suggests existing packages for a cp that matched
// nothing. A "null" category searches by package name only.
func SimilarNameSearch(cp string, dbs ...Dbapi) []string {
	cpLower := strings.ToLower(cp)
	split := versions.CatSplit(cpLower)
	if len(split) != 2 {
		return nil
	}
	cat, pkg := split[0], split[1]
	if cat == "null" {
		cat = ""
	}

	origCase := map[string][]string{}
	for _, db := range dbs {
		for _, other := range db.CpAll() {
			if other == cp {
				continue
			}
			l := strings.ToLower(other)
			seen := false
			for _, x := range origCase[l] {
				if x == other {
					seen = true
				}
			}
			if !seen {
				origCase[l] = append(origCase[l], other)
			}
		}
	}
	all := sortedMapKeys(origCase)

	var matches []string
	if cat != "" {
		matches = getCloseMatches(cpLower, all, 3, 0.6)
	} else {
		pkgToCp := map[string][]string{}
		for _, other := range all {
			otherPkg := versions.CatSplit(other)[1]
			if otherPkg == pkg {
				// Only the case differs from the requested name.
				identical := true
				for _, orig := range origCase[other] {
					if versions.CatSplit(orig)[1] != split[1] {
						identical = false
						break
					}
				}
				if identical {
					continue
				}
			}
			pkgToCp[otherPkg] = append(pkgToCp[otherPkg], other)
		}
		for _, m := range getCloseMatches(pkg, sortedMapKeys(pkgToCp), 3, 0.6) {
			matches = append(matches, pkgToCp[m]...)
		}
	}

	var out []string
	for _, m := range matches {
		out = append(out, origCase[m]...)
	}
	return out
}
