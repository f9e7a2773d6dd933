package emerge

import (
	"regexp"
	"strings"

	"github.com/ppphp/emergo/pkg/dep"
)

var atomNameStart = regexp.MustCompile(`[*\w]`)

// insertCategoryIntoAtom puts category/ in front of the package name of a
// category-less atom. It returns "" when atom has no name.
func insertCategoryIntoAtom(atom, category string) string {
	loc := atomNameStart.FindStringIndex(atom)
	if loc == nil {
		return ""
	}
	return atom[:loc[0]] + category + "/" + atom[loc[0]:]
}

// isValidPackageAtom accepts atoms without a category as long as they are
// valid once one is inserted.
func isValidPackageAtom(x string) bool {
	if !strings.Contains(strings.SplitN(x, ":", 2)[0], "/") {
		if x2 := insertCategoryIntoAtom(x, "cat"); x2 != "" {
			x = x2
		}
	}
	return dep.IsValidAtom(x, false)
}
