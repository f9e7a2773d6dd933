package emerge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ppphp/emergo/pkg/output"
)

type UseFlagDisplay struct {
	Name    string
	Enabled bool
	Forced  bool
	// Changed marks a flag that differs from the installed instance.
	Changed bool
}

func (u *UseFlagDisplay) String() string {
	s := u.Name
	if u.Enabled {
		s = output.Red(s)
	} else {
		s = output.Blue("-" + s)
	}
	if u.Changed {
		s += output.Colorize("WARN", "*")
	}
	if u.Forced {
		s = fmt.Sprintf("(%s)", s)
	}
	return s
}

// sortSeparated puts enabled flags first, then orders by name.
func sortSeparated(flags []*UseFlagDisplay) {
	sort.SliceStable(flags, func(i, j int) bool {
		if flags[i].Enabled != flags[j].Enabled {
			return flags[i].Enabled
		}
		return flags[i].Name < flags[j].Name
	})
}

func sortCombined(flags []*UseFlagDisplay) {
	sort.SliceStable(flags, func(i, j int) bool { return flags[i].Name < flags[j].Name })
}

// pkgUseDisplay renders USE="..." for pkg, marking flags that changed
// against the installed instance inst when it is not nil.
func pkgUseDisplay(pkg, inst *Package, alphabetical bool) string {
	if len(pkg.Cpv.Iuse) == 0 {
		return ""
	}
	flags := make([]*UseFlagDisplay, 0, len(pkg.Cpv.Iuse))
	for f := range pkg.Cpv.Iuse {
		u := &UseFlagDisplay{Name: f, Enabled: pkg.Use[f]}
		if inst != nil && inst.Cpv.Iuse[f] && inst.Use[f] != u.Enabled {
			u.Changed = true
		}
		flags = append(flags, u)
	}
	if alphabetical {
		sortCombined(flags)
	} else {
		sortSeparated(flags)
	}
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = f.String()
	}
	return fmt.Sprintf("USE=\"%s\"", strings.Join(parts, " "))
}
