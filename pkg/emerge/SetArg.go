package emerge

import (
	"strings"

	"github.com/ppphp/emergo/pkg/sets"
)

// SetArg is a "@name" argument.
type SetArg struct {
	DependencyArg
	Name string
	pset *sets.PackageSet
}

func NewSetArg(pset *sets.PackageSet, arg string, rootConfig *RootConfig) *SetArg {
	return &SetArg{
		DependencyArg: DependencyArg{Arg: arg, RootConfig: rootConfig, ResetDepth: true},
		Name:          strings.TrimPrefix(arg, sets.SetPrefix),
		pset:          pset,
	}
}

func (s *SetArg) Set() *sets.PackageSet { return s.pset }
