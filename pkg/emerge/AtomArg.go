package emerge

import (
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/sets"
)

// AtomArg is a single atom given as an argument.
type AtomArg struct {
	DependencyArg
	Atom *dep.Atom
	pset *sets.PackageSet
}

func NewAtomArg(atom *dep.Atom, arg string, rootConfig *RootConfig, forceReinstall bool) (*AtomArg, error) {
	pset, err := sets.NewInternalPackageSet(arg, []string{atom.Value}, true)
	if err != nil {
		return nil, err
	}
	return &AtomArg{
		DependencyArg: DependencyArg{Arg: arg, RootConfig: rootConfig, ForceReinstall: forceReinstall, ResetDepth: true},
		Atom:          atom,
		pset:          pset,
	}, nil
}

func (a *AtomArg) Set() *sets.PackageSet { return a.pset }
