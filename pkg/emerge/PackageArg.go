package emerge

import (
	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/sets"
)

// PackageArg pins one exact package instance, such as a binary package
// file named on the command line or an entry of a resumed merge list.
type PackageArg struct {
	DependencyArg
	Package *Package
	Atom    *dep.Atom
	pset    *sets.PackageSet
}

func NewPackageArg(pkg *Package, arg string, rootConfig *RootConfig) (*PackageArg, error) {
	atom := pkg.Atom()
	pset, err := sets.NewInternalPackageSet(arg, []string{atom.Value}, true)
	if err != nil {
		return nil, err
	}
	return &PackageArg{
		DependencyArg: DependencyArg{Arg: arg, RootConfig: rootConfig, ResetDepth: true},
		Package:       pkg,
		Atom:          atom,
		pset:          pset,
	}, nil
}

func (p *PackageArg) Set() *sets.PackageSet { return p.pset }
