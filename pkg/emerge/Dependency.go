package emerge

import "github.com/ppphp/emergo/pkg/dep"

// Dependency is one atom waiting to be resolved. Parent is nil for an atom
// that comes straight from an argument.
type Dependency struct {
	Atom     *dep.Atom
	Blocker  bool
	Parent   *Package
	Arg      DepArg
	Child    *Package
	Priority *DepPriority
	Depth    int
	Root     string
	Onlydeps bool
}

func (d *Dependency) parentString() string {
	switch {
	case d.Parent != nil:
		return d.Parent.String()
	case d.Arg != nil:
		return d.Arg.String()
	}
	return ""
}
