package emerge

import "github.com/ppphp/emergo/pkg/sets"

// DepArg is an atom, set or package given on the command line.
type DepArg interface {
	Base() *DependencyArg
	Set() *sets.PackageSet
	String() string
}

// DependencyArg holds what every argument kind has in common.
type DependencyArg struct {
	Arg        string
	RootConfig *RootConfig
	// ForceReinstall reinstalls the matched package even when it is
	// already installed.
	ForceReinstall bool
	// Internal arguments are added by the resolver itself and never end up
	// in the world file.
	Internal bool
	// ResetDepth starts depth counting at this argument again.
	ResetDepth bool
}

func (d *DependencyArg) Base() *DependencyArg { return d }

func (d *DependencyArg) String() string { return d.Arg }

// argKey identifies an argument for the parent atom bookkeeping.
func argKey(a DepArg) string {
	return a.Base().RootConfig.Root + " " + a.Base().Arg
}
