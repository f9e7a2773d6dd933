package emerge

import (
	"fmt"
	"strconv"

	"github.com/ppphp/emergo/pkg/myutil"
	"github.com/ppphp/emergo/pkg/util/msg"
)

// DepgraphParams steers one resolver run.
type DepgraphParams struct {
	// Recurse follows the dependencies of selected packages.
	Recurse bool
	// Deep is how many levels below the arguments installed packages are
	// still checked for updates; -1 is unlimited.
	Deep      int
	Empty     bool
	Selective bool
	// Complete adds the installed packages and their dependencies so that
	// blockers and reverse dependencies are checked against everything.
	Complete  bool
	Remove    bool
	Update    bool
	NewUse    bool
	NoReplace bool
	// ChangedUse reinstalls packages whose enabled flags changed.
	ChangedUse bool

	UsePkg     bool
	UsePkgOnly bool
	Oneshot    bool
	OnlyDeps   bool
	// WithBdeps keeps build time dependencies of built packages.
	WithBdeps bool
	// AcceptBlockers turns unresolved blockers into warnings.
	AcceptBlockers bool
	Tree           bool
	Backtrack      int
	Debug          bool

	OrderPolicy OrderPolicy
}

// CreateDepgraphParams derives the resolver parameters from command line
// options for action ("", "remove", "depclean" ...).
func CreateDepgraphParams(myopts map[string]string, myaction string) *DepgraphParams {
	p := &DepgraphParams{Recurse: true, Backtrack: 10}

	p.UsePkgOnly = myutil.Inmss(myopts, "--usepkgonly")
	p.UsePkg = p.UsePkgOnly || myutil.Inmss(myopts, "--usepkg")

	if bdeps, ok := myopts["--with-bdeps"]; ok {
		p.WithBdeps = bdeps == "y"
	} else if myaction == "remove" || myaction == "depclean" {
		p.WithBdeps = true
	}

	p.Oneshot = myutil.Inmss(myopts, "--oneshot")
	p.OnlyDeps = myutil.Inmss(myopts, "--onlydeps")
	p.Tree = myutil.Inmss(myopts, "--tree")
	p.Debug = myutil.Inmss(myopts, "--debug")
	if o, ok := ParseOrderPolicy(myopts["--order-policy"]); ok {
		p.OrderPolicy = o
	}
	if b, ok := myopts["--backtrack"]; ok {
		if n, err := strconv.Atoi(b); err == nil && n >= 0 {
			p.Backtrack = n
		}
	}

	if myaction == "remove" || myaction == "depclean" {
		p.Remove = true
		p.Complete = true
		p.Selective = true
		p.Deep = -1
		if myutil.Inmss(myopts, "--nodeps") {
			p.Recurse = false
		}
		return p
	}

	p.Update = myutil.Inmss(myopts, "--update")
	p.NewUse = myutil.Inmss(myopts, "--newuse")
	p.NoReplace = myutil.Inmss(myopts, "--noreplace")
	p.ChangedUse = myopts["--reinstall"] == "changed-use"
	if p.Update || p.NewUse || p.ChangedUse || p.NoReplace || myopts["--selective"] == "y" {
		p.Selective = true
	}

	if deep, ok := myopts["--deep"]; ok {
		switch deep {
		case "", "true":
			p.Deep = -1
		default:
			n, err := strconv.Atoi(deep)
			if err != nil {
				p.Deep = -1
			} else {
				p.Deep = n
			}
		}
	}

	if myutil.Inmss(myopts, "--complete-graph") {
		p.Complete = true
	}
	if myutil.Inmss(myopts, "--emptytree") {
		p.Empty = true
		p.Deep = -1
		p.Selective = false
	}

	if myutil.Inmss(myopts, "--nodeps") {
		p.Recurse = false
		p.Deep = 0
		p.Complete = false
	}

	if myopts["--selective"] == "n" {
		p.Selective = false
	}

	if myutil.Inmss(myopts, "--pretend") || myutil.Inmss(myopts, "--fetchonly") ||
		myutil.Inmss(myopts, "--buildpkgonly") || myutil.Inmss(myopts, "--nodeps") {
		p.AcceptBlockers = true
	}

	if p.Debug {
		msg.WriteMsgLevel(fmt.Sprintf("\n\nmyparams %+v\n\n", *p), 10, -1)
	}
	return p
}

// deepUnlimited reports whether --deep has no depth limit.
func (p *DepgraphParams) deepUnlimited() bool { return p.Deep < 0 }
