package emerge

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/output"
	"github.com/ppphp/emergo/pkg/versions"
)

// DisplayOptions select what the merge list shows.
type DisplayOptions struct {
	Verbose      bool
	Tree         bool
	Quiet        bool
	Alphabetical bool
}

// packageCounters tallies the summary line of a merge list.
type packageCounters struct {
	upgrades, downgrades, news, newslot int
	reinst, uninst, blocks, blocksSatisfied int
	totalsize                               uint64
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return strconv.Itoa(n) + " " + many
}

func (c *packageCounters) String() string {
	total := c.upgrades + c.downgrades + c.news + c.newslot + c.reinst + c.uninst
	s := "Total: " + plural(total, "package", "packages")
	var details []string
	if c.upgrades > 0 {
		details = append(details, plural(c.upgrades, "upgrade", "upgrades"))
	}
	if c.downgrades > 0 {
		details = append(details, plural(c.downgrades, "downgrade", "downgrades"))
	}
	if c.news > 0 {
		details = append(details, fmt.Sprintf("%d new", c.news))
	}
	if c.newslot > 0 {
		details = append(details, fmt.Sprintf("%d in new slot", c.newslot))
		if c.newslot > 1 {
			details[len(details)-1] += "s"
		}
	}
	if c.reinst > 0 {
		details = append(details, plural(c.reinst, "reinstall", "reinstalls"))
	}
	if c.uninst > 0 {
		details = append(details, plural(c.uninst, "uninstall", "uninstalls"))
	}
	if len(details) > 0 {
		s += " (" + strings.Join(details, ", ") + ")"
	}
	s += ", Size of downloads: " + humanize.IBytes(c.totalsize)
	if c.blocks > 0 {
		s += "\nConflict: " + plural(c.blocks, "block", "blocks")
		if unsat := c.blocks - c.blocksSatisfied; unsat > 0 {
			s += fmt.Sprintf(" (%d unsatisfied)", unsat)
		}
	}
	return s
}

// Display renders merge lists the way emerge --pretend shows them.
type Display struct {
	d        *Depgraph
	opts     DisplayOptions
	counters packageCounters
	w        io.Writer
}

func NewDisplay(d *Depgraph, w io.Writer, opts DisplayOptions) *Display {
	return &Display{d: d, opts: opts, w: w}
}

// Print writes one line per task followed by the summary.
func (disp *Display) Print(tasks []Task) {
	disp.counters = packageCounters{}
	for _, t := range tasks {
		var line string
		switch x := t.(type) {
		case *Blocker:
			line = disp.blockerLine(x)
		case *Package:
			line = disp.packageLine(x)
		}
		if line != "" {
			fmt.Fprintln(disp.w, line)
		}
	}
	fmt.Fprintln(disp.w, "\n"+disp.counters.String())
}

func (disp *Display) blockerLine(b *Blocker) string {
	disp.counters.blocks++
	style, letter := "PKG_BLOCKER", "B"
	if b.Satisfied {
		disp.counters.blocksSatisfied++
		style, letter = "PKG_BLOCKER_SATISFIED", "b"
	}
	desc := "soft blocking"
	if b.Atom.Blocker != nil && b.Atom.Blocker.Overlap.Forbid {
		desc = "hard blocking"
	}
	var parents []string
	if disp.d != nil {
		for _, p := range disp.d.blockerParents.ParentNodes(b, nil) {
			parents = append(parents, p.(*Package).CpvStr())
		}
	}
	resolved := b.Atom.WithoutBlocker().Value
	return fmt.Sprintf("[%s %s] %s %s", output.Colorize(style, "blocks"), output.Colorize(style, letter)+"     ",
		output.Colorize(style, resolved), output.Colorize(style, fmt.Sprintf("(is %s %s)", desc, strings.Join(parents, ", "))))
}

// installedInSlot returns the installed package of pkg's slot, or the
// best installed version of its name when the slot is new.
func (disp *Display) installed(pkg *Package) (inSlot, best *Package) {
	if disp.d == nil {
		return nil, nil
	}
	a, err := dep.NewAtom(pkg.Cp())
	if err != nil {
		return nil, nil
	}
	for _, inst := range disp.d.installedMatches(pkg.Root(), a) {
		if inst.SlotAtom() == pkg.SlotAtom() {
			inSlot = inst
		}
		best = inst
	}
	return inSlot, best
}

func (disp *Display) worldStyle(pkg *Package, base string) string {
	if disp.d == nil {
		return base
	}
	rc := disp.d.roots[pkg.Root()]
	if rc == nil || rc.SetConfig == nil {
		return base
	}
	if s, ok := rc.SetConfig.Get("selected"); ok && s.FindAtomForPackage(pkg.Cpv) != nil {
		return base + "_WORLD"
	}
	if s, ok := rc.SetConfig.Get("system"); ok && s.FindAtomForPackage(pkg.Cpv) != nil {
		return base + "_SYSTEM"
	}
	return base
}

func (disp *Display) packageLine(pkg *Package) string {
	indent := ""
	if disp.opts.Tree {
		indent = strings.Repeat(" ", pkg.depth)
	}
	switch pkg.Operation {
	case OpUninstall:
		disp.counters.uninst++
		return fmt.Sprintf("[%s] %s%s", output.Colorize("PKG_UNINSTALL", "uninstall     "), indent, output.Colorize("PKG_UNINSTALL", pkg.CpvStr()))
	case OpNomerge:
		if !disp.opts.Tree {
			return ""
		}
		return fmt.Sprintf("[%s] %s%s", output.Colorize("PKG_NOMERGE", "nomerge       "), indent, output.Colorize(disp.worldStyle(pkg, "PKG_NOMERGE"), pkg.CpvStr()))
	}

	addl := []byte("       ")
	inSlot, best := disp.installed(pkg)
	var old *Package
	switch {
	case inSlot != nil:
		old = inSlot
		switch c := versions.CpvCmp(pkg.CpvStr(), inSlot.CpvStr()); {
		case c > 0:
			addl[5] = 'U'
			disp.counters.upgrades++
		case c < 0:
			addl[5], addl[6] = 'U', 'D'
			disp.counters.downgrades++
		default:
			addl[3] = 'R'
			disp.counters.reinst++
		}
	case best != nil:
		old = best
		addl[1], addl[2] = 'N', 'S'
		disp.counters.newslot++
	default:
		addl[1] = 'N'
		disp.counters.news++
	}

	kind, style := "ebuild", "PKG_MERGE"
	if pkg.Type == TypeBinary {
		kind, style = "binary", "PKG_BINARY_MERGE"
	}
	style = disp.worldStyle(pkg, style)
	name := pkg.CpvStr()
	if disp.opts.Verbose {
		name += ":" + pkg.Slot()
		if r := pkg.Repo(); r != "" && r != unknownRepo {
			name += "::" + r
		}
	}
	line := fmt.Sprintf("[%s %s] %s%s", output.Colorize(style, kind), string(addl), indent, output.Colorize(style, name))
	if old != nil && old.CpvStr() != pkg.CpvStr() {
		line += " " + output.Colorize("BRACKET", "["+strings.TrimPrefix(old.CpvStr(), old.Cp()+"-")+"]")
	}
	if !disp.opts.Quiet {
		if use := pkgUseDisplay(pkg, inSlot, disp.opts.Alphabetical); use != "" {
			line += " " + use
		}
	}
	if size, err := strconv.ParseUint(pkg.Metadata["SIZE"], 10, 64); err == nil && pkg.Type == TypeBinary {
		disp.counters.totalsize += size
		if disp.opts.Verbose {
			line += " " + humanize.IBytes(size)
		}
	}
	return line
}
