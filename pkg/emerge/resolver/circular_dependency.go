package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ppphp/emergo/pkg/dep"
	"github.com/ppphp/emergo/pkg/exception"
	"github.com/ppphp/emergo/pkg/util"
)

// MaxAffectingUse bounds the flags tried per edge; every combination of
// them is evaluated.
const MaxAffectingUse = 10

// CircularDependencyHandler explains a dependency cycle the merge order
// could not break and looks for USE changes that would remove one of its
// edges.
type CircularDependencyHandler[T Pkg, P fmt.Stringer] struct {
	graph     *util.Digraph[T, P]
	depString func(parent T, priorities []P) string

	// Cycles lists every cycle found, each in "depends on" order.
	Cycles        [][]T
	ShortestCycle []T
	// MergeList holds the nodes taking part in some cycle, in graph order.
	MergeList   []T
	Suggestions []string
	flags       map[string]bool
}

// NewCircularDependencyHandler inspects graph with the edges ignore
// accepts left out. depString returns the dependency string of parent
// that produced an edge with the given priorities.
func NewCircularDependencyHandler[T Pkg, P fmt.Stringer](graph *util.Digraph[T, P], ignore func(P) bool,
	depString func(parent T, priorities []P) string) *CircularDependencyHandler[T, P] {
	h := &CircularDependencyHandler[T, P]{
		graph:     graph,
		depString: depString,
		flags:     map[string]bool{},
	}
	for _, path := range graph.GetCycles(ignore, 0) {
		// path runs child first and ends at the node depending on it.
		cycle := append([]T{path[len(path)-1]}, path[:len(path)-1]...)
		h.Cycles = append(h.Cycles, cycle)
		if h.ShortestCycle == nil || len(cycle) < len(h.ShortestCycle) {
			h.ShortestCycle = cycle
		}
	}
	inCycle := map[T]bool{}
	for _, c := range h.Cycles {
		for _, n := range c {
			inCycle[n] = true
		}
	}
	for _, n := range graph.AllNodes() {
		if inCycle[n] {
			h.MergeList = append(h.MergeList, n)
		}
	}
	h.findSuggestions()
	return h
}

func (h *CircularDependencyHandler[T, P]) edges(yield func(parent, child T) bool) {
	c := h.ShortestCycle
	for i := range c {
		if !yield(c[i], c[(i+1)%len(c)]) {
			return
		}
	}
}

// Message renders the shortest cycle as a chain of "depends on" lines.
func (h *CircularDependencyHandler[T, P]) Message() string {
	if len(h.ShortestCycle) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(h.ShortestCycle[0].String() + " depends on\n")
	indent := 1
	h.edges(func(parent, child T) bool {
		var prios []string
		for _, p := range h.graph.Priorities(child, parent) {
			prios = append(prios, p.String())
		}
		fmt.Fprintf(&b, "%s%s (%s)\n", strings.Repeat(" ", indent), child.String(), strings.Join(prios, ", "))
		indent++
		return true
	})
	return b.String()
}

// affectingUse returns the IUSE flags of conditionals that enclose an atom
// matching child, or that guard another choice of an any-of group holding
// such an atom.
func affectingUse[T Pkg](tree *dep.DepNode, child T, iuse map[string]bool) []string {
	found := map[string]bool{}
	var walk func(n *dep.DepNode, conds []string) bool
	walk = func(n *dep.DepNode, conds []string) bool {
		switch n.Kind {
		case dep.NodeAtom:
			if !n.Atom.IsBlocker() && n.Atom.WithoutUse().Match(child.PkgStr()) {
				for _, f := range conds {
					found[f] = true
				}
				return true
			}
			return false
		case dep.NodeUseConditional:
			conds = append(conds[:len(conds):len(conds)], n.Flag)
		}
		hit := false
		for _, c := range n.Children {
			if walk(c, conds) {
				hit = true
			}
		}
		if hit && n.Kind == dep.NodeAnyOf {
			for f := range n.UseFlags() {
				found[f] = true
			}
		}
		return hit
	}
	walk(tree, nil)
	var out []string
	for f := range found {
		if iuse[f] {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func (h *CircularDependencyHandler[T, P]) findSuggestions() {
	seen := map[string]bool{}
	h.edges(func(parent, child T) bool {
		depstr := h.depString(parent, h.graph.Priorities(child, parent))
		tree, err := dep.ParseDepString(depstr)
		if err != nil {
			return true
		}
		pkg := parent.PkgStr()
		affecting := affectingUse(tree, child, pkg.Iuse)
		if len(affecting) == 0 || len(affecting) > MaxAffectingUse {
			return true
		}
		var solutions []map[string]bool
		for mask := 0; mask < 1<<len(affecting); mask++ {
			use := make(map[string]bool, len(pkg.Use))
			for f, on := range pkg.Use {
				use[f] = on
			}
			changes := map[string]bool{}
			for i, f := range affecting {
				on := mask&(1<<i) != 0
				if on != pkg.Use[f] {
					changes[f] = on
				}
				use[f] = on
			}
			if len(changes) == 0 {
				continue
			}
			still := false
			for _, a := range tree.Reduce(use).Atoms() {
				if !a.IsBlocker() && a.WithoutUse().Match(child.PkgStr()) {
					still = true
					break
				}
			}
			if !still {
				solutions = append(solutions, changes)
			}
		}
		for _, s := range minimalSolutions(solutions) {
			var parts []string
			for f, on := range s {
				if on {
					parts = append(parts, "+"+f)
				} else {
					parts = append(parts, "-"+f)
				}
				h.flags[f] = true
			}
			sort.Slice(parts, func(i, j int) bool { return parts[i][1:] < parts[j][1:] })
			line := fmt.Sprintf("- %s (Change USE: %s)", parent.CpvStr(), strings.Join(parts, " "))
			if !seen[line] {
				seen[line] = true
				h.Suggestions = append(h.Suggestions, line)
			}
		}
		return true
	})
}

// minimalSolutions drops change sets that contain a smaller one.
func minimalSolutions(solutions []map[string]bool) []map[string]bool {
	var out []map[string]bool
	for i, s := range solutions {
		minimal := true
		for j, o := range solutions {
			if i == j || len(o) >= len(s) {
				continue
			}
			sub := true
			for f, on := range o {
				if v, ok := s[f]; !ok || v != on {
					sub = false
					break
				}
			}
			if sub {
				minimal = false
				break
			}
		}
		if minimal {
			out = append(out, s)
		}
	}
	return out
}

// Err returns the cycle as an error carrying the members of the shortest
// cycle and the flags of the suggested USE changes.
func (h *CircularDependencyHandler[T, P]) Err() error {
	e := &exception.CircularDependencyError{}
	for _, n := range h.ShortestCycle {
		e.Members = append(e.Members, n.CpvStr())
	}
	for f := range h.flags {
		e.Flags = append(e.Flags, f)
	}
	sort.Strings(e.Flags)
	return e
}

// Report is the full text shown to the user.
func (h *CircularDependencyHandler[T, P]) Report() string {
	var b strings.Builder
	b.WriteString("\n!!! Error: circular dependencies:\n\n")
	b.WriteString(h.Message())
	b.WriteString("\n")
	if len(h.Suggestions) > 0 {
		b.WriteString("It might be possible to break this cycle\n")
		b.WriteString("by applying any of the following changes:\n")
		for _, s := range h.Suggestions {
			b.WriteString(s + "\n")
		}
		b.WriteString("\nNote that this change can be reverted, once the package has been installed.\n")
	} else {
		b.WriteString("Note that circular dependencies can often be avoided by temporarily\n")
		b.WriteString("disabling USE flags that trigger optional dependencies.\n")
	}
	return b.String()
}
