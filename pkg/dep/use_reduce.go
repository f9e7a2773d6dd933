package dep

import (
	"strings"

	"github.com/ppphp/emergo/pkg/exception"
)

type NodeKind int

const (
	// NodeAllOf is a plain "( ... )" group; the root of a parsed string is one.
	NodeAllOf NodeKind = iota
	NodeAnyOf
	NodeUseConditional
	NodeAtom
)

// DepNode is one element of a parsed dependency string.
type DepNode struct {
	Kind     NodeKind
	Atom     *Atom
	Flag     string
	Negate   bool
	Children []*DepNode
}

func (n *DepNode) String() string {
	switch n.Kind {
	case NodeAtom:
		return n.Atom.Value
	case NodeAnyOf:
		return "|| ( " + joinNodes(n.Children) + " )"
	case NodeUseConditional:
		prefix := ""
		if n.Negate {
			prefix = "!"
		}
		return prefix + n.Flag + "? ( " + joinNodes(n.Children) + " )"
	}
	return joinNodes(n.Children)
}

func joinNodes(nodes []*DepNode) string {
	parts := make([]string, 0, len(nodes))
	for _, c := range nodes {
		if c.Kind == NodeAllOf {
			parts = append(parts, "( "+c.String()+" )")
		} else {
			parts = append(parts, c.String())
		}
	}
	return strings.Join(parts, " ")
}

// ParseDepString tokenizes depstr into a tree of groups, any-of choices,
// USE conditionals and atoms. Parenthesis balance, operator placement and
// atom syntax are validated.
func ParseDepString(depstr string) (*DepNode, error) {
	tokens := strings.Fields(depstr)
	fail := func(reason string) error {
		return &exception.InvalidDependStringError{DepStr: depstr, Reason: reason}
	}
	root := &DepNode{Kind: NodeAllOf}
	stack := []*DepNode{root}
	// pending holds an operator that must be followed by "("
	var pending *DepNode
	for _, token := range tokens {
		top := stack[len(stack)-1]
		switch {
		case token == "(":
			node := pending
			if node == nil {
				node = &DepNode{Kind: NodeAllOf}
			}
			pending = nil
			top.Children = append(top.Children, node)
			stack = append(stack, node)
		case pending != nil:
			return nil, fail("missing '(' after '" + pendingToken(pending) + "'")
		case token == ")":
			if len(stack) == 1 {
				return nil, fail("unbalanced ')'")
			}
			stack = stack[:len(stack)-1]
		case token == "||":
			pending = &DepNode{Kind: NodeAnyOf}
		case strings.HasSuffix(token, "?"):
			flag := token[:len(token)-1]
			negate := strings.HasPrefix(flag, "!")
			flag = strings.TrimPrefix(flag, "!")
			if !IsValidFlag(flag) {
				return nil, fail("invalid USE flag in conditional '" + token + "'")
			}
			pending = &DepNode{Kind: NodeUseConditional, Flag: flag, Negate: negate}
		default:
			a, err := NewAtom(token)
			if err != nil {
				return nil, fail("invalid atom '" + token + "'")
			}
			top.Children = append(top.Children, &DepNode{Kind: NodeAtom, Atom: a})
		}
	}
	if pending != nil {
		return nil, fail("missing '(' after '" + pendingToken(pending) + "'")
	}
	if len(stack) != 1 {
		return nil, fail("missing ')'")
	}
	return root, nil
}

func pendingToken(n *DepNode) string {
	if n.Kind == NodeAnyOf {
		return "||"
	}
	if n.Negate {
		return "!" + n.Flag + "?"
	}
	return n.Flag + "?"
}

// Reduce evaluates USE conditionals against use and flattens nested plain
// groups. Any-of groups are kept, an any-of group left with a single
// choice collapses into it. Atom USE deps are evaluated too.
func (n *DepNode) Reduce(use map[string]bool) *DepNode {
	out := &DepNode{Kind: n.Kind, Atom: n.Atom, Flag: n.Flag, Negate: n.Negate}
	if n.Kind == NodeAtom {
		out.Atom = n.Atom.EvaluateConditionals(use)
		return out
	}
	if n.Kind == NodeUseConditional {
		out.Kind = NodeAllOf
		out.Flag, out.Negate = "", false
		if use[n.Flag] == n.Negate {
			return out
		}
	}
	for _, c := range n.Children {
		r := c.Reduce(use)
		switch {
		case r.Kind == NodeAllOf && out.Kind == NodeAllOf:
			out.Children = append(out.Children, r.Children...)
		case r.Kind == NodeAllOf && len(r.Children) == 0:
		case r.Kind == NodeAnyOf && len(r.Children) == 0:
		case r.Kind == NodeAnyOf && len(r.Children) == 1 && out.Kind == NodeAllOf:
			if r.Children[0].Kind == NodeAllOf {
				out.Children = append(out.Children, r.Children[0].Children...)
			} else {
				out.Children = append(out.Children, r.Children[0])
			}
		default:
			out.Children = append(out.Children, r)
		}
	}
	return out
}

// UseReduce parses depstr and evaluates it against uselist.
func UseReduce(depstr string, uselist map[string]bool) (*DepNode, error) {
	n, err := ParseDepString(depstr)
	if err != nil {
		return nil, err
	}
	return n.Reduce(uselist), nil
}

// Atoms returns every atom in the tree, in order, including those inside
// any-of groups.
func (n *DepNode) Atoms() []*Atom {
	var out []*Atom
	stack := []*DepNode{n}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c.Kind == NodeAtom {
			out = append(out, c.Atom)
			continue
		}
		for i := len(c.Children) - 1; i >= 0; i-- {
			stack = append(stack, c.Children[i])
		}
	}
	return out
}

// UseFlags returns the flags referenced by conditionals in the tree.
func (n *DepNode) UseFlags() map[string]bool {
	flags := map[string]bool{}
	stack := []*DepNode{n}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c.Kind == NodeUseConditional {
			flags[c.Flag] = true
		}
		stack = append(stack, c.Children...)
	}
	return flags
}
