package emerge

import (
	"strings"

	"github.com/ppphp/emergo/pkg/dep"
)

// Blocker is a "!atom" or "!!atom" dependency of some package on a root.
type Blocker struct {
	Root     string
	Atom     *dep.Atom
	Eapi     string
	Priority *DepPriority
	// Satisfied is set once no package the blocker matches remains in the
	// resulting state.
	Satisfied bool

	key string
}

func NewBlocker(root string, atom *dep.Atom, eapi string, priority *DepPriority) *Blocker {
	return &Blocker{
		Root:     root,
		Atom:     atom,
		Eapi:     eapi,
		Priority: priority,
		key:      strings.Join([]string{"blocks", root, atom.Value, eapi}, " "),
	}
}

func (b *Blocker) Key() string { return b.key }

func (b *Blocker) Cp() string { return b.Atom.Cp }

func (b *Blocker) String() string {
	s := "(blocks " + b.Atom.Value
	if b.Root != "/" && b.Root != "" {
		s += " for '" + b.Root + "'"
	}
	return s + ")"
}
