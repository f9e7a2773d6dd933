package resolver

import (
	"sort"
	"strings"
)

// BacktrackParameter carries what an earlier resolver run learned into
// the next one.
type BacktrackParameter struct {
	// RuntimePkgMask maps a package key to the reason it must not be
	// selected again.
	RuntimePkgMask map[string]string
}

func NewBacktrackParameter() *BacktrackParameter {
	return &BacktrackParameter{RuntimePkgMask: map[string]string{}}
}

func (p *BacktrackParameter) clone() *BacktrackParameter {
	c := NewBacktrackParameter()
	for k, v := range p.RuntimePkgMask {
		c.RuntimePkgMask[k] = v
	}
	return c
}

func (p *BacktrackParameter) id() string {
	keys := make([]string, 0, len(p.RuntimePkgMask))
	for k := range p.RuntimePkgMask {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, "\x00")
}

type backtrackNode struct {
	parameter *BacktrackParameter
	depth     int
}

// Backtracker hands out parameters for successive resolver runs, at most
// maxTries of them, never the same twice.
type Backtracker struct {
	maxTries   int
	tries      int
	unexplored []*backtrackNode
	current    *backtrackNode
	seen       map[string]bool
}

func NewBacktracker(maxTries int) *Backtracker {
	root := &backtrackNode{parameter: NewBacktrackParameter()}
	return &Backtracker{
		maxTries:   maxTries,
		unexplored: []*backtrackNode{root},
		seen:       map[string]bool{root.parameter.id(): true},
	}
}

// Next returns the parameter for the next run.
func (b *Backtracker) Next() (*BacktrackParameter, bool) {
	if len(b.unexplored) == 0 || b.tries > b.maxTries {
		return nil, false
	}
	b.current = b.unexplored[0]
	b.unexplored = b.unexplored[1:]
	b.tries++
	return b.current.parameter.clone(), true
}

// Feedback queues a run with mask added to the current parameter.
func (b *Backtracker) Feedback(mask map[string]string) {
	if b.current == nil || len(mask) == 0 {
		return
	}
	p := b.current.parameter.clone()
	for k, v := range mask {
		p.RuntimePkgMask[k] = v
	}
	if b.seen[p.id()] {
		return
	}
	b.seen[p.id()] = true
	b.unexplored = append(b.unexplored, &backtrackNode{parameter: p, depth: b.current.depth + 1})
}

// Tries is the number of parameters handed out so far.
func (b *Backtracker) Tries() int { return b.tries }
