package util

import (
	"fmt"
	"sort"
	"strings"
)

type digraphNode[K comparable] struct {
	key      K
	children []int
	parents  []int
}

type edgeKey struct {
	child, parent int
}

// Digraph is a directed graph whose edges carry a sorted list of
// priorities. Nodes live in an arena indexed by a stable integer id and
// keep insertion order, so every traversal is deterministic.
type Digraph[K comparable, P any] struct {
	less  func(a, b P) bool
	ids   map[K]int
	nodes map[int]*digraphNode[K]
	edges map[edgeKey][]P
	order []int
	next  int
}

// NewDigraph creates an empty graph. less orders the priorities of an edge.
func NewDigraph[K comparable, P any](less func(a, b P) bool) *Digraph[K, P] {
	return &Digraph[K, P]{
		less:  less,
		ids:   map[K]int{},
		nodes: map[int]*digraphNode[K]{},
		edges: map[edgeKey][]P{},
	}
}

func (d *Digraph[K, P]) addNode(node K) int {
	if id, ok := d.ids[node]; ok {
		return id
	}
	id := d.next
	d.next++
	d.ids[node] = id
	d.nodes[id] = &digraphNode[K]{key: node}
	d.order = append(d.order, id)
	return id
}

// AddNode adds node without any edge.
func (d *Digraph[K, P]) AddNode(node K) {
	d.addNode(node)
}

// Add records that parent depends on node with the given priority. Both
// nodes are created as needed.
func (d *Digraph[K, P]) Add(node, parent K, priority P) {
	c := d.addNode(node)
	p := d.addNode(parent)
	k := edgeKey{c, p}
	priorities, ok := d.edges[k]
	if !ok {
		d.nodes[c].parents = append(d.nodes[c].parents, p)
		d.nodes[p].children = append(d.nodes[p].children, c)
	}
	i := sort.Search(len(priorities), func(i int) bool { return d.less(priority, priorities[i]) })
	priorities = append(priorities, priority)
	copy(priorities[i+1:], priorities[i:])
	priorities[i] = priority
	d.edges[k] = priorities
}

func removeID(list []int, id int) []int {
	for i, x := range list {
		if x == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// Remove deletes node and all its edges.
func (d *Digraph[K, P]) Remove(node K) error {
	id, ok := d.ids[node]
	if !ok {
		return fmt.Errorf("node not in graph: %v", node)
	}
	n := d.nodes[id]
	for _, p := range n.parents {
		d.nodes[p].children = removeID(d.nodes[p].children, id)
		delete(d.edges, edgeKey{id, p})
	}
	for _, c := range n.children {
		d.nodes[c].parents = removeID(d.nodes[c].parents, id)
		delete(d.edges, edgeKey{c, id})
	}
	delete(d.nodes, id)
	delete(d.ids, node)
	d.order = removeID(d.order, id)
	return nil
}

// Discard is Remove without the error for a missing node.
func (d *Digraph[K, P]) Discard(node K) {
	_ = d.Remove(node)
}

// DifferenceUpdate removes every node in t.
func (d *Digraph[K, P]) DifferenceUpdate(t []K) {
	for _, node := range t {
		d.Discard(node)
	}
}

// Update merges other into d.
func (d *Digraph[K, P]) Update(other *Digraph[K, P]) {
	for _, id := range other.order {
		n := other.nodes[id]
		if len(n.parents) == 0 {
			d.AddNode(n.key)
			continue
		}
		for _, p := range n.parents {
			for _, priority := range other.edges[edgeKey{id, p}] {
				d.Add(n.key, other.nodes[p].key, priority)
			}
		}
	}
}

func (d *Digraph[K, P]) Clear() {
	d.ids = map[K]int{}
	d.nodes = map[int]*digraphNode[K]{}
	d.edges = map[edgeKey][]P{}
	d.order = nil
}

func (d *Digraph[K, P]) HasEdge(child, parent K) bool {
	c, ok1 := d.ids[child]
	p, ok2 := d.ids[parent]
	if !ok1 || !ok2 {
		return false
	}
	_, ok := d.edges[edgeKey{c, p}]
	return ok
}

func (d *Digraph[K, P]) RemoveEdge(child, parent K) error {
	c, ok1 := d.ids[child]
	p, ok2 := d.ids[parent]
	if !ok1 || !ok2 {
		return fmt.Errorf("edge not in graph: %v -> %v", parent, child)
	}
	if _, ok := d.edges[edgeKey{c, p}]; !ok {
		return fmt.Errorf("edge not in graph: %v -> %v", parent, child)
	}
	delete(d.edges, edgeKey{c, p})
	d.nodes[c].parents = removeID(d.nodes[c].parents, p)
	d.nodes[p].children = removeID(d.nodes[p].children, c)
	return nil
}

// Priorities returns the sorted priorities of the parent -> child edge.
func (d *Digraph[K, P]) Priorities(child, parent K) []P {
	c, ok1 := d.ids[child]
	p, ok2 := d.ids[parent]
	if !ok1 || !ok2 {
		return nil
	}
	return d.edges[edgeKey{c, p}]
}

func (d *Digraph[K, P]) Contains(node K) bool {
	_, ok := d.ids[node]
	return ok
}

func (d *Digraph[K, P]) Len() int {
	return len(d.order)
}

func (d *Digraph[K, P]) IsEmpty() bool {
	return len(d.order) == 0
}

// SortNodes reorders the node list, which every traversal follows. The
// sort is stable.
func (d *Digraph[K, P]) SortNodes(less func(a, b K) bool) {
	sort.SliceStable(d.order, func(i, j int) bool {
		return less(d.nodes[d.order[i]].key, d.nodes[d.order[j]].key)
	})
}

// AllNodes returns the nodes in the current order.
func (d *Digraph[K, P]) AllNodes() []K {
	out := make([]K, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.nodes[id].key)
	}
	return out
}

// live reports whether some priority of the edge survives ignorePriority.
// A nil ignorePriority keeps every edge.
func (d *Digraph[K, P]) live(k edgeKey, ignorePriority func(P) bool) bool {
	if ignorePriority == nil {
		return true
	}
	priorities := d.edges[k]
	for i := len(priorities) - 1; i >= 0; i-- {
		if !ignorePriority(priorities[i]) {
			return true
		}
	}
	return false
}

func (d *Digraph[K, P]) ChildNodes(node K, ignorePriority func(P) bool) []K {
	id, ok := d.ids[node]
	if !ok {
		return nil
	}
	var out []K
	for _, c := range d.nodes[id].children {
		if d.live(edgeKey{c, id}, ignorePriority) {
			out = append(out, d.nodes[c].key)
		}
	}
	return out
}

func (d *Digraph[K, P]) ParentNodes(node K, ignorePriority func(P) bool) []K {
	id, ok := d.ids[node]
	if !ok {
		return nil
	}
	var out []K
	for _, p := range d.nodes[id].parents {
		if d.live(edgeKey{id, p}, ignorePriority) {
			out = append(out, d.nodes[p].key)
		}
	}
	return out
}

// LeafNodes returns the nodes without children once edges whose every
// priority is ignored are treated as absent.
func (d *Digraph[K, P]) LeafNodes(ignorePriority func(P) bool) []K {
	var out []K
	for _, id := range d.order {
		leaf := true
		for _, c := range d.nodes[id].children {
			if d.live(edgeKey{c, id}, ignorePriority) {
				leaf = false
				break
			}
		}
		if leaf {
			out = append(out, d.nodes[id].key)
		}
	}
	return out
}

// RootNodes is LeafNodes for parents.
func (d *Digraph[K, P]) RootNodes(ignorePriority func(P) bool) []K {
	var out []K
	for _, id := range d.order {
		root := true
		for _, p := range d.nodes[id].parents {
			if d.live(edgeKey{id, p}, ignorePriority) {
				root = false
				break
			}
		}
		if root {
			out = append(out, d.nodes[id].key)
		}
	}
	return out
}

func (d *Digraph[K, P]) HasAllZeros(ignorePriority func(P) bool) bool {
	return len(d.LeafNodes(ignorePriority)) == len(d.order)
}

// Clone copies the graph structure; keys and priorities are shared.
func (d *Digraph[K, P]) Clone() *Digraph[K, P] {
	c := &Digraph[K, P]{
		less:  d.less,
		ids:   make(map[K]int, len(d.ids)),
		nodes: make(map[int]*digraphNode[K], len(d.nodes)),
		edges: make(map[edgeKey][]P, len(d.edges)),
		order: append([]int(nil), d.order...),
		next:  d.next,
	}
	for k, v := range d.ids {
		c.ids[k] = v
	}
	for id, n := range d.nodes {
		c.nodes[id] = &digraphNode[K]{
			key:      n.key,
			children: append([]int(nil), n.children...),
			parents:  append([]int(nil), n.parents...),
		}
	}
	for k, v := range d.edges {
		c.edges[k] = append([]P(nil), v...)
	}
	return c
}

// BfsEdge is one step of a breadth first walk; Parent is unset for the
// start node.
type BfsEdge[K comparable] struct {
	Parent    K
	HasParent bool
	Node      K
}

func (d *Digraph[K, P]) Bfs(start K, ignorePriority func(P) bool) ([]BfsEdge[K], error) {
	if !d.Contains(start) {
		return nil, fmt.Errorf("node not in graph: %v", start)
	}
	out := []BfsEdge[K]{{Node: start}}
	enqueued := map[K]bool{start: true}
	for i := 0; i < len(out); i++ {
		n := out[i].Node
		for _, child := range d.ChildNodes(n, ignorePriority) {
			if !enqueued[child] {
				enqueued[child] = true
				out = append(out, BfsEdge[K]{Parent: n, HasParent: true, Node: child})
			}
		}
	}
	return out, nil
}

// ShortestPath returns the nodes from start to end following child edges,
// or nil when end is unreachable.
func (d *Digraph[K, P]) ShortestPath(start, end K, ignorePriority func(P) bool) []K {
	if !d.Contains(start) || !d.Contains(end) {
		return nil
	}
	walk, _ := d.Bfs(start, ignorePriority)
	paths := map[K][]K{}
	for _, e := range walk {
		if !e.HasParent {
			paths[e.Node] = []K{e.Node}
		} else {
			paths[e.Node] = append(append([]K(nil), paths[e.Parent]...), e.Node)
		}
		if e.Node == end {
			return paths[e.Node]
		}
	}
	return nil
}

// GetCycles returns the shortest cycle through each node, skipping cycles
// longer than maxLength (0 means unbounded). Each cycle is reported once.
func (d *Digraph[K, P]) GetCycles(ignorePriority func(P) bool, maxLength int) [][]K {
	var allCycles [][]K
	seen := map[K]bool{}
	for _, node := range d.AllNodes() {
		var shortest []K
		for _, child := range d.ChildNodes(node, ignorePriority) {
			path := d.ShortestPath(child, node, ignorePriority)
			if path == nil {
				continue
			}
			if shortest == nil || len(path) < len(shortest) {
				shortest = path
			}
		}
		if shortest == nil || (maxLength > 0 && len(shortest) > maxLength) {
			continue
		}
		dup := true
		for _, n := range shortest {
			if !seen[n] {
				dup = false
			}
		}
		if dup {
			continue
		}
		for _, n := range shortest {
			seen[n] = true
		}
		allCycles = append(allCycles, shortest)
	}
	return allCycles
}

// DebugString renders every node with its children and highest priority.
func (d *Digraph[K, P]) DebugString() string {
	var b strings.Builder
	for _, id := range d.order {
		n := d.nodes[id]
		if len(n.children) > 0 {
			fmt.Fprintf(&b, "%v depends on\n", n.key)
		} else {
			fmt.Fprintf(&b, "%v (no children)\n", n.key)
		}
		for _, c := range n.children {
			priorities := d.edges[edgeKey{c, id}]
			fmt.Fprintf(&b, "  %v (%v)\n", d.nodes[c].key, priorities[len(priorities)-1])
		}
	}
	return b.String()
}
