package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intLess(a, b int) bool { return a < b }

func TestDigraphBasics(t *testing.T) {
	g := NewDigraph[string, int](intLess)
	g.Add("b", "a", 0)
	g.Add("c", "b", -1)
	g.Add("c", "b", 0)
	g.AddNode("d")

	assert.Equal(t, []string{"b", "a", "c", "d"}, g.AllNodes())
	assert.Equal(t, []int{-1, 0}, g.Priorities("c", "b"))
	assert.True(t, g.HasEdge("b", "a"))
	assert.False(t, g.HasEdge("a", "b"))
	assert.Equal(t, []string{"c", "d"}, g.LeafNodes(nil))
	assert.Equal(t, []string{"a", "d"}, g.RootNodes(nil))
	assert.Equal(t, []string{"b"}, g.ChildNodes("a", nil))
	assert.Equal(t, []string{"b"}, g.ParentNodes("c", nil))

	require.NoError(t, g.Remove("b"))
	assert.Error(t, g.Remove("b"))
	assert.Equal(t, 3, g.Len())
	assert.True(t, g.HasAllZeros(nil))
}

func TestDigraphIgnorePriority(t *testing.T) {
	g := NewDigraph[string, int](intLess)
	g.Add("lib", "app", -3)
	ignoreSoft := func(p int) bool { return p <= -2 }

	assert.Equal(t, []string{"lib"}, g.LeafNodes(nil))
	assert.ElementsMatch(t, []string{"lib", "app"}, g.LeafNodes(ignoreSoft))

	g.Add("lib", "app", 0)
	assert.Equal(t, []string{"lib"}, g.LeafNodes(ignoreSoft))
}

func TestDigraphClone(t *testing.T) {
	g := NewDigraph[string, int](intLess)
	g.Add("b", "a", 0)
	c := g.Clone()
	require.NoError(t, c.RemoveEdge("b", "a"))
	assert.True(t, g.HasEdge("b", "a"))
	assert.False(t, c.HasEdge("b", "a"))

	g.Update(c)
	assert.Equal(t, 2, g.Len())
}

func TestDigraphCycles(t *testing.T) {
	g := NewDigraph[string, int](intLess)
	g.Add("b", "a", 0)
	g.Add("c", "b", 0)
	g.Add("a", "c", -1)
	g.Add("d", "a", 0)

	assert.Equal(t, []string{"a", "b", "c"}, g.ShortestPath("a", "c", nil))
	assert.Nil(t, g.ShortestPath("d", "a", nil))

	cycles := g.GetCycles(nil, 0)
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycles[0])

	assert.Empty(t, g.GetCycles(func(p int) bool { return p < 0 }, 0))
	assert.Empty(t, g.GetCycles(nil, 2))

	walk, err := g.Bfs("a", nil)
	require.NoError(t, err)
	assert.False(t, walk[0].HasParent)
	assert.Len(t, walk, 4)
}

func TestDigraphSortNodes(t *testing.T) {
	g := NewDigraph[string, int](intLess)
	g.Add("x", "c", 0)
	g.AddNode("a")
	g.AddNode("b")

	g.SortNodes(func(a, b string) bool { return a < b })
	assert.Equal(t, []string{"a", "b", "c", "x"}, g.AllNodes())
	assert.Equal(t, []string{"a", "b", "x"}, g.LeafNodes(nil))
	assert.Equal(t, []string{"x"}, g.ChildNodes("c", nil))
}
