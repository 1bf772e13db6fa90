package index

import (
	"testing"

	"github.com/otreedb/otree/cube"
	"github.com/otreedb/otree/weight"
	"github.com/stretchr/testify/require"
)

func TestBuilderSynthesizesMissingAncestors(t *testing.T) {
	const d = cube.Dimensions(2)
	leaf := cube.Root().Child(1, d).Child(2, d)

	b := NewBuilder(1, d)
	b.Add(leaf, 1000, true, 50, Flooded)
	s := b.Build()

	require.True(t, s.IsConnected())

	mid := cube.Root().Child(1, d)
	node, ok := s.Get(mid)
	require.True(t, ok)
	require.True(t, node.Synthetic)
	require.Equal(t, int64(0), node.TotalElements)

	root, ok := s.Get(cube.Root())
	require.True(t, ok)
	require.True(t, root.hasChild(1))
}

func TestBuilderAccumulatesElementsAcrossBlocks(t *testing.T) {
	const d = cube.Dimensions(1)
	c := cube.Root().Child(0, d)

	b := NewBuilder(1, d)
	b.Add(c, 100, true, 30, Flooded)
	b.Add(c, 150, true, 20, Flooded)
	s := b.Build()

	node, ok := s.Get(c)
	require.True(t, ok)
	require.Equal(t, int64(50), node.TotalElements)
	require.Equal(t, weight.Weight(150), node.MaxWeight)
}

func TestWeightMonotonicityHolds(t *testing.T) {
	const d = cube.Dimensions(1)
	parent := cube.Root()
	child := parent.Child(0, d)

	b := NewBuilder(1, d)
	b.Add(parent, 100, true, 10, Flooded)
	b.Add(child, 200, true, 10, Flooded)
	s := b.Build()

	require.True(t, s.IsWeightMonotonic())
}

func TestChildrenBitmapReflectsOnlyPresentChildren(t *testing.T) {
	const d = cube.Dimensions(2)
	b := NewBuilder(1, d)
	b.Add(cube.Root().Child(0, d), 10, true, 5, Flooded)
	b.Add(cube.Root().Child(3, d), 10, true, 5, Flooded)
	s := b.Build()

	root, ok := s.Get(cube.Root())
	require.True(t, ok)
	require.True(t, root.hasChild(0))
	require.True(t, root.hasChild(3))
	require.False(t, root.hasChild(1))
	require.False(t, root.hasChild(2))
}

func TestMarkAnnouncedSetsStateAndTimestamp(t *testing.T) {
	const d = cube.Dimensions(1)
	c := cube.Root().Child(0, d)

	b := NewBuilder(1, d)
	b.Add(c, 10, true, 5, Flooded)
	b.MarkAnnounced(c, 1000)
	s := b.Build()

	node, ok := s.Get(c)
	require.True(t, ok)
	require.Equal(t, Announced, node.State)
	require.Equal(t, int64(1000), node.AnnouncedAtUnixNano)
}

func TestWithoutRemovesCubeAndDescendants(t *testing.T) {
	const d = cube.Dimensions(2)
	leaf := cube.Root().Child(1, d).Child(2, d)
	mid := cube.Root().Child(1, d)

	b := NewBuilder(1, d)
	b.Add(leaf, 10, true, 5, Flooded)
	b.Add(cube.Root().Child(0, d), 10, true, 5, Flooded)
	s := b.Build()

	pruned := s.Without([]cube.CubeId{mid})

	_, ok := pruned.Get(mid)
	require.False(t, ok)
	_, ok = pruned.Get(leaf)
	require.False(t, ok)

	root, ok := pruned.Get(cube.Root())
	require.True(t, ok)
	require.False(t, root.hasChild(1))
	require.True(t, root.hasChild(0))
}

func TestOpenCubeHasNoMaxWeight(t *testing.T) {
	const d = cube.Dimensions(1)
	c := cube.Root()
	b := NewBuilder(1, d)
	b.Add(c, 0, false, 5, Flooded) // below capacity: no cutoff recorded yet
	s := b.Build()

	node, ok := s.Get(c)
	require.True(t, ok)
	require.False(t, node.HasMaxWeight)
}
