// Package index maintains the Index State: the per-Revision reduction of
// all non-obsolete Blocks into CubeId -> (maxWeight, rowCount, state,
// children) (spec §3 "Index State", §4 C5).
//
// A State is an immutable snapshot (spec §9: "the OTree is never held as a
// mutable graph; each commit produces a new immutable snapshot"). Readers
// take a snapshot at query start and never observe a partial commit.
package index

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"
	"github.com/otreedb/otree/cube"
	"github.com/otreedb/otree/revision"
	"github.com/otreedb/otree/weight"
)

// CubeState is one of Flooded, Announced, Replicated (spec §3).
type CubeState int

const (
	// Flooded: the cube is filled to capacity; MaxWeight is a real cutoff.
	Flooded CubeState = iota
	// Announced: a compaction/optimization proposal has been announced.
	// Advisory only; it never affects read correctness (spec §9).
	Announced
	// Replicated: the cube's rows are now represented by descendants; the
	// block is logically obsolete.
	Replicated
)

func (s CubeState) String() string {
	switch s {
	case Flooded:
		return "FLOODED"
	case Announced:
		return "ANNOUNCED"
	case Replicated:
		return "REPLICATED"
	default:
		return fmt.Sprintf("CubeState(%d)", int(s))
	}
}

// Node is one cube's reduced state.
type Node struct {
	// MaxWeight is only meaningful when HasMaxWeight is true: an open
	// (non-flooded) cube records no upper cutoff (spec §3 invariants).
	MaxWeight    weight.Weight
	HasMaxWeight bool

	TotalElements int64
	State         CubeState

	// Children records which of the cube's 2^d children have an entry of
	// their own in the same snapshot.
	Children *roaring.Bitmap

	// Synthetic marks an ancestor node that was never the direct target of
	// a Block, but was added to preserve tree connectedness (spec §3: "a
	// cube exists only if its parent exists").
	Synthetic bool

	// AnnouncedAtUnixNano is meaningful only when State == Announced: when
	// the compaction/optimization proposal was announced, for the
	// Analyzer's staleness check (spec §4.8).
	AnnouncedAtUnixNano int64
}

func (n Node) hasChild(k int) bool {
	return n.Children != nil && n.Children.Contains(uint32(k))
}

type entry struct {
	id   cube.CubeId
	node Node
}

func less(a, b entry) bool { return cube.Compare(a.id, b.id) < 0 }

// State is an immutable, queryable snapshot of a Revision's Index State.
type State struct {
	RevisionID revision.ID
	D          cube.Dimensions
	tree       *btree.BTreeG[entry]
}

// Empty returns the zero-valued Index State for a fresh Revision.
func Empty(revID revision.ID, d cube.Dimensions) State {
	return State{RevisionID: revID, D: d, tree: btree.NewG(32, less)}
}

// Get returns the Node for id, if present.
func (s State) Get(id cube.CubeId) (Node, bool) {
	if s.tree == nil {
		return Node{}, false
	}
	e, ok := s.tree.Get(entry{id: id})
	return e.node, ok
}

// Len returns the number of cubes tracked in the snapshot.
func (s State) Len() int {
	if s.tree == nil {
		return 0
	}
	return s.tree.Len()
}

// Walk visits every cube in ascending (depth, bits) order — ancestors
// before descendants — stopping early if fn returns false.
func (s State) Walk(fn func(id cube.CubeId, n Node) bool) {
	if s.tree == nil {
		return
	}
	s.tree.Ascend(func(e entry) bool { return fn(e.id, e.node) })
}

// IsConnected verifies spec §3's tree-connectedness invariant: every cube
// in the snapshot has every ancestor also present.
func (s State) IsConnected() bool {
	ok := true
	s.Walk(func(id cube.CubeId, _ Node) bool {
		for p := id; !p.IsRoot(); {
			p = p.Parent(s.D)
			if _, present := s.Get(p); !present {
				ok = false
				return false
			}
		}
		return true
	})
	return ok
}

// IsWeightMonotonic verifies spec §3's ancestor-descendant weight
// monotonicity invariant: maxWeight(parent) <= maxWeight(child) whenever
// both are flooded.
func (s State) IsWeightMonotonic() bool {
	ok := true
	s.Walk(func(id cube.CubeId, n Node) bool {
		if id.IsRoot() || !n.HasMaxWeight {
			return true
		}
		parent, present := s.Get(id.Parent(s.D))
		if !present || !parent.HasMaxWeight {
			return true
		}
		if parent.MaxWeight > n.MaxWeight {
			ok = false
			return false
		}
		return true
	})
	return ok
}

// Without returns a copy of s with every cube in ids, and all of their
// descendants, removed — the view the Analyzer/Optimizer re-indexes a
// subtree against (spec §4.8 "re-run the Indexer on that subtree").
func (s State) Without(ids []cube.CubeId) State {
	if s.tree == nil || len(ids) == 0 {
		return s
	}
	isRemoved := func(id cube.CubeId) bool {
		for _, r := range ids {
			if cube.IsAncestorOf(r, id) {
				return true
			}
		}
		return false
	}
	tree := btree.NewG(32, less)
	s.tree.Ascend(func(e entry) bool {
		if isRemoved(e.id) {
			return true
		}
		node := e.node
		for _, r := range ids {
			if !r.IsRoot() && cube.Equal(r.Parent(s.D), e.id) && node.hasChild(childIndex(e.id, r, s.D)) {
				node.Children = node.Children.Clone()
				node.Children.Remove(uint32(childIndex(e.id, r, s.D)))
			}
		}
		tree.ReplaceOrInsert(entry{id: e.id, node: node})
		return true
	})
	return State{RevisionID: s.RevisionID, D: s.D, tree: tree}
}

// Builder incrementally reduces Block tags into a new immutable State
// (spec §3 "Lifecycle").
type Builder struct {
	revID revision.ID
	d     cube.Dimensions
	nodes map[string]*buildNode
}

type buildNode struct {
	id                  cube.CubeId
	maxWeight           weight.Weight
	hasMaxWeight        bool
	totalElements       int64
	state               CubeState
	announcedAtUnixNano int64
}

// NewBuilder starts a Builder for the given Revision/dimensionality.
func NewBuilder(revID revision.ID, d cube.Dimensions) *Builder {
	return &Builder{revID: revID, d: d, nodes: make(map[string]*buildNode)}
}

// Add reduces one non-obsolete Block's tags into the builder (spec §3
// "Block tags"). Blocks in state Replicated are logically removed and
// should not be passed to Add.
//
// hasMaxWeight/maxWeight carry whether this block's cube reached capacity
// (spec §4.4 step 5) and its cutoff, independent of the block's wire State
// tag: every block's initial wire tag is Flooded (spec §3 "Initial state
// on first write is FLOODED"), but an under-capacity cube still has no
// cutoff recorded — HasMaxWeight on the resulting Node is the operative
// signal invariants key off, not State.
func (b *Builder) Add(id cube.CubeId, maxWeight weight.Weight, hasMaxWeight bool, elementCount int64, state CubeState) {
	key := string(id.Marshal())
	n, ok := b.nodes[key]
	if !ok {
		n = &buildNode{id: id, state: Flooded}
		b.nodes[key] = n
	}
	n.totalElements += elementCount
	if hasMaxWeight && (!n.hasMaxWeight || maxWeight > n.maxWeight) {
		n.maxWeight = maxWeight
		n.hasMaxWeight = true
	}
	if n.state != Announced || state == Replicated {
		n.state = state
	}
}

// MarkAnnounced records that a compaction/optimization proposal has been
// announced for id, without otherwise touching its weight/count reduction
// (spec §4.8). Announced is advisory only; it never affects read
// correctness (spec §9).
func (b *Builder) MarkAnnounced(id cube.CubeId, atUnixNano int64) {
	key := string(id.Marshal())
	n, ok := b.nodes[key]
	if !ok {
		n = &buildNode{id: id, state: Flooded}
		b.nodes[key] = n
	}
	n.state = Announced
	n.announcedAtUnixNano = atUnixNano
}

// Build materializes the immutable State, synthesizing any missing
// ancestor so the tree-connectedness invariant always holds.
func (b *Builder) Build() State {
	s := Empty(b.revID, b.d)
	tree := btree.NewG(32, less)

	get := func(id cube.CubeId) *buildNode {
		key := string(id.Marshal())
		if n, ok := b.nodes[key]; ok {
			return n
		}
		n := &buildNode{id: id}
		b.nodes[key] = n
		return n
	}

	// Ensure every ancestor of every present cube also has a build node.
	for _, n := range snapshotValues(b.nodes) {
		for p := n.id; !p.IsRoot(); {
			p = p.Parent(b.d)
			get(p)
		}
	}

	for _, n := range snapshotValues(b.nodes) {
		node := Node{
			MaxWeight:           n.maxWeight,
			HasMaxWeight:        n.hasMaxWeight,
			TotalElements:       n.totalElements,
			State:               n.state,
			Synthetic:           n.totalElements == 0 && !n.hasMaxWeight,
			AnnouncedAtUnixNano: n.announcedAtUnixNano,
		}
		tree.ReplaceOrInsert(entry{id: n.id, node: node})
	}

	// Second pass: populate Children bitmaps now that every node exists.
	tree.Ascend(func(e entry) bool {
		if e.id.IsRoot() {
			return true
		}
		parentID := e.id.Parent(b.d)
		pe, ok := tree.Get(entry{id: parentID})
		if !ok {
			return true
		}
		if pe.node.Children == nil {
			pe.node.Children = roaring.New()
		}
		pe.node.Children.Add(uint32(childIndex(parentID, e.id, b.d)))
		tree.ReplaceOrInsert(pe)
		return true
	})

	s.tree = tree
	return s
}

func snapshotValues(m map[string]*buildNode) []*buildNode {
	out := make([]*buildNode, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// childIndex recovers which child index parent->child represents by trying
// every possible child and comparing bit-strings.
func childIndex(parent, child cube.CubeId, d cube.Dimensions) int {
	for k := 0; k < 1<<uint(d); k++ {
		if cube.Equal(parent.Child(k, d), child) {
			return k
		}
	}
	return 0
}
