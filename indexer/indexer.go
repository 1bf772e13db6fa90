// Package indexer implements the Indexer (spec §3 "Indexer", §4.4): routing
// a batch of rows into cubes against a fixed Index State snapshot, spilling
// over-capacity cubes into their children, and proposing the resulting
// Index State update.
package indexer

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/otreedb/otree/block"
	"github.com/otreedb/otree/cube"
	"github.com/otreedb/otree/index"
	"github.com/otreedb/otree/revision"
	"github.com/otreedb/otree/transform"
	"github.com/otreedb/otree/weight"
)

// CubeUpdate is one cube's contribution to the Index State after a batch,
// in the same shape index.Builder.Add expects.
type CubeUpdate struct {
	CubeID       cube.CubeId
	MaxWeight    weight.Weight
	HasMaxWeight bool
	ElementCount int64
	State        index.CubeState
}

// Proposal is everything one Index call produces: where rows landed, how
// the Index State should change, and any Revision widening a transformer's
// domain flagged (spec §4.6).
type Proposal struct {
	Assignments []block.AssignedRow
	CubeUpdates []CubeUpdate
	// Widened holds, per indexed-column index, a transformer proposed to
	// supersede the Revision's current one (spec §4.2, §4.6).
	Widened map[int]transform.Transformer
	// DirtyCubes are the marshaled CubeIds touched by this batch.
	DirtyCubes mapset.Set[string]
}

// Indexer routes rows into cubes given a fixed Revision and Index State
// snapshot (spec §4.4).
type Indexer struct {
	Seed weight.Seed
}

// New constructs an Indexer using seed for weight assignment.
func New(seed weight.Seed) *Indexer {
	return &Indexer{Seed: seed}
}

type indexedRow struct {
	row    block.Row
	point  []float64
	weight weight.Weight
	pos    int // original batch position, the tie-break on equal weights
}

// Index computes cube assignments for rows against state, and a Proposal
// describing how the Index State should change once committed (spec §4.4
// steps 1-5). state is never mutated: Index only reads it.
func (ix *Indexer) Index(rows []block.Row, rev revision.Revision, state index.State) (*Proposal, error) {
	d := cube.Dimensions(rev.Dimensions())
	widened := make(map[int]transform.Transformer)

	irows := make([]indexedRow, 0, len(rows))
	for pos, row := range rows {
		point := make([]float64, d)
		keyParts := make([][]byte, d)
		for i, col := range rev.IndexedColumns {
			raw, ok := row[col]
			if !ok {
				return nil, &revision.MissingIndexedColumn{Column: col}
			}
			v, flagged := rev.Transformers[i].Transform(raw)
			if flagged {
				if w, changed := transform.Widen(rev.Transformers[i], raw); changed {
					if existing, has := widened[i]; has {
						widened[i] = existing.Merge(w)
					} else {
						widened[i] = w
					}
				}
			}
			point[i] = v
			keyParts[i] = transform.EncodeValue(raw)
		}
		key := concatKeys(keyParts)
		irows = append(irows, indexedRow{row: row, point: point, weight: weight.Of(key, ix.Seed), pos: pos})
	}

	a := &batchAssigner{
		d:        d,
		capacity: rev.DesiredCubeCapacity,
		state:    state,
		buckets:  make(map[string]*cubeBucket),
	}
	for _, ir := range irows {
		a.descend(cube.Root(), ir)
	}

	p := &Proposal{Widened: widened, DirtyCubes: mapset.NewThreadUnsafeSet[string]()}
	a.settle(p)
	return p, nil
}

func concatKeys(parts [][]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

type cubeBucket struct {
	id   cube.CubeId
	rows []indexedRow
}

// batchAssigner routes rows to cubes (spec §4.4 step 3: "weight-based cube
// assignment: each row is placed in the shallowest cube whose reserved
// weight range contains it") and then enforces per-cube capacity (step 5).
type batchAssigner struct {
	d        cube.Dimensions
	capacity int64
	state    index.State
	buckets  map[string]*cubeBucket
}

func (a *batchAssigner) bucket(id cube.CubeId) *cubeBucket {
	key := string(id.Marshal())
	b, ok := a.buckets[key]
	if !ok {
		b = &cubeBucket{id: id}
		a.buckets[key] = b
	}
	return b
}

// descend walks id's cube, and its ancestors' committed cutoffs, until it
// reaches a cube that is not yet flooded (in the snapshot state) or whose
// cutoff the row's weight is strictly below.
func (a *batchAssigner) descend(id cube.CubeId, ir indexedRow) {
	node, exists := a.state.Get(id)
	if exists && node.HasMaxWeight && ir.weight >= node.MaxWeight {
		k := cube.ChildIndexContaining(id, ir.point, a.d)
		a.descend(id.Child(k, a.d), ir)
		return
	}
	a.bucket(id).rows = append(a.bucket(id).rows, ir)
}

// settle enforces desired cube capacity on every touched cube, spilling
// overflow rows into children and recursing breadth-first: a spill only
// ever pushes rows strictly deeper, so processing buckets in non-decreasing
// depth order settles every cube exactly once (spec §4.4 step 5).
func (a *batchAssigner) settle(p *Proposal) {
	var queue []cube.CubeId
	queued := mapset.NewThreadUnsafeSet[string]()
	enqueue := func(id cube.CubeId) {
		key := string(id.Marshal())
		if queued.Contains(key) {
			return
		}
		queued.Add(key)
		queue = append(queue, id)
	}
	for _, b := range a.buckets {
		enqueue(b.id)
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].Depth(a.d) < queue[j].Depth(a.d) })

	for i := 0; i < len(queue); i++ {
		id := queue[i]
		key := string(id.Marshal())
		b := a.buckets[key]
		if b == nil || len(b.rows) == 0 {
			continue
		}

		existing, _ := a.state.Get(id)
		keepCount := a.capacity - existing.TotalElements
		if keepCount < 0 {
			keepCount = 0
		}

		if int64(len(b.rows)) <= keepCount {
			p.DirtyCubes.Add(key)
			p.CubeUpdates = append(p.CubeUpdates, CubeUpdate{
				CubeID:       id,
				ElementCount: int64(len(b.rows)),
				State:        index.Flooded,
			})
			for _, ir := range b.rows {
				p.Assignments = append(p.Assignments, block.AssignedRow{CubeID: id, Weight: ir.weight, Row: ir.row})
			}
			continue
		}

		sort.Slice(b.rows, func(i, j int) bool {
			if b.rows[i].weight != b.rows[j].weight {
				return b.rows[i].weight < b.rows[j].weight
			}
			return b.rows[i].pos < b.rows[j].pos
		})
		// Rows tied with the boundary weight must land on the same side of
		// the cutoff (the cutoff is a strict "<" test at read time), even if
		// that moves the kept count away from keepCount.
		cutoff := b.rows[keepCount].weight
		var kept, spill []indexedRow
		for _, ir := range b.rows {
			if ir.weight < cutoff {
				kept = append(kept, ir)
			} else {
				spill = append(spill, ir)
			}
		}

		p.DirtyCubes.Add(key)
		p.CubeUpdates = append(p.CubeUpdates, CubeUpdate{
			CubeID:       id,
			MaxWeight:    cutoff,
			HasMaxWeight: true,
			ElementCount: int64(len(kept)),
			State:        index.Flooded,
		})
		for _, ir := range kept {
			p.Assignments = append(p.Assignments, block.AssignedRow{CubeID: id, Weight: ir.weight, Row: ir.row})
		}

		for _, ir := range spill {
			k := cube.ChildIndexContaining(id, ir.point, a.d)
			child := id.Child(k, a.d)
			a.bucket(child).rows = append(a.bucket(child).rows, ir)
			enqueue(child)
		}
		pending := queue[i+1:]
		sort.SliceStable(pending, func(x, y int) bool { return pending[x].Depth(a.d) < pending[y].Depth(a.d) })
	}
}
