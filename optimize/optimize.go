// Package optimize implements the Analyzer/Optimizer (spec §3 "Analyzer /
// Optimizer", §4.8): finding cubes worth compacting and re-running the
// Indexer over their subtree to produce replacement Blocks.
package optimize

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/otreedb/otree/block"
	"github.com/otreedb/otree/cube"
	"github.com/otreedb/otree/index"
	"github.com/otreedb/otree/indexer"
	"github.com/otreedb/otree/internal/xlog"
	"github.com/otreedb/otree/revision"
)

// RowSource reads every row currently attributed to a cube (spec §4.8:
// "read its rows and all descendants'"), the external collaborator the
// Optimizer pulls data through — the core never looks inside it.
type RowSource interface {
	Rows(cubeID cube.CubeId) ([]block.Row, error)
}

// Candidate is one cube the Analyzer flagged, with the reason so a caller
// (or the rewrite-plan report) can explain the recommendation.
type Candidate struct {
	CubeID       cube.CubeId
	Reason       string
	TotalElement int64
}

// Analyzer identifies cubes whose tags indicate under-fill or a stale
// ANNOUNCED proposal (spec §4.8).
type Analyzer struct {
	// UnderfillFraction flags a flooded cube whose element count is below
	// this fraction of the Revision's desired capacity.
	UnderfillFraction float64
	// StaleAfterUnixNano flags an ANNOUNCED cube whose proposal predates
	// this timestamp.
	StaleAfterUnixNano int64
}

// NewAnalyzer constructs an Analyzer with the given under-fill threshold
// and staleness cutoff.
func NewAnalyzer(underfillFraction float64, staleAfterUnixNano int64) *Analyzer {
	return &Analyzer{UnderfillFraction: underfillFraction, StaleAfterUnixNano: staleAfterUnixNano}
}

// Analyze returns the cubes in state that are candidates for OPTIMIZE
// (spec §4.8 "analyze(revisionId) -> [CubeId]").
func (a *Analyzer) Analyze(state index.State, capacity int64) []Candidate {
	var out []Candidate
	state.Walk(func(id cube.CubeId, n index.Node) bool {
		switch {
		case n.State == index.Flooded && n.HasMaxWeight && capacity > 0 &&
			float64(n.TotalElements) < a.UnderfillFraction*float64(capacity):
			out = append(out, Candidate{CubeID: id, Reason: "under-filled", TotalElement: n.TotalElements})
		case n.State == index.Announced && n.AnnouncedAtUnixNano < a.StaleAfterUnixNano:
			out = append(out, Candidate{CubeID: id, Reason: "stale proposal", TotalElement: n.TotalElements})
		}
		return true
	})
	return out
}

// Report renders a rewrite-plan table for a set of candidates (spec §6d
// "DDL commands ANALYZE revision and OPTIMIZE revision cubes...").
func Report(candidates []Candidate) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Cube", "Reason", "Elements"})
	for _, c := range candidates {
		t.AppendRow(table.Row{c.CubeID.String(), c.Reason, humanize.Comma(c.TotalElement)})
	}
	return t.Render()
}

// Plan is what Optimize produces: the fresh assignments/cube updates for
// the re-indexed subtree, plus the marshaled ids of the cubes whose Blocks
// the replacement supersedes.
type Plan struct {
	Proposal     *indexer.Proposal
	RemovedCubes mapset.Set[string]
}

// Optimizer re-runs the Indexer over the subtree rooted at each candidate
// cube and proposes replacement Blocks (spec §4.8 "optimize(revisionId,
// cubes)").
type Optimizer struct {
	Indexer *indexer.Indexer
	Rows    RowSource
	Log     *xlog.Logger
}

// New constructs an Optimizer driving ix over rows read through src.
func New(ix *indexer.Indexer, src RowSource, log *xlog.Logger) *Optimizer {
	if log == nil {
		log = xlog.NewDevelopment()
	}
	return &Optimizer{Indexer: ix, Rows: src, Log: log}
}

// Optimize re-indexes every row rooted at cubes (and their descendants)
// against a pruned view of state, so they settle fresh rather than
// reusing their old cutoffs (spec §4.8).
func (o *Optimizer) Optimize(rev revision.Revision, state index.State, cubes []cube.CubeId) (*Plan, error) {
	sort.Slice(cubes, func(i, j int) bool { return cube.Compare(cubes[i], cubes[j]) < 0 })

	var rows []block.Row
	removed := mapset.NewThreadUnsafeSet[string]()
	for _, id := range cubes {
		rs, err := o.Rows.Rows(id)
		if err != nil {
			return nil, err
		}
		rows = append(rows, rs...)
		removed.Add(string(id.Marshal()))
		o.Log.Debug("optimize: read subtree", "cube", id.String(), "rows", len(rs))
	}

	pruned := state.Without(cubes)
	proposal, err := o.Indexer.Index(rows, rev, pruned)
	if err != nil {
		return nil, err
	}
	return &Plan{Proposal: proposal, RemovedCubes: removed}, nil
}
