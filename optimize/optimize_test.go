package optimize

import (
	"testing"

	"github.com/otreedb/otree/block"
	"github.com/otreedb/otree/cube"
	"github.com/otreedb/otree/index"
	"github.com/otreedb/otree/indexer"
	"github.com/otreedb/otree/revision"
	"github.com/otreedb/otree/transform"
	"github.com/otreedb/otree/weight"
	"github.com/stretchr/testify/require"
)

const d1 = cube.Dimensions(1)

func buildState(t *testing.T, underfilled bool) index.State {
	b := index.NewBuilder(1, d1)
	count := int64(100)
	if underfilled {
		count = 5
	}
	b.Add(cube.Root(), 1000, true, count, index.Flooded)
	return b.Build()
}

func TestAnalyzeFlagsUnderfilledCube(t *testing.T) {
	s := buildState(t, true)
	a := NewAnalyzer(0.5, 0)
	candidates := a.Analyze(s, 100)
	require.Len(t, candidates, 1)
	require.Equal(t, "under-filled", candidates[0].Reason)
}

func TestAnalyzeIgnoresWellFilledCube(t *testing.T) {
	s := buildState(t, false)
	a := NewAnalyzer(0.5, 0)
	candidates := a.Analyze(s, 100)
	require.Len(t, candidates, 0)
}

func TestAnalyzeFlagsStaleAnnouncedCube(t *testing.T) {
	b := index.NewBuilder(1, d1)
	b.Add(cube.Root(), 0, false, 5, index.Flooded)
	b.MarkAnnounced(cube.Root(), 100)
	s := b.Build()

	a := NewAnalyzer(0.5, 1000)
	candidates := a.Analyze(s, 100)
	require.Len(t, candidates, 1)
	require.Equal(t, "stale proposal", candidates[0].Reason)
}

func TestReportRendersCandidateTable(t *testing.T) {
	out := Report([]Candidate{{CubeID: cube.Root(), Reason: "under-filled", TotalElement: 5}})
	require.Contains(t, out, "under-filled")
}

type fakeRowSource struct {
	rows map[string][]block.Row
}

func (f *fakeRowSource) Rows(id cube.CubeId) ([]block.Row, error) {
	return f.rows[id.String()], nil
}

func TestOptimizeReIndexesSubtreeRows(t *testing.T) {
	rev := revision.New([]string{"x"}, 50, 0)
	rev.Transformers[0] = transform.NewLinear(0, 100, transform.ValueFloat)

	b := index.NewBuilder(rev.ID, d1)
	b.Add(cube.Root(), 50, true, 50, index.Flooded)
	state := b.Build()

	src := &fakeRowSource{rows: map[string][]block.Row{
		cube.Root().String(): {
			{"x": 10.0}, {"x": 20.0}, {"x": 30.0},
		},
	}}

	opt := New(indexer.New(weight.DefaultSeed), src, nil)
	plan, err := opt.Optimize(rev, state, []cube.CubeId{cube.Root()})
	require.NoError(t, err)
	require.Len(t, plan.Proposal.Assignments, 3)
	require.True(t, plan.RemovedCubes.Contains(string(cube.Root().Marshal())))
}
