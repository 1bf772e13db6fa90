package indexer

import (
	"testing"

	"github.com/otreedb/otree/block"
	"github.com/otreedb/otree/cube"
	"github.com/otreedb/otree/index"
	"github.com/otreedb/otree/revision"
	"github.com/otreedb/otree/transform"
	"github.com/otreedb/otree/weight"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func makeRows(n int) []block.Row {
	rows := make([]block.Row, n)
	for i := range rows {
		rows[i] = block.Row{"x": float64(i)}
	}
	return rows
}

func revisionFor(capacity int64) revision.Revision {
	r := revision.New([]string{"x"}, capacity, 0)
	r.Transformers[0] = transform.NewLinear(0, 1000, transform.ValueFloat)
	return r
}

func TestIndexPlacesEveryRowExactlyOnce(t *testing.T) {
	ix := New(0x1234)
	rows := makeRows(500)
	rev := revisionFor(50)
	state := index.Empty(rev.ID, cube.Dimensions(rev.Dimensions()))

	p, err := ix.Index(rows, rev, state)
	require.NoError(t, err)
	require.Len(t, p.Assignments, len(rows))
}

func TestIndexRespectsCapacityBoundOnRootBatch(t *testing.T) {
	ix := New(0x1234)
	rows := makeRows(1000)
	rev := revisionFor(50)
	state := index.Empty(rev.ID, cube.Dimensions(rev.Dimensions()))

	p, err := ix.Index(rows, rev, state)
	require.NoError(t, err)

	for _, u := range p.CubeUpdates {
		if u.HasMaxWeight {
			require.LessOrEqual(t, u.ElementCount, rev.DesiredCubeCapacity)
		}
	}
}

func TestIndexSpillsOverflowToChildren(t *testing.T) {
	ix := New(0x1234)
	rows := makeRows(200)
	rev := revisionFor(50)
	state := index.Empty(rev.ID, cube.Dimensions(rev.Dimensions()))

	p, err := ix.Index(rows, rev, state)
	require.NoError(t, err)

	var rootUpdate *CubeUpdate
	for i := range p.CubeUpdates {
		if p.CubeUpdates[i].CubeID.IsRoot() {
			rootUpdate = &p.CubeUpdates[i]
		}
	}
	require.NotNil(t, rootUpdate)
	require.True(t, rootUpdate.HasMaxWeight)

	hasNonRoot := false
	for _, u := range p.CubeUpdates {
		if !u.CubeID.IsRoot() {
			hasNonRoot = true
		}
	}
	require.True(t, hasNonRoot)
}

func TestIndexBuildsConnectedWeightMonotonicState(t *testing.T) {
	ix := New(0x1234)
	rows := makeRows(2000)
	rev := revisionFor(30)
	state := index.Empty(rev.ID, cube.Dimensions(rev.Dimensions()))

	p, err := ix.Index(rows, rev, state)
	require.NoError(t, err)

	b := index.NewBuilder(rev.ID, cube.Dimensions(rev.Dimensions()))
	for _, u := range p.CubeUpdates {
		b.Add(u.CubeID, u.MaxWeight, u.HasMaxWeight, u.ElementCount, u.State)
	}
	next := b.Build()

	require.True(t, next.IsConnected())
	require.True(t, next.IsWeightMonotonic())
}

func TestIndexMissingColumnFails(t *testing.T) {
	ix := New(0x1234)
	rev := revisionFor(10)
	state := index.Empty(rev.ID, cube.Dimensions(rev.Dimensions()))

	_, err := ix.Index([]block.Row{{"other": 1}}, rev, state)
	require.Error(t, err)
	var missing *revision.MissingIndexedColumn
	require.ErrorAs(t, err, &missing)
}

func TestIndexFlagsOutOfDomainValueForWidening(t *testing.T) {
	ix := New(0x1234)
	rev := revisionFor(10)
	state := index.Empty(rev.ID, cube.Dimensions(rev.Dimensions()))

	rows := []block.Row{{"x": 5000.0}}
	p, err := ix.Index(rows, rev, state)
	require.NoError(t, err)
	require.Contains(t, p.Widened, 0)
	lin := p.Widened[0].(transform.Linear)
	require.Equal(t, 5000.0, lin.Max)
}

func TestEveryRowLandsInExactlyOneCubeProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 300).Draw(rt, "n")
		capacity := rapid.Int64Range(5, 100).Draw(rt, "capacity")
		rows := makeRows(n)
		rev := revisionFor(capacity)
		state := index.Empty(rev.ID, cube.Dimensions(rev.Dimensions()))

		ix := New(weight.Seed(rapid.Uint32().Draw(rt, "seed")))
		p, err := ix.Index(rows, rev, state)
		require.NoError(rt, err)
		require.Equal(rt, n, len(p.Assignments))
	})
}
