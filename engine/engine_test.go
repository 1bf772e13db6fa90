package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/otreedb/otree/block"
	"github.com/otreedb/otree/commit"
	"github.com/otreedb/otree/config"
	"github.com/otreedb/otree/cube"
	"github.com/otreedb/otree/index"
	"github.com/otreedb/otree/optimize"
	"github.com/otreedb/otree/revision"
	"github.com/otreedb/otree/weight"
	"github.com/stretchr/testify/require"
)

type memLog struct {
	mu       sync.Mutex
	version  commit.Version
	rev      revision.Revision
	haveRev  bool
	entries  map[string]block.Tags
}

func newMemLog() *memLog { return &memLog{entries: map[string]block.Tags{}} }

func (l *memLog) CurrentVersion(ctx context.Context) (commit.Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version, nil
}

func (l *memLog) Commit(ctx context.Context, tx commit.Transaction) (commit.Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx.BaseVersion != l.version {
		return 0, &commit.CommitConflict{Expected: tx.BaseVersion, Actual: l.version}
	}
	for _, rm := range tx.RemoveFiles {
		delete(l.entries, rm.Path)
	}
	for _, add := range tx.AddFiles {
		l.entries[add.Path] = add.Tags
	}
	if tx.Revision != nil {
		l.rev = tx.Revision.Revision
		l.haveRev = true
	}
	l.version++
	return l.version, nil
}

func (l *memLog) load(ctx context.Context) (revision.Revision, index.State, commit.Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.haveRev {
		return revision.Revision{}, index.Empty(0, 0), l.version, nil
	}
	b := index.NewBuilder(l.rev.ID, cube.Dimensions(l.rev.Dimensions()))
	for _, tags := range l.entries {
		b.Add(tags.CubeID, tags.MaxWeight, tags.HasMaxWeight, tags.ElementCount, tags.State)
	}
	return l.rev, b.Build(), l.version, nil
}

type loaderFunc func(ctx context.Context) (revision.Revision, index.State, commit.Version, error)

func (f loaderFunc) Load(ctx context.Context) (revision.Revision, index.State, commit.Version, error) {
	return f(ctx)
}

type memSinkFactory struct {
	mu    sync.Mutex
	files map[string]int
}

func newMemSinkFactory() *memSinkFactory { return &memSinkFactory{files: map[string]int{}} }

type memSink struct {
	fac  *memSinkFactory
	path string
	n    int
}

func (s *memSink) WriteRow(row block.Row) error {
	s.n++
	return nil
}

func (s *memSink) Close() error {
	s.fac.mu.Lock()
	defer s.fac.mu.Unlock()
	s.fac.files[s.path] = s.n
	return nil
}

func (f *memSinkFactory) Open(path string, schema block.Schema) (block.Sink, error) {
	return &memSink{fac: f, path: path}, nil
}

type memStat struct{ fac *memSinkFactory }

func (s *memStat) Stat(path string) (int64, int64, error) {
	s.fac.mu.Lock()
	defer s.fac.mu.Unlock()
	return int64(s.fac.files[path]), 0, nil
}

func TestEngineWriteFirstBatchCommits(t *testing.T) {
	log := newMemLog()
	sinks := newMemSinkFactory()
	eng := New(t.TempDir(), config.Default(), log, loaderFunc(log.load), sinks, &memStat{fac: sinks}, weight.DefaultSeed, 2, nil)

	rows := make([]block.Row, 100)
	for i := range rows {
		rows[i] = block.Row{"x": float64(i)}
	}

	v, err := eng.Write(context.Background(), rows, block.Schema{Columns: []string{"x"}}, config.WriteOptions{ColumnsToIndex: []string{"x"}})
	require.NoError(t, err)
	require.Equal(t, commit.Version(1), v)
	require.NotEmpty(t, sinks.files)
}

func TestEngineWriteFailsWithoutColumnsOnFirstWrite(t *testing.T) {
	log := newMemLog()
	sinks := newMemSinkFactory()
	eng := New(t.TempDir(), config.Default(), log, loaderFunc(log.load), sinks, &memStat{fac: sinks}, weight.DefaultSeed, 2, nil)

	_, err := eng.Write(context.Background(), []block.Row{{"x": 1.0}}, block.Schema{}, config.WriteOptions{})
	require.Error(t, err)
}

func TestEngineAnalyzeReadsCurrentState(t *testing.T) {
	log := newMemLog()
	sinks := newMemSinkFactory()
	eng := New(t.TempDir(), config.Default(), log, loaderFunc(log.load), sinks, &memStat{fac: sinks}, weight.DefaultSeed, 2, nil)

	rows := make([]block.Row, 10)
	for i := range rows {
		rows[i] = block.Row{"x": float64(i)}
	}
	_, err := eng.Write(context.Background(), rows, block.Schema{Columns: []string{"x"}}, config.WriteOptions{ColumnsToIndex: []string{"x"}})
	require.NoError(t, err)

	candidates, err := eng.Analyze(context.Background(), optimize.NewAnalyzer(0.99, 0))
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
}
