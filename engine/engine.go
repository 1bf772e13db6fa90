// Package engine wires the ten components together into the operations a
// caller actually invokes: Write, Analyze, Optimize (spec §3 "Engine
// surface", §6 "Query engine embedding"). It is the orchestration layer,
// in the style of the teacher's snapshot-download-and-commit loop
// (turbo/snapshotsync): partition work across bounded worker
// goroutines, then commit the result as one transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/otreedb/otree/block"
	"github.com/otreedb/otree/commit"
	"github.com/otreedb/otree/config"
	"github.com/otreedb/otree/cube"
	"github.com/otreedb/otree/index"
	"github.com/otreedb/otree/indexer"
	"github.com/otreedb/otree/internal/xlog"
	"github.com/otreedb/otree/optimize"
	"github.com/otreedb/otree/revision"
	"github.com/otreedb/otree/sample"
	"github.com/otreedb/otree/weight"
)

var (
	commitAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otree_commit_attempts_total",
		Help: "Number of transaction log commit attempts, including retries.",
	})
	commitConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otree_commit_conflicts_total",
		Help: "Number of commit attempts that observed a version conflict.",
	})
	rowsIndexed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otree_rows_indexed_total",
		Help: "Number of rows assigned to a cube by the Indexer.",
	})
)

func init() {
	prometheus.MustRegister(commitAttempts, commitConflicts, rowsIndexed)
}

// Loader reconstructs the materialized Revision and Index State a write or
// optimize call needs by replaying the transaction log's current snapshot
// (spec §4 "Index State is the reduction of all non-obsolete Blocks").
type Loader interface {
	Load(ctx context.Context) (revision.Revision, index.State, commit.Version, error)
}

// Engine bundles every external collaborator a table needs (spec §6):
// the transaction log, the columnar file writer/filesystem, and process
// configuration. One Engine serves one table.
type Engine struct {
	Config  config.Config
	Dir     string
	Log     commit.TransactionLog
	Loader  Loader
	Sinks   block.SinkFactory
	Stat    block.FileStat
	Seed    weight.Seed
	Workers int

	indexer *indexer.Indexer
	logger  *xlog.Logger
}

// New constructs an Engine. workers bounds Block Writer parallelism (spec
// §5 "parallel worker tasks over immutable input partitions"); 0 defaults
// to 4.
func New(dir string, cfg config.Config, log commit.TransactionLog, loader Loader, sinks block.SinkFactory, stat block.FileStat, seed weight.Seed, workers int, logger *xlog.Logger) *Engine {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = xlog.NewDevelopment()
	}
	return &Engine{
		Config: cfg, Dir: dir, Log: log, Loader: loader, Sinks: sinks, Stat: stat,
		Seed: seed, Workers: workers, indexer: indexer.New(seed), logger: logger,
	}
}

// Write indexes rows against the table's current Revision and Index State,
// packs them into Blocks in parallel, and commits the result, rebasing and
// retrying on conflict (spec §4.4, §4.5, §4.6).
func (e *Engine) Write(ctx context.Context, rows []block.Row, schema block.Schema, opts config.WriteOptions) (commit.Version, error) {
	rev, state, baseVersion, err := e.Loader.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: load current snapshot: %w", err)
	}
	firstWrite := rev.IndexedColumns == nil
	if firstWrite {
		if len(opts.ColumnsToIndex) == 0 {
			return 0, fmt.Errorf("engine: first write to a table must specify columnsToIndex")
		}
		rev = revision.New(opts.ColumnsToIndex, opts.CubeSizeOrDefault(e.Config), nowUnixNano())
	}

	tx, err := e.indexAndWrite(ctx, rev, state, baseVersion, rows, schema)
	if err != nil {
		return 0, err
	}
	if firstWrite && tx.Revision == nil {
		// the first write installs the table's Revision with its files
		tx.Revision = &commit.RevisionChange{Revision: rev}
	}

	reb := &rowsRebaser{eng: e, rows: rows, schema: schema}
	committer := commit.New(e.Log, e.Config.NumberOfRetries)
	v, err := committer.Commit(ctx, tx, reb)
	commitAttempts.Inc()
	if err != nil {
		var failure *commit.Failure
		if errors.As(err, &failure) {
			commitConflicts.Add(float64(failure.Attempts - 1))
		}
		return 0, fmt.Errorf("engine: commit: %w", err)
	}
	rowsIndexed.Add(float64(len(rows)))
	return v, nil
}

// indexAndWrite runs the Indexer once over rows against (rev, state), then
// fans the resulting assignments out to e.Workers Block Writers (spec §5),
// and assembles the commit.Transaction the caller proposes.
func (e *Engine) indexAndWrite(ctx context.Context, rev revision.Revision, state index.State, baseVersion commit.Version, rows []block.Row, schema block.Schema) (commit.Transaction, error) {
	proposal, err := e.indexer.Index(rows, rev, state)
	if err != nil {
		return commit.Transaction{}, fmt.Errorf("engine: index: %w", err)
	}

	stateOf := cubeStateLookup(proposal.CubeUpdates)

	partitions := partitionAssignments(proposal.Assignments, e.Workers)
	addFiles, err := e.writePartitions(ctx, partitions, schema, rev.ID, stateOf)
	if err != nil {
		return commit.Transaction{}, err
	}

	tx := commit.Transaction{BaseVersion: baseVersion, AddFiles: addFiles}
	if len(proposal.Widened) > 0 {
		next := rev.Widen(proposal.Widened, nowUnixNano())
		tx.Revision = &commit.RevisionChange{Revision: next}
	}
	e.logger.Info("indexed batch", "rows", len(rows), "cubes_touched", proposal.DirtyCubes.Cardinality(), "files", len(addFiles))
	return tx, nil
}

// cubeStateLookup resolves the block.CubeMeta (state plus capacity cutoff,
// if any) each touched cube's Blocks should be tagged with at partition
// end, defaulting untouched cubes to Flooded with no cutoff (spec §3
// "Initial state on first write is FLOODED").
func cubeStateLookup(updates []indexer.CubeUpdate) block.CubeMetaFunc {
	meta := make(map[string]block.CubeMeta, len(updates))
	for _, u := range updates {
		meta[string(u.CubeID.Marshal())] = block.CubeMeta{
			State:        u.State,
			MaxWeight:    u.MaxWeight,
			HasMaxWeight: u.HasMaxWeight,
		}
	}
	return func(id cube.CubeId) block.CubeMeta {
		if m, ok := meta[string(id.Marshal())]; ok {
			return m
		}
		return block.CubeMeta{State: index.Flooded}
	}
}

func partitionAssignments(assignments []block.AssignedRow, n int) [][]block.AssignedRow {
	if n <= 0 {
		n = 1
	}
	out := make([][]block.AssignedRow, n)
	for i, a := range assignments {
		p := i % n
		out[p] = append(out[p], a)
	}
	return out
}

func (e *Engine) writePartitions(ctx context.Context, partitions [][]block.AssignedRow, schema block.Schema, revID revision.ID, stateOf block.CubeMetaFunc) ([]block.AddFile, error) {
	sem := semaphore.NewWeighted(int64(e.Workers))
	g, gctx := errgroup.WithContext(ctx)

	results := make([][]block.AddFile, len(partitions))
	for i, part := range partitions {
		if len(part) == 0 {
			continue
		}
		i, part := i, part
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			w := block.NewWriter(e.Sinks, e.Stat, e.namePath(revID, i), schema, revID, e.logger)
			for _, ar := range part {
				if err := w.Write(ar); err != nil {
					w.Abort()
					return err
				}
			}
			files, err := w.Finish(stateOf)
			if err != nil {
				return err
			}
			results[i] = files
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("engine: partition write: %w", err)
	}

	var all []block.AddFile
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// namePath mints a fresh, collision-free output path per cube per worker
// partition, using a UUID so retried partitions never collide with a prior
// attempt's files (spec §4.5 failure semantics, §8 property 7 "idempotent
// rebase").
func (e *Engine) namePath(revID revision.ID, partition int) block.NamePath {
	return func(cubeID cube.CubeId) string {
		return filepath.Join(e.Dir, fmt.Sprintf("rev-%d", revID), fmt.Sprintf("part-%d-%s-%s", partition, cubeID.String(), uuid.NewString()))
	}
}

type rowsRebaser struct {
	eng    *Engine
	rows   []block.Row
	schema block.Schema
}

func (r *rowsRebaser) Rebase(ctx context.Context, onto commit.Version) (commit.Transaction, error) {
	rev, state, _, err := r.eng.Loader.Load(ctx)
	if err != nil {
		return commit.Transaction{}, err
	}
	return r.eng.indexAndWrite(ctx, rev, state, onto, r.rows, r.schema)
}

// Analyze identifies cubes worth compacting (spec §4.8).
func (e *Engine) Analyze(ctx context.Context, a *optimize.Analyzer) ([]optimize.Candidate, error) {
	rev, state, _, err := e.Loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: analyze: load: %w", err)
	}
	return a.Analyze(state, rev.DesiredCubeCapacity), nil
}

// Optimize re-runs the Indexer over the given cubes' subtrees and commits
// the replacement Blocks, marking the superseded ones removed (spec §4.8).
func (e *Engine) Optimize(ctx context.Context, src optimize.RowSource, cubeIDs []cube.CubeId, removePaths func(cube.CubeId) []string) (commit.Version, error) {
	rev, state, baseVersion, err := e.Loader.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: optimize: load: %w", err)
	}

	opt := optimize.New(e.indexer, src, e.logger)
	plan, err := opt.Optimize(rev, state, cubeIDs)
	if err != nil {
		return 0, fmt.Errorf("engine: optimize: %w", err)
	}

	stateOf := cubeStateLookup(plan.Proposal.CubeUpdates)

	partitions := partitionAssignments(plan.Proposal.Assignments, e.Workers)
	addFiles, err := e.writePartitions(ctx, partitions, block.Schema{}, rev.ID, stateOf)
	if err != nil {
		return 0, err
	}

	var removeFiles []block.RemoveFile
	for _, id := range cubeIDs {
		for _, p := range removePaths(id) {
			removeFiles = append(removeFiles, block.RemoveFile{Path: p})
		}
	}

	tx := commit.Transaction{BaseVersion: baseVersion, AddFiles: addFiles, RemoveFiles: removeFiles}
	committer := commit.New(e.Log, e.Config.NumberOfRetries)
	return committer.Commit(ctx, tx, noopRebaser{tx: tx})
}

type noopRebaser struct{ tx commit.Transaction }

func (r noopRebaser) Rebase(ctx context.Context, onto commit.Version) (commit.Transaction, error) {
	r.tx.BaseVersion = onto
	return r.tx, nil
}

// SamplePredicate rewrites a uniform sample fraction into the weight-range
// predicate a query engine's plan rewrite applies (spec §4.7).
func (e *Engine) SamplePredicate(fraction float64) sample.Predicate {
	return sample.ForFraction(fraction)
}

func nowUnixNano() int64 { return time.Now().UnixNano() }
