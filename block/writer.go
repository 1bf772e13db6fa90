package block

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/otreedb/otree/cube"
	"github.com/otreedb/otree/index"
	"github.com/otreedb/otree/internal/xlog"
	"github.com/otreedb/otree/revision"
	"github.com/otreedb/otree/weight"
)

// WriterIOError wraps a failure writing or closing a cube's output file
// (spec §7). It aborts the whole partition; the Committer retries the
// partition as a unit.
type WriterIOError struct {
	CubeID cube.CubeId
	Path   string
	Cause  error
}

func (e *WriterIOError) Error() string {
	return fmt.Sprintf("block: writer io error for cube %s (%s): %v", e.CubeID, e.Path, e.Cause)
}
func (e *WriterIOError) Unwrap() error { return e.Cause }

// AssignedRow is one (cube, weight, row) triple the Indexer has routed, the
// unit of work the Block Writer packs into files.
type AssignedRow struct {
	CubeID cube.CubeId
	Weight weight.Weight
	Row    Row
}

type cubeWriter struct {
	path      string
	sink      Sink
	minWeight weight.Weight
	maxWeight weight.Weight
	count     int64
	seen      bool
}

// Writer packs rows into one output file per cube for a single worker
// partition (spec §4.5). A Writer is not safe for concurrent use; callers
// partition input across workers and give each worker its own Writer
// (spec §5 "parallel worker tasks over immutable input partitions").
type Writer struct {
	factory SinkFactory
	stat    FileStat
	name    NamePath
	schema  Schema
	revID   revision.ID

	writers map[string]*cubeWriter // keyed by CubeID.Marshal()
	log     *xlog.Logger
}

// NewWriter constructs a partition-scoped Block Writer.
func NewWriter(factory SinkFactory, stat FileStat, name NamePath, schema Schema, revID revision.ID, log *xlog.Logger) *Writer {
	if log == nil {
		log = xlog.NewDevelopment()
	}
	return &Writer{
		factory: factory,
		stat:    stat,
		name:    name,
		schema:  schema,
		revID:   revID,
		writers: make(map[string]*cubeWriter),
		log:     log,
	}
}

// Write routes one assigned row to its cube's output file, opening the
// file lazily on first use (spec §4.5).
func (w *Writer) Write(ar AssignedRow) error {
	key := string(ar.CubeID.Marshal())
	cw, ok := w.writers[key]
	if !ok {
		path := w.name(ar.CubeID)
		sink, err := w.factory.Open(path, w.schema)
		if err != nil {
			return &WriterIOError{CubeID: ar.CubeID, Path: path, Cause: err}
		}
		cw = &cubeWriter{path: path, sink: sink}
		w.writers[key] = cw
	}

	if err := cw.sink.WriteRow(ar.Row); err != nil {
		return &WriterIOError{CubeID: ar.CubeID, Path: cw.path, Cause: err}
	}
	if !cw.seen || ar.Weight < cw.minWeight {
		cw.minWeight = ar.Weight
	}
	if !cw.seen || ar.Weight > cw.maxWeight {
		cw.maxWeight = ar.Weight
	}
	cw.seen = true
	cw.count++
	return nil
}

// CubeMeta is the batch-level decision the Indexer made for one cube,
// bridging into this file's Tags: the Writer only ever sees the rows
// routed to its own partition, never the cube's cutoff as a whole (spec
// §4.4 step 5 can split one cube's kept rows across many parallel
// partitions).
type CubeMeta struct {
	State        index.CubeState
	MaxWeight    weight.Weight
	HasMaxWeight bool
}

// CubeMetaFunc resolves a cube's CubeMeta at partition-end time.
type CubeMetaFunc func(cubeID cube.CubeId) CubeMeta

// Finish closes every open sink and emits one AddFile per cube written in
// this partition (spec §4.5). On any close error the partition is
// considered aborted: callers should discard the returned files and retry
// the whole partition (spec §4.5 failure semantics).
func (w *Writer) Finish(meta CubeMetaFunc) ([]AddFile, error) {
	files := make([]AddFile, 0, len(w.writers))
	for key, cw := range w.writers {
		if err := cw.sink.Close(); err != nil {
			id, _ := cube.Unmarshal([]byte(key))
			return nil, &WriterIOError{CubeID: id, Path: cw.path, Cause: err}
		}
		id, err := cube.Unmarshal([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("block: corrupt cube key: %w", err)
		}
		size, mtime, err := w.stat.Stat(cw.path)
		if err != nil {
			return nil, &WriterIOError{CubeID: id, Path: cw.path, Cause: err}
		}
		m := meta(id)
		maxWeight := cw.maxWeight
		if m.HasMaxWeight {
			// the cutoff is authoritative even though this partition may
			// only hold some of the cube's kept rows.
			maxWeight = m.MaxWeight
		}
		w.log.Debug("block written", "cube", id.String(), "path", cw.path,
			"rows", cw.count, "size", humanize.Bytes(uint64(size)))
		files = append(files, AddFile{
			Path:            cw.path,
			Size:            size,
			ModTimeUnixNano: mtime,
			Tags: Tags{
				CubeID:       id,
				MinWeight:    cw.minWeight,
				MaxWeight:    maxWeight,
				HasMaxWeight: m.HasMaxWeight,
				State:        m.State,
				RevisionID:   w.revID,
				ElementCount: cw.count,
			},
		})
	}
	return files, nil
}

// Abort closes every open sink without emitting any AddFile record, used
// when a write is cancelled mid-partition (spec §5 "Cancellation").
func (w *Writer) Abort() {
	for _, cw := range w.writers {
		_ = cw.sink.Close()
	}
	w.writers = make(map[string]*cubeWriter)
}
