// Package block implements the Block Writer: packing rows into one output
// file per cube per worker partition, and the AddFile/RemoveFile records
// that describe those files to the external transaction log (spec §4.5,
// §6).
package block

import (
	"github.com/otreedb/otree/cube"
	"github.com/otreedb/otree/index"
	"github.com/otreedb/otree/revision"
	"github.com/otreedb/otree/weight"
)

// Row is a single output row: the clean, index-metadata-stripped columns a
// reader will see (spec §4.5: "strip index-metadata columns, write the
// clean row").
type Row map[string]any

// Schema describes the column set a Sink is opened for.
type Schema struct {
	Columns []string
}

// Sink is the row-oriented write side of the external columnar file writer
// (spec §6 "Columnar file writer"). The core never looks inside it.
type Sink interface {
	WriteRow(row Row) error
	Close() error
}

// SinkFactory opens a fresh Sink for a path. The core calls it once per
// cube per partition.
type SinkFactory interface {
	Open(path string, schema Schema) (Sink, error)
}

// FileStat is the Filesystem external collaborator (spec §6): path
// stat, used after a Sink is closed to learn the committed file's size and
// modification time for its AddFile tags.
type FileStat interface {
	Stat(path string) (size int64, modTimeUnixNano int64, err error)
}

// NamePath mints a fresh output path for a cube, so retried partitions
// never collide with a prior attempt's files (spec §4.5 failure semantics,
// §8 property 7 "idempotent rebase").
type NamePath func(cubeID cube.CubeId) string

// Tags are the per-Block metadata tags a reader needs (spec §3 "Block
// tags"). MinWeight is the smallest weight written to this file. MaxWeight
// is the largest weight written to it, except when HasMaxWeight is set:
// then MaxWeight is the cube's capacity cutoff for this batch, which lies
// above every weight kept in the cube, so [MinWeight, MaxWeight] still
// covers every row in the file (sound for the Sample Rewriter's
// file-skipping test). HasMaxWeight marks that the cube reached capacity
// this batch (spec §4.4
// step 5); Index State reduction keys off HasMaxWeight, not State, since
// every block's wire State tag defaults to Flooded regardless (spec §3
// "Initial state on first write is FLOODED").
type Tags struct {
	CubeID       cube.CubeId
	MinWeight    weight.Weight
	MaxWeight    weight.Weight
	HasMaxWeight bool
	State        index.CubeState
	RevisionID   revision.ID
	ElementCount int64
}

// AddFile is the record the Committer appends to the external transaction
// log for one written Block (spec §6).
type AddFile struct {
	Path            string
	Size            int64
	ModTimeUnixNano int64
	Tags            Tags
}

// RemoveFile marks a superseded Block for logical removal (spec §3
// "Lifecycle").
type RemoveFile struct {
	Path string
}
