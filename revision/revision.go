// Package revision defines the immutable Revision snapshot: the indexing
// configuration (indexed columns, transformers, desired cube capacity)
// that every Block is tagged with (spec §3 "Revision").
package revision

import (
	"encoding/json"
	"fmt"

	"github.com/otreedb/otree/transform"
)

// ID uniquely and monotonically identifies a Revision. Any transformer
// widening produces a new Revision with a strictly higher ID (spec §3).
type ID uint64

// Revision is immutable once committed; the read path never consults
// mutable process-global configuration, only a Revision captured at write
// time (spec §9 "Global configuration").
type Revision struct {
	ID                  ID
	TimestampUnixNano   int64
	IndexedColumns      []string
	Transformers        []transform.Transformer
	DesiredCubeCapacity int64
}

// wireRevision is Revision's JSON-equivalent form (spec §6 "tags live in
// the external log as JSON-equivalent records"): Transformers is an
// interface slice, which encoding/json cannot decode directly, so it is
// carried as its tagged transform.Wire form instead.
type wireRevision struct {
	ID                  ID
	TimestampUnixNano   int64
	IndexedColumns      []string
	Transformers        []transform.Wire
	DesiredCubeCapacity int64
}

// MarshalJSON encodes r via its wire form.
func (r Revision) MarshalJSON() ([]byte, error) {
	w := wireRevision{
		ID:                  r.ID,
		TimestampUnixNano:   r.TimestampUnixNano,
		IndexedColumns:      r.IndexedColumns,
		DesiredCubeCapacity: r.DesiredCubeCapacity,
		Transformers:        make([]transform.Wire, len(r.Transformers)),
	}
	for i, t := range r.Transformers {
		w.Transformers[i] = transform.ToWire(t)
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Revision) UnmarshalJSON(b []byte) error {
	var w wireRevision
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.ID = w.ID
	r.TimestampUnixNano = w.TimestampUnixNano
	r.IndexedColumns = w.IndexedColumns
	r.DesiredCubeCapacity = w.DesiredCubeCapacity
	r.Transformers = make([]transform.Transformer, len(w.Transformers))
	for i, wt := range w.Transformers {
		r.Transformers[i] = wt.Transformer()
	}
	return nil
}

// Dimensions is the number of indexed columns, d.
func (r Revision) Dimensions() int { return len(r.IndexedColumns) }

// ColumnIndex returns the position of a column name among IndexedColumns,
// or -1 if it is not indexed.
func (r Revision) ColumnIndex(name string) int {
	for i, c := range r.IndexedColumns {
		if c == name {
			return i
		}
	}
	return -1
}

// Validate checks the structural invariants a Revision must satisfy before
// it can be committed.
func (r Revision) Validate() error {
	if len(r.IndexedColumns) == 0 {
		return fmt.Errorf("revision: columnsToIndex must be non-empty")
	}
	if len(r.Transformers) != len(r.IndexedColumns) {
		return fmt.Errorf("revision: expected %d transformers, got %d", len(r.IndexedColumns), len(r.Transformers))
	}
	if r.DesiredCubeCapacity <= 0 {
		return fmt.Errorf("revision: desired cube capacity must be positive, got %d", r.DesiredCubeCapacity)
	}
	return nil
}

// Widen produces a new Revision (with id+1) whose transformers supersede
// this Revision's, merging in any transformer that flagged a domain error
// during indexing (spec §4.2, §4.6 "Revision upgrades").
func (r Revision) Widen(widened map[int]transform.Transformer, timestampUnixNano int64) Revision {
	next := Revision{
		ID:                  r.ID + 1,
		TimestampUnixNano:   timestampUnixNano,
		IndexedColumns:      append([]string(nil), r.IndexedColumns...),
		Transformers:        make([]transform.Transformer, len(r.Transformers)),
		DesiredCubeCapacity: r.DesiredCubeCapacity,
	}
	copy(next.Transformers, r.Transformers)
	for i, t := range widened {
		next.Transformers[i] = next.Transformers[i].Merge(t)
	}
	return next
}

// RevisionMismatch is returned on read when the caller's cached Revision no
// longer matches the table's current committed Revision; the query must
// reload and re-plan (spec §7).
type RevisionMismatch struct {
	Expected, Actual ID
}

func (e *RevisionMismatch) Error() string {
	return fmt.Sprintf("revision: expected revision %d, table is now at revision %d", e.Expected, e.Actual)
}

// MissingIndexedColumn is fatal to a write: a row batch did not carry one
// of the Revision's indexed columns (spec §7).
type MissingIndexedColumn struct {
	Column string
}

func (e *MissingIndexedColumn) Error() string {
	return fmt.Sprintf("revision: row batch is missing indexed column %q", e.Column)
}

// New constructs the first Revision (id 1) for a table's first write,
// pairing each indexed column with an Empty transformer (spec §4.2). Empty
// maps every value to 0 and never flags one, and transform.Widen does not
// widen it, so indexing alone never replaces it with a fitted transformer.
func New(columns []string, desiredCubeCapacity int64, timestampUnixNano int64) Revision {
	transformers := make([]transform.Transformer, len(columns))
	for i := range transformers {
		transformers[i] = transform.Empty{}
	}
	return Revision{
		ID:                  1,
		TimestampUnixNano:   timestampUnixNano,
		IndexedColumns:      append([]string(nil), columns...),
		Transformers:        transformers,
		DesiredCubeCapacity: desiredCubeCapacity,
	}
}
