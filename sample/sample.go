// Package sample implements the Sample Rewriter (spec §3 "Sample
// Rewriter", §4.7): rewriting a uniform sample fraction into a weight-range
// predicate, and deciding which Blocks a query can skip entirely using
// their min/max-weight tags.
package sample

import (
	"fmt"

	"github.com/otreedb/otree/block"
	"github.com/otreedb/otree/weight"
)

// Predicate is the rewritten form of "uniform sample fraction f": keep a
// row iff its indexHash falls in [Min, Max) (spec §4.7). Min is always
// weight.Min in the current engine (no offset sampling), but is carried
// explicitly so a predicate composes with itself.
type Predicate struct {
	Min, Max weight.Weight
}

// ForFraction rewrites a uniform sample fraction f in [0,1] into the
// equivalent weight-range predicate (spec §3 "Sample Rewriter").
func ForFraction(f float64) Predicate {
	return Predicate{Min: weight.Min, Max: weight.Threshold(f)}
}

// Fraction recovers the sample fraction a predicate represents.
func (p Predicate) Fraction() float64 {
	return weight.Fraction(p.Max)
}

// String renders the predicate as the scalar filter expression a query
// engine would embed (spec §4.7: "indexHash(...) in [Min, Threshold(f))").
func (p Predicate) String() string {
	if p.Max == weight.Max {
		return fmt.Sprintf("indexHash(key) >= %d AND indexHash(key) <= %d", p.Min, p.Max)
	}
	return fmt.Sprintf("indexHash(key) >= %d AND indexHash(key) < %d", p.Min, p.Max)
}

// Keep reports whether a row with the given weight passes the predicate.
// This is the read-time twin of weight.Of: a reader computes a row's
// weight the same way the write path did, then applies Keep.
//
// p.Max == weight.Max is treated as the closed upper bound rather than an
// exclusive one: fraction 1.0 must retain the row weighing exactly
// weight.Max, and weight.Weight has no representable value above it to use
// as an exclusive cutoff (spec §8 scenario S5).
func (p Predicate) Keep(w weight.Weight) bool {
	if p.Max == weight.Max {
		return w >= p.Min
	}
	return w >= p.Min && w < p.Max
}

// CanSkip reports whether every row in a Block tagged with tags is
// guaranteed to fail p, letting a query skip the file entirely without
// reading it (spec §4.7 "file-skipping"). It is a sound but not complete
// test: it never skips a Block that might contain a matching row.
func CanSkip(tags block.Tags, p Predicate) bool {
	if p.Max == weight.Max {
		return tags.MaxWeight < p.Min
	}
	return tags.MinWeight >= p.Max || tags.MaxWeight < p.Min
}

// IndexHash is the scalar expression exposed to a query engine's filter
// evaluator (spec §4.1, §4.7): it must compute weight.Of the same way the
// write path does, or the file-skipping predicate becomes unsound.
func IndexHash(encodedKey []byte, seed weight.Seed) weight.Weight {
	return weight.Of(encodedKey, seed)
}
