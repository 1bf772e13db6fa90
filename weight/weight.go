// Package weight computes the deterministic per-row Weight used to place
// rows in the OTree and to rewrite uniform samples into range filters
// (spec §3 "Weight", §4.1).
package weight

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// Weight is a 32-bit signed integer uniform over [Min, Max] for a uniformly
// distributed input key (spec §3).
type Weight int32

const (
	// Min and Max are the bounds of the weight cycle, spanning the full
	// range of a signed 32-bit integer.
	Min Weight = math.MinInt32
	Max Weight = math.MaxInt32
)

// span is the width of the weight cycle as a float64, computed once.
var span = float64(Max) - float64(Min)

// Seed is fixed per deployment (not per table), so that write-time weight
// assignment and read-time filter predicates agree (spec §4.1).
type Seed uint32

// DefaultSeed is used when a deployment does not configure its own.
const DefaultSeed Seed = 0x51a1c001

// Of computes the weight of a row from the stable byte encoding of its
// indexed columns. encodedKey must be the concatenation of the raw byte
// representation of each indexed column, in column order (spec §4.1);
// callers build it by concatenating transform.EncodeValue of each column.
//
// Of is the same function exposed to the query engine as the indexHash
// scalar expression (spec §4.1, §4.7) — the two call sites must never
// diverge, or the weight-range file-skipping predicate becomes unsound.
func Of(encodedKey []byte, seed Seed) Weight {
	h := murmur3.Sum32WithSeed(encodedKey, uint32(seed))
	return Weight(int32(h))
}

// Threshold maps a uniform sample fraction f in [0,1] to the weight cutoff
// below which rows are retained: fraction f -> Min + f*(Max-Min) (spec §3).
func Threshold(f float64) Weight {
	switch {
	case f <= 0:
		return Min
	case f >= 1:
		// Max+1 is not representable, so the cutoff saturates at Max;
		// sample.Predicate treats a Max cutoff as a closed bound so rows
		// weighing exactly Max are still retained.
		return Weight(math.MaxInt32)
	}
	return Weight(float64(Min) + f*span)
}

// Fraction is the inverse of Threshold: the sample fraction represented by
// retaining all rows with weight strictly below cutoff.
func Fraction(cutoff Weight) float64 {
	f := (float64(cutoff) - float64(Min)) / span
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Less orders weights as signed integers (spec §4.4 tie-break rule: equal
// weights break ties by row position, which callers apply themselves since
// Weight alone carries no position).
func Less(a, b Weight) bool { return a < b }
