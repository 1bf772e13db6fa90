// Package transform normalizes raw indexed-column values into [0,1], the
// coordinate space the OTree partitions (spec §3 "Transformer", §4.2).
//
// Transformer variants are tagged with an explicit Kind discriminator rather
// than expressed as subtype polymorphism (spec §9 "Inheritance of
// transformers/states"): Linear, Hash, and Empty are concrete struct types
// implementing a common interface, and Supersedes/Merge are pure functions
// switching on Kind.
package transform

import (
	"fmt"
	"math"
	"time"

	"github.com/spaolacci/murmur3"
)

// Kind discriminates the Transformer variants.
type Kind int

const (
	KindEmpty Kind = iota
	KindLinear
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "Empty"
	case KindLinear:
		return "Linear"
	case KindHash:
		return "Hash"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Transformer maps a raw column value into [0,1].
type Transformer interface {
	Kind() Kind
	// Transform clamps out-of-range values rather than failing (spec §4.2);
	// flagged reports whether the input was outside the transformer's known
	// domain, which signals the caller (the Indexer) that a wider Revision
	// should be proposed at the next commit.
	Transform(raw any) (value float64, flagged bool)
	// Supersedes is true iff other's domain is strictly contained in this
	// transformer's domain.
	Supersedes(other Transformer) bool
	// Merge widens this transformer to also cover other's domain.
	Merge(other Transformer) Transformer
}

// TransformDomainError records a value outside a transformer's fitted
// range. Per spec §7 it is recoverable: the Indexer clamps and flags a
// Revision upgrade, it never aborts the batch.
type TransformDomainError struct {
	Column string
	Raw    any
}

func (e *TransformDomainError) Error() string {
	return fmt.Sprintf("transform: value %v for column %q is outside the fitted domain", e.Raw, e.Column)
}

// Empty is the identity transformer used before any data has been seen for
// a column: it always returns 0 and is superseded by anything.
type Empty struct{}

func (Empty) Kind() Kind                        { return KindEmpty }
func (Empty) Transform(any) (float64, bool)     { return 0, false }
func (Empty) Supersedes(other Transformer) bool { return false }
func (e Empty) Merge(other Transformer) Transformer {
	return other
}

// ValueType identifies the numeric/temporal domain a Linear transformer was
// fitted over, so widening compares like with like.
type ValueType int

const (
	ValueFloat ValueType = iota
	ValueInt
	ValueTime
)

// Linear clamps and linearly scales a numeric or temporal column into
// [0,1] given a fitted [Min,Max] range (spec §3, §4.2).
type Linear struct {
	Min, Max float64
	Type     ValueType
}

func NewLinear(min, max float64, t ValueType) Linear {
	return Linear{Min: min, Max: max, Type: t}
}

func (l Linear) Kind() Kind { return KindLinear }

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case time.Time:
		return float64(v.UnixNano()), true
	default:
		return 0, false
	}
}

func (l Linear) Transform(raw any) (float64, bool) {
	v, ok := toFloat(raw)
	if !ok {
		return 0, true
	}
	if l.Max <= l.Min {
		return 0, v != l.Min
	}
	flagged := v < l.Min || v > l.Max
	if v < l.Min {
		v = l.Min
	}
	if v > l.Max {
		v = l.Max
	}
	return (v - l.Min) / (l.Max - l.Min), flagged
}

// Supersedes is true when other is also Linear (of the same value type) and
// its [min,max] is strictly contained within this one's.
func (l Linear) Supersedes(other Transformer) bool {
	switch o := other.(type) {
	case Empty:
		return true
	case Linear:
		if o.Type != l.Type {
			return false
		}
		contained := l.Min <= o.Min && o.Max <= l.Max
		strictly := l.Min < o.Min || o.Max < l.Max
		return contained && strictly
	default:
		return false
	}
}

// Merge widens [Min,Max] to cover both domains.
func (l Linear) Merge(other Transformer) Transformer {
	o, ok := other.(Linear)
	if !ok {
		return l
	}
	min, max := l.Min, l.Max
	if o.Min < min {
		min = o.Min
	}
	if o.Max > max {
		max = o.Max
	}
	return Linear{Min: min, Max: max, Type: l.Type}
}

// Hash maps a categorical or otherwise unbounded-domain value to [0,1] via
// a stable hash modulo 2^53, divided by 2^53 (spec §3). Two Hash
// transformers with the same seed are interchangeable; Hash never flags a
// domain error since its domain is, by construction, everything.
type Hash struct {
	Seed uint32
}

func NewHash(seed uint32) Hash { return Hash{Seed: seed} }

const hashModulus = 1 << 53

func (h Hash) Kind() Kind { return KindHash }

func (h Hash) Transform(raw any) (float64, bool) {
	b := EncodeValue(raw)
	sum := murmur3.Sum64WithSeed(b, h.Seed)
	return float64(sum%hashModulus) / float64(hashModulus), false
}

func (h Hash) Supersedes(other Transformer) bool {
	switch other.(type) {
	case Empty:
		return true
	default:
		// Distinct Hash transformers never strictly contain one another:
		// their domain is everything by construction.
		return false
	}
}

func (h Hash) Merge(other Transformer) Transformer { return h }

// Wire is the JSON-tagged encoding of a Transformer (spec §9 "tagged
// variants with an explicit kind discriminator"), used wherever a
// Transformer must cross a serialization boundary (e.g. a Revision
// persisted to the external transaction log's JSON-equivalent tag
// records, spec §6). Transformer itself is not JSON-serializable directly
// since it is an interface.
type Wire struct {
	Kind Kind      `json:"kind"`
	Min  float64   `json:"min,omitempty"`
	Max  float64   `json:"max,omitempty"`
	Type ValueType `json:"type,omitempty"`
	Seed uint32    `json:"seed,omitempty"`
}

// ToWire converts a Transformer to its wire form.
func ToWire(t Transformer) Wire {
	switch v := t.(type) {
	case Linear:
		return Wire{Kind: KindLinear, Min: v.Min, Max: v.Max, Type: v.Type}
	case Hash:
		return Wire{Kind: KindHash, Seed: v.Seed}
	default:
		return Wire{Kind: KindEmpty}
	}
}

// Transformer reconstructs the concrete Transformer w encodes.
func (w Wire) Transformer() Transformer {
	switch w.Kind {
	case KindLinear:
		return Linear{Min: w.Min, Max: w.Max, Type: w.Type}
	case KindHash:
		return Hash{Seed: w.Seed}
	default:
		return Empty{}
	}
}

// Widen returns a transformer that additionally covers raw, for proposing a
// Revision upgrade when a value falls outside current's fitted domain (spec
// §4.2, §4.6 "Revision upgrades"). ok is false when current already covers
// raw, or when current's Kind has no notion of widening (Hash, Empty).
func Widen(current Transformer, raw any) (widened Transformer, ok bool) {
	c, isLinear := current.(Linear)
	if !isLinear {
		return current, false
	}
	v, isNum := toFloat(raw)
	if !isNum {
		return current, false
	}
	if v >= c.Min && v <= c.Max {
		return current, false
	}
	min, max := c.Min, c.Max
	if v < min {
		min = v
	}
	if v > max {
		max = v
	}
	return Linear{Min: min, Max: max, Type: c.Type}, true
}

// EncodeValue produces a stable byte encoding of a single raw column value,
// used both as Hash's hashing input and as part of weight.Of's indexed-key
// encoding (spec §4.1: "concatenate the raw byte representations of the
// indexed columns, stable per type").
func EncodeValue(raw any) []byte {
	switch v := raw.(type) {
	case nil:
		return []byte{0}
	case string:
		return []byte(v)
	case []byte:
		return v
	case bool:
		if v {
			return []byte{1}
		}
		return []byte{0}
	case int:
		return encodeInt64(int64(v))
	case int32:
		return encodeInt64(int64(v))
	case int64:
		return encodeInt64(v)
	case uint32:
		return encodeInt64(int64(v))
	case uint64:
		return encodeInt64(int64(v))
	case float32:
		return encodeFloat64(float64(v))
	case float64:
		return encodeFloat64(v)
	case time.Time:
		return encodeInt64(v.UnixNano())
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	u := uint64(v) ^ (1 << 63) // order-preserving for signed ints
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

// encodeFloat64 produces an order-preserving 8-byte big-endian encoding of
// a float64: flip all bits for negatives, set the sign bit for
// non-negatives, so unsigned byte comparison matches numeric order.
func encodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	if bits>>63 == 1 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(bits)
		bits >>= 8
	}
	return b
}
