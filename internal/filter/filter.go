// Package filter wraps Bloom filters with the operations the tracing
// protocol needs: insertion, union of same-shaped filters, an overlap test
// that discounts chance collisions and a binary encoding shared by node and
// backend.
package filter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	DefaultCapacity          = 100000
	DefaultFalsePositiveRate = 0.01
)

const (
	headerSize = 24
	maxHashes  = 64
	maxBits    = 1 << 32

	// chance overlaps are tested at no less than this significance
	minAlpha = 1e-9
)

var (
	ErrShapeMismatch = errors.New("filter: filters have different size or hash count")
	ErrDecode        = errors.New("filter: malformed encoding")
)

// Params describe a filter by its expected number of insertions and target
// false-positive rate.
type Params struct {
	Capacity          uint
	FalsePositiveRate float64
}

func DefaultParams() Params {
	return Params{Capacity: DefaultCapacity, FalsePositiveRate: DefaultFalsePositiveRate}
}

func (p Params) Validate() error {
	if p.Capacity == 0 {
		return errors.New("filter: capacity must be positive")
	}
	if p.FalsePositiveRate <= 0 || p.FalsePositiveRate >= 1 {
		return fmt.Errorf("filter: false positive rate %v outside (0, 1)", p.FalsePositiveRate)
	}
	return nil
}

// Shape returns the bit count m and hash count k a filter built from p has.
func (p Params) Shape() (m, k uint) {
	return bloom.EstimateParameters(p.Capacity, p.FalsePositiveRate)
}

// Filter is a Bloom filter. It is not safe for concurrent mutation.
type Filter struct {
	bf *bloom.BloomFilter
}

// New returns an empty filter sized for p.
func New(p Params) *Filter {
	return &Filter{bf: bloom.NewWithEstimates(p.Capacity, p.FalsePositiveRate)}
}

// WithShape returns an empty filter with m bits and k hash functions.
func WithShape(m, k uint) *Filter {
	return &Filter{bf: bloom.New(m, k)}
}

func (f *Filter) Add(item []byte) {
	f.bf.Add(item)
}

// Test reports whether item may have been added. It never returns false
// for an added item.
func (f *Filter) Test(item []byte) bool {
	return f.bf.Test(item)
}

// Bits returns the number of bits m.
func (f *Filter) Bits() uint { return f.bf.Cap() }

// Hashes returns the number of hash functions k.
func (f *Filter) Hashes() uint { return f.bf.K() }

// Count returns the number of set bits.
func (f *Filter) Count() uint { return f.bf.BitSet().Count() }

// Empty reports whether no bit is set.
func (f *Filter) Empty() bool { return f.bf.BitSet().None() }

func (f *Filter) SameShape(g *Filter) bool {
	return f.Bits() == g.Bits() && f.Hashes() == g.Hashes()
}

// Merge ORs g into f. Afterwards f answers true for anything either filter
// answered true for.
func (f *Filter) Merge(g *Filter) error {
	if !f.SameShape(g) {
		return ErrShapeMismatch
	}
	return f.bf.Merge(g.bf)
}

// Copy returns an independent copy of f.
func (f *Filter) Copy() *Filter {
	return &Filter{bf: f.bf.Copy()}
}

// Union returns a new filter holding the bitwise OR of all inputs, which must
// share one shape. With no inputs it returns an empty filter sized for p.
func Union(p Params, filters ...*Filter) (*Filter, error) {
	if len(filters) == 0 {
		return New(p), nil
	}
	out := filters[0].Copy()
	for _, g := range filters[1:] {
		if err := out.Merge(g); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Overlaps reports whether f and g may hold a common item. See MayShare.
func (f *Filter) Overlaps(g *Filter) bool {
	if !f.SameShape(g) {
		return false
	}
	common := f.bf.BitSet().IntersectionCardinality(g.bf.BitSet())
	return MayShare(uint64(f.Bits()), uint64(f.Hashes()), uint64(f.Count()), uint64(g.Count()), uint64(common))
}

// MayShare decides whether two filters of m bits and k hash functions,
// with a and b bits set and common bits set in both, hold a common item.
// The common count must reach OverlapThreshold.
func MayShare(m, k, a, b, common uint64) bool {
	if common < k {
		return false
	}
	return common >= OverlapThreshold(m, k, a, b)
}

// OverlapThreshold returns the number of common set bits from which two
// filters are taken to share an item. An item held by both sets the same k
// bits in each, so the threshold is at least k. Disjoint filters still
// share about a*b/m bits by chance; the threshold is the smallest count
// they reach with probability at most 2^-k, the false positive rate of a
// filter filled to capacity.
func OverlapThreshold(m, k, a, b uint64) uint64 {
	if m == 0 {
		return k
	}
	mean := float64(a) * float64(b) / float64(m)
	alpha := math.Max(math.Ldexp(1, -int(min(k, 64))), minAlpha)
	return max(k, poissonQuantile(mean, alpha))
}

// poissonQuantile returns the smallest t with P[X >= t] <= alpha for X
// Poisson distributed with the given mean.
func poissonQuantile(mean, alpha float64) uint64 {
	if mean <= 0 {
		return 1
	}
	// the lower tail below 20 deviations is negligible
	j := math.Max(0, math.Floor(mean-20*math.Sqrt(mean)))
	lg, _ := math.Lgamma(j + 1)
	p := math.Exp(-mean + j*math.Log(mean) - lg)
	tail := 1.0
	for tail > alpha && p > 0 {
		tail -= p
		j++
		p *= mean / j
	}
	return uint64(j)
}

// SetBits calls fn with the index of every set bit in ascending order.
func (f *Filter) SetBits(fn func(i uint)) {
	bs := f.bf.BitSet()
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		fn(i)
	}
}

// MarshalBinary encodes the filter in the bloom stream format (m, k, bits).
func (f *Filter) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.bf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("filter encode: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a filter written by MarshalBinary. Trailing bytes
// are rejected.
func (f *Filter) UnmarshalBinary(data []byte) error {
	if err := checkHeader(data); err != nil {
		return err
	}
	var bf bloom.BloomFilter
	r := bytes.NewReader(data)
	if _, err := bf.ReadFrom(r); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}
	if bf.Cap() == 0 || bf.K() == 0 {
		return fmt.Errorf("%w: zero size or hash count", ErrDecode)
	}
	f.bf = &bf
	return nil
}

// checkHeader validates the declared sizes against the payload length before
// any allocation: m (uint64) || k (uint64) || bit length (uint64) || words.
func checkHeader(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: %d bytes", ErrDecode, len(data))
	}
	m := binary.BigEndian.Uint64(data[0:8])
	k := binary.BigEndian.Uint64(data[8:16])
	length := binary.BigEndian.Uint64(data[16:24])
	if m == 0 || k == 0 || k > maxHashes || m > maxBits || length != m {
		return fmt.Errorf("%w: m=%d k=%d length=%d", ErrDecode, m, k, length)
	}
	if want := headerSize + 8*((length+63)/64); uint64(len(data)) != want {
		return fmt.Errorf("%w: %d bytes, want %d", ErrDecode, len(data), want)
	}
	return nil
}

// Decode is UnmarshalBinary into a new filter.
func Decode(data []byte) (*Filter, error) {
	f := new(Filter)
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return f, nil
}
