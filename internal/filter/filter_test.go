package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

func randomItems(n int) [][]byte {
	items := make([][]byte, n)
	for i := range items {
		items[i] = frand.Bytes(32)
	}
	return items
}

func TestNoFalseNegatives(t *testing.T) {
	for round := 0; round < 5; round++ {
		f := New(DefaultParams())
		items := randomItems(1000)
		for _, it := range items {
			f.Add(it)
		}
		for _, it := range items {
			require.True(t, f.Test(it))
		}
	}
}

func TestFalsePositiveRateIsBounded(t *testing.T) {
	p := Params{Capacity: 1000, FalsePositiveRate: 0.01}
	f := New(p)
	for _, it := range randomItems(1000) {
		f.Add(it)
	}
	fp := 0
	others := randomItems(10000)
	for _, it := range others {
		if f.Test(it) {
			fp++
		}
	}
	// generous slack over the 1% target
	assert.Less(t, fp, 300)
}

func TestMergeKeepsMembersOfBoth(t *testing.T) {
	a, b := New(DefaultParams()), New(DefaultParams())
	as, bs := randomItems(200), randomItems(200)
	for _, it := range as {
		a.Add(it)
	}
	for _, it := range bs {
		b.Add(it)
	}

	u, err := Union(DefaultParams(), a, b)
	require.NoError(t, err)
	for _, it := range append(as, bs...) {
		assert.True(t, u.Test(it))
	}
	// inputs are untouched
	assert.Equal(t, a.Count(), func() uint {
		c := New(DefaultParams())
		for _, it := range as {
			c.Add(it)
		}
		return c.Count()
	}())

	require.NoError(t, a.Merge(b))
	for _, it := range bs {
		assert.True(t, a.Test(it))
	}
}

func TestMergeRejectsDifferentShapes(t *testing.T) {
	a := New(DefaultParams())
	b := New(Params{Capacity: 10, FalsePositiveRate: 0.1})
	assert.ErrorIs(t, a.Merge(b), ErrShapeMismatch)
	_, err := Union(DefaultParams(), a, b)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.False(t, a.Overlaps(b))
}

func TestUnionOfNothingIsEmpty(t *testing.T) {
	u, err := Union(DefaultParams())
	require.NoError(t, err)
	assert.True(t, u.Empty())
	m, k := DefaultParams().Shape()
	assert.Equal(t, m, u.Bits())
	assert.Equal(t, k, u.Hashes())
}

func filled(items [][]byte) *Filter {
	f := New(DefaultParams())
	for _, it := range items {
		f.Add(it)
	}
	return f
}

func TestOverlaps(t *testing.T) {
	shared := frand.Bytes(32)
	a, b, c := filled(randomItems(20)), filled(randomItems(20)), filled(randomItems(20))
	assert.False(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(New(DefaultParams())))

	a.Add(shared)
	c.Add(shared)
	assert.True(t, a.Overlaps(c))
	assert.True(t, c.Overlaps(a))
}

func TestDisjointFiltersRarelyOverlapWhenFull(t *testing.T) {
	const trials = 100
	for _, n := range []int{500, 1000, 5000} {
		matched := 0
		for i := 0; i < trials; i++ {
			if filled(randomItems(n)).Overlaps(filled(randomItems(n))) {
				matched++
			}
		}
		// at most 2^-7 per pair for the default shape
		assert.LessOrEqual(t, matched, 5, "%d items", n)
	}
}

func TestFullFiltersSharingItemsOverlap(t *testing.T) {
	for _, n := range []int{500, 5000} {
		shared := randomItems(50)
		a := filled(append(randomItems(n), shared...))
		b := filled(append(randomItems(n), shared...))
		assert.True(t, a.Overlaps(b), "%d items", n)
	}
}

func TestOverlapThreshold(t *testing.T) {
	m, k := DefaultParams().Shape()
	M, K := uint64(m), uint64(k)
	assert.Equal(t, K, OverlapThreshold(M, K, 0, 0))
	assert.Equal(t, K, OverlapThreshold(M, K, 140, 140))
	assert.Equal(t, K, OverlapThreshold(0, K, 10, 10))

	// grows with the expected chance overlap a*b/m
	prev := OverlapThreshold(M, K, 3500, 3500)
	assert.Greater(t, prev, uint64(3500*3500)/M)
	for _, a := range []uint64{7000, 35000, 350000} {
		th := OverlapThreshold(M, K, a, a)
		assert.Greater(t, th, prev)
		assert.Greater(t, th, a*a/M)
		prev = th
	}

	assert.False(t, MayShare(M, K, 3500, 3500, K))
	assert.True(t, MayShare(M, K, 3500, 3500, OverlapThreshold(M, K, 3500, 3500)))
}

func TestPoissonQuantile(t *testing.T) {
	assert.Equal(t, uint64(1), poissonQuantile(0, 0.01))
	// P[X >= 4] = 0.019, P[X >= 5] = 0.0037 for mean 1
	assert.Equal(t, uint64(5), poissonQuantile(1, 0.01))
	// normal approximation: mean + 2.33 sd
	q := poissonQuantile(10000, 0.01)
	assert.InDelta(t, 10234, float64(q), 5)
}

func TestEncoding(t *testing.T) {
	f := New(DefaultParams())
	items := randomItems(50)
	for _, it := range items {
		f.Add(it)
	}
	b, err := f.MarshalBinary()
	require.NoError(t, err)

	g, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, f.SameShape(g))
	assert.Equal(t, f.Count(), g.Count())
	for _, it := range items {
		assert.True(t, g.Test(it))
	}

	var bits []uint
	g.SetBits(func(i uint) { bits = append(bits, i) })
	assert.Len(t, bits, int(g.Count()))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	good, err := New(Params{Capacity: 10, FalsePositiveRate: 0.1}).MarshalBinary()
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     nil,
		"short":     good[:10],
		"truncated": good[:len(good)-1],
		"trailing":  append(append([]byte(nil), good...), 0),
		"random":    frand.Bytes(64),
	}
	for name, data := range cases {
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrDecode, name)
	}

	huge := append([]byte(nil), good...)
	huge[16] = 0xff
	_, err = Decode(huge)
	assert.ErrorIs(t, err, ErrDecode)
}
