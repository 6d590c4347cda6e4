package bitmap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namesFor(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("lx%02d", i)
	}
	return names
}

func TestRoundTripHostlist(t *testing.T) {
	ni := NewNameIndex(namesFor(8), 10)

	bm, err := Parse("lx[00-03,07]", ni)
	require.NoError(t, err)
	assert.Equal(t, 5, bm.Popcount())

	formatted := Format(bm, ni)
	roundTripped, err := Parse(formatted, ni)
	require.NoError(t, err)
	assert.Equal(t, bm.Indices(), roundTripped.Indices())
}

func TestSetClearTest(t *testing.T) {
	bm := New(10)
	bm.Set(3)
	assert.True(t, bm.Test(3))
	bm.Clear(3)
	assert.False(t, bm.Test(3))
}

func TestAndOrAndNot(t *testing.T) {
	a := New(4)
	a.Set(0)
	a.Set(1)
	b := New(4)
	b.Set(1)
	b.Set(2)

	and := a.Copy().And(b)
	assert.Equal(t, []int{1}, and.Indices())

	or := a.Copy().Or(b)
	assert.Equal(t, []int{0, 1, 2}, or.Indices())

	andNot := a.Copy().AndNot(b)
	assert.Equal(t, []int{0}, andNot.Indices())
}

func TestIsSuperset(t *testing.T) {
	a := New(4)
	a.Set(0)
	a.Set(1)
	a.Set(2)
	b := New(4)
	b.Set(1)
	assert.True(t, a.IsSuperset(b))
	assert.False(t, b.IsSuperset(a))
}

func TestIsContiguousRun(t *testing.T) {
	bm := New(8)
	bm.Set(1)
	bm.Set(2)
	bm.Set(3)
	lo, hi, ok := bm.IsContiguousRun()
	assert.True(t, ok)
	assert.Equal(t, 1, lo)
	assert.Equal(t, 3, hi)

	bm.Set(5)
	_, _, ok = bm.IsContiguousRun()
	assert.False(t, ok)
}

func TestPopcountAcrossWordBoundary(t *testing.T) {
	bm := New(130)
	bm.Set(0)
	bm.Set(63)
	bm.Set(64)
	bm.Set(129)
	assert.Equal(t, 4, bm.Popcount())
}
