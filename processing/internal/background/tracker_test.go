package background

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverage_Empty(t *testing.T) {
	tr := New(4)
	avg, ok := tr.Average()
	assert.False(t, ok)
	assert.Nil(t, avg)
}

func TestAverage_Mean(t *testing.T) {
	tr := New(4)
	tr.Push([]float64{1, 2, 3})
	tr.Push([]float64{3, 4, 5})

	avg, ok := tr.Average()
	require.True(t, ok)
	assert.Equal(t, []float64{2, 3, 4}, avg)
}

func TestPush_EvictsOldest(t *testing.T) {
	tr := New(4)
	for i := 1; i <= 10; i++ {
		tr.Push([]float64{float64(i)})
	}
	require.Equal(t, 4, tr.Len())

	// Only 7, 8, 9, 10 remain.
	avg, ok := tr.Average()
	require.True(t, ok)
	assert.InDelta(t, 8.5, avg[0], 1e-12)
}

func TestPush_CopiesInput(t *testing.T) {
	tr := New(2)
	p := []float64{1, 1}
	tr.Push(p)
	p[0] = 100

	avg, _ := tr.Average()
	assert.Equal(t, []float64{1, 1}, avg)
}

func TestPush_LengthChangeResets(t *testing.T) {
	tr := New(4)
	tr.Push([]float64{1, 1})
	tr.Push([]float64{1, 1})
	tr.Push([]float64{5, 5, 5})

	assert.Equal(t, 1, tr.Len())
	avg, ok := tr.Average()
	require.True(t, ok)
	assert.Equal(t, []float64{5, 5, 5}, avg)
}

func TestNew_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Capacity())
	assert.Equal(t, DefaultCapacity, New(-2).Capacity())
	assert.Equal(t, 7, New(7).Capacity())
}

func TestReset(t *testing.T) {
	tr := New(3)
	tr.Push([]float64{1})
	tr.Reset()
	_, ok := tr.Average()
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Len())
}
