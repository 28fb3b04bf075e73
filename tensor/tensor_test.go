package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatAndChunk(t *testing.T) {
	a, err := From([]float64{1, 2, 3, 4}, 1, 2, 2)
	require.NoError(t, err)
	b := Full(7, 1, 2, 2)

	both, err := Cat(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, both.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4, 7, 7, 7, 7}, both.Data)

	parts, err := both.Chunk(2)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, a.Data, parts[0].Data)
	assert.Equal(t, b.Data, parts[1].Data)

	// chunks own their data
	parts[0].Data[0] = 100
	assert.Equal(t, 1.0, both.Data[0])
}

func TestCatRejectsMismatchedRows(t *testing.T) {
	_, err := Cat(New(1, 4), New(1, 3))
	assert.ErrorIs(t, err, ErrShape)

	_, err = New(3, 2).Chunk(2)
	assert.ErrorIs(t, err, ErrShape)
}

func TestScaleRows(t *testing.T) {
	x := Full(1, 2, 3)
	scaled, err := ScaleRows(x, []float64{2, -1})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 2, -1, -1, -1}, scaled.Data)
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, x.Data, "input must not be modified")

	_, err = ScaleRows(x, []float64{1})
	assert.ErrorIs(t, err, ErrShape)
}

func TestArithmetic(t *testing.T) {
	a, _ := From([]float64{1, 2, 3}, 1, 3)
	b, _ := From([]float64{3, 2, 1}, 1, 3)

	sum, err := Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 4, 4}, sum.Data)

	diff, err := Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{-2, 0, 2}, diff.Data)

	axpy, err := AddScaled(a, 0.5, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 3, 3.5}, axpy.Data)

	_, err = Add(a, New(3, 1))
	assert.ErrorIs(t, err, ErrShape)
}

func TestStatistics(t *testing.T) {
	x, _ := From([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 1, 8)
	assert.InDelta(t, 5.0, x.Mean(), 1e-12)
	// unbiased: sum of squares 32 over n-1 = 7
	assert.InDelta(t, 32.0/7.0, x.Variance(), 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7.0), x.Std(), 1e-12)
	assert.True(t, x.Finite())

	x.Data[0] = math.Inf(1)
	assert.False(t, x.Finite())
}

func TestCosineSimilarity(t *testing.T) {
	a, _ := From([]float64{1, 2, 3}, 3)
	sim, err := CosineSimilarity(a, Scale(a, 4))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-12)

	_, err = CosineSimilarity(a, New(3))
	assert.Error(t, err)
}
