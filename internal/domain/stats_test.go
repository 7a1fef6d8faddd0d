package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize_Basic(t *testing.T) {
	points := []SampledPoint{{Value: -2}, {Value: 8}, {Value: 3}}
	stats, err := Summarize(points, 1200, 20)
	require.NoError(t, err)

	assert.Equal(t, -2.0, stats.Min)
	assert.Equal(t, 8.0, stats.Max)
	assert.InDelta(t, 3.0, stats.Mean, 1e-12)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 1200, stats.TotalPoints)
	assert.Equal(t, 20, stats.SampleRate)
}

func TestSummarize_Empty(t *testing.T) {
	_, err := Summarize(nil, 10, 1)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestSlabWindow(t *testing.T) {
	w, err := SlabWindow([]int{3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, w.Start)
	assert.Equal(t, []int{3, 4}, w.Count)
	assert.Equal(t, 3, w.Rows())
	assert.Equal(t, 4, w.Cols())

	w, err = SlabWindow([]int{12, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, w.Start)
	assert.Equal(t, []int{1, 3, 4}, w.Count)
	assert.Equal(t, 12, w.Size())

	for _, shape := range [][]int{{5}, {2, 3, 4, 5}, nil, {0, 3, 4}} {
		_, err := SlabWindow(shape)
		assert.ErrorIs(t, err, ErrUnsupportedDimensions, "shape %v", shape)
	}
}

func TestPacking_Apply(t *testing.T) {
	values := []float64{-9999, 10, 20, math.NaN()}
	Packing{FillValues: []float64{-9999}, Scale: 0.5, Offset: 1}.Apply(values)

	assert.True(t, math.IsNaN(values[0]))
	assert.Equal(t, 6.0, values[1])
	assert.Equal(t, 11.0, values[2])
	assert.True(t, math.IsNaN(values[3]))

	raw := []float64{1, 2}
	NoPacking.Apply(raw)
	assert.Equal(t, []float64{1, 2}, raw)
}

func TestNewCoordinateArray_Range(t *testing.T) {
	c := NewCoordinateArray("lat", RoleLatitude, []float64{10, math.NaN(), -5, 40})
	assert.Equal(t, [2]float64{-5, 40}, c.Range)
	assert.Equal(t, 4, c.Size)

	empty := NewCoordinateArray("lon", RoleLongitude, nil)
	assert.Equal(t, [2]float64{0, 0}, empty.Range)
}

func TestUpstream_Wrapping(t *testing.T) {
	assert.Nil(t, Upstream("read", nil))
	assert.Equal(t, ErrVariableNotFound, Upstream("read", ErrVariableNotFound))

	err := Upstream("read slab", assert.AnError)
	var up *UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, "read slab", up.Op)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Same(t, err, Upstream("again", err))
}
