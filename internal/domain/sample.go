package domain

import (
	"fmt"
	"math"
)

// DefaultMaxPoints is the point budget used when a request does not set one.
const DefaultMaxPoints = 50000

// SentinelMagnitude is the absolute value at or above which a cell is
// treated as a fill value.
const SentinelMagnitude = 1e30

// SampledPoint is one retained grid cell.
type SampledPoint struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Value float64 `json:"value"`
}

// SampleResult is the output of Sample.
type SampleResult struct {
	Points      []SampledPoint
	SampledLat  []float64
	SampledLon  []float64
	SampleRate  int
	TotalPoints int
}

// SampleRate returns the stride used to keep roughly maxPoints cells of a
// grid holding totalPoints cells: max(1, ceil(totalPoints/maxPoints)).
func SampleRate(totalPoints, maxPoints int) int {
	if maxPoints <= 0 || totalPoints <= maxPoints {
		return 1
	}
	return (totalPoints + maxPoints - 1) / maxPoints
}

// IsValidValue reports whether a cell value can be emitted. NaN stands in
// for null cells.
func IsValidValue(v float64) bool {
	return isFinite(v) && math.Abs(v) < SentinelMagnitude
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Sample reduces a row-major lat x lon grid to a bounded point cloud by
// applying the same integer stride along both axes. Invalid cells are
// dropped; the coordinate vectors are not filtered.
func Sample(values, lat, lon []float64, maxPoints int) (*SampleResult, error) {
	if maxPoints <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxPoints, maxPoints)
	}
	nLat, nLon := len(lat), len(lon)
	total := nLat * nLon
	if len(values) != total {
		return nil, fmt.Errorf("%w: %d values for a %dx%d grid", ErrShapeMismatch, len(values), nLat, nLon)
	}

	rate := SampleRate(total, maxPoints)
	rows := (nLat + rate - 1) / rate
	cols := (nLon + rate - 1) / rate

	res := &SampleResult{
		Points:      make([]SampledPoint, 0, rows*cols),
		SampledLat:  make([]float64, 0, rows),
		SampledLon:  make([]float64, 0, cols),
		SampleRate:  rate,
		TotalPoints: total,
	}

	if nLat > 0 {
		for j := 0; j < nLon; j += rate {
			res.SampledLon = append(res.SampledLon, lon[j])
		}
	}

	for i := 0; i < nLat; i += rate {
		res.SampledLat = append(res.SampledLat, lat[i])
		row := values[i*nLon : (i+1)*nLon]
		for j := 0; j < nLon; j += rate {
			v := row[j]
			if !IsValidValue(v) {
				continue
			}
			res.Points = append(res.Points, SampledPoint{Lat: lat[i], Lon: lon[j], Value: v})
		}
	}

	return res, nil
}
