package domain

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Statistics summarizes the valid sampled values of a request.
type Statistics struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Mean        float64 `json:"mean"`
	Count       int     `json:"count"`
	TotalPoints int     `json:"totalPoints"`
	SampleRate  int     `json:"sampleRate"`
}

// Summarize computes min, max and mean over the point values.
// It fails with ErrEmptyInput when points is empty.
func Summarize(points []SampledPoint, totalPoints, sampleRate int) (Statistics, error) {
	if len(points) == 0 {
		return Statistics{}, ErrEmptyInput
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	return Statistics{
		Min:         floats.Min(values),
		Max:         floats.Max(values),
		Mean:        stat.Mean(values, nil),
		Count:       len(values),
		TotalPoints: totalPoints,
		SampleRate:  sampleRate,
	}, nil
}
