package domain

import "math"

// Packing describes the CF conventions applied to raw stored values:
// fill markers first, then value*Scale + Offset.
type Packing struct {
	FillValues []float64
	Scale      float64
	Offset     float64
}

// NoPacking leaves values untouched.
var NoPacking = Packing{Scale: 1}

// Apply rewrites raw values in place. Cells equal to a fill value become NaN.
func (p Packing) Apply(values []float64) {
	scale := p.Scale
	if scale == 0 {
		scale = 1
	}
	for i, v := range values {
		if p.isFill(v) {
			values[i] = math.NaN()
			continue
		}
		values[i] = v*scale + p.Offset
	}
}

func (p Packing) isFill(v float64) bool {
	for _, fv := range p.FillValues {
		if v == fv || (math.IsNaN(fv) && math.IsNaN(v)) {
			return true
		}
	}
	return false
}
