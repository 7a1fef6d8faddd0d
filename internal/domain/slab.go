package domain

import "fmt"

// Window is a hyperslab request: Start and Count have one entry per axis.
type Window struct {
	Start []int
	Count []int
}

// Rows returns the latitude extent of the window.
func (w Window) Rows() int {
	return w.Count[len(w.Count)-2]
}

// Cols returns the longitude extent of the window.
func (w Window) Cols() int {
	return w.Count[len(w.Count)-1]
}

// Size returns the number of cells in the window.
func (w Window) Size() int {
	n := 1
	for _, c := range w.Count {
		n *= c
	}
	return n
}

// SlabWindow returns the 2-D slab read for a variable of the given shape.
// A rank-3 variable is read at index 0 of its leading axis; a rank-2
// variable is read whole. Other ranks are rejected.
func SlabWindow(shape []int) (Window, error) {
	switch len(shape) {
	case 2:
		return Window{
			Start: []int{0, 0},
			Count: []int{shape[0], shape[1]},
		}, nil
	case 3:
		if shape[0] == 0 {
			return Window{}, fmt.Errorf("%w: leading axis is empty", ErrUnsupportedDimensions)
		}
		return Window{
			Start: []int{0, 0, 0},
			Count: []int{1, shape[1], shape[2]},
		}, nil
	default:
		return Window{}, fmt.Errorf("%w: rank %d", ErrUnsupportedDimensions, len(shape))
	}
}

// Slab is a flattened row-major 2-D cross-section.
type Slab struct {
	Values []float64
	Rows   int
	Cols   int
}
