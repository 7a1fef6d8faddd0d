// Package store defines the dataset adapter contract consumed by the
// reduction pipeline.
package store

import (
	"context"
	"errors"

	"go.ngs.io/gridview-api/internal/domain"
)

// ErrUnsupportedType is returned when a variable's element type cannot be
// converted to float64.
var ErrUnsupportedType = errors.New("unsupported data type")

// Dataset is an opened gridded dataset. Implementations are read-only after
// open and safe for concurrent reads.
type Dataset interface {
	// Format reports the on-disk encoding.
	Format() domain.Format

	// Dimensions lists the named axes of the dataset.
	Dimensions(ctx context.Context) ([]domain.Dimension, error)

	// Variables lists every array with its shape, type and attributes.
	Variables(ctx context.Context) ([]domain.Variable, error)

	// ReadCoordinate reads a 1-D variable as float64.
	ReadCoordinate(ctx context.Context, name string) ([]float64, error)

	// ReadSlab reads the 2-D slab chosen by domain.SlabWindow, flattened
	// row-major, with fill values mapped to NaN.
	ReadSlab(ctx context.Context, v domain.Variable) (*domain.Slab, error)

	// Close releases file handles.
	Close() error
}

// Opener opens a dataset from a local path.
type Opener interface {
	Open(path string) (Dataset, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Dataset, error)

// Open calls f(path).
func (f OpenerFunc) Open(path string) (Dataset, error) {
	return f(path)
}
