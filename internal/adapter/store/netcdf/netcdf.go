// Package netcdf reads NetCDF-3/NetCDF-4 datasets through libnetcdf.
package netcdf

import (
	"context"
	"fmt"
	"sync"

	"github.com/fhs/go-netcdf/netcdf"

	"go.ngs.io/gridview-api/internal/adapter/store"
	"go.ngs.io/gridview-api/internal/domain"
)

// libMu serializes every libnetcdf call. The C library and HDF5 below it
// are not thread-safe, across files as well as within one.
var libMu sync.Mutex

// Dataset is a NetCDF file opened with libnetcdf.
type Dataset struct {
	path string
	nc   netcdf.Dataset
}

// Open opens a NetCDF file read-only.
func Open(path string) (*Dataset, error) {
	libMu.Lock()
	defer libMu.Unlock()

	nc, err := netcdf.OpenFile(path, netcdf.NOWRITE)
	if err != nil {
		return nil, fmt.Errorf("failed to open NetCDF file: %w", err)
	}
	return &Dataset{path: path, nc: nc}, nil
}

// Opener returns a store.Opener backed by libnetcdf.
func Opener() store.Opener {
	return store.OpenerFunc(func(path string) (store.Dataset, error) {
		return Open(path)
	})
}

// Format implements store.Dataset.
func (d *Dataset) Format() domain.Format {
	return domain.FormatNetCDF
}

// Close implements store.Dataset.
func (d *Dataset) Close() error {
	libMu.Lock()
	defer libMu.Unlock()
	return d.nc.Close()
}

// Dimensions returns every dimension referenced by a variable, in order of
// first appearance.
func (d *Dataset) Dimensions(_ context.Context) ([]domain.Dimension, error) {
	libMu.Lock()
	defer libMu.Unlock()

	nvars, err := d.nc.NVars()
	if err != nil {
		return nil, fmt.Errorf("failed to count variables: %w", err)
	}

	seen := make(map[string]bool)
	var dims []domain.Dimension
	for i := 0; i < nvars; i++ {
		vdims, err := d.nc.VarN(i).Dims()
		if err != nil {
			return nil, fmt.Errorf("failed to get dimensions: %w", err)
		}
		for _, dim := range vdims {
			name, err := dim.Name()
			if err != nil {
				return nil, fmt.Errorf("failed to get dimension name: %w", err)
			}
			if seen[name] {
				continue
			}
			length, err := dim.Len()
			if err != nil {
				return nil, fmt.Errorf("failed to get length of dimension %s: %w", name, err)
			}
			seen[name] = true
			//nolint:gosec // G115: dimension lengths fit in int.
			dims = append(dims, domain.Dimension{Name: name, Size: int(length)})
		}
	}
	return dims, nil
}

// Variables implements store.Dataset.
func (d *Dataset) Variables(_ context.Context) ([]domain.Variable, error) {
	libMu.Lock()
	defer libMu.Unlock()

	nvars, err := d.nc.NVars()
	if err != nil {
		return nil, fmt.Errorf("failed to count variables: %w", err)
	}

	vars := make([]domain.Variable, 0, nvars)
	for i := 0; i < nvars; i++ {
		v, err := describe(d.nc.VarN(i))
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, nil
}

func describe(v netcdf.Var) (domain.Variable, error) {
	name, err := v.Name()
	if err != nil {
		return domain.Variable{}, fmt.Errorf("failed to get variable name: %w", err)
	}
	dims, err := v.Dims()
	if err != nil {
		return domain.Variable{}, fmt.Errorf("failed to get dimensions of %s: %w", name, err)
	}
	attrs, err := readAttrs(v)
	if err != nil {
		return domain.Variable{}, fmt.Errorf("failed to read attributes of %s: %w", name, err)
	}
	out := domain.Variable{
		Name:       name,
		Dimensions: make([]string, len(dims)),
		Shape:      make([]int, len(dims)),
		Attributes: attrs,
	}
	for i, dim := range dims {
		if out.Dimensions[i], err = dim.Name(); err != nil {
			return domain.Variable{}, fmt.Errorf("failed to get dimension name: %w", err)
		}
		length, err := dim.Len()
		if err != nil {
			return domain.Variable{}, fmt.Errorf("failed to get dim%d length: %w", i, err)
		}
		//nolint:gosec // G115: dimension lengths fit in int.
		out.Shape[i] = int(length)
	}
	if t, err := v.Type(); err == nil {
		out.DType = typeName(t)
	}
	return out, nil
}

// ReadCoordinate implements store.Dataset.
func (d *Dataset) ReadCoordinate(_ context.Context, name string) ([]float64, error) {
	libMu.Lock()
	defer libMu.Unlock()

	v, err := d.nc.Var(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrVariableNotFound, name)
	}
	dims, err := v.Dims()
	if err != nil {
		return nil, fmt.Errorf("failed to get dimensions: %w", err)
	}
	if len(dims) != 1 {
		return nil, fmt.Errorf("expected 1D variable, got %dD", len(dims))
	}
	length, err := dims[0].Len()
	if err != nil {
		return nil, err
	}

	//nolint:gosec // G115: dimension lengths fit in int.
	values, err := readWindow(v, []uint64{0}, []uint64{length}, int(length))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	packing(v).Apply(values)
	return values, nil
}

// ReadSlab implements store.Dataset.
func (d *Dataset) ReadSlab(_ context.Context, meta domain.Variable) (*domain.Slab, error) {
	window, err := domain.SlabWindow(meta.Shape)
	if err != nil {
		return nil, err
	}

	libMu.Lock()
	defer libMu.Unlock()

	v, err := d.nc.Var(meta.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrVariableNotFound, meta.Name)
	}

	start := make([]uint64, len(window.Start))
	count := make([]uint64, len(window.Count))
	for i := range window.Start {
		//nolint:gosec // G115: window bounds are non-negative.
		start[i], count[i] = uint64(window.Start[i]), uint64(window.Count[i])
	}

	values, err := readWindow(v, start, count, window.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", meta.Name, err)
	}
	packing(v).Apply(values)

	return &domain.Slab{Values: values, Rows: window.Rows(), Cols: window.Cols()}, nil
}

type number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

func readAs[T number](n int, read func([]T) error) ([]float64, error) {
	buf := make([]T, n)
	if err := read(buf); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, val := range buf {
		out[i] = float64(val)
	}
	return out, nil
}

// readWindow reads a hyperslab of any numeric type as float64.
func readWindow(v netcdf.Var, start, count []uint64, n int) ([]float64, error) {
	t, err := v.Type()
	if err != nil {
		return nil, fmt.Errorf("failed to get variable type: %w", err)
	}

	switch t {
	case netcdf.DOUBLE:
		buf := make([]float64, n)
		if err := v.ReadFloat64Slice(buf, start, count); err != nil {
			return nil, fmt.Errorf("failed to read float64 subset: %w", err)
		}
		return buf, nil
	case netcdf.FLOAT:
		return readAs(n, func(b []float32) error { return v.ReadFloat32Slice(b, start, count) })
	case netcdf.INT:
		return readAs(n, func(b []int32) error { return v.ReadInt32Slice(b, start, count) })
	case netcdf.SHORT:
		return readAs(n, func(b []int16) error { return v.ReadInt16Slice(b, start, count) })
	case netcdf.BYTE:
		return readAs(n, func(b []int8) error { return v.ReadInt8Slice(b, start, count) })
	case netcdf.UBYTE:
		return readAs(n, func(b []uint8) error { return v.ReadUint8Slice(b, start, count) })
	case netcdf.USHORT:
		return readAs(n, func(b []uint16) error { return v.ReadUint16Slice(b, start, count) })
	case netcdf.UINT:
		return readAs(n, func(b []uint32) error { return v.ReadUint32Slice(b, start, count) })
	case netcdf.INT64:
		return readAs(n, func(b []int64) error { return v.ReadInt64Slice(b, start, count) })
	case netcdf.UINT64:
		return readAs(n, func(b []uint64) error { return v.ReadUint64Slice(b, start, count) })
	case netcdf.CHAR, netcdf.STRING:
		return nil, fmt.Errorf("%w: %s", store.ErrUnsupportedType, typeName(t))
	default:
		return nil, fmt.Errorf("%w: %v", store.ErrUnsupportedType, t)
	}
}

func typeName(t netcdf.Type) string {
	switch t {
	case netcdf.DOUBLE:
		return "float64"
	case netcdf.FLOAT:
		return "float32"
	case netcdf.INT:
		return "int32"
	case netcdf.SHORT:
		return "int16"
	case netcdf.BYTE:
		return "int8"
	case netcdf.UBYTE:
		return "uint8"
	case netcdf.USHORT:
		return "uint16"
	case netcdf.UINT:
		return "uint32"
	case netcdf.INT64:
		return "int64"
	case netcdf.UINT64:
		return "uint64"
	case netcdf.CHAR:
		return "char"
	case netcdf.STRING:
		return "string"
	default:
		return "unknown"
	}
}
