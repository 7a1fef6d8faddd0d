// Package nativecdf reads NetCDF datasets with a pure-Go decoder, for
// deployments built without libnetcdf.
package nativecdf

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/spf13/cast"

	"go.ngs.io/gridview-api/internal/adapter/store"
	"go.ngs.io/gridview-api/internal/domain"
)

// Dataset is a NetCDF file opened with the pure-Go decoder.
type Dataset struct {
	nc api.Group
	mu sync.Mutex

	// Lazily computed; the file is immutable once open.
	vars []domain.Variable
}

// Open opens a NetCDF-3 (CDF) or NetCDF-4 (HDF5) file.
func Open(path string) (*Dataset, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open NetCDF file: %w", err)
	}
	return &Dataset{nc: nc}, nil
}

// Opener returns a store.Opener backed by the pure-Go decoder.
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
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nc.Close()
	return nil
}

// Dimensions implements store.Dataset. Dimensions are derived from the
// variables that use them.
func (d *Dataset) Dimensions(ctx context.Context) ([]domain.Dimension, error) {
	vars, err := d.Variables(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var dims []domain.Dimension
	for _, v := range vars {
		for i, name := range v.Dimensions {
			if seen[name] {
				continue
			}
			seen[name] = true
			dims = append(dims, domain.Dimension{Name: name, Size: v.Shape[i]})
		}
	}
	return dims, nil
}

// Variables implements store.Dataset.
func (d *Dataset) Variables(_ context.Context) ([]domain.Variable, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vars != nil {
		return d.vars, nil
	}

	names := d.nc.ListVariables()
	getters := make(map[string]api.VarGetter, len(names))
	for _, name := range names {
		vg, err := d.nc.GetVarGetter(name)
		if err != nil {
			return nil, fmt.Errorf("failed to open variable %s: %w", name, err)
		}
		getters[name] = vg
	}

	// 1-D variables give their dimension length directly.
	known := make(map[string]int)
	for _, vg := range getters {
		if dims := vg.Dimensions(); len(dims) == 1 {
			known[dims[0]] = int(vg.Len())
		}
	}

	vars := make([]domain.Variable, 0, len(names))
	for _, name := range names {
		vg := getters[name]
		shape, err := shapeOf(vg, known)
		if err != nil {
			return nil, fmt.Errorf("failed to get shape of %s: %w", name, err)
		}
		vars = append(vars, domain.Variable{
			Name:       name,
			Dimensions: append([]string(nil), vg.Dimensions()...),
			Shape:      shape,
			DType:      typeName(vg.Type()),
			Attributes: convertAttrs(vg.Attributes()),
		})
	}
	d.vars = vars
	return vars, nil
}

// shapeOf resolves per-axis lengths from known dimension lengths, falling
// back to the total length and, as a last resort, the first leading slice.
func shapeOf(vg api.VarGetter, known map[string]int) ([]int, error) {
	dims := vg.Dimensions()
	shape := make([]int, len(dims))
	unknown := -1
	product := 1
	for i, name := range dims {
		n, ok := known[name]
		if !ok {
			if unknown >= 0 {
				return shapeFromSlice(vg, len(dims))
			}
			unknown = i
			continue
		}
		shape[i] = n
		product *= n
	}
	if unknown < 0 {
		return shape, nil
	}
	if product == 0 {
		return shapeFromSlice(vg, len(dims))
	}
	shape[unknown] = int(vg.Len()) / product
	return shape, nil
}

func shapeFromSlice(vg api.VarGetter, rank int) ([]int, error) {
	if vg.Len() == 0 {
		return make([]int, rank), nil
	}
	first, err := vg.GetSlice(0, 1)
	if err != nil {
		return nil, err
	}
	nested := nestedShape(reflect.ValueOf(first))
	if len(nested) != rank {
		return nil, fmt.Errorf("slice has rank %d, expected %d", len(nested), rank)
	}
	inner := 1
	for _, n := range nested[1:] {
		inner *= n
	}
	nested[0] = int(vg.Len()) / inner
	return nested, nil
}

func nestedShape(rv reflect.Value) []int {
	var shape []int
	for rv.Kind() == reflect.Slice {
		shape = append(shape, rv.Len())
		if rv.Len() == 0 {
			break
		}
		rv = rv.Index(0)
	}
	return shape
}

// ReadCoordinate implements store.Dataset.
func (d *Dataset) ReadCoordinate(_ context.Context, name string) ([]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vg, err := d.nc.GetVarGetter(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrVariableNotFound, name)
	}
	if len(vg.Dimensions()) != 1 {
		return nil, fmt.Errorf("expected 1D variable, got %dD", len(vg.Dimensions()))
	}
	raw, err := vg.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	values, err := flatten(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	packing(vg.Attributes()).Apply(values)
	return values, nil
}

// ReadSlab implements store.Dataset.
func (d *Dataset) ReadSlab(_ context.Context, meta domain.Variable) (*domain.Slab, error) {
	window, err := domain.SlabWindow(meta.Shape)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	vg, err := d.nc.GetVarGetter(meta.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrVariableNotFound, meta.Name)
	}
	if !numeric(vg.Type()) {
		return nil, fmt.Errorf("%w: %s", store.ErrUnsupportedType, vg.Type())
	}

	var raw any
	if len(window.Start) == 3 {
		// Only index 0 of the leading axis.
		raw, err = vg.GetSlice(0, 1)
	} else {
		raw, err = vg.Values()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", meta.Name, err)
	}

	values, err := flatten(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", meta.Name, err)
	}
	if len(values) != window.Size() {
		return nil, fmt.Errorf("%w: read %d values, expected %d", domain.ErrShapeMismatch, len(values), window.Size())
	}
	packing(vg.Attributes()).Apply(values)

	return &domain.Slab{Values: values, Rows: window.Rows(), Cols: window.Cols()}, nil
}

// flatten walks nested numeric slices in row-major order.
func flatten(v any) ([]float64, error) {
	var out []float64
	var walk func(rv reflect.Value) error
	walk = func(rv reflect.Value) error {
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i++ {
				if err := walk(rv.Index(i)); err != nil {
					return err
				}
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out = append(out, float64(rv.Int()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out = append(out, float64(rv.Uint()))
		case reflect.Float32, reflect.Float64:
			out = append(out, rv.Float())
		default:
			return fmt.Errorf("%w: %s", store.ErrUnsupportedType, rv.Kind())
		}
		return nil
	}
	if err := walk(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return out, nil
}

func numeric(cdlType string) bool {
	switch cdlType {
	case "char", "string":
		return false
	default:
		return true
	}
}

// typeName maps CDL type names to the names used across adapters.
func typeName(cdlType string) string {
	switch cdlType {
	case "double":
		return "float64"
	case "float":
		return "float32"
	case "int":
		return "int32"
	case "short":
		return "int16"
	case "byte":
		return "int8"
	case "ubyte":
		return "uint8"
	case "ushort":
		return "uint16"
	case "uint":
		return "uint32"
	case "int64":
		return "int64"
	case "uint64":
		return "uint64"
	default:
		return cdlType
	}
}

func convertAttrs(am api.AttributeMap) map[string]any {
	attrs := make(map[string]any)
	if am == nil {
		return attrs
	}
	for _, key := range am.Keys() {
		val, ok := am.Get(key)
		if !ok {
			continue
		}
		attrs[key] = normalizeAttr(val)
	}
	return attrs
}

func normalizeAttr(val any) any {
	switch x := val.(type) {
	case string:
		return x
	case []string:
		return x
	}
	if rv := reflect.ValueOf(val); rv.Kind() == reflect.Slice {
		vals, err := flatten(val)
		if err != nil {
			return val
		}
		if len(vals) == 1 {
			return vals[0]
		}
		return vals
	}
	if f, err := cast.ToFloat64E(val); err == nil {
		return f
	}
	return val
}

func packing(am api.AttributeMap) domain.Packing {
	p := domain.Packing{Scale: 1}
	if am == nil {
		return p
	}
	for _, name := range []string{"_FillValue", "missing_value"} {
		if fv, ok := attrFloat(am, name); ok {
			p.FillValues = append(p.FillValues, fv)
		}
	}
	if s, ok := attrFloat(am, "scale_factor"); ok && s != 0 {
		p.Scale = s
	}
	if o, ok := attrFloat(am, "add_offset"); ok {
		p.Offset = o
	}
	return p
}

func attrFloat(am api.AttributeMap, name string) (float64, bool) {
	val, ok := am.Get(name)
	if !ok {
		return 0, false
	}
	switch x := normalizeAttr(val).(type) {
	case float64:
		return x, true
	case []float64:
		if len(x) > 0 {
			return x[0], true
		}
	}
	return 0, false
}
