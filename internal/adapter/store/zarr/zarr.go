// Package zarr reads Zarr v2 stores from a local directory or over HTTP.
package zarr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"go.ngs.io/gridview-api/internal/adapter/store"
	"go.ngs.io/gridview-api/internal/domain"
)

// ErrNoConsolidatedMetadata is returned when a store that cannot be listed
// has no .zmetadata.
var ErrNoConsolidatedMetadata = errors.New("zarr store has no consolidated metadata (.zmetadata)")

var _ store.Dataset = (*Dataset)(nil)

// Dataset is an opened Zarr v2 store. Metadata is read once on open; chunks
// are fetched per read.
type Dataset struct {
	src    Source
	arrays []*array
	byName map[string]*array
	attrs  map[string]any
}

// Open reads the store's metadata, preferring consolidated metadata and
// falling back to listing the source.
func Open(ctx context.Context, src Source) (*Dataset, error) {
	rootAttrs, arrays, err := loadConsolidated(ctx, src)
	if errors.Is(err, ErrKeyNotFound) {
		lister, ok := src.(Lister)
		if !ok {
			return nil, ErrNoConsolidatedMetadata
		}
		arrays, err = loadListed(ctx, src, lister)
		if err == nil {
			rootAttrs, err = src.Get(ctx, keyAttrs)
			if errors.Is(err, ErrKeyNotFound) {
				err = nil
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if len(arrays) == 0 {
		return nil, fmt.Errorf("%w: no arrays found", ErrUnsupportedStore)
	}

	attrs := make(map[string]any)
	if len(rootAttrs) > 0 {
		if err := json.Unmarshal(rootAttrs, &attrs); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", keyAttrs, err)
		}
	}

	ds := &Dataset{src: src, arrays: arrays, byName: make(map[string]*array, len(arrays)), attrs: attrs}
	for _, a := range arrays {
		ds.byName[a.name] = a
	}
	return ds, nil
}

// OpenDir opens a store rooted at a local directory.
func OpenDir(dir string) (*Dataset, error) {
	return Open(context.Background(), DirSource{Root: dir})
}

// loadConsolidated returns the root attributes and arrays described by
// .zmetadata.
func loadConsolidated(ctx context.Context, src Source) ([]byte, []*array, error) {
	raw, err := src.Get(ctx, keyConsolidated)
	if err != nil {
		return nil, nil, err
	}
	var c consolidated
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", keyConsolidated, err)
	}
	if c.Format != 1 {
		return nil, nil, fmt.Errorf("%w: zarr_consolidated_format %d", ErrUnsupportedStore, c.Format)
	}

	var arrays []*array
	for _, name := range c.arrayNames() {
		a, err := parseArray(name, c.Metadata[name+"/"+keyArray], c.Metadata[name+"/"+keyAttrs])
		if err != nil {
			return nil, nil, err
		}
		arrays = append(arrays, a)
	}
	return c.Metadata[keyAttrs], arrays, nil
}

func loadListed(ctx context.Context, src Source, lister Lister) ([]*array, error) {
	keys, err := lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list zarr store: %w", err)
	}
	var names []string
	for _, key := range keys {
		if name, ok := strings.CutSuffix(key, "/"+keyArray); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	arrays := make([]*array, 0, len(names))
	for _, name := range names {
		rawMeta, err := src.Get(ctx, name+"/"+keyArray)
		if err != nil {
			return nil, err
		}
		rawAttrs, err := src.Get(ctx, name+"/"+keyAttrs)
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
		a, err := parseArray(name, rawMeta, rawAttrs)
		if err != nil {
			return nil, err
		}
		arrays = append(arrays, a)
	}
	return arrays, nil
}

// Format implements store.Dataset.
func (d *Dataset) Format() domain.Format {
	return domain.FormatZarr
}

// Attributes returns the root group attributes.
func (d *Dataset) Attributes() map[string]any {
	out := make(map[string]any, len(d.attrs))
	for k, v := range d.attrs {
		out[k] = v
	}
	return out
}

// Close implements store.Dataset. Sources hold no open handles.
func (d *Dataset) Close() error {
	return nil
}

// Dimensions implements store.Dataset.
func (d *Dataset) Dimensions(_ context.Context) ([]domain.Dimension, error) {
	seen := make(map[string]bool)
	var dims []domain.Dimension
	for _, a := range d.arrays {
		for i, name := range a.dims {
			if seen[name] {
				continue
			}
			seen[name] = true
			dims = append(dims, domain.Dimension{Name: name, Size: a.meta.Shape[i]})
		}
	}
	return dims, nil
}

// Variables implements store.Dataset. Arrays are listed in name order.
func (d *Dataset) Variables(_ context.Context) ([]domain.Variable, error) {
	vars := make([]domain.Variable, 0, len(d.arrays))
	for _, a := range d.arrays {
		attrs := make(map[string]any, len(a.attrs))
		for k, v := range a.attrs {
			attrs[k] = v
		}
		vars = append(vars, domain.Variable{
			Name:       a.name,
			Dimensions: append([]string(nil), a.dims...),
			Shape:      append([]int(nil), a.meta.Shape...),
			DType:      a.dtype.Name(),
			Attributes: attrs,
		})
	}
	return vars, nil
}

// ReadCoordinate implements store.Dataset.
func (d *Dataset) ReadCoordinate(ctx context.Context, name string) ([]float64, error) {
	a, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrVariableNotFound, name)
	}
	if len(a.meta.Shape) != 1 {
		return nil, fmt.Errorf("expected 1D variable, got %dD", len(a.meta.Shape))
	}
	return d.read(ctx, a, domain.Window{Start: []int{0}, Count: []int{a.meta.Shape[0]}})
}

// ReadSlab implements store.Dataset.
func (d *Dataset) ReadSlab(ctx context.Context, meta domain.Variable) (*domain.Slab, error) {
	a, ok := d.byName[meta.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrVariableNotFound, meta.Name)
	}
	window, err := domain.SlabWindow(a.meta.Shape)
	if err != nil {
		return nil, err
	}
	values, err := d.read(ctx, a, window)
	if err != nil {
		return nil, err
	}
	return &domain.Slab{Values: values, Rows: window.Rows(), Cols: window.Cols()}, nil
}

// read assembles the window from every chunk it intersects, then masks fill
// values and unpacks.
func (d *Dataset) read(ctx context.Context, a *array, w domain.Window) ([]float64, error) {
	rank := len(w.Start)
	out := make([]float64, w.Size())
	for i := range out {
		out[i] = a.fill
	}
	if len(out) == 0 {
		return out, nil
	}

	chunks := a.meta.Chunks
	outStrides := strides(w.Count)
	chunkStrides := strides(chunks)

	first := make([]int, rank)
	last := make([]int, rank)
	for i := 0; i < rank; i++ {
		first[i] = w.Start[i] / chunks[i]
		last[i] = (w.Start[i] + w.Count[i] - 1) / chunks[i]
	}

	err := odometer(first, last, func(grid []int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := d.chunk(ctx, a, grid)
		if err != nil {
			return err
		}
		if values == nil {
			return nil
		}

		lo := make([]int, rank)
		hi := make([]int, rank)
		for i := 0; i < rank; i++ {
			origin := grid[i] * chunks[i]
			lo[i] = max(w.Start[i], origin)
			hi[i] = min(w.Start[i]+w.Count[i], origin+chunks[i]) - 1
		}
		return odometer(lo, hi, func(idx []int) error {
			o, c := 0, 0
			for i := 0; i < rank; i++ {
				o += (idx[i] - w.Start[i]) * outStrides[i]
				c += (idx[i] - grid[i]*chunks[i]) * chunkStrides[i]
			}
			out[o] = values[c]
			return nil
		})
	})
	if err != nil {
		return nil, domain.Upstream("read "+a.name, err)
	}

	p := packing(a)
	p.Apply(out)
	return out, nil
}

// chunk fetches and decodes one chunk. A missing chunk yields nil.
func (d *Dataset) chunk(ctx context.Context, a *array, grid []int) ([]float64, error) {
	raw, err := d.src.Get(ctx, a.chunkKey(grid))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := decompress(a.meta.Compressor, raw)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", a.chunkKey(grid), err)
	}
	values, err := a.dtype.decode(data, a.chunkLen())
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", a.chunkKey(grid), err)
	}
	return values, nil
}

// packing combines fill_value with the CF attributes xarray writes to
// .zattrs.
func packing(a *array) domain.Packing {
	p := domain.Packing{Scale: 1}
	if !math.IsNaN(a.fill) {
		p.FillValues = append(p.FillValues, a.fill)
	}
	for _, name := range []string{"_FillValue", "missing_value"} {
		if f, ok := attrFloat(a.attrs, name); ok {
			p.FillValues = append(p.FillValues, f)
		}
	}
	if s, ok := attrFloat(a.attrs, "scale_factor"); ok && s != 0 {
		p.Scale = s
	}
	if o, ok := attrFloat(a.attrs, "add_offset"); ok {
		p.Offset = o
	}
	return p
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// odometer calls fn for every index in the inclusive box [lo, hi], last
// axis fastest.
func odometer(lo, hi []int, fn func(idx []int) error) error {
	idx := append([]int(nil), lo...)
	for {
		if err := fn(idx); err != nil {
			return err
		}
		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] <= hi[i] {
				break
			}
			idx[i] = lo[i]
		}
		if i < 0 {
			return nil
		}
	}
}
