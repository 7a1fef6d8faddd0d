package zarr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Metadata keys of a Zarr v2 store.
const (
	keyGroup        = ".zgroup"
	keyArray        = ".zarray"
	keyAttrs        = ".zattrs"
	keyConsolidated = ".zmetadata"

	attrArrayDimensions = "_ARRAY_DIMENSIONS"
)

// ErrUnsupportedStore is returned for store features the reader does not
// handle (v3 metadata, Fortran order, filters, blosc).
var ErrUnsupportedStore = errors.New("unsupported zarr store")

// ArrayMeta is the .zarray document.
type ArrayMeta struct {
	ZarrFormat         int             `json:"zarr_format"`
	Shape              []int           `json:"shape"`
	Chunks             []int           `json:"chunks"`
	DType              string          `json:"dtype"`
	Compressor         *Compressor     `json:"compressor"`
	FillValue          json.RawMessage `json:"fill_value"`
	Order              string          `json:"order"`
	Filters            []Compressor    `json:"filters"`
	DimensionSeparator string          `json:"dimension_separator"`
}

// Compressor is a numcodecs codec configuration. Only the id is needed to
// decode.
type Compressor struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// consolidated is the .zmetadata document written by zarr.consolidate_metadata.
type consolidated struct {
	Format   int                        `json:"zarr_consolidated_format"`
	Metadata map[string]json.RawMessage `json:"metadata"`
}

// array is a validated, decoded view of one array in the store.
type array struct {
	name  string
	meta  ArrayMeta
	dtype dtype
	fill  float64
	dims  []string
	attrs map[string]any
}

func parseArray(name string, rawMeta, rawAttrs []byte) (*array, error) {
	var meta ArrayMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s/%s: %w", name, keyArray, err)
	}
	if meta.ZarrFormat != 2 {
		return nil, fmt.Errorf("%w: %s has zarr_format %d", ErrUnsupportedStore, name, meta.ZarrFormat)
	}
	if meta.Order != "" && meta.Order != "C" {
		return nil, fmt.Errorf("%w: %s uses order %q", ErrUnsupportedStore, name, meta.Order)
	}
	if len(meta.Filters) > 0 {
		return nil, fmt.Errorf("%w: %s uses filter %q", ErrUnsupportedStore, name, meta.Filters[0].ID)
	}
	if len(meta.Shape) != len(meta.Chunks) {
		return nil, fmt.Errorf("%w: %s has %d chunk axes for rank %d", ErrUnsupportedStore, name, len(meta.Chunks), len(meta.Shape))
	}
	for _, c := range meta.Chunks {
		if c <= 0 {
			return nil, fmt.Errorf("%w: %s has chunk size %d", ErrUnsupportedStore, name, c)
		}
	}
	if meta.Compressor != nil {
		if err := checkCodec(meta.Compressor.ID); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	dt, err := parseDType(meta.DType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	fill, err := parseFillValue(meta.FillValue)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	attrs := make(map[string]any)
	if len(rawAttrs) > 0 {
		if err := json.Unmarshal(rawAttrs, &attrs); err != nil {
			return nil, fmt.Errorf("failed to parse %s/%s: %w", name, keyAttrs, err)
		}
	}

	dims := arrayDimensions(attrs, len(meta.Shape))
	delete(attrs, attrArrayDimensions)

	return &array{name: name, meta: meta, dtype: dt, fill: fill, dims: dims, attrs: attrs}, nil
}

// arrayDimensions reads the xarray dimension names, falling back to
// positional names when the attribute is absent or malformed.
func arrayDimensions(attrs map[string]any, rank int) []string {
	dims := make([]string, rank)
	raw, _ := attrs[attrArrayDimensions].([]any)
	for i := range dims {
		if len(raw) == rank {
			if s, ok := raw[i].(string); ok {
				dims[i] = s
				continue
			}
		}
		dims[i] = fmt.Sprintf("dim_%d", i)
	}
	return dims
}

// parseFillValue decodes fill_value. Null means "no fill value" and is
// reported as NaN, which is also how missing chunks read back.
func parseFillValue(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return math.NaN(), nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch str {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		default:
			return 0, fmt.Errorf("%w: fill_value %q", ErrUnsupportedStore, str)
		}
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("%w: fill_value %s", ErrUnsupportedStore, s)
	}
	return f, nil
}

// chunkKey joins chunk grid indices with the array's dimension separator.
func (a *array) chunkKey(indices []int) string {
	sep := a.meta.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	if len(indices) == 0 {
		return a.path("0")
	}
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = fmt.Sprint(idx)
	}
	return a.path(strings.Join(parts, sep))
}

func (a *array) path(key string) string {
	if a.name == "" {
		return key
	}
	return a.name + "/" + key
}

// chunkLen is the number of elements in a full chunk; v2 edge chunks are
// stored padded to the full chunk shape.
func (a *array) chunkLen() int {
	n := 1
	for _, c := range a.meta.Chunks {
		n *= c
	}
	return n
}

// dtype is a decoded numpy type string such as "<f4".
type dtype struct {
	kind  byte // 'i', 'u' or 'f'
	size  int
	order binary.ByteOrder
}

func parseDType(s string) (dtype, error) {
	if len(s) < 3 {
		return dtype{}, fmt.Errorf("%w: dtype %q", ErrUnsupportedStore, s)
	}
	var dt dtype
	switch s[0] {
	case '<', '|':
		dt.order = binary.LittleEndian
	case '>':
		dt.order = binary.BigEndian
	default:
		return dtype{}, fmt.Errorf("%w: dtype %q", ErrUnsupportedStore, s)
	}
	dt.kind = s[1]
	switch s[1:] {
	case "i1", "u1":
		dt.size = 1
	case "i2", "u2":
		dt.size = 2
	case "i4", "u4", "f4":
		dt.size = 4
	case "i8", "u8", "f8":
		dt.size = 8
	default:
		return dtype{}, fmt.Errorf("%w: dtype %q", ErrUnsupportedStore, s)
	}
	return dt, nil
}

// Name returns the element type name shared with the NetCDF adapters.
func (dt dtype) Name() string {
	switch dt.kind {
	case 'f':
		return fmt.Sprintf("float%d", dt.size*8)
	case 'u':
		return fmt.Sprintf("uint%d", dt.size*8)
	default:
		return fmt.Sprintf("int%d", dt.size*8)
	}
}

// decode converts a raw chunk to float64 values.
func (dt dtype) decode(raw []byte, n int) ([]float64, error) {
	if len(raw) != n*dt.size {
		return nil, fmt.Errorf("chunk has %d bytes, expected %d", len(raw), n*dt.size)
	}
	out := make([]float64, n)
	for i := range out {
		b := raw[i*dt.size : (i+1)*dt.size]
		switch {
		case dt.kind == 'f' && dt.size == 4:
			out[i] = float64(math.Float32frombits(dt.order.Uint32(b)))
		case dt.kind == 'f':
			out[i] = math.Float64frombits(dt.order.Uint64(b))
		case dt.size == 1 && dt.kind == 'i':
			out[i] = float64(int8(b[0]))
		case dt.size == 1:
			out[i] = float64(b[0])
		case dt.size == 2 && dt.kind == 'i':
			out[i] = float64(int16(dt.order.Uint16(b)))
		case dt.size == 2:
			out[i] = float64(dt.order.Uint16(b))
		case dt.size == 4 && dt.kind == 'i':
			out[i] = float64(int32(dt.order.Uint32(b)))
		case dt.size == 4:
			out[i] = float64(dt.order.Uint32(b))
		case dt.kind == 'i':
			out[i] = float64(int64(dt.order.Uint64(b)))
		default:
			out[i] = float64(dt.order.Uint64(b))
		}
	}
	return out, nil
}

// arrayNames returns the sorted paths of the arrays below the root group.
func (c *consolidated) arrayNames() []string {
	var names []string
	for key := range c.Metadata {
		if name, ok := strings.CutSuffix(key, "/"+keyArray); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
