package netcdf

import (
	"fmt"
	"strings"

	"github.com/fhs/go-netcdf/netcdf"

	"go.ngs.io/gridview-api/internal/domain"
)

// readAttrs reads every attribute of v. Text attributes are returned as
// string, numeric ones as float64 (single value) or []float64. Attributes
// of unsupported types are skipped.
func readAttrs(v netcdf.Var) (map[string]any, error) {
	n, err := v.NAttrs()
	if err != nil {
		return nil, fmt.Errorf("failed to count attributes: %w", err)
	}
	attrs := make(map[string]any, n)
	for i := 0; i < n; i++ {
		a, err := v.AttrN(i)
		if err != nil {
			return nil, fmt.Errorf("failed to get attribute %d: %w", i, err)
		}
		if val, ok := readAttr(a); ok {
			attrs[a.Name()] = val
		}
	}
	return attrs, nil
}

func readAttr(a netcdf.Attr) (any, bool) {
	n, err := a.Len()
	if err != nil || n == 0 {
		return nil, false
	}

	t, err := a.Type()
	if err != nil {
		return nil, false
	}
	if t == netcdf.CHAR {
		buf := make([]byte, n)
		if err := a.ReadBytes(buf); err != nil {
			return nil, false
		}
		return strings.TrimRight(string(buf), "\x00"), true
	}

	vals, ok := readNumericAttr(a, t, int(n))
	if !ok {
		return nil, false
	}
	if len(vals) == 1 {
		return vals[0], true
	}
	return vals, true
}

func readNumericAttr(a netcdf.Attr, t netcdf.Type, n int) ([]float64, bool) {
	var (
		vals []float64
		err  error
	)
	switch t {
	case netcdf.DOUBLE:
		vals = make([]float64, n)
		err = a.ReadFloat64s(vals)
	case netcdf.FLOAT:
		vals, err = readAs(n, a.ReadFloat32s)
	case netcdf.INT:
		vals, err = readAs(n, a.ReadInt32s)
	case netcdf.SHORT:
		vals, err = readAs(n, a.ReadInt16s)
	case netcdf.BYTE:
		vals, err = readAs(n, a.ReadInt8s)
	case netcdf.UBYTE:
		vals, err = readAs(n, a.ReadUint8s)
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return vals, true
}

// packing returns the CF fill and scale attributes of v.
func packing(v netcdf.Var) domain.Packing {
	p := domain.Packing{Scale: 1}
	for _, name := range []string{"_FillValue", "missing_value"} {
		if fv, ok := firstFloat(v.Attr(name)); ok {
			p.FillValues = append(p.FillValues, fv)
		}
	}
	if s, ok := firstFloat(v.Attr("scale_factor")); ok && s != 0 {
		p.Scale = s
	}
	if o, ok := firstFloat(v.Attr("add_offset")); ok {
		p.Offset = o
	}
	return p
}

func firstFloat(a netcdf.Attr) (float64, bool) {
	val, ok := readAttr(a)
	if !ok {
		return 0, false
	}
	switch x := val.(type) {
	case float64:
		return x, true
	case []float64:
		return x[0], true
	default:
		return 0, false
	}
}
