// Package domain holds the dataset model and the pure reduction pipeline:
// coordinate location, grid sampling and summary statistics.
package domain

// Format identifies the on-disk encoding of a dataset.
type Format string

// Supported dataset formats.
const (
	FormatNetCDF Format = "netcdf"
	FormatZarr   Format = "zarr"
)

// Dimension is a named axis of a dataset.
type Dimension struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// Variable describes an N-dimensional array in a dataset.
// Variables are immutable once read from the dataset.
type Variable struct {
	Name       string         `json:"name"`
	Dimensions []string       `json:"dimensions"`
	Shape      []int          `json:"shape"`
	DType      string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

// Rank returns the number of axes of the variable.
func (v Variable) Rank() int {
	return len(v.Shape)
}

// StringAttr returns a string-valued attribute, or "" when it is missing
// or not a string.
func (v Variable) StringAttr(name string) string {
	if v.Attributes == nil {
		return ""
	}
	switch s := v.Attributes[name].(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

// CoordinateRole is the geographic role of a coordinate array.
type CoordinateRole string

// Coordinate roles.
const (
	RoleLatitude  CoordinateRole = "latitude"
	RoleLongitude CoordinateRole = "longitude"
)

// CoordinateArray is a resolved 1-D coordinate vector.
type CoordinateArray struct {
	Name   string         `json:"name"`
	Role   CoordinateRole `json:"-"`
	Range  [2]float64     `json:"range"`
	Size   int            `json:"size"`
	Values []float64      `json:"-"`
}

// NewCoordinateArray builds a coordinate array and computes its range.
// Non-finite entries are ignored when computing the range.
func NewCoordinateArray(name string, role CoordinateRole, values []float64) CoordinateArray {
	c := CoordinateArray{
		Name:   name,
		Role:   role,
		Size:   len(values),
		Values: values,
	}
	first := true
	for _, v := range values {
		if !isFinite(v) {
			continue
		}
		if first {
			c.Range = [2]float64{v, v}
			first = false
			continue
		}
		if v < c.Range[0] {
			c.Range[0] = v
		}
		if v > c.Range[1] {
			c.Range[1] = v
		}
	}
	return c
}

// Coordinates holds the resolved latitude and longitude arrays of a dataset.
type Coordinates struct {
	Latitude  CoordinateArray `json:"latitude"`
	Longitude CoordinateArray `json:"longitude"`
}

// DatasetInfo is the inspection summary produced when a dataset is opened.
type DatasetInfo struct {
	Format      Format       `json:"format"`
	Dimensions  []Dimension  `json:"dimensions"`
	Variables   []Variable   `json:"variables"`
	Coordinates *Coordinates `json:"coordinates"`
}

// Variable looks up a variable by name.
func (d *DatasetInfo) Variable(name string) (Variable, bool) {
	for _, v := range d.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}
