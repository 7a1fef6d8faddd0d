// Package storetest provides dataset fixtures and a conformance suite shared
// by the dataset adapter tests.
package storetest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fhs/go-netcdf/netcdf"
)

// Fill is the _FillValue used by the sample NetCDF fixture.
const Fill = -9999

// T2MComment is the free-text comment attribute written to "t2m".
const T2MComment = "2 metre temperature analysis"

// SampleLat and SampleLon are the coordinate axes of the sample fixture.
var (
	SampleLat  = []float64{10, 20, 30}
	SampleLon  = []float32{100, 110, 120, 130}
	SampleTime = []float64{0, 6}
)

// SampleT2M returns the (time, lat, lon) values written to "t2m". Cell
// [0][1][2] holds the fill value.
func SampleT2M() []float32 {
	out := make([]float32, 2*3*4)
	for i := range out {
		out[i] = 270 + float32(i)
	}
	out[1*4+2] = Fill
	return out
}

// SampleElev returns the packed (lat, lon) int16 values written to "elev".
// Unpacked value = raw*0.5 + 10.
func SampleElev() []int16 {
	return []int16{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22}
}

// WriteSampleNetCDF writes a classic-format NetCDF file readable by every
// NetCDF adapter:
//
//	time(time) double; lat(lat) double; lon(lon) float
//	t2m(time, lat, lon) float  _FillValue=-9999 units="K" comment grid_mapping valid_range
//	elev(lat, lon) short        scale_factor=0.5 add_offset=10
func WriteSampleNetCDF(t *testing.T, path string) {
	t.Helper()
	//nolint:gosec // G301: Standard test directory permissions.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := netcdf.CreateFile(path, netcdf.CLOBBER)
	if err != nil {
		t.Fatalf("create nc: %v", err)
	}
	defer func() { _ = f.Close() }()

	timeDim, _ := f.AddDim("time", uint64(len(SampleTime)))
	latDim, _ := f.AddDim("lat", uint64(len(SampleLat)))
	lonDim, _ := f.AddDim("lon", uint64(len(SampleLon)))

	vtime, _ := f.AddVar("time", netcdf.DOUBLE, []netcdf.Dim{timeDim})
	vlat, _ := f.AddVar("lat", netcdf.DOUBLE, []netcdf.Dim{latDim})
	vlon, _ := f.AddVar("lon", netcdf.FLOAT, []netcdf.Dim{lonDim})
	vt2m, _ := f.AddVar("t2m", netcdf.FLOAT, []netcdf.Dim{timeDim, latDim, lonDim})
	velev, _ := f.AddVar("elev", netcdf.SHORT, []netcdf.Dim{latDim, lonDim})

	must := func(what string, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", what, err)
		}
	}
	must("lat standard_name", vlat.Attr("standard_name").WriteBytes([]byte("latitude")))
	must("lon units", vlon.Attr("units").WriteBytes([]byte("degrees_east")))
	must("t2m units", vt2m.Attr("units").WriteBytes([]byte("K")))
	must("t2m fill", vt2m.Attr("_FillValue").WriteFloat32s([]float32{Fill}))
	must("t2m comment", vt2m.Attr("comment").WriteBytes([]byte(T2MComment)))
	must("t2m grid_mapping", vt2m.Attr("grid_mapping").WriteBytes([]byte("crs")))
	must("t2m valid_range", vt2m.Attr("valid_range").WriteFloat32s([]float32{150, 350}))
	must("elev scale", velev.Attr("scale_factor").WriteFloat64s([]float64{0.5}))
	must("elev offset", velev.Attr("add_offset").WriteFloat64s([]float64{10}))

	must("enddef", f.EndDef())

	must("write time", vtime.WriteFloat64s(SampleTime))
	must("write lat", vlat.WriteFloat64s(SampleLat))
	must("write lon", vlon.WriteFloat32s(SampleLon))
	must("write t2m", vt2m.WriteFloat32s(SampleT2M()))
	must("write elev", velev.WriteInt16s(SampleElev()))
}
