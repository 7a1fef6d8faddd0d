package storetest

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/gridview-api/internal/adapter/store"
	"go.ngs.io/gridview-api/internal/domain"
)

// RunNetCDFSuite checks a NetCDF adapter against the sample fixture.
func RunNetCDFSuite(t *testing.T, opener store.Opener) {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "sample.nc")
	WriteSampleNetCDF(t, path)

	ds, err := opener.Open(path)
	require.NoError(t, err)
	defer func() { _ = ds.Close() }()

	t.Run("format", func(t *testing.T) {
		assert.Equal(t, domain.FormatNetCDF, ds.Format())
	})

	t.Run("dimensions", func(t *testing.T) {
		dims, err := ds.Dimensions(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []domain.Dimension{
			{Name: "time", Size: 2},
			{Name: "lat", Size: 3},
			{Name: "lon", Size: 4},
		}, dims)
	})

	t.Run("variables", func(t *testing.T) {
		vars, err := ds.Variables(ctx)
		require.NoError(t, err)
		byName := make(map[string]domain.Variable)
		for _, v := range vars {
			byName[v.Name] = v
		}
		require.Len(t, byName, 5)

		t2m := byName["t2m"]
		assert.Equal(t, []string{"time", "lat", "lon"}, t2m.Dimensions)
		assert.Equal(t, []int{2, 3, 4}, t2m.Shape)
		assert.Equal(t, "float32", t2m.DType)
		assert.Equal(t, "K", t2m.StringAttr("units"))
		assert.Equal(t, T2MComment, t2m.StringAttr("comment"))
		assert.Equal(t, "crs", t2m.StringAttr("grid_mapping"))
		assert.Contains(t, t2m.Attributes, "valid_range")
		assert.Contains(t, t2m.Attributes, "_FillValue")

		assert.Equal(t, "latitude", byName["lat"].StringAttr("standard_name"))
		assert.Equal(t, []int{3, 4}, byName["elev"].Shape)
		assert.Equal(t, "int16", byName["elev"].DType)

		roles := domain.LocateCoordinates(vars)
		assert.Equal(t, "lat", roles.Latitude.Name)
		assert.Equal(t, domain.RuleStandardName, roles.Latitude.Rule)
		assert.Equal(t, "lon", roles.Longitude.Name)
	})

	t.Run("coordinates", func(t *testing.T) {
		lat, err := ds.ReadCoordinate(ctx, "lat")
		require.NoError(t, err)
		assert.Equal(t, SampleLat, lat)

		lon, err := ds.ReadCoordinate(ctx, "lon")
		require.NoError(t, err)
		assert.Equal(t, []float64{100, 110, 120, 130}, lon)

		_, err = ds.ReadCoordinate(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrVariableNotFound)
	})

	t.Run("slab from rank 3 takes first leading index", func(t *testing.T) {
		slab, err := ds.ReadSlab(ctx, variable(t, ds, "t2m"))
		require.NoError(t, err)
		assert.Equal(t, 3, slab.Rows)
		assert.Equal(t, 4, slab.Cols)
		require.Len(t, slab.Values, 12)

		raw := SampleT2M()
		for i, v := range slab.Values {
			if i == 1*4+2 {
				assert.True(t, math.IsNaN(v), "fill value should map to NaN")
				continue
			}
			assert.InDelta(t, float64(raw[i]), v, 1e-4)
		}
	})

	t.Run("slab from rank 2 is unpacked", func(t *testing.T) {
		slab, err := ds.ReadSlab(ctx, variable(t, ds, "elev"))
		require.NoError(t, err)
		raw := SampleElev()
		for i, v := range slab.Values {
			assert.InDelta(t, float64(raw[i])*0.5+10, v, 1e-9)
		}
	})

	t.Run("rank 1 is unsupported", func(t *testing.T) {
		_, err := ds.ReadSlab(ctx, variable(t, ds, "time"))
		assert.ErrorIs(t, err, domain.ErrUnsupportedDimensions)
	})
}

func variable(t *testing.T, ds store.Dataset, name string) domain.Variable {
	t.Helper()
	vars, err := ds.Variables(context.Background())
	require.NoError(t, err)
	for _, v := range vars {
		if v.Name == name {
			return v
		}
	}
	t.Fatalf("variable %s not found", name)
	return domain.Variable{}
}
