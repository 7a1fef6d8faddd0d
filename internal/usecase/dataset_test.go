package usecase

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/gridview-api/internal/adapter/cache"
	"go.ngs.io/gridview-api/internal/adapter/store"
	"go.ngs.io/gridview-api/internal/adapter/store/netcdf"
	"go.ngs.io/gridview-api/internal/adapter/store/storetest"
	"go.ngs.io/gridview-api/internal/domain"
)

type fakeDataset struct {
	vars     []domain.Variable
	coords   map[string][]float64
	slab     *domain.Slab
	slabErr  error
	coordErr error
	closed   bool
}

func (f *fakeDataset) Format() domain.Format { return domain.FormatNetCDF }

func (f *fakeDataset) Dimensions(context.Context) ([]domain.Dimension, error) {
	return []domain.Dimension{{Name: "lat", Size: 3}, {Name: "lon", Size: 4}}, nil
}

func (f *fakeDataset) Variables(context.Context) ([]domain.Variable, error) {
	return f.vars, nil
}

func (f *fakeDataset) ReadCoordinate(_ context.Context, name string) ([]float64, error) {
	if f.coordErr != nil {
		return nil, f.coordErr
	}
	v, ok := f.coords[name]
	if !ok {
		return nil, domain.ErrVariableNotFound
	}
	return v, nil
}

func (f *fakeDataset) ReadSlab(context.Context, domain.Variable) (*domain.Slab, error) {
	if f.slabErr != nil {
		return nil, f.slabErr
	}
	return f.slab, nil
}

func (f *fakeDataset) Close() error {
	f.closed = true
	return nil
}

func gridDataset(values []float64) *fakeDataset {
	return &fakeDataset{
		vars: []domain.Variable{
			{Name: "lat", Dimensions: []string{"lat"}, Shape: []int{3}, DType: "float64"},
			{Name: "lon", Dimensions: []string{"lon"}, Shape: []int{4}, DType: "float64"},
			{
				Name: "sst", Dimensions: []string{"lat", "lon"}, Shape: []int{3, 4}, DType: "float32",
				Attributes: map[string]any{"units": "K", "_FillValue": math.NaN()},
			},
		},
		coords: map[string][]float64{
			"lat": {10, 20, 30},
			"lon": {100, 110, 120, 130},
		},
		slab: &domain.Slab{Values: values, Rows: 3, Cols: 4},
	}
}

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func newUseCase(t *testing.T, ds store.Dataset) *DatasetUseCase {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opener := store.OpenerFunc(func(string) (store.Dataset, error) { return ds, nil })
	return NewDatasetUseCase(cache.New(8, logger), Options{
		NetCDF:           opener,
		DefaultMaxPoints: 50000,
		MaxPointsLimit:   100000,
		RemoteTimeout:    5 * time.Second,
		Logger:           logger,
	})
}

func touch(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	//nolint:gosec // G306: Test fixture permissions.
	require.NoError(t, os.WriteFile(p, []byte("placeholder"), 0o644))
	return p
}

func upload(t *testing.T, uc *DatasetUseCase) *DatasetResponse {
	t.Helper()
	resp, err := uc.Upload(context.Background(), UploadRequest{Path: touch(t, "grid.nc"), Filename: "grid.nc", Size: 11})
	require.NoError(t, err)
	return resp
}

func TestUpload_DescribesDataset(t *testing.T) {
	uc := newUseCase(t, gridDataset(seq(12)))
	resp := upload(t, uc)

	assert.NotEmpty(t, resp.FileID)
	assert.Equal(t, "grid.nc", resp.Filename)
	assert.Equal(t, int64(11), resp.Size)
	assert.Equal(t, domain.FormatNetCDF, resp.Format)
	require.NotNil(t, resp.Coordinates)
	assert.Equal(t, "lat", resp.Coordinates.Latitude.Name)
	assert.Equal(t, [2]float64{10, 30}, resp.Coordinates.Latitude.Range)
	assert.Equal(t, 4, resp.Coordinates.Longitude.Size)
	assert.Equal(t, 1, uc.ActiveCount())

	// NaN attributes must not break JSON encoding.
	_, err := json.Marshal(resp)
	require.NoError(t, err)
}

func TestVisualize_DefaultBudget(t *testing.T) {
	uc := newUseCase(t, gridDataset(seq(12)))
	id := upload(t, uc).FileID

	resp, err := uc.Visualize(context.Background(), id, "sst", 0)
	require.NoError(t, err)
	assert.Len(t, resp.Data, 12)
	assert.Equal(t, domain.Statistics{Min: 0, Max: 11, Mean: 5.5, Count: 12, TotalPoints: 12, SampleRate: 1}, resp.Statistics)
	assert.Equal(t, []float64{10, 20, 30}, resp.Coordinates.Latitude)
	assert.Equal(t, "float32", resp.Variable.DType)
	assert.Nil(t, resp.Variable.Attributes["_FillValue"])
}

func TestVisualize_Strided(t *testing.T) {
	uc := newUseCase(t, gridDataset(seq(12)))
	id := upload(t, uc).FileID

	resp, err := uc.Visualize(context.Background(), id, "sst", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Statistics.SampleRate)
	assert.Equal(t, []domain.SampledPoint{
		{Lat: 10, Lon: 100, Value: 0},
		{Lat: 10, Lon: 130, Value: 3},
	}, resp.Data)
	assert.Equal(t, []float64{10}, resp.Coordinates.Latitude)
	assert.Equal(t, []float64{100, 130}, resp.Coordinates.Longitude)
}

func TestVisualize_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown dataset", func(t *testing.T) {
		uc := newUseCase(t, gridDataset(seq(12)))
		_, err := uc.Visualize(ctx, "nope", "sst", 0)
		assert.ErrorIs(t, err, domain.ErrDatasetNotFound)
	})

	t.Run("unknown variable", func(t *testing.T) {
		uc := newUseCase(t, gridDataset(seq(12)))
		_, err := uc.Visualize(ctx, upload(t, uc).FileID, "t2m", 0)
		assert.ErrorIs(t, err, domain.ErrVariableNotFound)
	})

	t.Run("max points over limit", func(t *testing.T) {
		uc := newUseCase(t, gridDataset(seq(12)))
		_, err := uc.Visualize(ctx, upload(t, uc).FileID, "sst", 100001)
		assert.ErrorIs(t, err, domain.ErrInvalidMaxPoints)
		_, err = uc.Visualize(ctx, upload(t, uc).FileID, "sst", -1)
		assert.ErrorIs(t, err, domain.ErrInvalidMaxPoints)
	})

	t.Run("no coordinates", func(t *testing.T) {
		ds := gridDataset(seq(12))
		ds.vars[0].Name, ds.vars[1].Name = "row", "col"
		uc := newUseCase(t, ds)
		resp := upload(t, uc)
		assert.Nil(t, resp.Coordinates)
		_, err := uc.Visualize(ctx, resp.FileID, "sst", 0)
		assert.ErrorIs(t, err, domain.ErrCoordinatesUnresolved)
	})

	t.Run("curvilinear coordinates", func(t *testing.T) {
		ds := gridDataset(seq(12))
		for i := range ds.vars[:2] {
			ds.vars[i].Dimensions = []string{"y", "x"}
			ds.vars[i].Shape = []int{3, 4}
		}
		ds.coords = nil
		uc := newUseCase(t, ds)

		resp := upload(t, uc)
		assert.Nil(t, resp.Coordinates)
		assert.Len(t, resp.Variables, 3, "dataset is still listed")

		_, err := uc.Visualize(ctx, resp.FileID, "sst", 0)
		assert.ErrorIs(t, err, domain.ErrCoordinatesUnresolved)
	})

	t.Run("coordinate read failure", func(t *testing.T) {
		ds := gridDataset(seq(12))
		ds.coordErr = errors.New("short read")
		uc := newUseCase(t, ds)
		_, err := uc.Upload(ctx, UploadRequest{Path: touch(t, "grid.nc"), Filename: "grid.nc"})
		var up *domain.UpstreamError
		require.ErrorAs(t, err, &up)
		assert.Equal(t, "read latitude", up.Op)
	})

	t.Run("all invalid", func(t *testing.T) {
		values := []float64{math.NaN(), math.Inf(1), 1e30, -1e31, math.NaN(), math.NaN(),
			math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN()}
		uc := newUseCase(t, gridDataset(values))
		_, err := uc.Visualize(ctx, upload(t, uc).FileID, "sst", 0)
		assert.ErrorIs(t, err, domain.ErrEmptyValidData)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		ds := gridDataset(seq(12))
		ds.slab = &domain.Slab{Values: seq(12), Rows: 4, Cols: 3}
		uc := newUseCase(t, ds)
		_, err := uc.Visualize(ctx, upload(t, uc).FileID, "sst", 0)
		assert.ErrorIs(t, err, domain.ErrShapeMismatch)
	})

	t.Run("upstream failure", func(t *testing.T) {
		ds := gridDataset(seq(12))
		ds.slabErr = errors.New("disk on fire")
		uc := newUseCase(t, ds)
		_, err := uc.Visualize(ctx, upload(t, uc).FileID, "sst", 0)
		var up *domain.UpstreamError
		require.ErrorAs(t, err, &up)
		assert.Equal(t, "read sst", up.Op)
	})

	t.Run("unsupported rank", func(t *testing.T) {
		ds := gridDataset(seq(12))
		ds.slabErr = domain.ErrUnsupportedDimensions
		uc := newUseCase(t, ds)
		_, err := uc.Visualize(ctx, upload(t, uc).FileID, "sst", 0)
		assert.ErrorIs(t, err, domain.ErrUnsupportedDimensions)
	})
}

func TestVariableInfoAndDelete(t *testing.T) {
	ds := gridDataset(seq(12))
	uc := newUseCase(t, ds)
	id := upload(t, uc).FileID

	info, err := uc.VariableInfo(id, "sst")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, info.Shape)
	assert.Equal(t, "K", info.Attributes["units"])

	_, err = uc.VariableInfo(id, "nope")
	assert.ErrorIs(t, err, domain.ErrVariableNotFound)

	require.NoError(t, uc.Delete(id))
	require.NoError(t, uc.Delete(id), "delete is idempotent")
	assert.True(t, ds.closed)
	assert.Equal(t, 0, uc.ActiveCount())

	_, err = uc.VariableInfo(id, "sst")
	assert.ErrorIs(t, err, domain.ErrDatasetNotFound)
}

func TestUpload_UnknownFormatRemovesFile(t *testing.T) {
	uc := newUseCase(t, gridDataset(seq(12)))
	p := touch(t, "notes.txt")

	_, err := uc.Upload(context.Background(), UploadRequest{Path: p, Filename: "notes.txt"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpload_NetCDFFile(t *testing.T) {
	logger, _ := test.NewNullLogger()
	uc := NewDatasetUseCase(cache.New(4, logger), Options{NetCDF: netcdf.Opener(), Logger: logger})

	p := filepath.Join(t.TempDir(), "sample.nc")
	storetest.WriteSampleNetCDF(t, p)

	resp, err := uc.Upload(context.Background(), UploadRequest{Path: p, Filename: "sample.nc"})
	require.NoError(t, err)
	require.NotNil(t, resp.Coordinates)
	assert.Equal(t, "lat", resp.Coordinates.Latitude.Name)
	assert.Equal(t, [2]float64{100, 130}, resp.Coordinates.Longitude.Range)

	vis, err := uc.Visualize(context.Background(), resp.FileID, "t2m", 0)
	require.NoError(t, err)
	assert.Equal(t, 11, vis.Statistics.Count, "fill cell is dropped")
	assert.Equal(t, 12, vis.Statistics.TotalPoints)

	require.NoError(t, uc.Delete(resp.FileID))
	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr), "upload removed on delete")
}

func TestInspectAndSampleFile(t *testing.T) {
	logger, _ := test.NewNullLogger()
	uc := NewDatasetUseCase(cache.New(4, logger), Options{NetCDF: netcdf.Opener(), Logger: logger})

	p := filepath.Join(t.TempDir(), "sample.nc")
	storetest.WriteSampleNetCDF(t, p)

	info, err := uc.Inspect(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, info.FileID)
	assert.Len(t, info.Variables, 5)

	vis, err := uc.SampleFile(context.Background(), p, "elev", 4)
	require.NoError(t, err)
	assert.Equal(t, 3, vis.Statistics.SampleRate)

	_, err = os.Stat(p)
	require.NoError(t, err, "inspected file is left in place")
	assert.Equal(t, 0, uc.ActiveCount())
}

// zarrStore returns the files of a small uncompressed Zarr v2 store.
func zarrStore(t *testing.T) map[string][]byte {
	t.Helper()
	f64 := func(vals ...float64) []byte {
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, vals))
		return buf.Bytes()
	}
	jsonOf := func(v any) []byte {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	zarray := func(shape []int) []byte {
		return jsonOf(map[string]any{
			"zarr_format": 2, "shape": shape, "chunks": shape, "dtype": "<f8",
			"compressor": nil, "fill_value": "NaN", "order": "C", "filters": nil,
		})
	}
	files := map[string][]byte{
		".zgroup":           jsonOf(map[string]any{"zarr_format": 2}),
		".zattrs":           jsonOf(map[string]any{"title": "tiny"}),
		"latitude/.zarray":  zarray([]int{2}),
		"latitude/.zattrs":  jsonOf(map[string]any{"_ARRAY_DIMENSIONS": []string{"latitude"}}),
		"latitude/0":        f64(-10, 10),
		"longitude/.zarray": zarray([]int{3}),
		"longitude/.zattrs": jsonOf(map[string]any{"_ARRAY_DIMENSIONS": []string{"longitude"}}),
		"longitude/0":       f64(0, 1, 2),
		"sst/.zarray":       zarray([]int{2, 3}),
		"sst/.zattrs":       jsonOf(map[string]any{"_ARRAY_DIMENSIONS": []string{"latitude", "longitude"}}),
		"sst/0.0":           f64(1, 2, 3, 4, 5, math.NaN()),
	}
	meta := map[string]json.RawMessage{}
	for k, v := range files {
		if strings.HasSuffix(k, ".zarray") || strings.HasSuffix(k, ".zattrs") || k == ".zgroup" {
			meta[k] = v
		}
	}
	files[".zmetadata"] = jsonOf(map[string]any{"zarr_consolidated_format": 1, "metadata": meta})
	return files
}

func TestUpload_ZippedZarr(t *testing.T) {
	uc := newUseCase(t, nil)

	p := filepath.Join(t.TempDir(), "tiny.zip")
	out, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for name, data := range zarrStore(t) {
		w, err := zw.Create("tiny.zarr/" + name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	resp, err := uc.Upload(context.Background(), UploadRequest{Path: p, Filename: "tiny.zip"})
	require.NoError(t, err)
	assert.Equal(t, domain.FormatZarr, resp.Format)
	require.NotNil(t, resp.Coordinates)
	assert.Equal(t, "latitude", resp.Coordinates.Latitude.Name)

	vis, err := uc.Visualize(context.Background(), resp.FileID, "sst", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, vis.Statistics.Count)
	assert.Equal(t, 3.0, vis.Statistics.Mean)

	require.NoError(t, uc.Delete(resp.FileID))
	_, statErr := os.Stat(p + ".zarr.d")
	assert.True(t, os.IsNotExist(statErr), "extracted store removed on delete")
}

func TestLoadURL(t *testing.T) {
	files := zarrStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[strings.TrimPrefix(r.URL.Path, "/tiny.zarr/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	uc := newUseCase(t, nil)
	resp, err := uc.LoadURL(context.Background(), srv.URL+"/tiny.zarr")
	require.NoError(t, err)
	assert.Equal(t, "tiny", resp.Metadata["title"])
	assert.Equal(t, srv.URL+"/tiny.zarr", resp.Filename)

	vis, err := uc.Visualize(context.Background(), resp.FileID, "sst", 0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, vis.Statistics.Max)

	_, err = uc.LoadURL(context.Background(), "ftp://example.com/x.zarr")
	assert.ErrorIs(t, err, ErrInvalidURL)
	_, err = uc.LoadURL(context.Background(), "not a url")
	assert.ErrorIs(t, err, ErrInvalidURL)
}
