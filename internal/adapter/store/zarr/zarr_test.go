package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/gridview-api/internal/domain"
)

const fill = -9999

// fixtureArray describes one array of the test store.
type fixtureArray struct {
	name   string
	shape  []int
	chunks []int
	dtype  string
	attrs  map[string]any
	values []float64
	// skip lists chunk keys that are not written.
	skip []string
}

func t2mValues() []float64 {
	out := make([]float64, 2*3*4)
	for i := range out {
		out[i] = 270 + float64(i)
	}
	out[1*4+2] = fill
	return out
}

func fixtureArrays() []fixtureArray {
	return []fixtureArray{
		{
			name: "t2m", shape: []int{2, 3, 4}, chunks: []int{1, 2, 3}, dtype: "<f4",
			attrs:  map[string]any{"_ARRAY_DIMENSIONS": []string{"time", "lat", "lon"}, "units": "K"},
			values: t2mValues(),
			skip:   []string{"0.1.1"},
		},
		{
			name: "lat", shape: []int{3}, chunks: []int{3}, dtype: "<f8",
			attrs:  map[string]any{"_ARRAY_DIMENSIONS": []string{"lat"}, "standard_name": "latitude"},
			values: []float64{10, 20, 30},
		},
		{
			name: "lon", shape: []int{4}, chunks: []int{4}, dtype: "<f4",
			attrs:  map[string]any{"_ARRAY_DIMENSIONS": []string{"lon"}},
			values: []float64{100, 110, 120, 130},
		},
		{
			name: "time", shape: []int{2}, chunks: []int{2}, dtype: "<f8",
			attrs:  map[string]any{"_ARRAY_DIMENSIONS": []string{"time"}},
			values: []float64{0, 6},
		},
		{
			name: "elev", shape: []int{3, 4}, chunks: []int{3, 4}, dtype: ">i2",
			attrs: map[string]any{
				"_ARRAY_DIMENSIONS": []string{"lat", "lon"},
				"scale_factor":      0.5,
				"add_offset":        10,
			},
			values: []float64{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22},
		},
	}
}

// writeStore writes the fixture arrays as a Zarr v2 directory store and
// returns the files it wrote, keyed by store key.
func writeStore(t *testing.T, dir, compressor string, consolidate bool) map[string][]byte {
	t.Helper()
	files := map[string][]byte{
		keyGroup: mustJSON(t, map[string]any{"zarr_format": 2}),
		keyAttrs: mustJSON(t, map[string]any{"title": "fixture"}),
	}
	meta := map[string]json.RawMessage{keyGroup: files[keyGroup], keyAttrs: files[keyAttrs]}

	for _, fa := range fixtureArrays() {
		var comp any
		if compressor != "" {
			comp = map[string]any{"id": compressor}
		}
		zarray := mustJSON(t, map[string]any{
			"zarr_format": 2,
			"shape":       fa.shape,
			"chunks":      fa.chunks,
			"dtype":       fa.dtype,
			"compressor":  comp,
			"fill_value":  fill,
			"order":       "C",
			"filters":     nil,
		})
		zattrs := mustJSON(t, fa.attrs)
		files[fa.name+"/"+keyArray] = zarray
		files[fa.name+"/"+keyAttrs] = zattrs
		meta[fa.name+"/"+keyArray] = zarray
		meta[fa.name+"/"+keyAttrs] = zattrs

		dt, err := parseDType(fa.dtype)
		require.NoError(t, err)
		a := &array{name: fa.name, meta: ArrayMeta{Chunks: fa.chunks}, dtype: dt}
		grid := gridShape(fa.shape, fa.chunks)
		last := make([]int, len(grid))
		for i := range grid {
			last[i] = grid[i] - 1
		}
		require.NoError(t, odometer(make([]int, len(grid)), last, func(g []int) error {
			key := a.chunkKey(g)
			for _, s := range fa.skip {
				if key == fa.name+"/"+s {
					return nil
				}
			}
			files[key] = compress(t, compressor, encodeChunk(t, fa, dt, g))
			return nil
		}))
	}

	if consolidate {
		files[keyConsolidated] = mustJSON(t, map[string]any{
			"zarr_consolidated_format": 1,
			"metadata":                 meta,
		})
	}

	for key, data := range files {
		p := filepath.Join(dir, filepath.FromSlash(key))
		//nolint:gosec // G301: Standard test directory permissions.
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		//nolint:gosec // G306: Test fixture permissions.
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
	return files
}

// encodeChunk lays out one full chunk, padding cells beyond the array edge
// with the fill value.
func encodeChunk(t *testing.T, fa fixtureArray, dt dtype, grid []int) []byte {
	t.Helper()
	n := 1
	for _, c := range fa.chunks {
		n *= c
	}
	arrStrides := strides(fa.shape)
	chunkLast := make([]int, len(fa.chunks))
	for i, c := range fa.chunks {
		chunkLast[i] = c - 1
	}

	var buf bytes.Buffer
	require.NoError(t, odometer(make([]int, len(fa.chunks)), chunkLast, func(local []int) error {
		v := float64(fill)
		offset, inside := 0, true
		for i := range local {
			g := grid[i]*fa.chunks[i] + local[i]
			if g >= fa.shape[i] {
				inside = false
				break
			}
			offset += g * arrStrides[i]
		}
		if inside {
			v = fa.values[offset]
		}
		switch fa.dtype[1:] {
		case "f4":
			return binary.Write(&buf, dt.order, float32(v))
		case "f8":
			return binary.Write(&buf, dt.order, v)
		case "i2":
			return binary.Write(&buf, dt.order, int16(v))
		}
		t.Fatalf("fixture dtype %s", fa.dtype)
		return nil
	}))
	require.Equal(t, n*dt.size, buf.Len())
	return buf.Bytes()
}

func compress(t *testing.T, id string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch id {
	case "":
		return data
	case "zlib":
		w := zlib.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		defer func() { _ = enc.Close() }()
		return enc.EncodeAll(data, nil)
	default:
		t.Fatalf("fixture compressor %s", id)
	}
	return buf.Bytes()
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func assertFixture(t *testing.T, ds *Dataset) {
	t.Helper()
	ctx := context.Background()
	assert.Equal(t, "fixture", ds.Attributes()["title"])

	vars, err := ds.Variables(ctx)
	require.NoError(t, err)
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name
	}
	assert.Equal(t, []string{"elev", "lat", "lon", "t2m", "time"}, names)

	roles := domain.LocateCoordinates(vars)
	assert.Equal(t, "lat", roles.Latitude.Name)
	assert.Equal(t, domain.RuleStandardName, roles.Latitude.Rule)
	assert.Equal(t, "lon", roles.Longitude.Name)

	dims, err := ds.Dimensions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Dimension{
		{Name: "time", Size: 2}, {Name: "lat", Size: 3}, {Name: "lon", Size: 4},
	}, dims)

	lat, err := ds.ReadCoordinate(ctx, "lat")
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30}, lat)

	var t2m domain.Variable
	for _, v := range vars {
		if v.Name == "t2m" {
			t2m = v
		}
	}
	assert.Equal(t, "float32", t2m.DType)
	assert.Equal(t, "K", t2m.StringAttr("units"))
	_, hasDims := t2m.Attributes["_ARRAY_DIMENSIONS"]
	assert.False(t, hasDims)

	slab, err := ds.ReadSlab(ctx, t2m)
	require.NoError(t, err)
	assert.Equal(t, 3, slab.Rows)
	assert.Equal(t, 4, slab.Cols)
	want := t2mValues()
	for i, v := range slab.Values {
		switch i {
		case 1*4 + 2: // fill value
			assert.True(t, math.IsNaN(v), "cell %d", i)
		case 2*4 + 3: // chunk 0.1.1 is missing
			assert.True(t, math.IsNaN(v), "cell %d", i)
		default:
			assert.InDelta(t, want[i], v, 1e-4, "cell %d", i)
		}
	}

	elev, err := ds.ReadSlab(ctx, domain.Variable{Name: "elev"})
	require.NoError(t, err)
	for i, v := range elev.Values {
		assert.InDelta(t, float64(i*2)*0.5+10, v, 1e-9)
	}
}

func TestOpenDir_Listed(t *testing.T) {
	for _, comp := range []string{"", "zlib", "gzip", "zstd"} {
		t.Run("compressor="+comp, func(t *testing.T) {
			dir := t.TempDir()
			writeStore(t, dir, comp, false)
			ds, err := OpenDir(dir)
			require.NoError(t, err)
			defer func() { _ = ds.Close() }()
			assert.Equal(t, domain.FormatZarr, ds.Format())
			assertFixture(t, ds)
		})
	}
}

func TestOpenDir_Consolidated(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, "zlib", true)
	ds, err := OpenDir(dir)
	require.NoError(t, err)
	assertFixture(t, ds)
}

func TestReadSlab_Errors(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, "", false)
	ds, err := OpenDir(dir)
	require.NoError(t, err)

	_, err = ds.ReadSlab(context.Background(), domain.Variable{Name: "time"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedDimensions)

	_, err = ds.ReadSlab(context.Background(), domain.Variable{Name: "nope"})
	assert.ErrorIs(t, err, domain.ErrVariableNotFound)

	_, err = ds.ReadCoordinate(context.Background(), "t2m")
	assert.Error(t, err)
}

func serveStore(files map[string][]byte, failures *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures != nil && atomic.AddInt32(failures, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		data, ok := files[strings.TrimPrefix(r.URL.Path, "/store/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
}

func TestHTTPSource_Consolidated(t *testing.T) {
	files := writeStore(t, t.TempDir(), "zstd", true)
	failures := int32(2)
	srv := serveStore(files, &failures)
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/store/", 5*time.Second, 3, nil)
	ds, err := Open(context.Background(), src)
	require.NoError(t, err)
	assertFixture(t, ds)
}

func TestHTTPSource_RequiresConsolidatedMetadata(t *testing.T) {
	files := writeStore(t, t.TempDir(), "", false)
	srv := serveStore(files, nil)
	defer srv.Close()

	_, err := Open(context.Background(), NewHTTPSource(srv.URL+"/store", time.Second, 0, nil))
	assert.ErrorIs(t, err, ErrNoConsolidatedMetadata)
}

func TestHTTPSource_GivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Second, 1, nil)
	_, err := src.Get(context.Background(), ".zmetadata")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}

func TestHTTPSource_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTPSource(srv.URL, time.Second, 10, nil).Get(ctx, ".zmetadata")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirSource_RejectsEscapingKeys(t *testing.T) {
	_, err := DirSource{Root: t.TempDir()}.Get(context.Background(), "../etc/passwd")
	assert.Error(t, err)
}

func TestParseArray_Rejects(t *testing.T) {
	cases := map[string]string{
		"blosc":   `{"zarr_format":2,"shape":[2],"chunks":[2],"dtype":"<f4","compressor":{"id":"blosc","cname":"lz4"},"fill_value":0,"order":"C","filters":null}`,
		"fortran": `{"zarr_format":2,"shape":[2],"chunks":[2],"dtype":"<f4","compressor":null,"fill_value":0,"order":"F","filters":null}`,
		"filters": `{"zarr_format":2,"shape":[2],"chunks":[2],"dtype":"<f4","compressor":null,"fill_value":0,"order":"C","filters":[{"id":"delta"}]}`,
		"v3":      `{"zarr_format":3,"shape":[2],"chunks":[2],"dtype":"<f4"}`,
		"dtype":   `{"zarr_format":2,"shape":[2],"chunks":[2],"dtype":"<c8","compressor":null,"fill_value":0,"order":"C"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseArray("x", []byte(raw), nil)
			assert.ErrorIs(t, err, ErrUnsupportedStore)
		})
	}
}

func TestParseFillValue(t *testing.T) {
	for raw, check := range map[string]func(float64) bool{
		`null`:        math.IsNaN,
		`"NaN"`:       math.IsNaN,
		`"Infinity"`:  func(f float64) bool { return math.IsInf(f, 1) },
		`"-Infinity"`: func(f float64) bool { return math.IsInf(f, -1) },
		`-9999`:       func(f float64) bool { return f == -9999 },
		`0.5`:         func(f float64) bool { return f == 0.5 },
	} {
		f, err := parseFillValue(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.True(t, check(f), raw)
	}
}

func TestDType_Decode(t *testing.T) {
	dt, err := parseDType(">u2")
	require.NoError(t, err)
	assert.Equal(t, "uint16", dt.Name())
	got, err := dt.decode([]byte{0x01, 0x00, 0xff, 0xff}, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{256, 65535}, got)

	dt, err = parseDType("|i1")
	require.NoError(t, err)
	got, err = dt.decode([]byte{0xff}, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1}, got)

	_, err = dt.decode([]byte{1, 2}, 1)
	assert.Error(t, err)
}

func TestDecompress_LZ4(t *testing.T) {
	src := bytes.Repeat([]byte("gridview"), 128)
	block := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, block, nil)
	require.NoError(t, err)
	require.Positive(t, n)

	framed := make([]byte, 4+n)
	binary.LittleEndian.PutUint32(framed, uint32(len(src)))
	copy(framed[4:], block[:n])

	got, err := decompress(&Compressor{ID: "lz4"}, framed)
	require.NoError(t, err)
	assert.Equal(t, src, got)

	_, err = decompress(&Compressor{ID: "lz4"}, []byte{1})
	assert.Error(t, err)
}

func TestChunkKey(t *testing.T) {
	a := &array{name: "t2m"}
	assert.Equal(t, "t2m/0.1.2", a.chunkKey([]int{0, 1, 2}))
	a.meta.DimensionSeparator = "/"
	assert.Equal(t, "t2m/0/1/2", a.chunkKey([]int{0, 1, 2}))
}

// gridShape is the number of chunks along each axis.
func gridShape(shape, chunks []int) []int {
	grid := make([]int, len(shape))
	for i := range shape {
		grid[i] = (shape[i] + chunks[i] - 1) / chunks[i]
	}
	return grid
}
