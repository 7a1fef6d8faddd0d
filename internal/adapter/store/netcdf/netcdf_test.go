package netcdf

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/gridview-api/internal/adapter/store/storetest"
	"go.ngs.io/gridview-api/internal/domain"
)

func TestDataset_SampleFile(t *testing.T) {
	storetest.RunNetCDFSuite(t, Opener())
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.nc"))
	if err == nil {
		t.Fatalf("expected error opening missing file")
	}
}

// Reads from separate files run on separate goroutines, as they do when
// requests for different uploads are served together.
func TestDataset_ConcurrentReadsAcrossFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	const files = 4
	datasets := make([]*Dataset, files)
	for i := range datasets {
		p := filepath.Join(dir, fmt.Sprintf("sample-%d.nc", i))
		storetest.WriteSampleNetCDF(t, p)
		ds, err := Open(p)
		require.NoError(t, err)
		datasets[i] = ds
	}

	elev := domain.Variable{Name: "elev", Dimensions: []string{"lat", "lon"}, Shape: []int{3, 4}}
	want := make([]float64, 0, 12)
	for _, raw := range storetest.SampleElev() {
		want = append(want, float64(raw)*0.5+10)
	}

	var wg sync.WaitGroup
	errs := make(chan error, files*10)
	for _, ds := range datasets {
		for range 10 {
			wg.Add(1)
			go func(ds *Dataset) {
				defer wg.Done()
				slab, err := ds.ReadSlab(ctx, elev)
				if err != nil {
					errs <- err
					return
				}
				if !assert.InDeltaSlice(t, want, slab.Values, 1e-9) {
					errs <- fmt.Errorf("unexpected slab values")
				}
			}(ds)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for _, ds := range datasets {
		require.NoError(t, ds.Close())
	}
}
