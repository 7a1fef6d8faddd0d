package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"go.ngs.io/gridview-api/internal/adapter/archive"
	"go.ngs.io/gridview-api/internal/adapter/cache"
	"go.ngs.io/gridview-api/internal/adapter/store"
	"go.ngs.io/gridview-api/internal/adapter/store/zarr"
	"go.ngs.io/gridview-api/internal/domain"
)

var (
	// ErrUnsupportedFormat is returned for uploads that are neither NetCDF
	// nor a zipped Zarr v2 store the reader can handle.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrInvalidURL is returned by LoadURL for anything but an absolute
	// http(s) URL.
	ErrInvalidURL = errors.New("invalid dataset URL")
)

// Options configures a DatasetUseCase.
type Options struct {
	// NetCDF opens uploaded NetCDF files.
	NetCDF store.Opener
	// MaxExtractBytes bounds the size of an unpacked Zarr archive.
	MaxExtractBytes  int64
	DefaultMaxPoints int
	MaxPointsLimit   int
	RemoteTimeout    time.Duration
	RemoteMaxRetries int
	Logger           logrus.FieldLogger
}

// DatasetUseCase loads datasets into the store and runs the reduction
// pipeline against them.
type DatasetUseCase struct {
	store *cache.Store
	opts  Options
	log   logrus.FieldLogger
}

// NewDatasetUseCase creates a new dataset use case.
func NewDatasetUseCase(st *cache.Store, opts Options) *DatasetUseCase {
	if opts.DefaultMaxPoints <= 0 {
		opts.DefaultMaxPoints = domain.DefaultMaxPoints
	}
	if opts.MaxPointsLimit < opts.DefaultMaxPoints {
		opts.MaxPointsLimit = opts.DefaultMaxPoints
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DatasetUseCase{store: st, opts: opts, log: log}
}

// UploadRequest describes a file already written to local disk.
type UploadRequest struct {
	Path     string
	Filename string
	Size     int64
}

// DatasetResponse is returned after a dataset is loaded.
type DatasetResponse struct {
	FileID      string              `json:"fileId,omitempty"`
	Filename    string              `json:"filename"`
	Size        int64               `json:"size"`
	Format      domain.Format       `json:"format"`
	Dimensions  []domain.Dimension  `json:"dimensions"`
	Variables   []domain.Variable   `json:"variables"`
	Coordinates *domain.Coordinates `json:"coordinates"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

// VariableSummary is the variable metadata returned with sampled data.
type VariableSummary struct {
	Name       string         `json:"name"`
	DType      string         `json:"dtype"`
	Shape      []int          `json:"shape"`
	Dimensions []string       `json:"dimensions"`
	Attributes map[string]any `json:"attributes"`
}

// SampledCoordinates are the coordinate values visited by the stride.
type SampledCoordinates struct {
	Latitude  []float64 `json:"latitude"`
	Longitude []float64 `json:"longitude"`
}

// VisualizeResponse is the reduced point cloud of one variable.
type VisualizeResponse struct {
	Variable    VariableSummary       `json:"variable"`
	Data        []domain.SampledPoint `json:"data"`
	Coordinates SampledCoordinates    `json:"coordinates"`
	Statistics  domain.Statistics     `json:"statistics"`
}

// Upload opens the file at req.Path and registers it. On success the store
// owns req.Path and removes it when the dataset is closed; on failure it is
// removed immediately.
func (u *DatasetUseCase) Upload(ctx context.Context, req UploadRequest) (*DatasetResponse, error) {
	ds, extra, err := u.openLocal(req.Path)
	if err != nil {
		removeAll(append(extra, req.Path)...)
		return nil, err
	}
	return u.register(ctx, ds, req.Filename, req.Size, append(extra, req.Path), nil)
}

// LoadURL opens a remote Zarr store with consolidated metadata.
func (u *DatasetUseCase) LoadURL(ctx context.Context, rawURL string) (*DatasetResponse, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	src := zarr.NewHTTPSource(rawURL, u.opts.RemoteTimeout, u.opts.RemoteMaxRetries, u.log.WithField("url", rawURL))
	ds, err := zarr.Open(ctx, src)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	return u.register(ctx, ds, rawURL, 0, nil, ds.Attributes())
}

// Inspect opens a local file, describes it and closes it again without
// registering it. The file itself is left in place.
func (u *DatasetUseCase) Inspect(ctx context.Context, path string) (*DatasetResponse, error) {
	ds, extra, err := u.openLocal(path)
	defer removeAll(extra...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ds.Close() }()

	info, err := u.describe(ctx, ds)
	if err != nil {
		return nil, err
	}
	var size int64
	if st, err := os.Stat(path); err == nil {
		size = st.Size()
	}
	return newDatasetResponse("", filepath.Base(path), size, info, nil), nil
}

// SampleFile runs the reduction against a local file without registering
// it.
func (u *DatasetUseCase) SampleFile(ctx context.Context, path, variableName string, maxPoints int) (*VisualizeResponse, error) {
	ds, extra, err := u.openLocal(path)
	defer removeAll(extra...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ds.Close() }()

	info, err := u.describe(ctx, ds)
	if err != nil {
		return nil, err
	}
	return u.visualize(ctx, ds, info, variableName, maxPoints)
}

// Visualize samples variableName of a registered dataset. maxPoints 0
// selects the default budget.
func (u *DatasetUseCase) Visualize(ctx context.Context, fileID, variableName string, maxPoints int) (*VisualizeResponse, error) {
	entry, release, err := u.store.Acquire(fileID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	resp, err := u.visualize(ctx, entry.Dataset, entry.Info, variableName, maxPoints)
	if err != nil {
		return nil, err
	}
	u.log.WithFields(logrus.Fields{
		"fileId":      fileID,
		"variable":    variableName,
		"totalPoints": resp.Statistics.TotalPoints,
		"sampleRate":  resp.Statistics.SampleRate,
		"count":       resp.Statistics.Count,
		"elapsed":     time.Since(start),
	}).Debug("Variable sampled")
	return resp, nil
}

// VariableInfo returns metadata for one variable of a registered dataset.
func (u *DatasetUseCase) VariableInfo(fileID, variableName string) (*VariableSummary, error) {
	entry, release, err := u.store.Acquire(fileID)
	if err != nil {
		return nil, err
	}
	defer release()

	v, ok := entry.Info.Variable(variableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrVariableNotFound, variableName)
	}
	summary := summarizeVariable(v)
	return &summary, nil
}

// Delete drops a dataset. Unknown ids are not an error.
func (u *DatasetUseCase) Delete(fileID string) error {
	err := u.store.Delete(fileID)
	if errors.Is(err, domain.ErrDatasetNotFound) {
		return nil
	}
	return err
}

// ActiveCount returns the number of registered datasets.
func (u *DatasetUseCase) ActiveCount() int {
	return u.store.Len()
}

// ResolveMaxPoints applies the default and the configured limit.
func (u *DatasetUseCase) ResolveMaxPoints(maxPoints int) (int, error) {
	if maxPoints == 0 {
		return u.opts.DefaultMaxPoints, nil
	}
	if maxPoints < 0 || maxPoints > u.opts.MaxPointsLimit {
		return 0, fmt.Errorf("%w: must be between 1 and %d, got %d", domain.ErrInvalidMaxPoints, u.opts.MaxPointsLimit, maxPoints)
	}
	return maxPoints, nil
}

func (u *DatasetUseCase) visualize(ctx context.Context, ds store.Dataset, info domain.DatasetInfo, variableName string, maxPoints int) (*VisualizeResponse, error) {
	budget, err := u.ResolveMaxPoints(maxPoints)
	if err != nil {
		return nil, err
	}
	v, ok := info.Variable(variableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrVariableNotFound, variableName)
	}
	if info.Coordinates == nil {
		return nil, domain.ErrCoordinatesUnresolved
	}
	lat := info.Coordinates.Latitude.Values
	lon := info.Coordinates.Longitude.Values

	slab, err := ds.ReadSlab(ctx, v)
	if err != nil {
		return nil, domain.Upstream("read "+variableName, err)
	}
	if slab.Rows != len(lat) || slab.Cols != len(lon) {
		return nil, fmt.Errorf("%w: slab is %dx%d, coordinates are %dx%d",
			domain.ErrShapeMismatch, slab.Rows, slab.Cols, len(lat), len(lon))
	}

	res, err := domain.Sample(slab.Values, lat, lon, budget)
	if err != nil {
		return nil, err
	}
	stats, err := domain.Summarize(res.Points, res.TotalPoints, res.SampleRate)
	if err != nil {
		return nil, err
	}

	return &VisualizeResponse{
		Variable: summarizeVariable(v),
		Data:     res.Points,
		Coordinates: SampledCoordinates{
			Latitude:  res.SampledLat,
			Longitude: res.SampledLon,
		},
		Statistics: stats,
	}, nil
}

// openLocal opens an uploaded file. extra lists paths created while
// opening (an extracted archive) that belong to the dataset.
func (u *DatasetUseCase) openLocal(path string) (store.Dataset, []string, error) {
	kind, err := archive.Detect(path)
	if err != nil {
		return nil, nil, domain.Upstream("detect format", err)
	}

	switch kind {
	case archive.KindNetCDF:
		if u.opts.NetCDF == nil {
			return nil, nil, fmt.Errorf("%w: no NetCDF reader configured", ErrUnsupportedFormat)
		}
		ds, err := u.opts.NetCDF.Open(path)
		if err != nil {
			return nil, nil, domain.Upstream("open NetCDF", err)
		}
		return ds, nil, nil

	case archive.KindZip:
		dir := path + ".zarr.d"
		extra := []string{dir}
		if err := archive.ExtractZip(path, dir, u.opts.MaxExtractBytes); err != nil {
			if errors.Is(err, archive.ErrUnsafePath) || errors.Is(err, archive.ErrTooLarge) {
				return nil, extra, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
			}
			return nil, extra, domain.Upstream("extract archive", err)
		}
		root, err := archive.FindZarrRoot(dir)
		if err != nil {
			return nil, extra, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		ds, err := zarr.OpenDir(root)
		if err != nil {
			return nil, extra, classifyOpenError(err)
		}
		return ds, extra, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
}

func classifyOpenError(err error) error {
	if errors.Is(err, zarr.ErrUnsupportedStore) || errors.Is(err, zarr.ErrNoConsolidatedMetadata) {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return domain.Upstream("open zarr", err)
}

// register describes ds and adds it to the store. The dataset is closed
// and paths removed if that fails.
func (u *DatasetUseCase) register(ctx context.Context, ds store.Dataset, name string, size int64, paths []string, metadata map[string]any) (*DatasetResponse, error) {
	info, err := u.describe(ctx, ds)
	if err != nil {
		_ = ds.Close()
		removeAll(paths...)
		return nil, err
	}

	id := u.store.Add(&cache.Entry{
		Dataset:      ds,
		Info:         info,
		OriginalName: name,
		Size:         size,
		Paths:        paths,
	})

	log := u.log.WithFields(logrus.Fields{"fileId": id, "variables": len(info.Variables)})
	if info.Coordinates == nil {
		log.Warn("No latitude/longitude coordinates found")
	} else {
		log = log.WithFields(logrus.Fields{
			"lat": info.Coordinates.Latitude.Name,
			"lon": info.Coordinates.Longitude.Name,
		})
	}
	log.Debug("Dataset described")

	return newDatasetResponse(id, name, size, info, metadata), nil
}

// describe lists the dataset and resolves its coordinates. Coordinates are
// left nil when the locator cannot resolve both axes or matched a variable
// that is not 1-D; visualize then fails with ErrCoordinatesUnresolved.
func (u *DatasetUseCase) describe(ctx context.Context, ds store.Dataset) (domain.DatasetInfo, error) {
	dims, err := ds.Dimensions(ctx)
	if err != nil {
		return domain.DatasetInfo{}, domain.Upstream("list dimensions", err)
	}
	vars, err := ds.Variables(ctx)
	if err != nil {
		return domain.DatasetInfo{}, domain.Upstream("list variables", err)
	}
	info := domain.DatasetInfo{Format: ds.Format(), Dimensions: dims, Variables: vars}

	roles := domain.LocateCoordinates(vars)
	if !roles.Resolved() {
		return info, nil
	}
	for _, m := range []domain.Match{roles.Latitude, roles.Longitude} {
		v, ok := info.Variable(m.Name)
		if !ok || v.Rank() != 1 {
			u.log.WithFields(logrus.Fields{
				"variable": m.Name,
				"rule":     m.Rule.String(),
				"shape":    v.Shape,
			}).Warn("Coordinate variable is not 1-D, coordinates left unresolved")
			return info, nil
		}
	}
	lat, err := ds.ReadCoordinate(ctx, roles.Latitude.Name)
	if err != nil {
		return domain.DatasetInfo{}, domain.Upstream("read latitude", err)
	}
	lon, err := ds.ReadCoordinate(ctx, roles.Longitude.Name)
	if err != nil {
		return domain.DatasetInfo{}, domain.Upstream("read longitude", err)
	}
	info.Coordinates = &domain.Coordinates{
		Latitude:  domain.NewCoordinateArray(roles.Latitude.Name, domain.RoleLatitude, lat),
		Longitude: domain.NewCoordinateArray(roles.Longitude.Name, domain.RoleLongitude, lon),
	}
	return info, nil
}

func newDatasetResponse(id, name string, size int64, info domain.DatasetInfo, metadata map[string]any) *DatasetResponse {
	vars := make([]domain.Variable, len(info.Variables))
	for i, v := range info.Variables {
		v.Attributes = jsonSafe(v.Attributes)
		vars[i] = v
	}
	resp := &DatasetResponse{
		FileID:      id,
		Filename:    name,
		Size:        size,
		Format:      info.Format,
		Dimensions:  info.Dimensions,
		Variables:   vars,
		Coordinates: info.Coordinates,
	}
	if metadata != nil {
		resp.Metadata = jsonSafe(metadata)
	}
	return resp
}

func summarizeVariable(v domain.Variable) VariableSummary {
	return VariableSummary{
		Name:       v.Name,
		DType:      v.DType,
		Shape:      v.Shape,
		Dimensions: v.Dimensions,
		Attributes: jsonSafe(v.Attributes),
	}
}

func removeAll(paths ...string) {
	for _, p := range paths {
		_ = os.RemoveAll(p)
	}
}
