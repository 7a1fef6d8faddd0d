package zarr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrKeyNotFound is returned by a Source for a key that does not exist.
// Missing chunks are read as fill_value.
var ErrKeyNotFound = errors.New("zarr key not found")

// Source is a key/value view of a Zarr store.
type Source interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Lister is implemented by sources that can enumerate their keys, which
// lets stores without consolidated metadata be opened.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// DirSource reads a store laid out on the local filesystem.
type DirSource struct {
	Root string
}

// Get implements Source.
func (s DirSource) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return data, err
}

// List implements Lister.
func (s DirSource) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.Root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys, err
}

func (s DirSource) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid zarr key %q", key)
	}
	return filepath.Join(s.Root, filepath.FromSlash(clean[1:])), nil
}

// HTTPSource reads a store served over HTTP(S). Transient failures are
// retried with exponential backoff.
type HTTPSource struct {
	BaseURL    string
	Client     *http.Client
	MaxRetries uint64
	Logger     logrus.FieldLogger
}

// NewHTTPSource returns an HTTPSource with a client using timeout per
// request.
func NewHTTPSource(baseURL string, timeout time.Duration, maxRetries int, logger logrus.FieldLogger) *HTTPSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPSource{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Client:     &http.Client{Timeout: timeout},
		MaxRetries: uint64(maxRetries),
		Logger:     logger,
	}
}

// Get implements Source.
func (s *HTTPSource) Get(ctx context.Context, key string) ([]byte, error) {
	url := s.BaseURL + "/" + key
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(io.LimitReader(resp.Body, maxChunkBytes))
			return err
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
			// Object stores answer 403 for missing keys on private listings.
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrKeyNotFound, key))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("GET %s: %s", url, resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("GET %s: %s", url, resp.Status))
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.MaxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		s.Logger.WithFields(logrus.Fields{"key": key, "wait": wait}).WithError(err).Warn("Retrying zarr fetch")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return body, nil
}
