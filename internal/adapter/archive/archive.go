// Package archive classifies uploaded files and unpacks zipped Zarr stores.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"
)

// Kind is the detected type of an uploaded file.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetCDF
	KindZip
)

func (k Kind) String() string {
	switch k {
	case KindNetCDF:
		return "netcdf"
	case KindZip:
		return "zip"
	default:
		return "unknown"
	}
}

var (
	// ErrUnsafePath is returned for zip entries that would land outside the
	// extraction directory.
	ErrUnsafePath = errors.New("zip entry escapes extraction directory")
	// ErrTooLarge is returned when extraction exceeds the byte budget.
	ErrTooLarge = errors.New("archive exceeds extraction limit")
	// ErrNoZarrStore is returned when an extracted tree holds no Zarr store.
	ErrNoZarrStore = errors.New("no zarr store found in archive")
)

// Magic numbers of NetCDF classic (CDF\x01, CDF\x02, CDF\x05) and
// NetCDF-4 (HDF5) files.
var (
	cdfMagic  = []byte("CDF")
	hdf5Magic = []byte("\x89HDF\r\n\x1a\n")
)

// Detect classifies the file at path by extension, falling back to its
// content.
func Detect(path string) (Kind, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".nc", ".nc4", ".netcdf", ".cdf", ".h5", ".hdf5":
		return KindNetCDF, nil
	case ".zip":
		return KindZip, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return KindUnknown, err
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return KindUnknown, err
	}
	head = head[:n]
	if hasPrefix(head, cdfMagic) || hasPrefix(head, hdf5Magic) {
		return KindNetCDF, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return KindUnknown, err
	}
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return KindUnknown, err
	}
	if mt.Is("application/zip") {
		return KindZip, nil
	}
	return KindUnknown, nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// ExtractZip unpacks src into dst, refusing entries that escape dst and
// stopping once more than maxBytes have been written. maxBytes <= 0 means
// no limit.
func ExtractZip(src, dst string, maxBytes int64) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer func() { _ = r.Close() }()

	root, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	//nolint:gosec // G301: Extraction directory is private to the upload.
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	var written int64
	for _, f := range r.File {
		target, err := safeJoin(root, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			//nolint:gosec // G301: Extraction directory is private to the upload.
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}

		budget := int64(-1)
		if maxBytes > 0 {
			budget = maxBytes - written
		}
		n, err := extractFile(f, target, budget)
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	//nolint:gosec // G301: Extraction directory is private to the upload.
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	//nolint:gosec // G304: target is validated by safeJoin.
	out, err := os.Create(target)
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Close() }()

	var r io.Reader = rc
	if budget >= 0 {
		r = io.LimitReader(rc, budget+1)
	}
	n, err := io.Copy(out, r)
	if err != nil {
		return n, fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	if budget >= 0 && n > budget {
		return n, ErrTooLarge
	}
	return n, nil
}

func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

// FindZarrRoot returns the shallowest directory under dir holding Zarr
// group or array metadata. Archives often wrap the store in one extra
// folder.
func FindZarrRoot(dir string) (string, error) {
	best := ""
	bestDepth := -1
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// Skip macOS resource forks.
			if d.Name() == "__MACOSX" {
				return filepath.SkipDir
			}
			return nil
		}
		switch d.Name() {
		case ".zgroup", ".zmetadata", ".zarray":
		default:
			return nil
		}
		parent := filepath.Dir(p)
		depth := strings.Count(filepath.ToSlash(strings.TrimPrefix(parent, dir)), "/")
		if bestDepth < 0 || depth < bestDepth {
			best, bestDepth = parent, depth
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if best == "" {
		return "", ErrNoZarrStore
	}
	return best, nil
}
