// Package storage reads and writes report files in a local directory tree
// or an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethpandaops/flakeoor/pkg/config"
)

// ReportSuffix is the file suffix of importable reports.
const ReportSuffix = ".xml"

// Reader provides read access to report files stored in a backend. It is
// used by the importer to discover and read reports without knowing the
// underlying storage details.
type Reader interface {
	// ListReports returns the keys of all *.xml files below the given
	// discovery path, relative to it and sorted.
	ListReports(ctx context.Context, discoveryPath string) ([]string, error)

	// GetReport reads a report by key. Returns (nil, nil) when the key
	// does not exist.
	GetReport(ctx context.Context, discoveryPath, key string) ([]byte, error)

	// DiscoveryPaths returns all configured discovery paths.
	DiscoveryPaths() []string
}

// Writer stores objects in a backend.
type Writer interface {
	Put(ctx context.Context, key string, data []byte) error
}

// NewReader returns the Reader for the enabled backend.
func NewReader(cfg *config.StorageConfig) (Reader, error) {
	switch {
	case cfg.S3Enabled():
		return NewS3Reader(cfg.S3), nil
	case cfg.LocalEnabled():
		return NewLocalReader(cfg.Local), nil
	default:
		return nil, fmt.Errorf("no storage backend configured")
	}
}

// NewWriter returns the Writer for the enabled backend.
func NewWriter(cfg *config.StorageConfig) (Writer, error) {
	switch {
	case cfg.S3Enabled():
		return NewS3Writer(cfg.S3), nil
	case cfg.LocalEnabled():
		if cfg.Local.ArchiveDir == "" {
			return nil, fmt.Errorf("storage.local: archive_dir is required for archiving")
		}

		return NewLocalWriter(cfg.Local.ArchiveDir), nil
	default:
		return nil, fmt.Errorf("no storage backend configured")
	}
}

func isReport(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ReportSuffix)
}

// validKey rejects keys that could escape the discovery path.
func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}

	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}

	return true
}
