package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethpandaops/flakeoor/pkg/config"
)

// Compile-time interface checks.
var (
	_ Reader = (*localReader)(nil)
	_ Writer = (*localWriter)(nil)
)

type localReader struct {
	// paths maps discovery path names to absolute directory paths.
	paths map[string]string
}

// NewLocalReader creates a Reader backed by local filesystem directories.
func NewLocalReader(cfg *config.LocalStorageConfig) Reader {
	paths := make(map[string]string, len(cfg.DiscoveryPaths))
	maps.Copy(paths, cfg.DiscoveryPaths)

	return &localReader{paths: paths}
}

// DiscoveryPaths returns the configured discovery path names sorted.
func (r *localReader) DiscoveryPaths() []string {
	keys := make([]string, 0, len(r.paths))
	for k := range r.paths {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// ListReports walks the discovery path directory for *.xml files.
func (r *localReader) ListReports(
	ctx context.Context, discoveryPath string,
) ([]string, error) {
	root, ok := r.paths[discoveryPath]
	if !ok {
		return nil, fmt.Errorf(
			"unknown discovery path: %q", discoveryPath,
		)
	}

	var keys []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return filepath.SkipDir
			}

			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || !isReport(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		keys = append(keys, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Strings(keys)

	return keys, nil
}

// GetReport reads {dir}/{key}. Returns (nil, nil) when the file does not
// exist.
func (r *localReader) GetReport(
	_ context.Context, discoveryPath, key string,
) ([]byte, error) {
	root, ok := r.paths[discoveryPath]
	if !ok {
		return nil, fmt.Errorf(
			"unknown discovery path: %q", discoveryPath,
		)
	}

	if !validKey(key) {
		return nil, fmt.Errorf("invalid report key %q", key)
	}

	p := filepath.Join(root, filepath.FromSlash(key))

	data, err := os.ReadFile(p) //nolint:gosec // key validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}

type localWriter struct {
	root string
}

// NewLocalWriter creates a Writer that stores objects below root.
func NewLocalWriter(root string) Writer {
	return &localWriter{root: root}
}

// Put writes data to {root}/{key}, creating parent directories.
func (w *localWriter) Put(_ context.Context, key string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	p := filepath.Join(w.root, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", p, err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // report archive
		return fmt.Errorf("writing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("renaming %s: %w", tmp, err)
	}

	return nil
}
