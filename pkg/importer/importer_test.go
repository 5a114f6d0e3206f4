package importer_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/flakeoor/pkg/config"
	"github.com/ethpandaops/flakeoor/pkg/importer"
	"github.com/ethpandaops/flakeoor/pkg/ingest"
	"github.com/ethpandaops/flakeoor/pkg/storage"
	"github.com/ethpandaops/flakeoor/pkg/store"
)

const report = `<testsuite><testcase classname="pkg.mod" name="test_x"/></testsuite>`

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type fixture struct {
	store    store.Store
	importer importer.Importer
}

func setup(t *testing.T, root string) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	reader := storage.NewLocalReader(&config.LocalStorageConfig{
		Enabled:        true,
		DiscoveryPaths: map[string]string{"ci": root},
	})

	svc := ingest.NewService(log, st, ingest.Options{
		Defaults: ingest.RunDefaults{Provider: "github", Status: "unknown"},
	})

	return &fixture{
		store: st,
		importer: importer.NewImporter(log, st, reader, svc, importer.Options{
			Interval:    time.Hour,
			Concurrency: 2,
			Provider:    "nightly-import",
		}),
	}
}

func TestRunOnce(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.xml"), report)
	writeFile(t, filepath.Join(root, "sub", "b.xml"), report)
	writeFile(t, filepath.Join(root, "bad.xml"), "<testsuite><testcase")
	writeFile(t, filepath.Join(root, "empty.xml"), "")
	writeFile(t, filepath.Join(root, "notes.txt"), report)

	f := setup(t, root)
	ctx := context.Background()

	sum, err := f.importer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &importer.Summary{Discovered: 4, Ingested: 2, Failed: 2}, sum)

	runs, err := f.store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	externalIDs := make([]string, 0, len(runs))

	for _, r := range runs {
		assert.Equal(t, "nightly-import", r.Provider)
		require.NotNil(t, r.Workflow)
		assert.Equal(t, "ci", *r.Workflow)
		require.NotNil(t, r.RunExternalID)

		externalIDs = append(externalIDs, *r.RunExternalID)
	}

	assert.ElementsMatch(t, []string{"a.xml", "sub/b.xml"}, externalIDs)

	keys, err := f.store.ListImportedReportKeys(ctx, "ci")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.xml", "bad.xml", "empty.xml", "sub/b.xml"}, keys)

	// Nothing is imported twice.
	sum, err = f.importer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &importer.Summary{Discovered: 4, Skipped: 4}, sum)

	n, err := f.store.CountExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// New files are picked up by the next pass.
	writeFile(t, filepath.Join(root, "c.xml"), report)

	sum, err = f.importer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Ingested)
	assert.Equal(t, int64(4), sum.Skipped)
}

func TestRunOnce_DoesNotArchiveImportedReports(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.xml"), report)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	reader := storage.NewLocalReader(&config.LocalStorageConfig{
		Enabled:        true,
		DiscoveryPaths: map[string]string{"ci": root},
	})

	// The archive lands inside the discovery path.
	svc := ingest.NewService(log, st, ingest.Options{
		Defaults:      ingest.RunDefaults{Provider: "github", Status: "unknown"},
		Archive:       storage.NewLocalWriter(root),
		ArchivePrefix: "archive",
	})

	im := importer.NewImporter(log, st, reader, svc, importer.Options{
		Interval: time.Hour,
	})

	ctx := context.Background()

	for pass := 0; pass < 3; pass++ {
		_, err := im.RunOnce(ctx)
		require.NoError(t, err)
	}

	runs, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	n, err := st.CountExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.NoDirExists(t, filepath.Join(root, "archive"))
}

func TestRunOnce_MissingDirectory(t *testing.T) {
	f := setup(t, filepath.Join(t.TempDir(), "does-not-exist"))

	sum, err := f.importer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &importer.Summary{}, sum)
}

func TestStartStop(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.xml"), report)

	f := setup(t, root)
	ctx := context.Background()

	require.NoError(t, f.importer.Start(ctx))

	require.Eventually(t, func() bool {
		keys, err := f.store.ListImportedReportKeys(ctx, "ci")

		return err == nil && len(keys) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.importer.Stop())
}
