package ingest_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/flakeoor/pkg/config"
	"github.com/ethpandaops/flakeoor/pkg/ingest"
	"github.com/ethpandaops/flakeoor/pkg/storage"
	"github.com/ethpandaops/flakeoor/pkg/store"
)

const minimalReport = `<?xml version="1.0" encoding="utf-8"?>
<testsuites>
  <testsuite name="pytest">
    <testcase classname="pkg.mod" name="test_x" time="0.5"/>
    <testcase classname="pkg.mod" name="test_y" time="1.25">
      <failure message="AssertionError: boom">traceback</failure>
    </testcase>
  </testsuite>
</testsuites>`

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newService(st store.Store, archive storage.Writer) ingest.Service {
	return ingest.NewService(testLogger(), st, ingest.Options{
		Defaults:      ingest.RunDefaults{Provider: "github", Status: "unknown"},
		FileExtension: ".py",
		Archive:       archive,
		ArchivePrefix: "archive",
	})
}

func countExecutions(t *testing.T, st store.Store) int64 {
	t.Helper()

	n, err := st.CountExecutions(context.Background())
	require.NoError(t, err)

	return n
}

func TestIngest_MinimalReport(t *testing.T) {
	st := setupTestStore(t)
	svc := newService(st, nil)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, []byte(minimalReport), nil, ingest.RunMetadata{
		Workflow: "ci",
		Branch:   "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TestsIngested)
	assert.NotZero(t, res.RunID)

	run, err := st.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "github", run.Provider)
	assert.Equal(t, "unknown", run.Status)
	require.NotNil(t, run.Workflow)
	assert.Equal(t, "ci", *run.Workflow)
	assert.Nil(t, run.Repo)

	tc, err := st.GetTestCaseByKey(ctx, "pkg.mod::test_y")
	require.NoError(t, err)
	require.NotNil(t, tc.Suite)
	assert.Equal(t, "pkg", *tc.Suite)
	require.NotNil(t, tc.FilePath)
	assert.Equal(t, "pkg/mod.py", *tc.FilePath)

	execs, err := st.ListTestCaseHistory(ctx, tc.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	exec := execs[0]
	assert.Equal(t, "failed", exec.Outcome)
	assert.Equal(t, res.RunID, exec.RunID)
	require.NotNil(t, exec.ErrorMessage)
	assert.Equal(t, "AssertionError: boom", *exec.ErrorMessage)
	require.NotNil(t, exec.ErrorFingerprint)
	assert.Len(t, *exec.ErrorFingerprint, 32)
	require.NotNil(t, exec.FailureKind)
	assert.Equal(t, "failure", *exec.FailureKind)
	require.NotNil(t, exec.DurationSec)
	assert.InDelta(t, 1.25, *exec.DurationSec, 1e-9)
}

func TestIngest_SameReportTwice(t *testing.T) {
	st := setupTestStore(t)
	svc := newService(st, nil)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, []byte(minimalReport), nil, ingest.RunMetadata{})
	require.NoError(t, err)

	second, err := svc.Ingest(ctx, []byte(minimalReport), nil, ingest.RunMetadata{})
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, int64(4), countExecutions(t, st))

	tcs, err := st.ListTestCases(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, tcs, 2)
}

func TestIngest_ExplicitRun(t *testing.T) {
	st := setupTestStore(t)
	svc := newService(st, nil)
	ctx := context.Background()

	run := &store.Run{Provider: "gitlab", Status: "running", StartedAt: time.Now()}
	require.NoError(t, st.CreateRun(ctx, run))

	res, err := svc.Ingest(ctx, []byte(minimalReport), &run.ID, ingest.RunMetadata{
		Provider: "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, run.ID, res.RunID)

	runs, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestIngest_Errors(t *testing.T) {
	missing := uint(999)

	tests := []struct {
		name     string
		data     string
		runID    *uint
		wantKind string
		wantErr  error
	}{
		{
			name:     "empty upload",
			data:     "",
			wantKind: ingest.KindEmptyReport,
			wantErr:  ingest.ErrEmptyReport,
		},
		{
			name:     "truncated xml",
			data:     `<testsuites><testsuite><testcase name="a">`,
			wantKind: ingest.KindMalformedReport,
		},
		{
			name:     "not xml",
			data:     "hello world",
			wantKind: ingest.KindMalformedReport,
		},
		{
			name:     "unknown run",
			data:     minimalReport,
			runID:    &missing,
			wantKind: ingest.KindRunNotFound,
			wantErr:  ingest.ErrRunNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := setupTestStore(t)
			svc := newService(st, nil)
			ctx := context.Background()

			res, err := svc.Ingest(ctx, []byte(tt.data), tt.runID, ingest.RunMetadata{})
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.wantKind, ingest.Kind(err))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			assert.Zero(t, countExecutions(t, st))

			runs, err := st.ListRuns(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, runs)

			tcs, err := st.ListTestCases(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, tcs)
		})
	}
}

func TestIngest_NoTestcasesCreatesRun(t *testing.T) {
	st := setupTestStore(t)
	svc := newService(st, nil)

	res, err := svc.Ingest(
		context.Background(), []byte(`<testsuites/>`), nil, ingest.RunMetadata{},
	)
	require.NoError(t, err)
	assert.Zero(t, res.TestsIngested)
	assert.NotZero(t, res.RunID)
	assert.Zero(t, countExecutions(t, st))
}

func TestIngest_BackfillFirstWriteWins(t *testing.T) {
	st := setupTestStore(t)
	svc := newService(st, nil)
	ctx := context.Background()

	// No classname: identity key "test_z", no suite or file path.
	_, err := svc.Ingest(ctx, []byte(`<testsuite><testcase name="test_z"/></testsuite>`),
		nil, ingest.RunMetadata{})
	require.NoError(t, err)

	tc, err := st.GetTestCaseByKey(ctx, "test_z")
	require.NoError(t, err)
	assert.Nil(t, tc.Suite)
	assert.Nil(t, tc.FilePath)

	suite, file := "first", "first/file.py"
	got, err := ingest.ResolveTestCase(ctx, testLogger(), st, "test_z", &suite, &file)
	require.NoError(t, err)
	assert.Equal(t, tc.ID, got.ID)
	require.NotNil(t, got.Suite)
	assert.Equal(t, "first", *got.Suite)

	other, otherFile := "second", "second/file.py"
	got, err = ingest.ResolveTestCase(ctx, testLogger(), st, "test_z", &other, &otherFile)
	require.NoError(t, err)
	assert.Equal(t, "first", *got.Suite)
	assert.Equal(t, "first/file.py", *got.FilePath)
}

func TestIngest_ConcurrentSameIdentity(t *testing.T) {
	st := setupTestStore(t)
	svc := newService(st, nil)
	ctx := context.Background()

	const workers = 8

	var wg sync.WaitGroup

	errs := make([]error, workers)

	for i := range workers {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, errs[i] = svc.Ingest(ctx, []byte(minimalReport), nil, ingest.RunMetadata{})
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	tcs, err := st.ListTestCases(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, tcs, 2)
	assert.Equal(t, int64(2*workers), countExecutions(t, st))
}

func TestIngest_ArchivesReport(t *testing.T) {
	st := setupTestStore(t)
	dir := t.TempDir()
	svc := newService(st, storage.NewLocalWriter(dir))

	res, err := svc.Ingest(context.Background(), []byte(minimalReport), nil, ingest.RunMetadata{})
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "archive", "runs", "1", "*.xml"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, uint(1), res.RunID)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, minimalReport, string(data))
}

func TestIngest_WithoutArchive(t *testing.T) {
	st := setupTestStore(t)
	dir := t.TempDir()
	svc := newService(st, storage.NewLocalWriter(dir))

	ctx := ingest.WithoutArchive(context.Background())

	res, err := svc.Ingest(ctx, []byte(minimalReport), nil, ingest.RunMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TestsIngested)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingWriter struct{}

func (failingWriter) Put(context.Context, string, []byte) error {
	return errors.New("bucket unavailable")
}

func TestIngest_ArchiveFailureDoesNotFailIngest(t *testing.T) {
	st := setupTestStore(t)
	svc := newService(st, failingWriter{})

	res, err := svc.Ingest(context.Background(), []byte(minimalReport), nil, ingest.RunMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TestsIngested)
	assert.Equal(t, int64(2), countExecutions(t, st))
}

func TestArchiveKey(t *testing.T) {
	ts := time.Unix(0, 1700000000123456789)

	assert.Equal(t,
		"archive/runs/7/1700000000123456789.xml",
		ingest.ArchiveKey("archive", 7, ts),
	)
	assert.Equal(t,
		"runs/7/1700000000123456789.xml",
		ingest.ArchiveKey("", 7, ts),
	)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", ingest.Kind(nil))
	assert.Equal(t, ingest.KindInternal, ingest.Kind(errors.New("disk full")))
	assert.Equal(t, ingest.KindRunNotFound, ingest.Kind(
		errors.Join(errors.New("wrapped"), ingest.ErrRunNotFound),
	))
}
