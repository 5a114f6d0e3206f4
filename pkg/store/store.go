// Package store persists pipeline runs, test cases and their executions.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethpandaops/flakeoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when an insert violates a unique index.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Store is the persistence layer for runs, test cases and executions.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Transaction runs fn against a Store bound to a single transaction.
	// Returning an error rolls back everything fn wrote. Transactions
	// started from a transaction-bound Store become savepoints.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uint) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	DeleteRun(ctx context.Context, id uint) error

	CreateTestCase(ctx context.Context, tc *TestCase) error
	GetTestCase(ctx context.Context, id uint) (*TestCase, error)
	GetTestCaseByKey(ctx context.Context, identityKey string) (*TestCase, error)
	BackfillTestCase(
		ctx context.Context, id uint, suite, filePath *string,
	) (*TestCase, error)
	ListTestCases(ctx context.Context, limit int) ([]TestCase, error)
	DeleteTestCase(ctx context.Context, id uint) error

	AppendExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	ListTestCaseHistory(ctx context.Context, testCaseID uint) ([]Execution, error)
	ListOutcomeHistories(ctx context.Context) ([]OutcomeHistory, error)
	CountExecutions(ctx context.Context) (int64, error)
	CountExecutionsByOutcome(ctx context.Context) ([]OutcomeCount, error)
	SetClassification(
		ctx context.Context, executionID uint, reasonCode, classifiedAs *string,
	) error
	ListFailureGroups(ctx context.Context, limit int) ([]FailureGroup, error)

	ListImportedReportKeys(ctx context.Context, discoveryPath string) ([]string, error)
	RecordImportedReport(ctx context.Context, report *ImportedReport) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// SQLite allows a single writer; one connection serializes
		// concurrent transactions instead of failing them with SQLITE_BUSY,
		// and keeps a :memory: database shared.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&TestCase{},
		&Execution{},
		&ImportedReport{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Transaction runs fn inside a database transaction.
func (s *store) Transaction(
	ctx context.Context, fn func(tx Store) error,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{log: s.log, cfg: s.cfg, db: tx})
	})
}

// CreateRun inserts a new run.
func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// GetRun returns the run with the given ID or ErrNotFound.
func (s *store) GetRun(ctx context.Context, id uint) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, notFound(err, "getting run %d", id)
	}

	return &run, nil
}

// ListRuns returns runs ordered newest first. A non-positive limit
// returns all runs.
func (s *store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	if err := withLimit(s.db.WithContext(ctx), limit).
		Order("started_at DESC, id DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and all of its executions.
func (s *store) DeleteRun(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", id).
			Delete(&Execution{}).Error; err != nil {
			return fmt.Errorf("deleting executions for run %d: %w", id, err)
		}

		result := tx.Delete(&Run{}, id)
		if result.Error != nil {
			return fmt.Errorf("deleting run %d: %w", id, result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("deleting run %d: %w", id, ErrNotFound)
		}

		return nil
	})
}

// CreateTestCase inserts a new test case. The insert runs in its own
// (nested) transaction so that a unique violation on identity_key leaves
// any enclosing transaction usable; the violation is reported as
// ErrDuplicateKey.
func (s *store) CreateTestCase(ctx context.Context, tc *TestCase) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(tc).Error
	})
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf(
				"creating test case %q: %w", tc.IdentityKey, ErrDuplicateKey,
			)
		}

		return fmt.Errorf("creating test case %q: %w", tc.IdentityKey, err)
	}

	return nil
}

// GetTestCase returns the test case with the given ID or ErrNotFound.
func (s *store) GetTestCase(ctx context.Context, id uint) (*TestCase, error) {
	var tc TestCase
	if err := s.db.WithContext(ctx).First(&tc, id).Error; err != nil {
		return nil, notFound(err, "getting test case %d", id)
	}

	return &tc, nil
}

// GetTestCaseByKey returns the test case with the given identity key or
// ErrNotFound.
func (s *store) GetTestCaseByKey(
	ctx context.Context, identityKey string,
) (*TestCase, error) {
	var tc TestCase
	if err := s.db.WithContext(ctx).
		Where("identity_key = ?", identityKey).
		First(&tc).Error; err != nil {
		return nil, notFound(err, "getting test case %q", identityKey)
	}

	return &tc, nil
}

// BackfillTestCase sets suite and file_path on a test case only where they
// are still NULL, so the first written value wins even when two writers
// race. It returns the stored row after the update.
func (s *store) BackfillTestCase(
	ctx context.Context, id uint, suite, filePath *string,
) (*TestCase, error) {
	if suite != nil {
		if err := s.db.WithContext(ctx).
			Model(&TestCase{}).
			Where("id = ? AND suite IS NULL", id).
			Update("suite", *suite).Error; err != nil {
			return nil, fmt.Errorf("backfilling suite for test case %d: %w", id, err)
		}
	}

	if filePath != nil {
		if err := s.db.WithContext(ctx).
			Model(&TestCase{}).
			Where("id = ? AND file_path IS NULL", id).
			Update("file_path", *filePath).Error; err != nil {
			return nil, fmt.Errorf("backfilling file path for test case %d: %w", id, err)
		}
	}

	return s.GetTestCase(ctx, id)
}

// ListTestCases returns test cases ordered by ID.
func (s *store) ListTestCases(ctx context.Context, limit int) ([]TestCase, error) {
	var tcs []TestCase
	if err := withLimit(s.db.WithContext(ctx), limit).
		Order("id ASC").
		Find(&tcs).Error; err != nil {
		return nil, fmt.Errorf("listing test cases: %w", err)
	}

	return tcs, nil
}

// DeleteTestCase deletes a test case and all of its executions.
func (s *store) DeleteTestCase(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("test_case_id = ?", id).
			Delete(&Execution{}).Error; err != nil {
			return fmt.Errorf("deleting executions for test case %d: %w", id, err)
		}

		result := tx.Delete(&TestCase{}, id)
		if result.Error != nil {
			return fmt.Errorf("deleting test case %d: %w", id, result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("deleting test case %d: %w", id, ErrNotFound)
		}

		return nil
	})
}

// AppendExecution inserts a new execution row.
func (s *store) AppendExecution(ctx context.Context, exec *Execution) error {
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("appending execution: %w", err)
	}

	return nil
}

// ListExecutions returns executions matching filter, newest first.
func (s *store) ListExecutions(
	ctx context.Context, filter ExecutionFilter,
) ([]Execution, error) {
	q := withLimit(s.db.WithContext(ctx), filter.Limit)

	if filter.RunID != 0 {
		q = q.Where("run_id = ?", filter.RunID)
	}

	if filter.TestCaseID != 0 {
		q = q.Where("test_case_id = ?", filter.TestCaseID)
	}

	if filter.Outcome != "" {
		q = q.Where("outcome = ?", filter.Outcome)
	}

	var execs []Execution
	if err := q.Order("id DESC").Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	return execs, nil
}

// ListTestCaseHistory returns a test case's executions oldest first, ties
// broken by insertion order.
func (s *store) ListTestCaseHistory(
	ctx context.Context, testCaseID uint,
) ([]Execution, error) {
	var execs []Execution
	if err := s.db.WithContext(ctx).
		Where("test_case_id = ?", testCaseID).
		Order("created_at ASC, id ASC").
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing history for test case %d: %w", testCaseID, err)
	}

	return execs, nil
}

// ListOutcomeHistories returns the ordered outcome sequence of every test
// case that has at least one execution, ordered by test case ID.
func (s *store) ListOutcomeHistories(ctx context.Context) ([]OutcomeHistory, error) {
	type row struct {
		TestCaseID  uint
		IdentityKey string
		Outcome     string
	}

	var rows []row
	if err := s.db.WithContext(ctx).
		Table("executions").
		Select("executions.test_case_id, test_cases.identity_key, executions.outcome").
		Joins("JOIN test_cases ON test_cases.id = executions.test_case_id").
		Order("executions.test_case_id ASC, executions.created_at ASC, executions.id ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing outcome histories: %w", err)
	}

	var histories []OutcomeHistory

	for _, r := range rows {
		n := len(histories)
		if n == 0 || histories[n-1].TestCaseID != r.TestCaseID {
			histories = append(histories, OutcomeHistory{
				TestCaseID:  r.TestCaseID,
				IdentityKey: r.IdentityKey,
			})
			n++
		}

		histories[n-1].Outcomes = append(histories[n-1].Outcomes, r.Outcome)
	}

	return histories, nil
}

// CountExecutions returns the total number of executions.
func (s *store) CountExecutions(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).
		Model(&Execution{}).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}

	return n, nil
}

// CountExecutionsByOutcome returns execution counts per outcome.
func (s *store) CountExecutionsByOutcome(ctx context.Context) ([]OutcomeCount, error) {
	var counts []OutcomeCount
	if err := s.db.WithContext(ctx).
		Model(&Execution{}).
		Select("outcome, COUNT(*) AS count").
		Group("outcome").
		Order("outcome ASC").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("counting executions by outcome: %w", err)
	}

	return counts, nil
}

// SetClassification records the downstream classifier's verdict on an
// execution. These are the only mutable execution columns; nil arguments
// leave the stored value unchanged.
func (s *store) SetClassification(
	ctx context.Context, executionID uint, reasonCode, classifiedAs *string,
) error {
	updates := make(map[string]any, 2)

	if reasonCode != nil {
		updates["reason_code"] = *reasonCode
	}

	if classifiedAs != nil {
		updates["classified_as"] = *classifiedAs
	}

	if len(updates) == 0 {
		return fmt.Errorf("classifying execution %d: nothing to update", executionID)
	}

	result := s.db.WithContext(ctx).
		Model(&Execution{}).
		Where("id = ?", executionID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("classifying execution %d: %w", executionID, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("classifying execution %d: %w", executionID, ErrNotFound)
	}

	return nil
}

// ListFailureGroups groups failed and errored executions by error
// fingerprint, largest group first.
func (s *store) ListFailureGroups(ctx context.Context, limit int) ([]FailureGroup, error) {
	var execs []Execution
	if err := s.db.WithContext(ctx).
		Select("id, test_case_id, error_fingerprint, error_message, created_at").
		Where("error_fingerprint IS NOT NULL AND outcome IN ?",
			[]string{"failed", "error"}).
		Order("id ASC").
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing failing executions: %w", err)
	}

	type group struct {
		FailureGroup
		testCases map[uint]struct{}
	}

	groups := make(map[string]*group, 16)

	for i := range execs {
		e := &execs[i]
		fp := *e.ErrorFingerprint

		g, ok := groups[fp]
		if !ok {
			g = &group{
				FailureGroup: FailureGroup{Fingerprint: fp},
				testCases:    make(map[uint]struct{}, 4),
			}
			groups[fp] = g
		}

		g.Count++
		g.testCases[e.TestCaseID] = struct{}{}

		// Rows are ordered by ID, so the latest message wins.
		if e.ErrorMessage != nil {
			g.SampleMessage = *e.ErrorMessage
		}

		if e.CreatedAt.After(g.LastSeen) {
			g.LastSeen = e.CreatedAt
		}
	}

	out := make([]FailureGroup, 0, len(groups))
	for _, g := range groups {
		g.TestCases = int64(len(g.testCases))
		out = append(out, g.FailureGroup)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}

		return out[i].Fingerprint < out[j].Fingerprint
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// ListImportedReportKeys returns the keys already processed for a
// discovery path.
func (s *store) ListImportedReportKeys(
	ctx context.Context, discoveryPath string,
) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).
		Model(&ImportedReport{}).
		Where("discovery_path = ?", discoveryPath).
		Pluck("report_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("listing imported report keys: %w", err)
	}

	return keys, nil
}

// RecordImportedReport stores the import result for a report. Recording
// the same discovery path and key twice keeps the first record.
func (s *store) RecordImportedReport(
	ctx context.Context, report *ImportedReport,
) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "discovery_path"}, {Name: "report_key"},
			},
			DoNothing: true,
		}).
		Create(report).Error; err != nil {
		return fmt.Errorf("recording imported report: %w", err)
	}

	return nil
}

func withLimit(db *gorm.DB, limit int) *gorm.DB {
	if limit > 0 {
		return db.Limit(limit)
	}

	return db
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}

	return fmt.Errorf(format+": %w", append(args, err)...)
}

// isDuplicateKey reports whether err is a unique constraint violation.
// Drivers that do not translate errors are matched by message.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
