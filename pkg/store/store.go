// Package store persists queries, runs, execution records, comparison
// results and settings through gorm.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/querybenchoor/pkg/config"
	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// batchSize bounds the rows per INSERT statement of bulk writes.
const batchSize = 100

// Store provides persistence for querybenchoor entities.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Queries.
	UpsertQuery(ctx context.Context, q *model.Query) error
	GetQuery(ctx context.Context, id uint) (*model.Query, error)
	GetQueryByName(ctx context.Context, name string) (*model.Query, error)
	ListQueries(ctx context.Context, activeOnly bool) ([]model.Query, error)
	SaveTranslation(ctx context.Context, q *model.Query) error
	DeleteQuery(ctx context.Context, id uint) error

	// Runs.
	CreateRun(ctx context.Context, run *model.TestRun) error
	UpdateRun(ctx context.Context, run *model.TestRun) error
	GetRun(ctx context.Context, id uint) (*model.TestRun, error)
	GetRunByKey(ctx context.Context, key string) (*model.TestRun, error)
	ListRuns(ctx context.Context, limit int) ([]model.TestRun, error)
	DeleteRun(ctx context.Context, id uint) error

	// Execution records and comparison results.
	BulkCreateExecutionRecords(ctx context.Context, records []model.ExecutionRecord) error
	ListExecutionRecords(ctx context.Context, runID uint) ([]model.ExecutionRecord, error)
	ReplaceComparisonResults(ctx context.Context, runID uint, results []model.ComparisonResult) error
	ListComparisonResults(ctx context.Context, runID uint) ([]model.ComparisonResult, error)

	// Settings.
	GetSetting(ctx context.Context, key string) (*model.Setting, error)
	SetSetting(ctx context.Context, setting *model.Setting) error
	DeleteSetting(ctx context.Context, key string) error
	ListSettings(ctx context.Context) ([]model.Setting, error)
	SettingsMap(ctx context.Context) (map[string]string, error)

	// Schema.
	TableNames(ctx context.Context) ([]string, error)
	HasTable(ctx context.Context, name string) bool
}

// Compile-time interface check.
var _ Store = (*store)(nil)

// managedModels are migrated on Start, parents first.
var managedModels = []any{
	&model.Query{},
	&model.TestRun{},
	&model.ExecutionRecord{},
	&model.ComparisonResult{},
	&model.Setting{},
}

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
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
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

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection serializes writers and keeps :memory:
		// databases from splitting across connections.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(managedModels...); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

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

// notFound maps gorm's missing-record error onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

// --- Schema ---

// TableNames returns the managed tables that exist in the database.
func (s *store) TableNames(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(managedModels))

	for _, m := range managedModels {
		stmt := &gorm.Statement{DB: s.db}
		if err := stmt.Parse(m); err != nil {
			return nil, fmt.Errorf("parsing model schema: %w", err)
		}

		if s.HasTable(ctx, stmt.Schema.Table) {
			names = append(names, stmt.Schema.Table)
		}
	}

	return names, nil
}

// HasTable reports whether a table exists.
func (s *store) HasTable(ctx context.Context, name string) bool {
	return s.db.WithContext(ctx).Migrator().HasTable(name)
}
