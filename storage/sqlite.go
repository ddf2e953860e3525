package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/c360studio/casegen/testcase"
)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path     string
	LogLevel logger.LogLevel
	Logger   *slog.Logger
}

// SQLite stores accepted cases in a local database file.
type SQLite struct {
	db  *gorm.DB
	now func() time.Time
}

// slogWriter routes gorm's log lines into slog.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Debug(fmt.Sprintf(format, args...), "component", "sqlite")
}

// OpenSQLite opens (creating if needed) the database at cfg.Path and runs
// migrations.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logger.Warn
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)

	gormLogger := logger.New(slogWriter{logger: cfg.Logger}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  cfg.LogLevel,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer; a single connection avoids "database is locked".
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.AutoMigrate(&Record{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// SaveCases upserts cases under target. Saving the same case twice updates
// the stored row.
func (s *SQLite) SaveCases(ctx context.Context, target, batchID, featureName string, cases []testcase.TestCase) error {
	if len(cases) == 0 {
		return nil
	}
	acceptedAt := s.now().UTC()
	records := make([]Record, 0, len(cases))
	for _, tc := range cases {
		records = append(records, NewRecord(target, batchID, featureName, tc, acceptedAt))
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("save %d cases: %w", len(records), err)
	}
	return nil
}

// ListByTarget returns the records stored under target, oldest first.
func (s *SQLite) ListByTarget(ctx context.Context, target string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("target = ?", target).
		Order("accepted_at ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list cases for %q: %w", target, err)
	}
	return records, nil
}

// Targets returns every distinct target with at least one stored case.
func (s *SQLite) Targets(ctx context.Context) ([]string, error) {
	var targets []string
	if err := s.db.WithContext(ctx).Model(&Record{}).Distinct("target").Pluck("target", &targets).Error; err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	sort.Strings(targets)
	return targets, nil
}

// Delete removes one stored case.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Record{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete case %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
