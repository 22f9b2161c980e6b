package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var bucketNameRE = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// Store is the SQLite-backed metadata catalog. All methods are safe for
// concurrent use; SQLite serializes writers via the busy_timeout pragma.
type Store struct {
	db       *gorm.DB
	validate *validator.Validate
}

// Open opens (creating if needed) the catalog database at path and runs
// schema migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}

	v := validator.New()
	if err := v.RegisterValidation("bucketname", func(fl validator.FieldLevel) bool {
		return bucketNameRE.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}

	return &Store{db: db, validate: v}, nil
}

// DB exposes the underlying GORM handle for export/import tooling.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueConstraintError detects SQLite unique constraint violations.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// notFound maps gorm.ErrRecordNotFound onto the given domain error.
func notFound(err, domain error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain
	}
	return err
}
