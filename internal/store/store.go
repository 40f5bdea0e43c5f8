// Package store persists panel state in SQLite through gorm.
package store

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/logging"
)

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

type Options struct {
	Path   string
	Logger *slog.Logger
	Now    func() time.Time
}

func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("missing database path")
	}
	lg := opts.Logger
	if lg == nil {
		lg = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	db, err := gorm.Open(sqlite.Open(dsn(opts.Path)), &gorm.Config{
		Logger:  logging.NewGorm(lg),
		NowFunc: func() time.Time { return now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer.
	sqlDB.SetMaxOpenConns(1)

	return &Store{db: db, now: now}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Wrap(apperr.ErrNotFound, "%s not found", what)
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
