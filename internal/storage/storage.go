package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options configures the local SQLite store.
type Options struct {
	Path          string
	BusyTimeoutMs int
	LogLevel      string // silent, error, warn, info
}

// Store is the local relational mirror of broker state plus the agent's own
// annotations. A Store returned by Transaction is bound to that transaction.
type Store struct {
	db   *gorm.DB
	path string
}

// RequiredTables lists every table the agent expects after migration.
var RequiredTables = []string{
	"positions", "trades", "daily_snapshots", "execution_logs", "circuit_breaker",
	"strategy_params", "reconciliation_logs", "metrics", "schema_version",
}

// Open creates the database directory, opens SQLite in WAL mode and applies
// pending migrations.
func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	busy := opts.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}

	// Connection-scoped pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_synchronous=NORMAL", opts.Path, busy)

	logLevel := logger.Silent
	switch opts.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.Exec("PRAGMA wal_autocheckpoint = 500").Error; err != nil {
		return nil, fmt.Errorf("set wal_autocheckpoint: %w", err)
	}

	s := &Store{db: db, path: opts.Path}
	if err := s.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Transaction runs fn inside one all-or-nothing unit. Calling Transaction on a
// Store that is already transactional opens a savepoint.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, path: s.path})
	})
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// IntegrityCheck runs PRAGMA integrity_check and verifies the schema tables exist.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.WithContext(ctx).Raw("PRAGMA integrity_check").Scan(&result).Error; err != nil {
		return fmt.Errorf("integrity_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check returned %q", result)
	}

	var names []string
	if err := s.db.WithContext(ctx).Raw("SELECT name FROM sqlite_master WHERE type = 'table'").Scan(&names).Error; err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	var missing []string
	for _, t := range RequiredTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tables: %v", missing)
	}
	return nil
}

// Backup writes a consistent copy of the database into dir and keeps only the
// newest `keep` backup files. It returns the path of the new backup.
func (s *Store) Backup(ctx context.Context, dir string, keep int, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	target := filepath.Join(dir, fmt.Sprintf("trading-%s.db", now.Format("20060102")))
	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove stale backup: %w", err)
	}
	if err := s.db.WithContext(ctx).Exec("VACUUM INTO ?", target).Error; err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", target, err)
	}

	if err := pruneBackups(dir, keep); err != nil {
		log.Printf("⚠️ Backup pruning failed: %v", err)
	}
	return target, nil
}

func pruneBackups(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "trading-*.db"))
	if err != nil {
		return err
	}
	// trading-YYYYMMDD.db sorts chronologically by name; Glob returns sorted output.
	if len(matches) <= keep {
		return nil
	}
	for _, old := range matches[:len(matches)-keep] {
		if err := os.Remove(old); err != nil {
			return err
		}
		log.Printf("Removed old backup %s", filepath.Base(old))
	}
	return nil
}
