package database

import (
	"fmt"
	"log"
	"strings"
	"time"

	"bullion-market/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func Initialize(databasePath string) (*gorm.DB, error) {
	if databasePath == "" {
		databasePath = "bullion_market.db"
	}

	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// WAL journaling plus a generous busy timeout so concurrent request
	// handlers tolerate writer contention.
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Exec("PRAGMA foreign_keys=ON").Error; err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// SQLite serializes writers anyway; a small pool keeps readers cheap
	// without piling up contention.
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Println("Database initialized successfully")
	return db, nil
}

const (
	maxRetries   = 3
	retryBackoff = 50 * time.Millisecond
)

// WithRetry runs fn and retries it when SQLite reports locking contention,
// backing off exponentially between attempts. Any other error is returned
// as-is. Up to 3 attempts total.
func WithRetry(fn func() error) error {
	var err error
	backoff := retryBackoff
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || !isLocked(err) {
			return err
		}
		if attempt < maxRetries {
			log.Printf("Database locked (attempt %d/%d), retrying in %v", attempt, maxRetries, backoff)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("database still locked after %d attempts: %w", maxRetries, err)
}

func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
