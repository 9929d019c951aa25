package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// kvEntry is one row of the kv_entries table. Namespace lets several caches
// share one database file.
type kvEntry struct {
	Namespace string    `gorm:"column:namespace;primaryKey;size:64"`
	Key       string    `gorm:"column:entry_key;primaryKey;size:255"`
	Value     string    `gorm:"column:entry_value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (kvEntry) TableName() string { return "kv_entries" }

// SQLKV stores entries in a SQLite table through gorm. Merge is an upsert,
// so concurrent writers never drop each other's keys.
type SQLKV struct {
	db        *gorm.DB
	namespace string
	owned     bool
}

// OpenSQLKV opens (creating if needed) the SQLite database at path.
func OpenSQLKV(path, namespace string) (*SQLKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	kv, err := NewSQLKV(db, namespace)
	if err != nil {
		return nil, err
	}
	kv.owned = true
	return kv, nil
}

// NewSQLKV wraps an existing connection and migrates the table.
func NewSQLKV(db *gorm.DB, namespace string) (*SQLKV, error) {
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate kv_entries: %w", err)
	}
	return &SQLKV{db: db, namespace: namespace}, nil
}

// Load returns every entry of the namespace.
func (s *SQLKV) Load(ctx context.Context) (map[string]string, error) {
	var rows []kvEntry
	err := s.db.WithContext(ctx).
		Where("namespace = ?", s.namespace).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load %s entries: %w", s.namespace, err)
	}

	entries := make(map[string]string, len(rows))
	for _, r := range rows {
		entries[r.Key] = r.Value
	}
	return entries, nil
}

// Merge upserts entries.
func (s *SQLKV) Merge(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]kvEntry, 0, len(entries))
	for k, v := range entries {
		rows = append(rows, kvEntry{Namespace: s.namespace, Key: k, Value: v, UpdatedAt: now})
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at"}),
		}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %s entries: %w", s.namespace, err)
	}
	return nil
}

// Close releases the connection when OpenSQLKV created it.
func (s *SQLKV) Close() error {
	if !s.owned {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
