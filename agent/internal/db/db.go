package db

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	mu     sync.Mutex
	shared *gorm.DB
)

// Open creates the sqlite file (and its directory) and migrates the journal schema.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := gdb.AutoMigrate(&ProcessedCommand{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return gdb, nil
}

// Init opens path and keeps the handle for Close.
func Init(path string) (*gorm.DB, error) {
	gdb, err := Open(path)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	shared = gdb
	mu.Unlock()
	return gdb, nil
}

func Close() error {
	mu.Lock()
	gdb := shared
	shared = nil
	mu.Unlock()
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
