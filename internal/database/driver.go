package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
)

// DatabaseDriver opens a gorm connection for one SQLite flavour
type DatabaseDriver interface {
	Connect(config *DatabaseConfig, log *logger.Logger) (*gorm.DB, error)
	GetDialector(config *DatabaseConfig) gorm.Dialector
}

// SQLiteDriver implements DatabaseDriver with the cgo sqlite3 driver
type SQLiteDriver struct{}

func (d *SQLiteDriver) Connect(config *DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	return openSQLite(d.GetDialector(config), config, log)
}

func (d *SQLiteDriver) GetDialector(config *DatabaseConfig) gorm.Dialector {
	return sqlite.Open(config.Path)
}

// GetDatabaseDriver returns the driver for the given type
func GetDatabaseDriver(driver DriverType) (DatabaseDriver, error) {
	switch driver {
	case DriverSQLite:
		return &SQLiteDriver{}, nil
	case DriverSQLitePure:
		return &PureSQLiteDriver{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// openSQLite opens the dialector with a single connection pool and the
// pragmas the catalog relies on.
func openSQLite(dialector gorm.Dialector, config *DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	if config.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database (%s): %w", config.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// one writer at a time
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			log.Warn("Failed to apply SQLite pragma", map[string]interface{}{
				"pragma": pragma,
				"error":  err.Error(),
			})
		}
	}

	return db, nil
}
