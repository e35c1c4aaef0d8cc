package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DriverType names a supported SQLite driver
type DriverType string

const (
	// DriverSQLite uses mattn/go-sqlite3 through gorm.io/driver/sqlite (cgo)
	DriverSQLite DriverType = "sqlite"
	// DriverSQLitePure uses modernc.org/sqlite, no cgo required
	DriverSQLitePure DriverType = "sqlite-pure"
)

// DatabaseConfig holds the configuration for the local catalog database
type DatabaseConfig struct {
	Driver DriverType `json:"driver" yaml:"driver"`
	Path   string     `json:"path" yaml:"path"`
}

// NewDatabaseConfig builds a config from a driver name and path, applying defaults
func NewDatabaseConfig(driver, path string) *DatabaseConfig {
	cfg := &DatabaseConfig{
		Driver: DriverType(strings.ToLower(strings.TrimSpace(driver))),
		Path:   path,
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.Path == "" {
		cfg.Path = GetDefaultDatabasePath()
	}
	return cfg
}

// Validate checks the driver is known and a path is set
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverSQLitePure:
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}

// GetDefaultDatabasePath returns the default path for the database file
func GetDefaultDatabasePath() string {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	return filepath.Join(dataDir, "library.db")
}
