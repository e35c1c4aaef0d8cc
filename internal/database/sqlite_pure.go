package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"

	// Pure Go SQLite driver (no CGO required)
	_ "modernc.org/sqlite"
)

// PureSQLiteDriver implements DatabaseDriver with modernc.org/sqlite
type PureSQLiteDriver struct{}

func (d *PureSQLiteDriver) Connect(config *DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	return openSQLite(d.GetDialector(config), config, log)
}

func (d *PureSQLiteDriver) GetDialector(config *DatabaseConfig) gorm.Dialector {
	// "sqlite" is the name modernc.org/sqlite registers with database/sql
	return sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        config.Path,
	}
}
