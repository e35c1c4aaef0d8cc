package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// Database wraps the GORM connection holding the local catalog
type Database struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewDatabase opens the configured SQLite database and migrates the
// catalog schema.
func NewDatabase(config *DatabaseConfig, log *logger.Logger) (*Database, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	driver, err := GetDatabaseDriver(config.Driver)
	if err != nil {
		return nil, err
	}

	db, err := driver.Connect(config, log)
	if err != nil {
		return nil, err
	}

	database := &Database{
		db:     db,
		logger: log,
	}

	if err := database.migrate(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("Database connection established", map[string]interface{}{
		"path":   config.Path,
		"driver": string(config.Driver),
	})

	return database, nil
}

func (d *Database) migrate() error {
	if err := d.db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	d.logger.Debug("Database migrations completed", nil)
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.logger.Debug("Database connection closed", nil)
	return nil
}

// GetDB returns the underlying GORM database instance
func (d *Database) GetDB() *gorm.DB {
	return d.db
}

// Health pings the database
func (d *Database) Health() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
