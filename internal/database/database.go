package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"astro-studio-backend/internal/models"
)

// InitDB opens the postgres connection.
func InitDB(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// MigrateDB auto-migrates the pipeline entities.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Telescope{},
		&models.Filter{},
		&models.Target{},
		&models.Preset{},
		&models.TargetFile{},
		&models.Task{},
		&models.TransferSlot{},
	)
}
