package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"astro-studio-backend/internal/models"
)

// TargetFileStore records downloaded source files and target status.
type TargetFileStore struct {
	db *gorm.DB
}

func NewTargetFileStore(db *gorm.DB) *TargetFileStore {
	return &TargetFileStore{db: db}
}

// CreateTargetFile is idempotent on the object key: re-ingesting the
// same product neither duplicates the row nor changes the key.
func (s *TargetFileStore) CreateTargetFile(ctx context.Context, file *models.TargetFile) error {
	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).
		Create(file).Error
}

func (s *TargetFileStore) ListTargetFiles(ctx context.Context, targetID uuid.UUID) ([]models.TargetFile, error) {
	var files []models.TargetFile
	err := s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("created_at asc").
		Find(&files).Error
	return files, err
}

func (s *TargetFileStore) SetTargetStatus(ctx context.Context, targetID uuid.UUID, status string) error {
	return s.db.WithContext(ctx).Model(&models.Target{}).
		Where("id = ?", targetID).
		Update("status", status).Error
}
