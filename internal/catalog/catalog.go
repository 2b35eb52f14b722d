package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"astro-studio-backend/internal/models"
)

var ErrNotFound = errors.New("catalog record not found")

// Catalog is the read-mostly source of targets, telescopes, filters and
// presets the pipeline consumes. The pipeline only ever takes value
// snapshots from it; gorm-managed graphs never cross stage boundaries.
type Catalog struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) GetTarget(ctx context.Context, id uuid.UUID) (*models.Target, error) {
	var target models.Target
	if err := c.first(ctx, &target, id); err != nil {
		return nil, err
	}
	return &target, nil
}

func (c *Catalog) GetTelescope(ctx context.Context, id uuid.UUID) (*models.Telescope, error) {
	var telescope models.Telescope
	if err := c.first(ctx, &telescope, id); err != nil {
		return nil, err
	}
	return &telescope, nil
}

func (c *Catalog) GetPreset(ctx context.Context, id uuid.UUID) (*models.Preset, error) {
	var preset models.Preset
	if err := c.first(ctx, &preset, id); err != nil {
		return nil, err
	}
	return &preset, nil
}

func (c *Catalog) ListFilters(ctx context.Context, telescopeID uuid.UUID) ([]models.Filter, error) {
	var filters []models.Filter
	err := c.db.WithContext(ctx).Where("telescope_id = ?", telescopeID).Find(&filters).Error
	return filters, err
}

func (c *Catalog) first(ctx context.Context, dest any, id uuid.UUID) error {
	err := c.db.WithContext(ctx).First(dest, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// DetectFilterCode extracts the bandpass code from an archive product
// filename by matching known filter codes, e.g. "f090w" inside
// "jw02739-o001_t001_nircam_clear-f090w_i2d.fits". Returns "" when no
// known code matches.
func DetectFilterCode(filename string, filters []models.Filter) string {
	lower := strings.ToLower(filename)
	best := ""
	for _, f := range filters {
		code := strings.ToLower(f.Code)
		if code == "" {
			continue
		}
		if strings.Contains(lower, code) && len(f.Code) > len(best) {
			best = f.Code
		}
	}
	return best
}
