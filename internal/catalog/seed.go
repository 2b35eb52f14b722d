package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"astro-studio-backend/internal/models"
)

// Seed loads the built-in telescopes, filters, targets and presets when
// the catalog tables are empty. Presets carry their channel mappings in
// processing_params; there are no preset/filter join rows.
func Seed(ctx context.Context, db *gorm.DB) error {
	var count int64
	if err := db.WithContext(ctx).Model(&models.Telescope{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hst := models.Telescope{ID: uuid.New(), Name: "HST", Collection: "HST", Description: "Hubble Space Telescope"}
	jwst := models.Telescope{ID: uuid.New(), Name: "JWST", Collection: "JWST", Description: "James Webb Space Telescope"}
	if err := db.WithContext(ctx).Create([]*models.Telescope{&hst, &jwst}).Error; err != nil {
		return fmt.Errorf("seed telescopes: %w", err)
	}

	filters := []models.Filter{
		{ID: uuid.New(), TelescopeID: hst.ID, Code: "F656N", Name: "H-alpha", Wavelength: 656},
		{ID: uuid.New(), TelescopeID: hst.ID, Code: "F502N", Name: "OIII", Wavelength: 502},
		{ID: uuid.New(), TelescopeID: hst.ID, Code: "F673N", Name: "SII", Wavelength: 673},
		{ID: uuid.New(), TelescopeID: jwst.ID, Code: "F090W", Name: "Wide 0.9um", Wavelength: 900},
		{ID: uuid.New(), TelescopeID: jwst.ID, Code: "F187N", Name: "Narrow 1.87um", Wavelength: 1870},
		{ID: uuid.New(), TelescopeID: jwst.ID, Code: "F212N", Name: "Narrow 2.12um", Wavelength: 2120},
	}
	if err := db.WithContext(ctx).Create(&filters).Error; err != nil {
		return fmt.Errorf("seed filters: %w", err)
	}

	targets := []models.Target{
		{
			ID: uuid.New(), Name: "Eagle Nebula", CatalogName: "M16",
			CoordinatesRA: "18:18:48", CoordinatesDec: "-13:49:00",
			Status: models.TargetNeedsDownload,
		},
		{
			ID: uuid.New(), Name: "Sombrero Galaxy", CatalogName: "M104",
			CoordinatesRA: "12:39:59", CoordinatesDec: "-11:37:23",
			Status: models.TargetNeedsDownload,
		},
	}
	if err := db.WithContext(ctx).Create(&targets).Error; err != nil {
		return fmt.Errorf("seed targets: %w", err)
	}

	presets := []models.Preset{
		{
			ID: uuid.New(), Name: "HOO", TelescopeID: hst.ID,
			ProcessingParams: mustParams(PresetParams{
				Version: "1.0",
				Channels: map[string]PresetChannel{
					"red":   {Filter: "F656N", Stretch: 0.25, Weight: 1.0},
					"green": {Filter: "F502N", Stretch: 0.25, Weight: 1.0},
					"blue":  {Filter: "F502N", Stretch: 0.25, Weight: 1.0},
				},
				Steps: []PresetStep{
					{Name: "stack channels", Type: "stack"},
					{Name: "auto stretch", Type: "stretch"},
					{Name: "compose rgb", Type: "compose"},
					{Name: "export png", Type: "export"},
				},
			}),
		},
		{
			ID: uuid.New(), Name: "RGB", TelescopeID: jwst.ID,
			ProcessingParams: mustParams(PresetParams{
				Version: "1.0",
				Channels: map[string]PresetChannel{
					"red":   {Filter: "F212N", Stretch: 0.25, Weight: 1.0},
					"green": {Filter: "F187N", Stretch: 0.25, Weight: 1.0},
					"blue":  {Filter: "F090W", Stretch: 0.25, Weight: 1.0},
				},
				Steps: []PresetStep{
					{Name: "stack channels", Type: "stack"},
					{Name: "auto stretch", Type: "stretch"},
					{Name: "compose rgb", Type: "compose"},
					{Name: "export png", Type: "export"},
				},
			}),
		},
	}
	if err := db.WithContext(ctx).Create(&presets).Error; err != nil {
		return fmt.Errorf("seed presets: %w", err)
	}

	log.Printf("catalog: seeded %d telescopes, %d filters, %d targets, %d presets",
		2, len(filters), len(targets), len(presets))
	return nil
}

func mustParams(params PresetParams) json.RawMessage {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	return raw
}
