package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"astro-studio-backend/internal/catalog"
	"astro-studio-backend/internal/database"
	"astro-studio-backend/internal/models"
)

// CatalogHandler serves the read-only catalog: targets, telescopes,
// filters and presets.
type CatalogHandler struct {
	db      *gorm.DB
	catalog *catalog.Catalog
	files   *database.TargetFileStore
}

func NewCatalogHandler(db *gorm.DB, cat *catalog.Catalog, files *database.TargetFileStore) *CatalogHandler {
	return &CatalogHandler{db: db, catalog: cat, files: files}
}

func (h *CatalogHandler) ListTargets(c *gin.Context) {
	var targets []models.Target
	if err := h.db.WithContext(c.Request.Context()).Order("name asc").Find(&targets).Error; err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list targets", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func (h *CatalogHandler) GetTarget(c *gin.Context) {
	id, err := uuid.Parse(c.Param("target_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid target id"})
		return
	}
	target, err := h.catalog.GetTarget(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "target not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to load target", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, target)
}

// ListTargetFiles returns the downloaded source files of a target.
func (h *CatalogHandler) ListTargetFiles(c *gin.Context) {
	id, err := uuid.Parse(c.Param("target_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid target id"})
		return
	}
	files, err := h.files.ListTargetFiles(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list files", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (h *CatalogHandler) ListTelescopes(c *gin.Context) {
	var telescopes []models.Telescope
	err := h.db.WithContext(c.Request.Context()).Preload("Filters").Order("name asc").Find(&telescopes).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list telescopes", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"telescopes": telescopes})
}

func (h *CatalogHandler) ListPresets(c *gin.Context) {
	var presets []models.Preset
	if err := h.db.WithContext(c.Request.Context()).Order("name asc").Find(&presets).Error; err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list presets", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": presets})
}
