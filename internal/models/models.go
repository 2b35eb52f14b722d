package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Target status values. Only the workflow engine mutates status after creation.
const (
	TargetNeedsDownload = "NEEDS_DOWNLOAD"
	TargetReady         = "READY"
	TargetProcessing    = "PROCESSING"
)

type Target struct {
	ID             uuid.UUID      `gorm:"type:uuid;primarykey" json:"id"`
	Name           string         `gorm:"not null" json:"name"`
	CatalogName    string         `json:"catalog_name"`
	CoordinatesRA  string         `json:"coordinates_ra"`  // sexagesimal, e.g. "18:18:48"
	CoordinatesDec string         `json:"coordinates_dec"` // sexagesimal, e.g. "-13:49:00"
	Status         string         `gorm:"default:'NEEDS_DOWNLOAD'" json:"status"`
	Description    string         `json:"description,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	Files []TargetFile `gorm:"foreignKey:TargetID;constraint:OnDelete:CASCADE" json:"files,omitempty"`
}

type Telescope struct {
	ID          uuid.UUID `gorm:"type:uuid;primarykey" json:"id"`
	Name        string    `gorm:"unique;not null" json:"name"` // e.g. "HST", "JWST"
	Collection  string    `gorm:"not null" json:"collection"`  // archive collection tag
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	Filters []Filter `gorm:"foreignKey:TelescopeID" json:"filters,omitempty"`
}

type Filter struct {
	ID          uuid.UUID `gorm:"type:uuid;primarykey" json:"id"`
	TelescopeID uuid.UUID `gorm:"type:uuid;not null" json:"telescope_id"`
	Code        string    `gorm:"not null" json:"code"` // e.g. "F090W"
	Name        string    `json:"name"`
	Wavelength  int       `json:"wavelength"` // nm
	CreatedAt   time.Time `json:"created_at"`
}

// Preset channel mappings live in ProcessingParams under "channels";
// there are no preset<->filter join rows.
type Preset struct {
	ID               uuid.UUID       `gorm:"type:uuid;primarykey" json:"id"`
	Name             string          `gorm:"unique;not null" json:"name"` // e.g. "RGB", "HOO"
	TelescopeID      uuid.UUID       `gorm:"type:uuid" json:"telescope_id"`
	ProcessingParams json.RawMessage `gorm:"type:jsonb" json:"processing_params"`
	CreatedAt        time.Time       `json:"created_at"`
}

type TargetFile struct {
	ID          uuid.UUID       `gorm:"type:uuid;primarykey" json:"id"`
	TargetID    uuid.UUID       `gorm:"type:uuid;not null;index" json:"target_id"`
	FilterCode  string          `gorm:"index" json:"filter_code"`
	Key         string          `gorm:"uniqueIndex;not null" json:"key"` // "<target-id>/<filename>"
	Size        int64           `json:"size"`
	SourceID    string          `json:"source_id"` // archive identifier, e.g. "mast:/<filename>"
	FitsHeader  json.RawMessage `gorm:"type:jsonb" json:"fits_header,omitempty"`
	StatusFlags int             `json:"status_flags"`
	CreatedAt   time.Time       `json:"created_at"`
	DeletedAt   gorm.DeletedAt  `gorm:"index" json:"-"`
}

// Task kinds.
const (
	TaskDownload   = "DOWNLOAD"
	TaskProcessing = "PROCESSING"
)

// Task status values. PENDING -> RUNNING -> {COMPLETED | FAILED};
// FAILED -> PENDING is permitted for retry.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

type Task struct {
	ID          uuid.UUID       `gorm:"type:uuid;primarykey" json:"id"`
	UserID      uuid.UUID       `gorm:"type:uuid;not null;index" json:"user_id"`
	Kind        string          `gorm:"not null" json:"kind"`
	Params      json.RawMessage `gorm:"type:jsonb" json:"params"`
	Status      string          `gorm:"default:'PENDING'" json:"status"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `gorm:"type:jsonb" json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether no further status transitions are allowed,
// except the FAILED -> PENDING retry path.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// TransferSlot tracks one in-flight multipart upload. It is shared state:
// at most one lease holder at a time, lease refreshed by the holder and
// reclaimable after expiry.
type TransferSlot struct {
	ID          uuid.UUID       `gorm:"type:uuid;primarykey" json:"id"`
	TargetID    uuid.UUID       `gorm:"type:uuid;index" json:"target_id"`
	Key         string          `gorm:"uniqueIndex;not null" json:"key"`
	UploadID    string          `json:"upload_id"`
	Parts       json.RawMessage `gorm:"type:jsonb" json:"parts"`
	LeaseHolder string          `json:"lease_holder,omitempty"`
	LeaseExpiry time.Time       `json:"lease_expiry"`
	CreatedAt   time.Time       `json:"created_at"`
}

// UploadedPart is the per-part record stored in TransferSlot.Parts.
type UploadedPart struct {
	Number int    `json:"n"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}
