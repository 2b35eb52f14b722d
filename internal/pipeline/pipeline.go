// Package pipeline drives the four-stage download workflow
// (search -> select -> download fan-out -> finalize) and the processing
// workflows built on its results. Stages exchange value snapshots; all
// durable state lives in the task registry, the file store and object
// storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/google/uuid"

	"astro-studio-backend/internal/archive"
	"astro-studio-backend/internal/metrics"
	"astro-studio-backend/internal/models"
	"astro-studio-backend/internal/progress"
	"astro-studio-backend/internal/tasks"
)

var (
	ErrNoObservations = errors.New("no observations found")
	ErrNoProducts     = errors.New("no products to download")
	ErrMissingFilter  = errors.New("MissingFilter")
	ErrCancelled      = errors.New(tasks.CancelledReason)
)

// ObjectStore is the slice of the object store gateway the pipeline uses.
type ObjectStore interface {
	PutFile(ctx context.Context, key, path, targetID string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, prefix string) ([]string, error)
	PutPreview(ctx context.Context, key string, data []byte) error
	PresignedPreviewURL(ctx context.Context, key string) (string, error)
}

// Archive is the external archive collaborator.
type Archive interface {
	QueryRegion(ctx context.Context, raDeg, decDeg, radiusDeg float64, collection string) ([]archive.Observation, error)
	ListProducts(ctx context.Context, obs archive.Observation) ([]archive.Product, error)
	DownloadProduct(ctx context.Context, product archive.Product, destDir string) (string, error)
}

// CatalogSource provides the read-mostly inputs the pipeline consumes.
type CatalogSource interface {
	GetTarget(ctx context.Context, id uuid.UUID) (*models.Target, error)
	GetTelescope(ctx context.Context, id uuid.UUID) (*models.Telescope, error)
	GetPreset(ctx context.Context, id uuid.UUID) (*models.Preset, error)
	ListFilters(ctx context.Context, telescopeID uuid.UUID) ([]models.Filter, error)
}

// FileStore records downloaded source files.
type FileStore interface {
	CreateTargetFile(ctx context.Context, file *models.TargetFile) error
	ListTargetFiles(ctx context.Context, targetID uuid.UUID) ([]models.TargetFile, error)
	SetTargetStatus(ctx context.Context, targetID uuid.UUID, status string) error
}

// Options tune the pipeline. Zero values fall back to the defaults.
type Options struct {
	ChunkSize        int           // products per download chunk
	MaxPerObs        int           // products kept per observation
	MaxProductsTotal int           // overall product ceiling
	ChunkTimeout     time.Duration // per chunk worker
	SoftTimeout      time.Duration // whole task, logged
	HardTimeout      time.Duration // whole task, forced FAILED
	RenderWorkers    int           // CPU-bound stacking/stretch pool
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 3
	}
	if o.MaxPerObs <= 0 {
		o.MaxPerObs = 5
	}
	if o.MaxProductsTotal <= 0 {
		o.MaxProductsTotal = 50
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = time.Hour
	}
	if o.SoftTimeout <= 0 {
		o.SoftTimeout = time.Hour
	}
	if o.HardTimeout <= 0 {
		o.HardTimeout = 2 * time.Hour
	}
	if o.RenderWorkers <= 0 {
		o.RenderWorkers = runtime.NumCPU()
	}
	return o
}

// Engine orchestrates the workflows.
type Engine struct {
	registry *tasks.Registry
	store    ObjectStore
	archive  Archive
	catalog  CatalogSource
	files    FileStore
	bus      progress.Bus
	opts     Options

	// renderSem bounds CPU-bound stacking and stretching so one large
	// image does not starve the I/O workers.
	renderSem chan struct{}
}

func NewEngine(registry *tasks.Registry, store ObjectStore, arch Archive, catalog CatalogSource, files FileStore, bus progress.Bus, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		registry:  registry,
		store:     store,
		archive:   arch,
		catalog:   catalog,
		files:     files,
		bus:       bus,
		opts:      opts,
		renderSem: make(chan struct{}, opts.RenderWorkers),
	}
}

// DownloadParams is the params payload of a DOWNLOAD task.
type DownloadParams struct {
	TargetID         string `json:"target_id"`
	TelescopeID      string `json:"telescope_id"`
	GeneratePreviews bool   `json:"generate_previews"`
}

// ProcessingParams is the params payload of a PROCESSING task.
type ProcessingParams struct {
	TargetID string `json:"target_id"`
	PresetID string `json:"preset_id"`
}

// RunDownload executes the download workflow for an already-created
// PENDING task. It is expected to run on its own goroutine.
func (e *Engine) RunDownload(ctx context.Context, task *models.Task, params DownloadParams) {
	e.runGuarded(ctx, task, models.TaskDownload, func(ctx context.Context) error {
		return e.downloadWorkflow(ctx, task, params)
	})
}

// RunPreset executes the composite rendering workflow.
func (e *Engine) RunPreset(ctx context.Context, task *models.Task, params ProcessingParams) {
	e.runGuarded(ctx, task, models.TaskProcessing, func(ctx context.Context) error {
		return e.presetWorkflow(ctx, task, params)
	})
}

// RunChannelPreviews generates per-filter preview images for a target.
func (e *Engine) RunChannelPreviews(ctx context.Context, task *models.Task, targetID uuid.UUID) {
	e.runGuarded(ctx, task, models.TaskProcessing, func(ctx context.Context) error {
		return e.channelPreviewWorkflow(ctx, task, targetID)
	})
}

// runGuarded applies the task timeouts, converts workflow errors into
// terminal task state and keeps panics inside the worker.
func (e *Engine) runGuarded(ctx context.Context, task *models.Task, kind string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.HardTimeout)
	defer cancel()

	softTimer := time.AfterFunc(e.opts.SoftTimeout, func() {
		log.Printf("task %s: exceeded soft time limit", task.ID)
	})
	defer softTimer.Stop()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		return fn(ctx)
	}()

	userID := task.UserID.String()
	taskID := task.ID.String()

	switch {
	case err == nil:
		metrics.TaskOutcomes.WithLabelValues(kind, models.StatusCompleted).Inc()
	case errors.Is(err, ErrCancelled):
		e.failTask(ctx, task.ID, tasks.CancelledReason)
		metrics.TaskOutcomes.WithLabelValues(kind, models.StatusFailed).Inc()
	case ctx.Err() != nil:
		e.failTask(ctx, task.ID, "task timed out")
		e.publish(userID, progress.DownloadError(taskID, "task timed out"))
		metrics.TaskOutcomes.WithLabelValues(kind, models.StatusFailed).Inc()
	default:
		e.failTask(ctx, task.ID, err.Error())
		if kind == models.TaskDownload {
			e.publish(userID, progress.DownloadError(taskID, err.Error()))
		} else {
			e.publish(userID, progress.ProcessingUpdate(taskID, "failed", map[string]any{"message": err.Error()}))
		}
		metrics.TaskOutcomes.WithLabelValues(kind, models.StatusFailed).Inc()
	}
}

// failTask marks a task FAILED outside the expiring workflow context so
// the terminal state is always recorded.
func (e *Engine) failTask(ctx context.Context, id uuid.UUID, reason string) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.registry.SetStatus(recordCtx, id, models.StatusFailed, reason); err != nil {
		log.Printf("task %s: failed to record failure: %v", id, err)
	}
}

func (e *Engine) publish(userID string, event progress.Event) {
	if err := e.bus.Publish(context.Background(), userID, event); err != nil {
		log.Printf("progress publish failed for %s: %v", userID, err)
	}
}

// checkCancelled surfaces an advisory cancellation flag as ErrCancelled.
func (e *Engine) checkCancelled(id uuid.UUID) error {
	if e.registry.CancelRequested(id) {
		return ErrCancelled
	}
	return nil
}
