package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"astro-studio-backend/internal/models"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// CancelledReason is the error recorded on user-initiated cancellation,
// distinct from other failure reasons.
const CancelledReason = "Cancelled"

// Store persists tasks. Update writes only the mutable fields
// (status, progress, error, result, completed_at).
type Store interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, id uuid.UUID) (*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Task, error)
}

// Registry is the source of truth for pipeline invocations. It guards the
// task state machine: PENDING -> RUNNING -> {COMPLETED | FAILED}, with
// FAILED -> PENDING permitted for retry. A direct PENDING -> terminal
// update is auto-promoted through RUNNING in two commits so auditors
// always see entry into the running state.
type Registry struct {
	store Store

	mu        sync.Mutex
	cancelled map[uuid.UUID]bool
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		store:     store,
		cancelled: make(map[uuid.UUID]bool),
	}
}

// CreateTask records a new PENDING task and returns it.
func (r *Registry) CreateTask(ctx context.Context, userID uuid.UUID, kind string, params any) (*models.Task, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal task params: %w", err)
	}
	task := &models.Task{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Params:    raw,
		Status:    models.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Task, error) {
	return r.store.ListByUser(ctx, userID)
}

// SetStatus transitions a task, enforcing the state machine. The message
// is stored in the error field, matching how stage summaries are surfaced.
func (r *Registry) SetStatus(ctx context.Context, id uuid.UUID, status, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if task.Status == status {
		// Terminal rows are frozen; only a live run may refresh its message.
		if message != "" && !task.IsTerminal() {
			task.Error = message
			return r.store.Update(ctx, task)
		}
		return nil
	}

	// Auto-promote through RUNNING so the running state is always
	// observable before a terminal state.
	if task.Status == models.StatusPending && isTerminal(status) {
		task.Status = models.StatusRunning
		if err := r.store.Update(ctx, task); err != nil {
			return err
		}
	}

	if !validTransition(task.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, status)
	}

	task.Status = status
	if message != "" {
		task.Error = message
	}
	if isTerminal(status) {
		now := time.Now().UTC()
		task.CompletedAt = &now
		if status == models.StatusCompleted {
			task.Progress = 100
		}
	}
	if status == models.StatusPending {
		// Retry path: reset the per-run fields.
		task.Progress = 0
		task.CompletedAt = nil
		delete(r.cancelled, id)
	}
	return r.store.Update(ctx, task)
}

// SetProgress updates progress within a RUNNING span. Progress is
// monotonic: regressions are dropped, not errors, since chunk workers
// report concurrently.
func (r *Registry) SetProgress(ctx context.Context, id uuid.UUID, progress int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != models.StatusRunning {
		return nil
	}
	if progress > 100 {
		progress = 100
	}
	if progress <= task.Progress {
		return nil
	}
	task.Progress = progress
	if message != "" {
		task.Error = message
	}
	return r.store.Update(ctx, task)
}

// SetResult attaches the result payload without changing status.
func (r *Registry) SetResult(ctx context.Context, id uuid.UUID, result any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	task.Result = raw
	return r.store.Update(ctx, task)
}

// RequestCancel marks a PENDING or RUNNING task for cancellation. The
// flag is advisory: workers observe it between stages and files.
func (r *Registry) RequestCancel(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, task.Status)
	}
	r.cancelled[id] = true
	log.Printf("task %s: cancellation requested", id)
	return nil
}

// CancelRequested reports whether a cancellation flag is set.
func (r *Registry) CancelRequested(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[id]
}

func isTerminal(status string) bool {
	return status == models.StatusCompleted || status == models.StatusFailed
}

func validTransition(from, to string) bool {
	switch from {
	case models.StatusPending:
		return to == models.StatusRunning
	case models.StatusRunning:
		return to == models.StatusCompleted || to == models.StatusFailed
	case models.StatusFailed:
		return to == models.StatusPending
	default:
		return false
	}
}
