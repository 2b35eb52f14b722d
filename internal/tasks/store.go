package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"astro-studio-backend/internal/models"
)

// GormStore persists tasks in the relational database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, task *models.Task) error {
	return s.db.WithContext(ctx).Create(task).Error
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *GormStore) Update(ctx context.Context, task *models.Task) error {
	return s.db.WithContext(ctx).Model(task).
		Select("status", "progress", "error", "result", "completed_at").
		Updates(task).Error
}

func (s *GormStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Task, error) {
	var list []models.Task
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&list).Error
	return list, err
}

// MemoryStore keeps tasks in memory. Used by tests and single-node runs
// without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]models.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[uuid.UUID]models.Task)}
}

func (s *MemoryStore) Create(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copy := task
	return &copy, nil
}

func (s *MemoryStore) Update(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, task.ID)
	}
	current.Status = task.Status
	current.Progress = task.Progress
	current.Error = task.Error
	current.Result = task.Result
	current.CompletedAt = task.CompletedAt
	s.tasks[task.ID] = current
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID uuid.UUID) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []models.Task
	for _, task := range s.tasks {
		if task.UserID == userID {
			list = append(list, task)
		}
	}
	return list, nil
}
