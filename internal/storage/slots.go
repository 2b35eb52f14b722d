package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"astro-studio-backend/internal/models"
)

var (
	ErrSlotNotFound = errors.New("transfer slot not found")
	ErrLeaseHeld    = errors.New("transfer slot lease held by another worker")
	ErrLeaseStolen  = errors.New("transfer slot lease stolen")
)

// SlotStore is the durable record of in-flight multipart uploads. The
// slot is the only contested resource in the system; at most one worker
// holds the lease at a time and the lease is reclaimable after expiry.
type SlotStore interface {
	// Acquire takes the lease for key, creating the slot with the given
	// upload id if none exists. Returns ErrLeaseHeld while another
	// worker's lease is live.
	Acquire(ctx context.Context, key, targetID, uploadID, holder string, ttl time.Duration) (*models.TransferSlot, error)
	// Refresh extends the holder's lease; returns ErrLeaseStolen if the
	// lease has moved.
	Refresh(ctx context.Context, key, holder string, ttl time.Duration) error
	// AppendPart records a committed part; returns ErrLeaseStolen if the
	// lease has moved.
	AppendPart(ctx context.Context, key, holder string, part models.UploadedPart) error
	Get(ctx context.Context, key string) (*models.TransferSlot, error)
	Delete(ctx context.Context, key string) error
}

// DecodeParts unpacks the part list stored on a slot.
func DecodeParts(slot *models.TransferSlot) ([]models.UploadedPart, error) {
	if len(slot.Parts) == 0 {
		return nil, nil
	}
	var parts []models.UploadedPart
	if err := json.Unmarshal(slot.Parts, &parts); err != nil {
		return nil, fmt.Errorf("decode slot parts: %w", err)
	}
	return parts, nil
}

// MemorySlotStore is the in-process implementation used by tests and
// single-node runs.
type MemorySlotStore struct {
	mu    sync.Mutex
	slots map[string]*models.TransferSlot
	now   func() time.Time
}

func NewMemorySlotStore() *MemorySlotStore {
	return &MemorySlotStore{
		slots: make(map[string]*models.TransferSlot),
		now:   time.Now,
	}
}

// SetClock overrides the store clock; tests use it to expire leases.
func (s *MemorySlotStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemorySlotStore) Acquire(_ context.Context, key, targetID, uploadID, holder string, ttl time.Duration) (*models.TransferSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	slot, ok := s.slots[key]
	if !ok {
		tid, _ := uuid.Parse(targetID)
		slot = &models.TransferSlot{
			ID:        uuid.New(),
			TargetID:  tid,
			Key:       key,
			UploadID:  uploadID,
			CreatedAt: now,
		}
		s.slots[key] = slot
	}
	if slot.LeaseHolder != "" && slot.LeaseHolder != holder && slot.LeaseExpiry.After(now) {
		return nil, fmt.Errorf("%w: %s until %s", ErrLeaseHeld, slot.LeaseHolder, slot.LeaseExpiry.Format(time.RFC3339))
	}
	slot.LeaseHolder = holder
	slot.LeaseExpiry = now.Add(ttl)
	copy := *slot
	return &copy, nil
}

func (s *MemorySlotStore) Refresh(_ context.Context, key, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, key)
	}
	if slot.LeaseHolder != holder {
		return fmt.Errorf("%w: now held by %s", ErrLeaseStolen, slot.LeaseHolder)
	}
	slot.LeaseExpiry = s.now().Add(ttl)
	return nil
}

func (s *MemorySlotStore) AppendPart(_ context.Context, key, holder string, part models.UploadedPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, key)
	}
	if slot.LeaseHolder != holder {
		return fmt.Errorf("%w: now held by %s", ErrLeaseStolen, slot.LeaseHolder)
	}
	parts, err := DecodeParts(slot)
	if err != nil {
		return err
	}
	parts = append(parts, part)
	raw, err := json.Marshal(parts)
	if err != nil {
		return err
	}
	slot.Parts = raw
	return nil
}

func (s *MemorySlotStore) Get(_ context.Context, key string) (*models.TransferSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, key)
	}
	copy := *slot
	return &copy, nil
}

func (s *MemorySlotStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, key)
	return nil
}

// GormSlotStore persists slots in the relational database so leases
// survive worker restarts and are visible across processes.
type GormSlotStore struct {
	db *gorm.DB
}

func NewGormSlotStore(db *gorm.DB) *GormSlotStore {
	return &GormSlotStore{db: db}
}

func (s *GormSlotStore) Acquire(ctx context.Context, key, targetID, uploadID, holder string, ttl time.Duration) (*models.TransferSlot, error) {
	var acquired *models.TransferSlot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		var slot models.TransferSlot
		err := tx.Clauses().Where("key = ?", key).First(&slot).Error
		if err == gorm.ErrRecordNotFound {
			tid, _ := uuid.Parse(targetID)
			slot = models.TransferSlot{
				ID:        uuid.New(),
				TargetID:  tid,
				Key:       key,
				UploadID:  uploadID,
				CreatedAt: now,
			}
			if err := tx.Create(&slot).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if slot.LeaseHolder != "" && slot.LeaseHolder != holder && slot.LeaseExpiry.After(now) {
			return fmt.Errorf("%w: %s until %s", ErrLeaseHeld, slot.LeaseHolder, slot.LeaseExpiry.Format(time.RFC3339))
		}
		slot.LeaseHolder = holder
		slot.LeaseExpiry = now.Add(ttl)
		if err := tx.Model(&slot).Select("lease_holder", "lease_expiry").Updates(&slot).Error; err != nil {
			return err
		}
		acquired = &slot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

func (s *GormSlotStore) Refresh(ctx context.Context, key, holder string, ttl time.Duration) error {
	result := s.db.WithContext(ctx).Model(&models.TransferSlot{}).
		Where("key = ? AND lease_holder = ?", key, holder).
		Update("lease_expiry", time.Now().UTC().Add(ttl))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: refresh lost for %s", ErrLeaseStolen, key)
	}
	return nil
}

func (s *GormSlotStore) AppendPart(ctx context.Context, key, holder string, part models.UploadedPart) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var slot models.TransferSlot
		if err := tx.Where("key = ?", key).First(&slot).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("%w: %s", ErrSlotNotFound, key)
			}
			return err
		}
		if slot.LeaseHolder != holder {
			return fmt.Errorf("%w: now held by %s", ErrLeaseStolen, slot.LeaseHolder)
		}
		parts, err := DecodeParts(&slot)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		raw, err := json.Marshal(parts)
		if err != nil {
			return err
		}
		return tx.Model(&slot).Update("parts", raw).Error
	})
}

func (s *GormSlotStore) Get(ctx context.Context, key string) (*models.TransferSlot, error) {
	var slot models.TransferSlot
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&slot).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

func (s *GormSlotStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.TransferSlot{}).Error
}
