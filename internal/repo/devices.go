package repo

import (
	"context"
	"errors"
	"time"

	"orbmesh/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("device not found")

type DeviceStore struct {
	db *gorm.DB
}

func NewDeviceStore(db *gorm.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

// CreateBatch — вставка партии одной транзакцией; коллизия device_id валит всю партию.
func (s *DeviceStore) CreateBatch(ctx context.Context, devs []models.DeviceIdentity) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&devs, 500).Error
	})
}

// ExistingIDs — какие из ids уже заняты.
func (s *DeviceStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []string
	if err := s.db.WithContext(ctx).Model(&models.DeviceIdentity{}).
		Where("device_id IN ?", ids).Pluck("device_id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (s *DeviceStore) FindByDeviceID(ctx context.Context, deviceID string) (*models.DeviceIdentity, error) {
	return s.find(s.db.WithContext(ctx), deviceID, false)
}

// FindForUpdate — с row lock (sqlite игнорирует FOR UPDATE, там сериализует пул).
func (s *DeviceStore) FindForUpdate(tx *gorm.DB, deviceID string) (*models.DeviceIdentity, error) {
	return s.find(tx, deviceID, true)
}

func (s *DeviceStore) find(db *gorm.DB, deviceID string, lock bool) (*models.DeviceIdentity, error) {
	var m models.DeviceIdentity
	q := db.Where("device_id = ?", deviceID)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

type ListFilter struct {
	Batch  string
	Status models.DeviceStatus
	Limit  int
	Offset int
}

func (s *DeviceStore) List(ctx context.Context, f ListFilter) ([]models.DeviceIdentity, error) {
	q := s.db.WithContext(ctx).Model(&models.DeviceIdentity{})
	if f.Batch != "" {
		q = q.Where("manufacturing_batch = ?", f.Batch)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	var out []models.DeviceIdentity
	err := q.Order("id").Limit(f.Limit).Offset(f.Offset).Find(&out).Error
	return out, err
}

// RecordFailure — атомарный инкремент счётчика неудачных попыток (вне транзакции активации).
func (s *DeviceStore) RecordFailure(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.DeviceIdentity{}).Where("id = ?", id).
		Updates(map[string]any{
			"failed_attempts": gorm.Expr("failed_attempts + 1"),
			"last_attempt_at": at,
		}).Error
}

// Activate — переход PENDING→ACTIVATED; false, если устройство уже не PENDING.
func (s *DeviceStore) Activate(tx *gorm.DB, id, serverID uint, deviceName string, at time.Time) (bool, error) {
	upd := map[string]any{
		"status":          models.DeviceActivated,
		"mesh_server_id":  serverID,
		"activated_at":    at,
		"failed_attempts": 0,
		"last_attempt_at": nil,
	}
	if deviceName != "" {
		upd["device_name"] = deviceName
	}
	res := tx.Model(&models.DeviceIdentity{}).
		Where("id = ? AND status = ?", id, models.DevicePending).
		Updates(upd)
	return res.RowsAffected == 1, res.Error
}

// Revoke — терминальный переход; false, если уже REVOKED.
func (s *DeviceStore) Revoke(tx *gorm.DB, id uint, reason, actor string, at time.Time) (bool, error) {
	res := tx.Model(&models.DeviceIdentity{}).
		Where("id = ? AND status <> ?", id, models.DeviceRevoked).
		Updates(map[string]any{
			"status":        models.DeviceRevoked,
			"revoked_at":    at,
			"revoked_by":    actor,
			"revoke_reason": reason,
		})
	return res.RowsAffected == 1, res.Error
}
