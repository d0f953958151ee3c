// Package outbox — durable очередь вызовов API mesh-серверов с повторами.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orbmesh/internal/meshapi"
	"orbmesh/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ActionAddPeer    = "wg.add-peer"
	ActionRemovePeer = "wg.remove-peer"
	ActionAddUser    = "vless.add-user"
	ActionRemoveUser = "vless.remove-user"
)

// ErrEmpty — нет готовых к доставке элементов.
var ErrEmpty = errors.New("outbox: nothing to claim")

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db, now: time.Now} }

// opposite — действие, которое отменяет данное для того же peer/пользователя.
var opposite = map[string]string{
	ActionAddPeer:    ActionRemovePeer,
	ActionRemovePeer: ActionAddPeer,
	ActionAddUser:    ActionRemoveUser,
	ActionRemoveUser: ActionAddUser,
}

// subjectOf — ключ peer/пользователя на сервере: WireGuard pubkey или vlessUuid.
func subjectOf(payload any) string {
	switch p := payload.(type) {
	case meshapi.Peer:
		return p.PublicKey
	case meshapi.VlessUser:
		if p.VlessUUID != "" {
			return p.VlessUUID
		}
		return p.UserUUID
	}
	return ""
}

// Enqueue ставит действие в очередь. Такой же ещё не доставленный элемент не дублируется,
// недоставленные противоположные действия для того же subject помечаются superseded.
func (s *Store) Enqueue(ctx context.Context, action string, serverID uint, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox payload: %w", err)
	}
	subject := subjectOf(payload)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := supersede(tx, action, serverID, subject); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.OutboxItem{}).
			Where("action = ? AND mesh_server_id = ? AND payload = ? AND status IN ?",
				action, serverID, string(b), []string{models.OutboxPending, models.OutboxProcessing}).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		return tx.Create(&models.OutboxItem{
			Action:       action,
			MeshServerID: serverID,
			Subject:      subject,
			Payload:      string(b),
			Status:       models.OutboxPending,
		}).Error
	})
}

// Supersede снимает недоставленные действия, противоположные только что применённому.
// Вызывается после успешного синхронного вызова: старый add-peer не должен вернуть отозванный ключ.
func (s *Store) Supersede(ctx context.Context, action string, serverID uint, payload any) (int64, error) {
	return supersede(s.db.WithContext(ctx), action, serverID, subjectOf(payload))
}

func supersede(tx *gorm.DB, action string, serverID uint, subject string) (int64, error) {
	undo, ok := opposite[action]
	if !ok || subject == "" {
		return 0, nil
	}
	res := tx.Model(&models.OutboxItem{}).
		Where("action = ? AND mesh_server_id = ? AND subject = ? AND status IN ?",
			undo, serverID, subject, []string{models.OutboxPending, models.OutboxProcessing}).
		Updates(map[string]any{"status": models.OutboxSuperseded, "last_error": "superseded by " + action})
	return res.RowsAffected, res.Error
}

// ClaimNext переводит самый старый готовый элемент в processing.
func (s *Store) ClaimNext(ctx context.Context) (*models.OutboxItem, error) {
	var item models.OutboxItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.OutboxPending, now).
			Order("id").First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEmpty
		}
		if err != nil {
			return err
		}
		res := tx.Model(&models.OutboxItem{}).
			Where("id = ? AND status = ?", item.ID, models.OutboxPending).
			Update("status", models.OutboxProcessing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrEmpty
		}
		item.Status = models.OutboxProcessing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// MarkSuccess — false, если элемент успели снять (superseded) во время доставки.
func (s *Store) MarkSuccess(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.OutboxItem{}).
		Where("id = ? AND status = ?", id, models.OutboxProcessing).
		Updates(map[string]any{"status": models.OutboxDone, "last_error": ""})
	return res.RowsAffected > 0, res.Error
}

// MarkFailed возвращает элемент в pending с задержкой; после maxRetries — dead.
func (s *Store) MarkFailed(ctx context.Context, item *models.OutboxItem, delay time.Duration, maxRetries int, cause error) (dead bool, err error) {
	retries := item.RetryCount + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
		if len(msg) > 500 {
			msg = msg[:500]
		}
	}
	upd := map[string]any{
		"retry_count": retries,
		"last_error":  msg,
	}
	if maxRetries > 0 && retries >= maxRetries {
		upd["status"] = models.OutboxDead
		dead = true
	} else {
		next := s.now().Add(delay)
		upd["status"] = models.OutboxPending
		upd["next_retry_at"] = &next
	}
	err = s.db.WithContext(ctx).Model(&models.OutboxItem{}).
		Where("id = ? AND status = ?", item.ID, models.OutboxProcessing).Updates(upd).Error
	return dead, err
}

// MarkDead — доставка бессмысленна (сервер удалён/отключён, битый payload).
func (s *Store) MarkDead(ctx context.Context, id uint, reason string) error {
	return s.db.WithContext(ctx).Model(&models.OutboxItem{}).Where("id = ?", id).
		Updates(map[string]any{"status": models.OutboxDead, "last_error": reason}).Error
}

// RequeueStale возвращает в pending элементы, зависшие в processing (падение процесса посреди доставки).
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.OutboxItem{}).
		Where("status = ? AND updated_at < ?", models.OutboxProcessing, s.now().Add(-olderThan)).
		Update("status", models.OutboxPending)
	return res.RowsAffected, res.Error
}

// List — для админки: последние элементы с фильтром по статусу.
func (s *Store) List(ctx context.Context, status string, limit int) ([]models.OutboxItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.OutboxItem
	return out, q.Find(&out).Error
}
