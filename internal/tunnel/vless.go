package tunnel

import (
	"context"
	"errors"
	"strings"

	"orbmesh/internal/apperr"
	"orbmesh/internal/logs"
	"orbmesh/internal/meshapi"
	"orbmesh/internal/models"
	"orbmesh/internal/outbox"
	"orbmesh/internal/policy"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func (a *Allocator) findVless(ctx context.Context, userUUID string, serverID uint) (*models.VlessConfig, error) {
	var c models.VlessConfig
	err := a.db.WithContext(ctx).Where("user_uuid = ? AND mesh_server_id = ?", userUUID, serverID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// notifyAddUser — ответ сервера с vlessUuid перезаписывает локальный.
func (a *Allocator) notifyAddUser(ctx context.Context, s *models.MeshServer, c *models.VlessConfig) {
	payload := meshapi.VlessUser{UserUUID: c.UserUUID, VlessUUID: c.VlessUUID}
	a.notify(ctx, s, outbox.ActionAddUser, payload, func(ctx context.Context) error {
		got, err := a.mesh.AddUser(ctx, s, payload)
		if err != nil {
			return err
		}
		if got != "" && got != c.VlessUUID {
			if err := a.db.WithContext(ctx).Model(c).Update("vless_uuid", got).Error; err != nil {
				return err
			}
			c.VlessUUID = got
		}
		return nil
	})
}

func (a *Allocator) getOrCreateVless(ctx context.Context, u policy.User, s *models.MeshServer) (*Allocation, error) {
	now := a.now()
	c, err := a.findVless(ctx, u.UUID, s.ID)
	if err != nil {
		return nil, err
	}

	switch {
	case c != nil && c.Active:
		if err := a.db.WithContext(ctx).Model(c).Update("last_connected_at", now).Error; err != nil {
			return nil, err
		}
		c.LastConnectedAt = &now
		return a.vlessAllocation(s, c, StatusExisting), nil

	case c != nil:
		if err := a.db.WithContext(ctx).Model(c).Updates(map[string]any{
			"active":            true,
			"last_connected_at": now,
			"username":          u.Username,
		}).Error; err != nil {
			return nil, err
		}
		c.Active, c.LastConnectedAt = true, &now
		a.notifyAddUser(ctx, s, c)
		return a.vlessAllocation(s, c, StatusReactivated), nil
	}

	c = &models.VlessConfig{
		UserUUID:        u.UUID,
		MeshServerID:    s.ID,
		Username:        u.Username,
		VlessUUID:       uuid.NewString(),
		Flow:            models.VlessDefaultFlow,
		Encryption:      models.VlessDefaultEncryption,
		Security:        models.VlessDefaultSecurity,
		Transport:       models.VlessDefaultTransport,
		Active:          true,
		LastConnectedAt: &now,
	}
	if err := a.db.WithContext(ctx).Create(c).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if existing, ferr := a.findVless(ctx, u.UUID, s.ID); ferr == nil && existing != nil {
				return a.vlessAllocation(s, existing, StatusExisting), nil
			}
		}
		return nil, err
	}
	a.notifyAddUser(ctx, s, c)
	return a.vlessAllocation(s, c, StatusCreated), nil
}

func (a *Allocator) revokeVless(ctx context.Context, u policy.User, serverID uint) (bool, error) {
	c, err := a.findVless(ctx, u.UUID, serverID)
	if err != nil || c == nil {
		return false, err
	}
	if !c.Active {
		return true, nil
	}
	if err := a.db.WithContext(ctx).Model(c).Update("active", false).Error; err != nil {
		return false, err
	}
	if s, err := a.servers.Get(ctx, serverID); err == nil && s.Enabled {
		payload := meshapi.VlessUser{UserUUID: c.UserUUID, VlessUUID: c.VlessUUID}
		a.notify(ctx, s, outbox.ActionRemoveUser, payload, func(ctx context.Context) error { return a.mesh.RemoveUser(ctx, s, payload) })
	}
	return true, nil
}

func (a *Allocator) syncVless(ctx context.Context, u policy.User, s *models.MeshServer, m Material) (*Allocation, error) {
	id, err := uuid.Parse(strings.TrimSpace(m.VlessUUID))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrBadRequest, err, "invalid vless uuid")
	}
	now := a.now()
	c, err := a.findVless(ctx, u.UUID, s.ID)
	if err != nil {
		return nil, err
	}
	status := StatusExisting
	if c == nil {
		c = &models.VlessConfig{
			UserUUID:     u.UUID,
			MeshServerID: s.ID,
			Flow:         models.VlessDefaultFlow,
			Encryption:   models.VlessDefaultEncryption,
			Security:     models.VlessDefaultSecurity,
			Transport:    models.VlessDefaultTransport,
		}
		status = StatusCreated
	}
	c.Username = u.Username
	c.VlessUUID = id.String()
	c.Active = true
	c.LastConnectedAt = &now
	if err := a.db.WithContext(ctx).Save(c).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Wrap(apperr.ErrConflict, err, "config changed concurrently")
		}
		return nil, err
	}
	return a.vlessAllocation(s, c, status), nil
}

// ApplyVlessUUID — авторитетный UUID из отложенной доставки add-user.
func (a *Allocator) ApplyVlessUUID(ctx context.Context, serverID uint, userUUID, vlessUUID string) error {
	res := a.db.WithContext(ctx).Model(&models.VlessConfig{}).
		Where("user_uuid = ? AND mesh_server_id = ?", userUUID, serverID).
		Update("vless_uuid", vlessUUID)
	if res.Error != nil {
		return res.Error
	}
	logs.Component("tunnel").WithFields(logrus.Fields{
		"server_id": serverID, "user": userUUID, "rows": res.RowsAffected,
	}).Info("vless uuid applied from mesh server")
	return nil
}

func (a *Allocator) vlessAllocation(s *models.MeshServer, c *models.VlessConfig, status string) *Allocation {
	return &Allocation{
		Protocol: models.ProtoVless,
		Status:   status,
		ServerID: s.ID,
		Endpoint: s.Endpoint,
		Port:     a.opts.VlessPort,
		Vless:    c,
	}
}
