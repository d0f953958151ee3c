package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"orbmesh/internal/apperr"
	"orbmesh/internal/logs"
	"orbmesh/internal/meshapi"
	"orbmesh/internal/models"
	"orbmesh/internal/outbox"
	"orbmesh/internal/policy"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gorm.io/gorm"
)

func (a *Allocator) findWireGuard(ctx context.Context, userUUID string, serverID uint) (*models.WireGuardConfig, error) {
	var c models.WireGuardConfig
	err := a.db.WithContext(ctx).Where("user_uuid = ? AND mesh_server_id = ?", userUUID, serverID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (a *Allocator) peer(c *models.WireGuardConfig) meshapi.Peer {
	return meshapi.Peer{UserUUID: c.UserUUID, PublicKey: c.PublicKey, AllowedIPs: c.AllocatedIP + "/32"}
}

func (a *Allocator) notifyAddPeer(ctx context.Context, s *models.MeshServer, c *models.WireGuardConfig) {
	p := a.peer(c)
	a.notify(ctx, s, outbox.ActionAddPeer, p, func(ctx context.Context) error { return a.mesh.AddPeer(ctx, s, p) })
}

func (a *Allocator) getOrCreateWireGuard(ctx context.Context, u policy.User, s *models.MeshServer) (*Allocation, error) {
	now := a.now()
	c, err := a.findWireGuard(ctx, u.UUID, s.ID)
	if err != nil {
		return nil, err
	}

	switch {
	case c != nil && c.Active:
		if err := a.db.WithContext(ctx).Model(c).Update("last_connected_at", now).Error; err != nil {
			return nil, err
		}
		c.LastConnectedAt = &now
		return a.wireGuardAllocation(s, c, StatusExisting), nil

	case c != nil:
		ip, err := a.reclaimIP(ctx, s.ID, c.AllocatedIP)
		if err != nil {
			return nil, err
		}
		if err := a.db.WithContext(ctx).Model(c).Updates(map[string]any{
			"active":            true,
			"allocated_ip":      ip,
			"last_connected_at": now,
			"username":          u.Username,
		}).Error; err != nil {
			return nil, err
		}
		c.Active, c.AllocatedIP, c.LastConnectedAt = true, ip, &now
		a.notifyAddPeer(ctx, s, c)
		return a.wireGuardAllocation(s, c, StatusReactivated), nil
	}

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate wireguard key: %w", err)
	}
	ip, err := a.ipam.AllocateIP(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	c = &models.WireGuardConfig{
		UserUUID:        u.UUID,
		MeshServerID:    s.ID,
		Username:        u.Username,
		PrivateKey:      key.String(),
		PublicKey:       key.PublicKey().String(),
		AllocatedIP:     ip,
		Active:          true,
		LastConnectedAt: &now,
	}
	if err := a.db.WithContext(ctx).Create(c).Error; err != nil {
		_ = a.ipam.ReleaseIP(ctx, s.ID, ip)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// другой процесс успел создать конфиг
			if existing, ferr := a.findWireGuard(ctx, u.UUID, s.ID); ferr == nil && existing != nil {
				return a.wireGuardAllocation(s, existing, StatusExisting), nil
			}
		}
		return nil, err
	}
	a.notifyAddPeer(ctx, s, c)
	return a.wireGuardAllocation(s, c, StatusCreated), nil
}

// reclaimIP — прежний адрес, если его никто не забрал; иначе новый.
func (a *Allocator) reclaimIP(ctx context.Context, serverID uint, prev string) (string, error) {
	if prev != "" {
		ok, err := a.ipam.ClaimIP(ctx, serverID, prev)
		if err != nil {
			return "", err
		}
		if ok {
			return prev, nil
		}
	}
	return a.ipam.AllocateIP(ctx, serverID)
}

func (a *Allocator) revokeWireGuard(ctx context.Context, u policy.User, serverID uint) (bool, error) {
	c, err := a.findWireGuard(ctx, u.UUID, serverID)
	if err != nil || c == nil {
		return false, err
	}
	if !c.Active {
		return true, nil
	}
	if err := a.db.WithContext(ctx).Model(c).Update("active", false).Error; err != nil {
		return false, err
	}
	// конфиг уже неактивен: peer снимается с сервера даже если адрес не вернулся в free-list
	if err := a.ipam.ReleaseIP(ctx, serverID, c.AllocatedIP); err != nil {
		logs.Component("tunnel").WithError(err).WithFields(logrus.Fields{
			"server_id": serverID, "address": c.AllocatedIP,
		}).Error("release address after revoke")
	}

	if s, err := a.servers.Get(ctx, serverID); err == nil && s.Enabled {
		p := a.peer(c)
		a.notify(ctx, s, outbox.ActionRemovePeer, p, func(ctx context.Context) error { return a.mesh.RemovePeer(ctx, s, p) })
	}
	return true, nil
}

func (a *Allocator) syncWireGuard(ctx context.Context, u policy.User, s *models.MeshServer, m Material) (*Allocation, error) {
	pub, err := wgtypes.ParseKey(strings.TrimSpace(m.PublicKey))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrBadRequest, err, "invalid wireguard public key")
	}
	priv := strings.TrimSpace(m.PrivateKey)
	if priv != "" {
		k, err := wgtypes.ParseKey(priv)
		if err != nil || k.PublicKey() != pub {
			return nil, apperr.E(apperr.ErrBadRequest, "private key does not match public key")
		}
	}

	now := a.now()
	c, err := a.findWireGuard(ctx, u.UUID, s.ID)
	if err != nil {
		return nil, err
	}

	ip := strings.TrimSpace(m.AllocatedIP)
	if ip != "" {
		if net.ParseIP(ip).To4() == nil {
			return nil, apperr.E(apperr.ErrBadRequest, "invalid allocated ip")
		}
		var n int64
		q := a.db.WithContext(ctx).Model(&models.WireGuardConfig{}).
			Where("mesh_server_id = ? AND allocated_ip = ? AND active = ? AND user_uuid <> ?", s.ID, ip, true, u.UUID)
		if err := q.Count(&n).Error; err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, apperr.E(apperr.ErrConflict, "address is held by another peer")
		}
	}

	status := StatusExisting
	if c == nil {
		if ip == "" {
			if ip, err = a.ipam.AllocateIP(ctx, s.ID); err != nil {
				return nil, err
			}
		}
		c = &models.WireGuardConfig{UserUUID: u.UUID, MeshServerID: s.ID}
		status = StatusCreated
	} else if ip == "" {
		ip = c.AllocatedIP
		if !c.Active {
			if ip, err = a.reclaimIP(ctx, s.ID, c.AllocatedIP); err != nil {
				return nil, err
			}
		}
	}

	c.Username = u.Username
	c.PublicKey = pub.String()
	c.PrivateKey = priv
	c.AllocatedIP = ip
	c.Active = true
	c.LastConnectedAt = &now
	if err := a.db.WithContext(ctx).Save(c).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Wrap(apperr.ErrConflict, err, "config changed concurrently")
		}
		return nil, err
	}
	return a.wireGuardAllocation(s, c, status), nil
}

func (a *Allocator) wireGuardAllocation(s *models.MeshServer, c *models.WireGuardConfig, status string) *Allocation {
	port := s.WireGuardPort
	if port <= 0 {
		port = a.opts.WireGuardPort
	}
	v := &WireGuardView{
		PublicKey:       c.PublicKey,
		Address:         c.AllocatedIP + "/32",
		ServerPublicKey: s.WireGuardPublicKey,
		DNS:             a.opts.DNS,
		MTU:             a.opts.MTU,
		Keepalive:       a.opts.Keepalive,
		AllowedIPs:      a.opts.AllowedIPs,
	}
	if a.opts.ShowPrivateKeys {
		v.PrivateKey = c.PrivateKey
	}
	return &Allocation{
		Protocol:  models.ProtoWireGuard,
		Status:    status,
		ServerID:  s.ID,
		Endpoint:  s.Endpoint,
		Port:      port,
		WireGuard: v,
	}
}
