// Package ipam — per-server пулы адресов для WireGuard-пиров.
package ipam

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"orbmesh/internal/apperr"
	"orbmesh/internal/lockmap"
	"orbmesh/internal/logs"
	"orbmesh/internal/metrics"
	"orbmesh/internal/models"
	"orbmesh/internal/varschema"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultCIDR = "10.8.0.0/24"

// ErrPoolExhausted — в пуле не осталось адресов (BadRequest наружу).
var ErrPoolExhausted = apperr.E(apperr.ErrBadRequest, "ip pool exhausted")

type Options struct {
	DefaultCIDR string
	// Reclaim — освобождённые адреса возвращаются в free-list; по умолчанию адрес не переиспользуется.
	Reclaim bool
}

type Allocator struct {
	db    *gorm.DB
	locks *lockmap.Map
	opts  Options
}

func NewAllocator(db *gorm.DB, o Options) *Allocator {
	if strings.TrimSpace(o.DefaultCIDR) == "" {
		o.DefaultCIDR = DefaultCIDR
	}
	return &Allocator{db: db, locks: lockmap.New(), opts: o}
}

func (a *Allocator) Reclaim() bool { return a.opts.Reclaim }

// bounds — сеть, gateway (.1), первый выдаваемый (.2) и последний хост (broadcast исключён).
type bounds struct {
	network, gateway, first, last uint32
}

func poolBounds(cidr string) (bounds, error) {
	norm, err := varschema.ValidateOne("cidr", cidr)
	if err != nil {
		return bounds{}, apperr.Wrap(apperr.ErrBadRequest, err, "invalid cidr")
	}
	_, nw, _ := net.ParseCIDR(norm)
	ones, _ := nw.Mask.Size()
	netU := ip4ToUint(nw.IP)
	size := uint32(1) << uint(32-ones)
	return bounds{network: netU, gateway: netU + 1, first: netU + 2, last: netU + size - 2}, nil
}

func (b bounds) contains(u uint32) bool { return u >= b.first && u <= b.last }

func lockKey(serverID uint) string { return "ipam:" + strconv.FormatUint(uint64(serverID), 10) }

// loadPool — строка пула под FOR UPDATE; создаёт пул с CIDR по умолчанию, если его нет.
func (a *Allocator) loadPool(tx *gorm.DB, serverID uint, cidr string) (*models.IPPool, bounds, error) {
	var p models.IPPool
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("mesh_server_id = ?", serverID).First(&p).Error
	if err == nil {
		b, err := poolBounds(p.CIDR)
		return &p, b, err
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bounds{}, err
	}

	if cidr == "" {
		cidr = a.opts.DefaultCIDR
	}
	b, err := poolBounds(cidr)
	if err != nil {
		return nil, bounds{}, err
	}
	_, nw, _ := net.ParseCIDR(cidr)
	p = models.IPPool{
		MeshServerID:    serverID,
		CIDR:            nw.String(),
		GatewayIP:       uintToIP4(b.gateway).String(),
		NextAvailableIP: uintToIP4(b.first).String(),
	}
	if err := tx.Create(&p).Error; err != nil {
		return nil, bounds{}, fmt.Errorf("create pool: %w", err)
	}
	return &p, b, nil
}

// AllocateIP выдаёт следующий адрес пула сервера. Один адрес никогда не выдаётся дважды.
func (a *Allocator) AllocateIP(ctx context.Context, serverID uint) (string, error) {
	unlock := a.locks.Lock(lockKey(serverID))
	defer unlock()

	var (
		addr  string
		count int
	)
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, b, err := a.loadPool(tx, serverID, "")
		if err != nil {
			return err
		}
		cur := net.ParseIP(p.NextAvailableIP).To4()
		if cur == nil {
			return apperr.E(apperr.ErrConsistency, "pool cursor is corrupt")
		}
		curU := ip4ToUint(cur)

		if b.contains(curU) {
			addr = uintToIP4(curU).String()
			p.NextAvailableIP = uintToIP4(curU + 1).String()
		} else {
			if !a.opts.Reclaim {
				return ErrPoolExhausted
			}
			var free models.ReleasedIP
			err := tx.Where("mesh_server_id = ?", serverID).Order("addr_num").First(&free).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPoolExhausted
			}
			if err != nil {
				return err
			}
			if err := tx.Delete(&free).Error; err != nil {
				return err
			}
			addr = free.Address
		}
		p.Allocated++
		count = p.Allocated
		return tx.Model(p).Updates(map[string]any{
			"next_available_ip": p.NextAvailableIP,
			"allocated":         p.Allocated,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			logs.Component("ipam").WithField("server_id", serverID).Warn("ip pool exhausted")
		}
		return "", err
	}
	metrics.IPsAllocated.WithLabelValues(strconv.FormatUint(uint64(serverID), 10)).Set(float64(count))
	return addr, nil
}

// ReleaseIP — при retain-политике ничего не делает.
func (a *Allocator) ReleaseIP(ctx context.Context, serverID uint, ip string) error {
	if !a.opts.Reclaim {
		return nil
	}
	addr := net.ParseIP(strings.TrimSpace(ip)).To4()
	if addr == nil {
		return apperr.E(apperr.ErrBadRequest, "invalid ipv4 address")
	}
	unlock := a.locks.Lock(lockKey(serverID))
	defer unlock()

	var count int
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, b, err := a.loadPool(tx, serverID, "")
		if err != nil {
			return err
		}
		u := ip4ToUint(addr)
		if !b.contains(u) {
			return apperr.E(apperr.ErrBadRequest, "address outside pool")
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ReleasedIP{
			MeshServerID: serverID,
			Address:      addr.String(),
			AddrNum:      int64(u),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || p.Allocated == 0 {
			count = p.Allocated
			return nil
		}
		p.Allocated--
		count = p.Allocated
		return tx.Model(p).Update("allocated", p.Allocated).Error
	})
	if err != nil {
		return err
	}
	metrics.IPsAllocated.WithLabelValues(strconv.FormatUint(uint64(serverID), 10)).Set(float64(count))
	logs.Component("ipam").WithFields(logrus.Fields{"server_id": serverID, "ip": addr.String()}).Debug("ip released")
	return nil
}

// ClaimIP забирает конкретный адрес обратно (реактивация конфигурации).
// false — адрес уже выдан кому-то другому. При retain-политике адрес всегда остаётся за владельцем.
func (a *Allocator) ClaimIP(ctx context.Context, serverID uint, ip string) (bool, error) {
	if !a.opts.Reclaim {
		return true, nil
	}
	unlock := a.locks.Lock(lockKey(serverID))
	defer unlock()

	claimed := false
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, _, err := a.loadPool(tx, serverID, "")
		if err != nil {
			return err
		}
		res := tx.Where("mesh_server_id = ? AND address = ?", serverID, strings.TrimSpace(ip)).
			Delete(&models.ReleasedIP{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		claimed = true
		p.Allocated++
		return tx.Model(p).Update("allocated", p.Allocated).Error
	})
	return claimed, err
}

// ConfigurePool задаёт CIDR пула; только до первой выдачи.
func (a *Allocator) ConfigurePool(ctx context.Context, serverID uint, cidr string) (*models.IPPool, error) {
	if _, err := poolBounds(cidr); err != nil {
		return nil, err
	}
	_, nw, _ := net.ParseCIDR(strings.TrimSpace(cidr))

	unlock := a.locks.Lock(lockKey(serverID))
	defer unlock()

	var out *models.IPPool
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, b, err := a.loadPool(tx, serverID, nw.String())
		if err != nil {
			return err
		}
		if p.CIDR == nw.String() {
			out = p
			return nil
		}
		if p.Allocated > 0 || p.NextAvailableIP != uintToIP4(b.first).String() {
			return apperr.E(apperr.ErrBadRequest, "pool already has allocations")
		}
		nb, _ := poolBounds(nw.String())
		p.CIDR = nw.String()
		p.GatewayIP = uintToIP4(nb.gateway).String()
		p.NextAvailableIP = uintToIP4(nb.first).String()
		out = p
		return tx.Model(p).Updates(map[string]any{
			"cidr":              p.CIDR,
			"gateway_ip":        p.GatewayIP,
			"next_available_ip": p.NextAvailableIP,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	logs.Component("ipam").WithFields(logrus.Fields{"server_id": serverID, "cidr": out.CIDR}).Info("pool configured")
	return out, nil
}

func (a *Allocator) GetPool(ctx context.Context, serverID uint) (*models.IPPool, error) {
	var p models.IPPool
	if err := a.db.WithContext(ctx).Where("mesh_server_id = ?", serverID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.E(apperr.ErrNotFound, "pool not found")
		}
		return nil, err
	}
	return &p, nil
}

func (a *Allocator) ListPools(ctx context.Context) ([]models.IPPool, error) {
	var out []models.IPPool
	err := a.db.WithContext(ctx).Order("mesh_server_id").Find(&out).Error
	return out, err
}

// Helpers IPv4
func ip4ToUint(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uintToIP4(u uint32) net.IP {
	return net.IPv4(byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}
