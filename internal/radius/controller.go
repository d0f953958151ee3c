// Package radius — атрибуты FreeRADIUS radcheck: пароль, лимит сессий, срок действия.
package radius

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/lockmap"
	"orbmesh/internal/logs"
	"orbmesh/internal/metrics"
	"orbmesh/internal/models"
	"orbmesh/internal/policy"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	AttrPassword        = "SHA-Password"
	AttrSimultaneousUse = "Simultaneous-Use"
	AttrExpiration      = "Expiration"

	OpAssign = ":="
	OpEqual  = "=="

	// ExpirationLayout — формат FreeRADIUS, "March 05 2027 13:04:05".
	ExpirationLayout = "January 02 2006 15:04:05"
)

type Controller struct {
	db    *gorm.DB
	extra policy.ExtraLogins
	locks *lockmap.Map
}

func New(db *gorm.DB, extra policy.ExtraLogins) *Controller {
	if extra == nil {
		extra = policy.NoExtraLogins
	}
	return &Controller{db: db, extra: extra, locks: lockmap.New()}
}

func cleanUsername(u string) (string, error) {
	u = strings.TrimSpace(u)
	if u == "" || len(u) > 64 {
		return "", apperr.E(apperr.ErrBadRequest, "username must be 1..64 characters")
	}
	return u, nil
}

func lockKey(username, attr string) string { return username + "\x00" + attr }

// put — единственный путь записи: delete всех строк атрибута + insert одной, в одной транзакции.
func (c *Controller) put(ctx context.Context, username, attr, op, value string) error {
	unlock := c.locks.Lock(lockKey(username, attr))
	defer unlock()

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("username = ? AND attribute = ?", username, attr).
			Delete(&models.RadCheck{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.RadCheck{Username: username, Attribute: attr, Op: op, Value: value}).Error
	})
}

// SyncPassword — SHA-Password := hash (при каждой смене пароля).
func (c *Controller) SyncPassword(ctx context.Context, username, hash string) error {
	username, err := cleanUsername(username)
	if err != nil {
		return err
	}
	hash = strings.TrimSpace(hash)
	if hash == "" || len(hash) > 253 {
		return apperr.E(apperr.ErrBadRequest, "invalid password hash")
	}
	if err := c.put(ctx, username, AttrPassword, OpAssign, hash); err != nil {
		return err
	}
	logs.Component("radius").WithField("username", username).Info("radius password synced")
	return nil
}

// RecomputeSimultaneousUse — base + активные доп. логины.
func (c *Controller) RecomputeSimultaneousUse(ctx context.Context, username string, base int) (int, error) {
	username, err := cleanUsername(username)
	if err != nil {
		return 0, err
	}
	if base < 0 {
		return 0, apperr.E(apperr.ErrBadRequest, "base allowance must be >= 0")
	}
	extra, err := c.extra.GetTotalActiveLoginCount(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("extra logins: %w", err)
	}
	if extra < 0 {
		extra = 0
	}
	total := base + extra
	if err := c.put(ctx, username, AttrSimultaneousUse, OpAssign, strconv.Itoa(total)); err != nil {
		return 0, err
	}
	logs.Component("radius").WithFields(logrus.Fields{
		"username": username, "base": base, "extra": extra, "total": total,
	}).Info("simultaneous-use recomputed")
	return total, nil
}

// SetExpiration — Expiration == дата в UTC.
func (c *Controller) SetExpiration(ctx context.Context, username string, expiresAt time.Time) error {
	username, err := cleanUsername(username)
	if err != nil {
		return err
	}
	if expiresAt.IsZero() {
		return apperr.E(apperr.ErrBadRequest, "expiration time required")
	}
	v := FormatExpiration(expiresAt)
	if err := c.put(ctx, username, AttrExpiration, OpEqual, v); err != nil {
		return err
	}
	logs.Component("radius").WithFields(logrus.Fields{"username": username, "expires": v}).Info("radius expiration set")
	return nil
}

func FormatExpiration(t time.Time) string { return t.UTC().Format(ExpirationLayout) }

func (c *Controller) Attributes(ctx context.Context, username string) ([]models.RadCheck, error) {
	username, err := cleanUsername(username)
	if err != nil {
		return nil, err
	}
	var out []models.RadCheck
	err = c.db.WithContext(ctx).Where("username = ?", username).Order("attribute, id").Find(&out).Error
	return out, err
}

// RemoveUser удаляет все строки пользователя.
func (c *Controller) RemoveUser(ctx context.Context, username string) (int64, error) {
	username, err := cleanUsername(username)
	if err != nil {
		return 0, err
	}
	for _, a := range []string{AttrPassword, AttrSimultaneousUse, AttrExpiration} {
		unlock := c.locks.Lock(lockKey(username, a))
		defer unlock()
	}
	res := c.db.WithContext(ctx).Where("username = ?", username).Delete(&models.RadCheck{})
	return res.RowsAffected, res.Error
}

// collapse оставляет строку с наибольшим id (последнюю записанную).
func (c *Controller) collapse(ctx context.Context, username, attr string) (int64, error) {
	unlock := c.locks.Lock(lockKey(username, attr))
	defer unlock()

	var removed int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.RadCheck
		if err := tx.Where("username = ? AND attribute = ?", username, attr).
			Order("id DESC").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) < 2 {
			return nil
		}
		ids := make([]uint, 0, len(rows)-1)
		for _, r := range rows[1:] {
			ids = append(ids, r.ID)
		}
		res := tx.Where("id IN ?", ids).Delete(&models.RadCheck{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.RadiusDuplicatesCollapsedTotal.Add(float64(removed))
		logs.Component("radius").WithFields(logrus.Fields{
			"username": username, "attribute": attr, "removed": removed,
		}).Warn("duplicate radcheck rows collapsed")
	}
	return removed, nil
}

type dupKey struct {
	Username  string
	Attribute string
}

func (c *Controller) duplicates(ctx context.Context, username string) ([]dupKey, error) {
	var keys []dupKey
	q := c.db.WithContext(ctx).Model(&models.RadCheck{}).
		Select("username, attribute").
		Group("username, attribute").
		Having("COUNT(*) > 1")
	if username != "" {
		q = q.Where("username = ?", username)
	}
	return keys, q.Scan(&keys).Error
}

// CleanupDuplicateRadChecks — ремонт одного пользователя; возвращает число удалённых строк.
func (c *Controller) CleanupDuplicateRadChecks(ctx context.Context, username string) (int64, error) {
	username, err := cleanUsername(username)
	if err != nil {
		return 0, err
	}
	return c.cleanup(ctx, username)
}

// CleanupAllDuplicates — периодический проход по всей таблице.
func (c *Controller) CleanupAllDuplicates(ctx context.Context) (int64, error) {
	return c.cleanup(ctx, "")
}

func (c *Controller) cleanup(ctx context.Context, username string) (int64, error) {
	keys, err := c.duplicates(ctx, username)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, k := range keys {
		n, err := c.collapse(ctx, k.Username, k.Attribute)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// VerifyPasswordSync — расхождение с каноническим хэшем считается фатальным (ErrConsistency).
func (c *Controller) VerifyPasswordSync(ctx context.Context, username, canonical string) error {
	username, err := cleanUsername(username)
	if err != nil {
		return err
	}
	var row models.RadCheck
	err = c.db.WithContext(ctx).Where("username = ? AND attribute = ?", username, AttrPassword).
		Order("id DESC").First(&row).Error
	log := logs.Component("radius").WithField("username", username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Error("radius password missing")
		return apperr.E(apperr.ErrConsistency, "radius password missing")
	}
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(row.Value), []byte(strings.TrimSpace(canonical))) != 1 {
		log.Error("radius password out of sync")
		return apperr.E(apperr.ErrConsistency, "radius password out of sync")
	}
	return nil
}
