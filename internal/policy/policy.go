// Package policy — внешние коллабораторы: проверка подписки/лимита устройств и доп. логины.
package policy

import "context"

// User — владелец туннельных конфигов.
type User struct {
	UUID     string `json:"userUuid"`
	Username string `json:"username"`
}

type ConnectionPolicy interface {
	// ValidateConnectionAllowed возвращает ошибку, если подписка истекла или превышен лимит устройств.
	ValidateConnectionAllowed(ctx context.Context, u User) error
}

type PolicyFunc func(ctx context.Context, u User) error

func (f PolicyFunc) ValidateConnectionAllowed(ctx context.Context, u User) error { return f(ctx, u) }

// AllowAll — политика по умолчанию.
var AllowAll ConnectionPolicy = PolicyFunc(func(context.Context, User) error { return nil })

type ExtraLogins interface {
	// GetTotalActiveLoginCount — сумма активных неистёкших доп. логинов пользователя.
	GetTotalActiveLoginCount(ctx context.Context, username string) (int, error)
}

type ExtraLoginsFunc func(ctx context.Context, username string) (int, error)

func (f ExtraLoginsFunc) GetTotalActiveLoginCount(ctx context.Context, username string) (int, error) {
	return f(ctx, username)
}

var NoExtraLogins ExtraLogins = ExtraLoginsFunc(func(context.Context, string) (int, error) { return 0, nil })
