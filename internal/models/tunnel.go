package models

import "time"

type WireGuardConfig struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UserUUID        string     `gorm:"size:36;not null;uniqueIndex:ux_wg_user_server,priority:1" json:"userUuid"`
	MeshServerID    uint       `gorm:"not null;uniqueIndex:ux_wg_user_server,priority:2;index" json:"meshServerId"`
	Username        string     `gorm:"size:64" json:"username,omitempty"`
	PrivateKey      string     `gorm:"size:64;not null" json:"-"`
	PublicKey       string     `gorm:"size:64;not null;index" json:"publicKey"`
	AllocatedIP     string     `gorm:"type:varchar(45);not null" json:"allocatedIp"`
	Active          bool       `gorm:"index" json:"active"`
	LastConnectedAt *time.Time `json:"lastConnectedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (WireGuardConfig) TableName() string { return "wireguard_configs" }

const (
	VlessDefaultFlow       = "xtls-rprx-vision"
	VlessDefaultEncryption = "none"
	VlessDefaultSecurity   = "reality"
	VlessDefaultTransport  = "tcp"
)

type VlessConfig struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UserUUID        string     `gorm:"size:36;not null;uniqueIndex:ux_vless_user_server,priority:1" json:"userUuid"`
	MeshServerID    uint       `gorm:"not null;uniqueIndex:ux_vless_user_server,priority:2;index" json:"meshServerId"`
	Username        string     `gorm:"size:64" json:"username,omitempty"`
	VlessUUID       string     `gorm:"column:vless_uuid;size:36;not null;index" json:"vlessUuid"`
	Flow            string     `gorm:"size:32" json:"flow"`
	Encryption      string     `gorm:"size:16" json:"encryption"`
	Security        string     `gorm:"size:16" json:"security"`
	Transport       string     `gorm:"size:16" json:"transport"`
	Active          bool       `gorm:"index" json:"active"`
	LastConnectedAt *time.Time `json:"lastConnectedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (VlessConfig) TableName() string { return "vless_configs" }
