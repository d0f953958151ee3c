package models

import (
	"strings"
	"time"
)

const (
	ProtoWireGuard = "wireguard"
	ProtoVless     = "vless"
)

// MeshServer — VPN-узел. API-ключ хранится зашифрованным (для исходящих вызовов)
// и в виде sha256 (для входящей bearer-аутентификации).
type MeshServer struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	Name               string     `gorm:"size:128;not null" json:"name"`
	Region             string     `gorm:"size:64;index" json:"region"`
	Country            string     `gorm:"size:8" json:"country"`
	Endpoint           string     `gorm:"size:255;not null" json:"endpoint"`
	APIKeyEnc          string     `gorm:"type:text" json:"-"`
	APIKeyHash         string     `gorm:"size:64;uniqueIndex" json:"-"`
	Protocols          string     `gorm:"size:64" json:"protocols"` // csv
	Online             bool       `json:"online"`
	Enabled            bool       `json:"enabled"`
	CurrentConnections int        `json:"currentConnections"`
	MaxConnections     int        `json:"maxConnections"`
	CPUPercent         float64    `json:"cpuPercent"`
	MemPercent         float64    `json:"memPercent"`
	LastHeartbeatAt    *time.Time `json:"lastHeartbeatAt,omitempty"`
	WireGuardPublicKey string     `gorm:"size:64" json:"wireguardPublicKey,omitempty"`
	WireGuardPort      int        `json:"wireguardPort,omitempty"`
	RealityPublicKey   string     `gorm:"size:64" json:"realityPublicKey,omitempty"`
	RealityShortID     string     `gorm:"size:32" json:"realityShortId,omitempty"`
	SNI                string     `gorm:"column:sni;size:255" json:"sni,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

func (MeshServer) TableName() string { return "mesh_servers" }

func (s MeshServer) ProtocolList() []string {
	out := []string{}
	for _, p := range strings.Split(s.Protocols, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s MeshServer) Supports(proto string) bool {
	for _, p := range s.ProtocolList() {
		if p == proto {
			return true
		}
	}
	return false
}
