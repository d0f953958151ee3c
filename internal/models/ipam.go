package models

import "time"

// IPPool — по одному на mesh-сервер; NextAvailableIP — монотонный курсор.
type IPPool struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	MeshServerID    uint      `gorm:"uniqueIndex;not null" json:"meshServerId"`
	CIDR            string    `gorm:"type:varchar(64);not null" json:"cidr"`
	GatewayIP       string    `gorm:"type:varchar(45)" json:"gatewayIp"`
	NextAvailableIP string    `gorm:"type:varchar(45)" json:"nextAvailableIp"`
	Allocated       int       `json:"allocated"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (IPPool) TableName() string { return "ip_pools" }

// ReleasedIP — free-list, используется только при ipam.reclaim=true.
type ReleasedIP struct {
	ID           uint   `gorm:"primaryKey"`
	MeshServerID uint   `gorm:"not null;uniqueIndex:ux_released_addr,priority:1;index:idx_released_order,priority:1"`
	Address      string `gorm:"type:varchar(45);not null;uniqueIndex:ux_released_addr,priority:2"`
	AddrNum      int64  `gorm:"not null;index:idx_released_order,priority:2"`
	CreatedAt    time.Time
}

func (ReleasedIP) TableName() string { return "ip_pool_released" }
