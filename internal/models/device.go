package models

import "time"

type DeviceStatus string

const (
	DevicePending   DeviceStatus = "PENDING"
	DeviceActivated DeviceStatus = "ACTIVATED"
	DeviceRevoked   DeviceStatus = "REVOKED"
)

// DeviceIdentity — произведённое mesh-устройство. Секрет хранится только в виде bcrypt-хэша.
type DeviceIdentity struct {
	ID                  uint         `gorm:"primaryKey" json:"-"`
	DeviceID            string       `gorm:"column:device_id;size:32;uniqueIndex;not null" json:"deviceId"`
	SecretHash          string       `gorm:"size:72;not null" json:"-"`
	HardwareFingerprint *string      `gorm:"size:255" json:"hardwareFingerprint,omitempty"`
	Status              DeviceStatus `gorm:"size:16;index;not null" json:"status"`
	FailedAttempts      int          `gorm:"not null" json:"failedAttempts"`
	LastAttemptAt       *time.Time   `json:"lastAttemptAt,omitempty"`
	ManufacturingBatch  string       `gorm:"size:64;index" json:"manufacturingBatch"`
	Model               string       `gorm:"size:64" json:"model"`
	DeviceName          string       `gorm:"size:128" json:"deviceName,omitempty"`
	MeshServerID        *uint        `gorm:"index" json:"meshServerId,omitempty"`
	ActivatedAt         *time.Time   `json:"activatedAt,omitempty"`
	RevokedAt           *time.Time   `json:"revokedAt,omitempty"`
	RevokedBy           string       `gorm:"size:128" json:"revokedBy,omitempty"`
	RevokeReason        string       `gorm:"size:255" json:"revokeReason,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

func (DeviceIdentity) TableName() string { return "device_identities" }
