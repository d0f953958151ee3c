package models

import "time"

const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxDone       = "done"
	OutboxDead       = "dead"
	// OutboxSuperseded — снят более поздним противоположным действием.
	OutboxSuperseded = "superseded"
)

// OutboxItem — отложенный вызов API mesh-сервера.
type OutboxItem struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Action       string     `gorm:"size:32;not null" json:"action"`
	MeshServerID uint       `gorm:"index;not null" json:"meshServerId"`
	Subject      string     `gorm:"size:128;index" json:"subject,omitempty"`
	Payload      string     `gorm:"type:text" json:"payload"`
	Status       string     `gorm:"size:16;index;not null" json:"status"`
	RetryCount   int        `json:"retryCount"`
	NextRetryAt  *time.Time `gorm:"index" json:"nextRetryAt,omitempty"`
	LastError    string     `gorm:"size:512" json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func (OutboxItem) TableName() string { return "mesh_outbox" }
