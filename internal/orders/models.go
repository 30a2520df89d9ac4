package orders

import (
	"time"

	"gorm.io/gorm"
)

// IdempotencyRecord maps a client-supplied idempotency key to the resource
// it created, so a replayed submission returns the original record instead
// of creating a duplicate fill.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
