package users

import (
	"strings"
	"time"
)

// Signer captures the display identity attached to a signing user.
type Signer struct {
	UserID            string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName       string    `gorm:"column:display_name;size:320"`
	SignatureImageURL string    `gorm:"column:signature_image_url;size:512"`
	LastSeenAt        time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing signer identities.
func (Signer) TableName() string {
	return "signer_identities"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
