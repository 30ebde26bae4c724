package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ServerProfile represents a saved connection to a paperdeck processing server
type ServerProfile struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"unique;not null" json:"name"`
	Owner       string    `json:"owner"`
	BaseURL     string    `gorm:"not null;column:base_url" json:"base_url"`
	EventsURL   string    `gorm:"column:events_url" json:"events_url"` // websocket event stream, derived from BaseURL when empty
	APITokenEnc string    `gorm:"not null;column:api_token_enc" json:"-"` // Encrypted, never expose in JSON
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (sp *ServerProfile) BeforeCreate(tx *gorm.DB) error {
	if sp.ID == "" {
		sp.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (ServerProfile) TableName() string {
	return "server_profiles"
}
