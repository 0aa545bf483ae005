package models

import "time"

// ReportCategory classifies why a user was reported.
type ReportCategory string

// Report categories offered in the reason menu.
const (
	ReportHarassment    ReportCategory = "harassment"
	ReportInappropriate ReportCategory = "inappropriate"
	ReportSafetyConcern ReportCategory = "safety_concern"
	ReportOther         ReportCategory = "other"
)

// UserBlock is a directed block. Enforcement checks both directions.
type UserBlock struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BlockerID uint      `gorm:"not null;uniqueIndex:idx_user_block_pair,priority:1" json:"blocker_id"`
	BlockedID uint      `gorm:"not null;uniqueIndex:idx_user_block_pair,priority:2;index" json:"blocked_id"`
	GroupID   string    `gorm:"size:64" json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM.
func (UserBlock) TableName() string {
	return "user_blocks"
}

// ModerationIncident is a report filed over SMS. IdempotencyKey maps to exactly one row.
type ModerationIncident struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	IncidentID     string         `gorm:"size:36;uniqueIndex;not null" json:"incident_id"`
	ReporterID     uint           `gorm:"not null;index" json:"reporter_id"`
	ReportedID     uint           `gorm:"not null;index" json:"reported_id"`
	GroupID        string         `gorm:"size:64" json:"group_id"`
	ReasonCategory ReportCategory `gorm:"size:32;not null" json:"reason_category"`
	FreeText       string         `gorm:"type:text" json:"free_text"`
	PromptToken    string         `gorm:"size:64;index" json:"prompt_token"`
	IdempotencyKey string         `gorm:"size:64;uniqueIndex;not null" json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TableName specifies the table name for GORM.
func (ModerationIncident) TableName() string {
	return "moderation_incidents"
}
