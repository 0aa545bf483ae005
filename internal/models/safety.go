package models

import "time"

// SafetyAction names an audited decision recorded in the safety event log.
type SafetyAction string

// Safety event actions.
const (
	ActionSafetyHoldEnforced    SafetyAction = "safety_hold_enforced"
	ActionRateLimitExceeded     SafetyAction = "rate_limit_exceeded"
	ActionKeywordIntercepted    SafetyAction = "keyword_intercepted"
	ActionStrikeEscalation      SafetyAction = "strike_escalation"
	ActionCrisisRoute           SafetyAction = "crisis_route"
	ActionBlockCreated          SafetyAction = "block_created"
	ActionReportReasonPrompted  SafetyAction = "report_reason_prompted"
	ActionReportReasonClarifier SafetyAction = "report_reason_clarifier"
	ActionReportCreated         SafetyAction = "report_created"
	ActionBlockedMessageAttempt SafetyAction = "blocked_message_attempt"
	ActionUnsupportedTarget     SafetyAction = "unsupported_target"
	ActionSafetyHoldLifted      SafetyAction = "safety_hold_lifted"
)

// InboundMessage is the immutable record of a received text.
type InboundMessage struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ProviderMessageID string    `gorm:"size:64;uniqueIndex;not null" json:"provider_message_id"`
	UserID            *uint     `gorm:"index" json:"user_id,omitempty"`
	FromAddress       string    `gorm:"size:32;not null" json:"from"`
	ToAddress         string    `gorm:"size:32" json:"to"`
	Body              string    `gorm:"type:text" json:"body"`
	ReceivedAt        time.Time `json:"received_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM.
func (InboundMessage) TableName() string {
	return "inbound_messages"
}

// InboundLock is the replay claim for one (sender, provider message id) delivery.
type InboundLock struct {
	SenderKey         string    `gorm:"primaryKey;size:64" json:"sender_key"`
	ProviderMessageID string    `gorm:"primaryKey;size:64" json:"provider_message_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM.
func (InboundLock) TableName() string {
	return "inbound_locks"
}

// UserSafetyState holds strikes and the sticky safety hold for one user.
// Version increments on every write and guards compare-and-swap updates.
type UserSafetyState struct {
	UserID      uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	StrikeCount int       `gorm:"not null;default:0" json:"strike_count"`
	SafetyHold  bool      `gorm:"not null;default:false" json:"safety_hold"`
	Version     int64     `gorm:"not null;default:0" json:"-"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (UserSafetyState) TableName() string {
	return "user_safety_states"
}

// RateLimitWindow is the rolling fixed-window counter for one user.
type RateLimitWindow struct {
	UserID      uint       `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	WindowStart *time.Time `json:"window_start"`
	Count       int        `gorm:"not null;default:0" json:"count"`
	Version     int64      `gorm:"not null;default:0" json:"-"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (RateLimitWindow) TableName() string {
	return "rate_limit_windows"
}

// SafetyEvent is an append-only audit row. Rows are never updated or deleted.
type SafetyEvent struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	UserID            *uint          `gorm:"index" json:"user_id,omitempty"`
	ProviderMessageID string         `gorm:"size:64;index" json:"provider_message_id"`
	Action            SafetyAction   `gorm:"size:48;not null;index" json:"action"`
	Severity          string         `gorm:"size:16" json:"severity,omitempty"`
	KeywordVersion    string         `gorm:"size:32" json:"keyword_version,omitempty"`
	MatchedTerm       string         `gorm:"size:128" json:"matched_term,omitempty"`
	SubjectUserID     *uint          `gorm:"index" json:"subject_user_id,omitempty"`
	GroupID           string         `gorm:"size:64" json:"group_id,omitempty"`
	PromptToken       string         `gorm:"size:64;index" json:"prompt_token,omitempty"`
	Metadata          map[string]any `gorm:"serializer:json;type:text" json:"metadata,omitempty"`
	CreatedAt         time.Time      `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for GORM.
func (SafetyEvent) TableName() string {
	return "safety_events"
}
