package models

import "time"

// MessageStatus is the lifecycle status of an outbound message row.
type MessageStatus string

// Outbound message statuses. Everything past pending mirrors the carrier's vocabulary.
const (
	MessageStatusPending     MessageStatus = "pending"
	MessageStatusAccepted    MessageStatus = "accepted"
	MessageStatusQueued      MessageStatus = "queued"
	MessageStatusSending     MessageStatus = "sending"
	MessageStatusSent        MessageStatus = "sent"
	MessageStatusDelivered   MessageStatus = "delivered"
	MessageStatusUndelivered MessageStatus = "undelivered"
	MessageStatusFailed      MessageStatus = "failed"
)

// IsTerminal reports whether the carrier will not move the message again.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageStatusDelivered, MessageStatusUndelivered, MessageStatusFailed:
		return true
	}
	return false
}

// IsFailure reports whether the status is a terminal delivery failure.
func (s MessageStatus) IsFailure() bool {
	return s == MessageStatusUndelivered || s == MessageStatusFailed
}

// messageStatusOrder ranks statuses along the carrier lifecycle. Terminal statuses share a rank.
var messageStatusOrder = []MessageStatus{
	MessageStatusPending,
	MessageStatusAccepted,
	MessageStatusQueued,
	MessageStatusSending,
	MessageStatusSent,
}

// StatusesBefore lists the statuses a message may advance from to reach s.
// Nothing advances out of a terminal status.
func StatusesBefore(s MessageStatus) []MessageStatus {
	if s.IsTerminal() {
		return messageStatusOrder
	}
	for i, st := range messageStatusOrder {
		if st == s {
			return messageStatusOrder[:i]
		}
	}
	return nil
}

// TerminalStatuses lists statuses the carrier will not move a message out of.
var TerminalStatuses = []MessageStatus{
	MessageStatusDelivered,
	MessageStatusUndelivered,
	MessageStatusFailed,
}

// NonTerminalCarrierStatuses lists statuses a reconciliation sweep re-checks.
var NonTerminalCarrierStatuses = []MessageStatus{
	MessageStatusAccepted,
	MessageStatusQueued,
	MessageStatusSending,
	MessageStatusSent,
}

// OutboundMessage is one logical send. Unique on correlation key and, once known, on carrier id.
type OutboundMessage struct {
	ID               uint          `gorm:"primaryKey" json:"id"`
	CorrelationKey   string        `gorm:"size:64;uniqueIndex;not null" json:"correlation_key"`
	CarrierMessageID *string       `gorm:"size:64;uniqueIndex" json:"carrier_message_id,omitempty"`
	JobID            *uint         `gorm:"index" json:"job_id,omitempty"`
	ToAddress        string        `gorm:"size:32;not null" json:"to"`
	FromAddress      string        `gorm:"size:32" json:"from,omitempty"`
	SenderPoolID     string        `gorm:"size:64" json:"sender_pool_id,omitempty"`
	Purpose          string        `gorm:"size:48;not null" json:"purpose"`
	Status           MessageStatus `gorm:"size:16;not null;index" json:"status"`
	Attempts         int           `gorm:"not null;default:0" json:"attempts"`
	ErrorCode        string        `gorm:"size:16" json:"error_code,omitempty"`
	ErrorMessage     string        `gorm:"type:text" json:"error_message,omitempty"`
	StatusEventAt    *time.Time    `json:"status_event_at,omitempty"`
	LastCheckedAt    *time.Time    `gorm:"index" json:"last_checked_at,omitempty"`
	SentAt           *time.Time    `json:"sent_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `gorm:"index" json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (OutboundMessage) TableName() string {
	return "outbound_messages"
}

// JobStatus is the lifecycle status of a queued outbound job.
type JobStatus string

// Outbound job statuses.
const (
	JobStatusPending  JobStatus = "pending"
	JobStatusSent     JobStatus = "sent"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// OutboundJob is a durable queue row. One job produces at most one successful OutboundMessage.
type OutboundJob struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	IdempotencyKey   string     `gorm:"size:128;uniqueIndex;not null" json:"idempotency_key"`
	Purpose          string     `gorm:"size:48;not null" json:"purpose"`
	UserID           *uint      `gorm:"index" json:"user_id,omitempty"`
	ToAddress        string     `gorm:"size:32;not null" json:"to"`
	FromAddress      string     `gorm:"size:32" json:"from,omitempty"`
	SenderPoolID     string     `gorm:"size:64" json:"sender_pool_id,omitempty"`
	SealedBody       []byte     `json:"-"`
	Status           JobStatus  `gorm:"size:16;not null;index" json:"status"`
	Attempts         int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt    time.Time  `gorm:"index" json:"next_attempt_at"`
	LastError        string     `gorm:"type:text" json:"last_error,omitempty"`
	LeaseOwner       string     `gorm:"size:64" json:"-"`
	LeaseExpiresAt   *time.Time `json:"-"`
	CarrierMessageID *string    `gorm:"size:64" json:"carrier_message_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (OutboundJob) TableName() string {
	return "outbound_jobs"
}
