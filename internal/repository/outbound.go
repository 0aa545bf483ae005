package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"safeline/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageFinalization is the bookkeeping written after a carrier accepted a send.
type MessageFinalization struct {
	CarrierMessageID string
	Status           models.MessageStatus
	FromAddress      string
	Attempts         int
	SentAt           time.Time
}

// CarrierStatusUpdate is one observation of carrier truth for a message. A zero
// EventAt means the source gave no event time.
type CarrierStatusUpdate struct {
	CarrierMessageID string
	Status           models.MessageStatus
	EventAt          time.Time
	ErrorCode        string
	ErrorMessage     string
}

// OutboundMessageRepository defines storage for outbound message rows.
type OutboundMessageRepository interface {
	FindByCorrelationKey(ctx context.Context, key string) (*models.OutboundMessage, error)
	FindByCarrierID(ctx context.Context, carrierID string) (*models.OutboundMessage, error)
	CreatePending(ctx context.Context, msg *models.OutboundMessage) (bool, error)
	Finalize(ctx context.Context, id uint, fin MessageFinalization) error
	MarkFailed(ctx context.Context, id uint, attempts int, code, message string) error
	UpsertDelivered(ctx context.Context, msg *models.OutboundMessage) error
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.OutboundMessage, error)
	MarkChecked(ctx context.Context, id uint, at time.Time) error
	ApplyCarrierStatus(ctx context.Context, update CarrierStatusUpdate) (bool, error)
}

type outboundMessageRepository struct {
	db *gorm.DB
}

// NewOutboundMessageRepository creates a new outbound message repository
func NewOutboundMessageRepository(db *gorm.DB) OutboundMessageRepository {
	return &outboundMessageRepository{db: db}
}

func (r *outboundMessageRepository) FindByCorrelationKey(ctx context.Context, key string) (*models.OutboundMessage, error) {
	return r.findOne(ctx, "correlation_key = ?", key)
}

func (r *outboundMessageRepository) FindByCarrierID(ctx context.Context, carrierID string) (*models.OutboundMessage, error) {
	return r.findOne(ctx, "carrier_message_id = ?", carrierID)
}

func (r *outboundMessageRepository) findOne(ctx context.Context, query string, arg interface{}) (*models.OutboundMessage, error) {
	var msg models.OutboundMessage
	err := r.db.WithContext(ctx).Where(query, arg).Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load outbound message: %w", err)
	}
	return &msg, nil
}

// CreatePending inserts msg unless its correlation key exists. It reports whether
// this call created the row.
func (r *outboundMessageRepository) CreatePending(ctx context.Context, msg *models.OutboundMessage) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "correlation_key"}}, DoNothing: true}).
		Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("create pending message: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Finalize records the carrier id and effective sender on a pending row. A carrier id
// already owned by another row surfaces as a wrapped unique violation.
func (r *outboundMessageRepository) Finalize(ctx context.Context, id uint, fin MessageFinalization) error {
	updates := map[string]interface{}{
		"carrier_message_id": fin.CarrierMessageID,
		"status":             fin.Status,
		"attempts":           fin.Attempts,
		"sent_at":            fin.SentAt.UTC(),
		"error_code":         "",
		"error_message":      "",
	}
	if fin.FromAddress != "" {
		updates["from_address"] = fin.FromAddress
	}
	res := r.db.WithContext(ctx).Model(&models.OutboundMessage{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finalize message %d: %w", id, res.Error)
	}
	return nil
}

func (r *outboundMessageRepository) MarkFailed(ctx context.Context, id uint, attempts int, code, message string) error {
	err := r.db.WithContext(ctx).Model(&models.OutboundMessage{}).
		Where("id = ? AND carrier_message_id IS NULL", id).
		Updates(map[string]interface{}{
			"status":        models.MessageStatusFailed,
			"attempts":      attempts,
			"error_code":    code,
			"error_message": message,
		}).Error
	if err != nil {
		return fmt.Errorf("mark message %d failed: %w", id, err)
	}
	return nil
}

// UpsertDelivered writes the row for a send made by the job worker. Conflicts on
// either the correlation key or the carrier id leave the existing row alone.
func (r *outboundMessageRepository) UpsertDelivered(ctx context.Context, msg *models.OutboundMessage) error {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
	if res.Error != nil {
		return fmt.Errorf("upsert delivered message: %w", res.Error)
	}
	return nil
}

// ListStale returns carrier-tracked messages in a non-terminal status that have neither
// changed nor been checked since olderThan, least recently looked at first.
func (r *outboundMessageRepository) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.OutboundMessage, error) {
	olderThan = olderThan.UTC()
	var msgs []models.OutboundMessage
	err := r.db.WithContext(ctx).
		Where("carrier_message_id IS NOT NULL AND status IN ? AND updated_at < ?", models.NonTerminalCarrierStatuses, olderThan).
		Where("(last_checked_at IS NULL OR last_checked_at < ?)", olderThan).
		Order("COALESCE(last_checked_at, updated_at) ASC, id ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list stale messages: %w", err)
	}
	return msgs, nil
}

// MarkChecked stamps a sweep visit without touching updated_at, which tracks status changes.
func (r *outboundMessageRepository) MarkChecked(ctx context.Context, id uint, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.OutboundMessage{}).
		Where("id = ?", id).
		UpdateColumn("last_checked_at", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("mark message %d checked: %w", id, err)
	}
	return nil
}

// ApplyCarrierStatus updates the message only when update.EventAt is newer than the
// recorded status_event_at. A terminal status never reverts to a non-terminal one.
// Updates without an event time may only advance the status along its lifecycle and
// leave status_event_at alone. It reports whether a row changed.
func (r *outboundMessageRepository) ApplyCarrierStatus(ctx context.Context, update CarrierStatusUpdate) (bool, error) {
	updates := map[string]interface{}{
		"status":        update.Status,
		"error_code":    update.ErrorCode,
		"error_message": update.ErrorMessage,
	}
	q := r.db.WithContext(ctx).Model(&models.OutboundMessage{}).
		Where("carrier_message_id = ?", update.CarrierMessageID)
	if update.EventAt.IsZero() {
		q = q.Where("status IN ?", models.StatusesBefore(update.Status))
	} else {
		eventAt := update.EventAt.UTC()
		updates["status_event_at"] = eventAt
		q = q.Where("(status_event_at IS NULL OR status_event_at < ?)", eventAt)
		if !update.Status.IsTerminal() {
			q = q.Where("status NOT IN ?", models.TerminalStatuses)
		}
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("apply carrier status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
