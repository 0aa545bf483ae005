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

// ModerationRepository defines block, report-prompt and incident storage.
type ModerationRepository interface {
	UpsertBlock(ctx context.Context, blockerID, blockedID uint, groupID string) error
	IsBlockedWithAny(ctx context.Context, userID uint, counterpartIDs []uint) (bool, error)
	LatestPrompt(ctx context.Context, userID uint, since time.Time) (*models.SafetyEvent, error)
	PromptClosed(ctx context.Context, userID uint, token string) (bool, error)
	ClarifierSent(ctx context.Context, userID uint, token string) (bool, error)
	CreateIncident(ctx context.Context, incident *models.ModerationIncident) (*models.ModerationIncident, bool, error)
	AppendEvent(ctx context.Context, event *models.SafetyEvent) error
}

type moderationRepository struct {
	db *gorm.DB
}

// NewModerationRepository creates a new moderation repository
func NewModerationRepository(db *gorm.DB) ModerationRepository {
	return &moderationRepository{db: db}
}

func (r *moderationRepository) UpsertBlock(ctx context.Context, blockerID, blockedID uint, groupID string) error {
	block := models.UserBlock{BlockerID: blockerID, BlockedID: blockedID, GroupID: groupID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "blocker_id"}, {Name: "blocked_id"}},
			DoNothing: true,
		}).
		Create(&block).Error
	if err != nil {
		return fmt.Errorf("upsert block: %w", err)
	}
	return nil
}

// IsBlockedWithAny reports whether a block exists in either direction between
// userID and any of the counterparts.
func (r *moderationRepository) IsBlockedWithAny(ctx context.Context, userID uint, counterpartIDs []uint) (bool, error) {
	if len(counterpartIDs) == 0 {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&models.UserBlock{}).
		Where("(blocker_id = ? AND blocked_id IN ?) OR (blocked_id = ? AND blocker_id IN ?)",
			userID, counterpartIDs, userID, counterpartIDs).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check blocks: %w", err)
	}
	return count > 0, nil
}

// LatestPrompt returns the newest report_reason_prompted event for the user
// created at or after since, or nil.
func (r *moderationRepository) LatestPrompt(ctx context.Context, userID uint, since time.Time) (*models.SafetyEvent, error) {
	var event models.SafetyEvent
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND action = ? AND created_at >= ?", userID, models.ActionReportReasonPrompted, since.UTC()).
		Order("created_at DESC, id DESC").
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load report prompt: %w", err)
	}
	return &event, nil
}

// PromptClosed reports whether a report_created event or an incident carries token.
func (r *moderationRepository) PromptClosed(ctx context.Context, userID uint, token string) (bool, error) {
	db := r.db.WithContext(ctx)

	var events int64
	if err := db.Model(&models.SafetyEvent{}).
		Where("user_id = ? AND action = ? AND prompt_token = ?", userID, models.ActionReportCreated, token).
		Count(&events).Error; err != nil {
		return false, fmt.Errorf("check report events: %w", err)
	}
	if events > 0 {
		return true, nil
	}

	var incidents int64
	if err := db.Model(&models.ModerationIncident{}).
		Where("reporter_id = ? AND prompt_token = ?", userID, token).
		Count(&incidents).Error; err != nil {
		return false, fmt.Errorf("check incidents: %w", err)
	}
	return incidents > 0, nil
}

func (r *moderationRepository) ClarifierSent(ctx context.Context, userID uint, token string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.SafetyEvent{}).
		Where("user_id = ? AND action = ? AND prompt_token = ?", userID, models.ActionReportReasonClarifier, token).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check clarifier: %w", err)
	}
	return count > 0, nil
}

// CreateIncident inserts incident unless its idempotency key exists, in which case
// the existing row is returned with created=false.
func (r *moderationRepository) CreateIncident(ctx context.Context, incident *models.ModerationIncident) (*models.ModerationIncident, bool, error) {
	db := r.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(incident)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create incident: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return incident, true, nil
	}

	var existing models.ModerationIncident
	if err := db.Where("idempotency_key = ?", incident.IdempotencyKey).Take(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("load existing incident: %w", err)
	}
	return &existing, false, nil
}

func (r *moderationRepository) AppendEvent(ctx context.Context, event *models.SafetyEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append safety event: %w", err)
	}
	return nil
}
