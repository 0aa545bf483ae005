package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"safeline/internal/models"
	"safeline/internal/safety"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConcurrentUpdate is returned when a compare-and-swap loses every retry.
var ErrConcurrentUpdate = errors.New("concurrent update: retry budget exhausted")

// maxCASAttempts bounds optimistic retries on version-guarded rows.
const maxCASAttempts = 16

// SafetyRepository defines the datastore primitives used by the safety interceptor.
type SafetyRepository interface {
	AcquireInboundLock(ctx context.Context, senderKey, providerMessageID string) (bool, error)
	RecordInboundMessage(ctx context.Context, msg *models.InboundMessage) error
	GetStrikeState(ctx context.Context, userID uint) (safety.StrikeState, error)
	RecordWindowHit(ctx context.Context, userID uint, now time.Time, cfg safety.RateLimitConfig) (safety.WindowState, bool, error)
	ApplySeverity(ctx context.Context, userID uint, sev safety.Severity, threshold int) (safety.StrikeOutcome, error)
	LiftSafetyHold(ctx context.Context, userID uint, resetStrikes bool) error
	AppendEvent(ctx context.Context, event *models.SafetyEvent) error
}

type safetyRepository struct {
	db *gorm.DB
}

// NewSafetyRepository creates a new safety repository
func NewSafetyRepository(db *gorm.DB) SafetyRepository {
	return &safetyRepository{db: db}
}

// AcquireInboundLock claims (sender, provider message id). It returns false when
// the pair was already claimed.
func (r *safetyRepository) AcquireInboundLock(ctx context.Context, senderKey, providerMessageID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.InboundLock{SenderKey: senderKey, ProviderMessageID: providerMessageID})
	if res.Error != nil {
		return false, fmt.Errorf("acquire inbound lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *safetyRepository) RecordInboundMessage(ctx context.Context, msg *models.InboundMessage) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "provider_message_id"}}, DoNothing: true}).
		Create(msg).Error
	if err != nil {
		return fmt.Errorf("record inbound message: %w", err)
	}
	return nil
}

func (r *safetyRepository) GetStrikeState(ctx context.Context, userID uint) (safety.StrikeState, error) {
	var row models.UserSafetyState
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return safety.StrikeState{}, nil
	}
	if err != nil {
		return safety.StrikeState{}, fmt.Errorf("load safety state: %w", err)
	}
	return safety.StrikeState{Count: row.StrikeCount, Hold: row.SafetyHold}, nil
}

// RecordWindowHit counts one message against the user's window with a
// version-guarded update and reports whether the limit is exceeded.
func (r *safetyRepository) RecordWindowHit(ctx context.Context, userID uint, now time.Time, cfg safety.RateLimitConfig) (safety.WindowState, bool, error) {
	db := r.db.WithContext(ctx)
	now = now.UTC()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var row models.RateLimitWindow
		err := db.Where("user_id = ?", userID).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			next, exceeded := safety.EvaluateWindow(safety.WindowState{}, now, cfg)
			res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.RateLimitWindow{
				UserID:      userID,
				WindowStart: next.WindowStart,
				Count:       next.Count,
				Version:     1,
			})
			if res.Error != nil {
				return safety.WindowState{}, false, fmt.Errorf("open rate window: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				return next, exceeded, nil
			}
		case err != nil:
			return safety.WindowState{}, false, fmt.Errorf("load rate window: %w", err)
		default:
			current := safety.WindowState{WindowStart: row.WindowStart, Count: row.Count}
			next, exceeded := safety.EvaluateWindow(current, now, cfg)
			res := db.Model(&models.RateLimitWindow{}).
				Where("user_id = ? AND version = ?", userID, row.Version).
				Updates(map[string]interface{}{
					"window_start": next.WindowStart.UTC(),
					"count":        next.Count,
					"version":      row.Version + 1,
					"updated_at":   now,
				})
			if res.Error != nil {
				return safety.WindowState{}, false, fmt.Errorf("update rate window: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				return next, exceeded, nil
			}
		}
	}
	return safety.WindowState{}, false, fmt.Errorf("rate window for user %d: %w", userID, ErrConcurrentUpdate)
}

// ApplySeverity adds the severity's strikes and trips the hold when due,
// using a version-guarded update.
func (r *safetyRepository) ApplySeverity(ctx context.Context, userID uint, sev safety.Severity, threshold int) (safety.StrikeOutcome, error) {
	db := r.db.WithContext(ctx)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var row models.UserSafetyState
		err := db.Where("user_id = ?", userID).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			out := safety.Escalate(safety.StrikeState{}, sev, threshold)
			res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.UserSafetyState{
				UserID:      userID,
				StrikeCount: out.Next.Count,
				SafetyHold:  out.Next.Hold,
				Version:     1,
			})
			if res.Error != nil {
				return safety.StrikeOutcome{}, fmt.Errorf("create safety state: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				return out, nil
			}
		case err != nil:
			return safety.StrikeOutcome{}, fmt.Errorf("load safety state: %w", err)
		default:
			out := safety.Escalate(safety.StrikeState{Count: row.StrikeCount, Hold: row.SafetyHold}, sev, threshold)
			res := db.Model(&models.UserSafetyState{}).
				Where("user_id = ? AND version = ?", userID, row.Version).
				Updates(map[string]interface{}{
					"strike_count": out.Next.Count,
					"safety_hold":  out.Next.Hold,
					"version":      row.Version + 1,
				})
			if res.Error != nil {
				return safety.StrikeOutcome{}, fmt.Errorf("update safety state: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				return out, nil
			}
		}
	}
	return safety.StrikeOutcome{}, fmt.Errorf("safety state for user %d: %w", userID, ErrConcurrentUpdate)
}

// LiftSafetyHold is the administrative override that clears a hold.
func (r *safetyRepository) LiftSafetyHold(ctx context.Context, userID uint, resetStrikes bool) error {
	updates := map[string]interface{}{
		"safety_hold": false,
		"version":     gorm.Expr("version + 1"),
	}
	if resetStrikes {
		updates["strike_count"] = 0
	}
	res := r.db.WithContext(ctx).Model(&models.UserSafetyState{}).Where("user_id = ?", userID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("lift safety hold: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("safety state", userID)
	}
	return nil
}

func (r *safetyRepository) AppendEvent(ctx context.Context, event *models.SafetyEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append safety event: %w", err)
	}
	return nil
}
