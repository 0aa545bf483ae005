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

// ErrLeaseLost is returned when a worker writes to a job it no longer holds.
var ErrLeaseLost = errors.New("job lease lost")

// JobRepository defines the durable outbound job queue.
type JobRepository interface {
	Create(ctx context.Context, job *models.OutboundJob) (*models.OutboundJob, bool, error)
	Get(ctx context.Context, id uint) (*models.OutboundJob, error)
	Cancel(ctx context.Context, id uint, now time.Time) (bool, error)
	Claim(ctx context.Context, owner string, limit int, now time.Time, lease time.Duration) ([]models.OutboundJob, error)
	RecordCarrierID(ctx context.Context, id uint, owner, carrierID string, attempts int) error
	MarkSent(ctx context.Context, id uint, owner string, attempts int) error
	ScheduleRetry(ctx context.Context, id uint, owner string, attempts int, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id uint, owner string, attempts int, lastError string) error
	MarkDeliveryFailed(ctx context.Context, id uint, detail string) error
}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

// Create inserts job unless its idempotency key exists; the existing job is returned with created=false.
func (r *jobRepository) Create(ctx context.Context, job *models.OutboundJob) (*models.OutboundJob, bool, error) {
	db := r.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(job)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create job: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return job, true, nil
	}

	var existing models.OutboundJob
	if err := db.Where("idempotency_key = ?", job.IdempotencyKey).Take(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("load existing job: %w", err)
	}
	return &existing, false, nil
}

func (r *jobRepository) Get(ctx context.Context, id uint) (*models.OutboundJob, error) {
	var job models.OutboundJob
	err := r.db.WithContext(ctx).Take(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", id, err)
	}
	return &job, nil
}

// Cancel moves a pending, unleased job to canceled.
func (r *jobRepository) Cancel(ctx context.Context, id uint, now time.Time) (bool, error) {
	now = now.UTC()
	res := r.db.WithContext(ctx).Model(&models.OutboundJob{}).
		Where("id = ? AND status = ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)", id, models.JobStatusPending, now).
		Updates(map[string]interface{}{"status": models.JobStatusCanceled})
	if res.Error != nil {
		return false, fmt.Errorf("cancel job %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Claim leases up to limit due jobs to owner. Each lease is a conditional update, so
// two claimants never both win the same job; expired leases are claimable again.
func (r *jobRepository) Claim(ctx context.Context, owner string, limit int, now time.Time, lease time.Duration) ([]models.OutboundJob, error) {
	db := r.db.WithContext(ctx)
	now = now.UTC()
	const claimable = "status = ? AND next_attempt_at <= ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)"

	var candidates []models.OutboundJob
	err := db.Where(claimable, models.JobStatusPending, now, now).
		Order("next_attempt_at ASC, id ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("select claimable jobs: %w", err)
	}

	expires := now.Add(lease)
	claimed := make([]models.OutboundJob, 0, len(candidates))
	for _, job := range candidates {
		res := db.Model(&models.OutboundJob{}).
			Where("id = ? AND "+claimable, job.ID, models.JobStatusPending, now, now).
			Updates(map[string]interface{}{
				"lease_owner":      owner,
				"lease_expires_at": expires,
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("lease job %d: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			job.LeaseOwner = owner
			job.LeaseExpiresAt = &expires
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

// RecordCarrierID stores the carrier id and the attempt that produced it on a leased
// job before bookkeeping, so a crash after this point finalizes instead of resending.
func (r *jobRepository) RecordCarrierID(ctx context.Context, id uint, owner, carrierID string, attempts int) error {
	return r.ownedUpdate(ctx, id, owner, map[string]interface{}{
		"carrier_message_id": carrierID,
		"attempts":           attempts,
	})
}

func (r *jobRepository) MarkSent(ctx context.Context, id uint, owner string, attempts int) error {
	return r.ownedUpdate(ctx, id, owner, map[string]interface{}{
		"status":           models.JobStatusSent,
		"attempts":         attempts,
		"last_error":       "",
		"lease_owner":      "",
		"lease_expires_at": nil,
	})
}

func (r *jobRepository) ScheduleRetry(ctx context.Context, id uint, owner string, attempts int, nextAttemptAt time.Time, lastError string) error {
	return r.ownedUpdate(ctx, id, owner, map[string]interface{}{
		"attempts":         attempts,
		"next_attempt_at":  nextAttemptAt.UTC(),
		"last_error":       lastError,
		"lease_owner":      "",
		"lease_expires_at": nil,
	})
}

func (r *jobRepository) MarkFailed(ctx context.Context, id uint, owner string, attempts int, lastError string) error {
	return r.ownedUpdate(ctx, id, owner, map[string]interface{}{
		"status":           models.JobStatusFailed,
		"attempts":         attempts,
		"last_error":       lastError,
		"lease_owner":      "",
		"lease_expires_at": nil,
	})
}

// MarkDeliveryFailed records a terminal carrier failure found after the job was sent.
func (r *jobRepository) MarkDeliveryFailed(ctx context.Context, id uint, detail string) error {
	err := r.db.WithContext(ctx).Model(&models.OutboundJob{}).
		Where("id = ? AND status IN ?", id, []models.JobStatus{models.JobStatusSent, models.JobStatusPending}).
		Updates(map[string]interface{}{
			"status":     models.JobStatusFailed,
			"last_error": detail,
		}).Error
	if err != nil {
		return fmt.Errorf("mark job %d delivery failed: %w", id, err)
	}
	return nil
}

func (r *jobRepository) ownedUpdate(ctx context.Context, id uint, owner string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.OutboundJob{}).
		Where("id = ? AND lease_owner = ? AND status = ?", id, owner, models.JobStatusPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %d: %w", id, ErrLeaseLost)
	}
	return nil
}
