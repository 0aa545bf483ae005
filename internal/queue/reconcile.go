package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"safeline/internal/cache"
	"safeline/internal/carrier"
	"safeline/internal/featureflags"
	"safeline/internal/middleware"
	"safeline/internal/models"
	"safeline/internal/observability"
	"safeline/internal/repository"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// ErrSweepInProgress is returned when another instance holds the sweep lock.
var ErrSweepInProgress = errors.New("reconciliation sweep already running")

const reconcileLockKey = "safeline:reconcile:lock"

// ReconcileOptions bound one sweep.
type ReconcileOptions struct {
	Limit      int           `json:"limit"`
	StaleAfter time.Duration `json:"-"`
}

// ReconcileResult counts what one sweep did.
type ReconcileResult struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// StatusCallback is a carrier status webhook. EventAt is the carrier's event time and
// stays zero when the webhook does not carry one; arrival time is never substituted.
type StatusCallback struct {
	CarrierMessageID string
	Status           string
	ErrorCode        string
	ErrorMessage     string
	EventAt          time.Time
}

// Reconciler repairs local message state from the carrier's authoritative status.
type Reconciler struct {
	client   carrier.Client
	messages repository.OutboundMessageRepository
	jobs     repository.JobRepository
	rdb      *redis.Client
	flags    *featureflags.Manager
	logger   *slog.Logger
	lockTTL  time.Duration
	now      func() time.Time
}

// NewReconciler wires the sweep. rdb may be nil, in which case sweeps are not
// serialized across instances; the timestamp guard keeps them correct regardless.
func NewReconciler(client carrier.Client, messages repository.OutboundMessageRepository, jobs repository.JobRepository, rdb *redis.Client, flags *featureflags.Manager, logger *slog.Logger) (*Reconciler, error) {
	if client == nil || messages == nil || jobs == nil {
		return nil, errors.New("reconciler requires a carrier client and message and job repositories")
	}
	if flags == nil {
		flags = featureflags.NewManager("")
	}
	if logger == nil {
		logger = middleware.Logger
	}
	return &Reconciler{
		client:   client,
		messages: messages,
		jobs:     jobs,
		rdb:      rdb,
		flags:    flags,
		logger:   logger,
		lockTTL:  5 * time.Minute,
		now:      time.Now,
	}, nil
}

// Reconcile checks up to opts.Limit messages whose status has not moved for opts.StaleAfter.
// Every checked message is stamped, so rows the carrier keeps reporting unchanged rotate
// behind the rest of the backlog.
func (r *Reconciler) Reconcile(ctx context.Context, opts ReconcileOptions) (ReconcileResult, error) {
	var result ReconcileResult
	if opts.Limit <= 0 || opts.StaleAfter <= 0 {
		return result, models.NewValidationError("limit and staleness window must be positive")
	}

	span, ctx := observability.NewSpan(ctx, "queue.reconcile")
	defer span.End()

	if r.rdb != nil {
		lock, err := cache.TryLock(ctx, r.rdb, reconcileLockKey, uuid.NewString(), r.lockTTL)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "reconcile lock unavailable, sweeping without it", slog.String("error", err.Error()))
		case lock == nil:
			return result, ErrSweepInProgress
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					r.logger.WarnContext(ctx, "failed to release reconcile lock", slog.String("error", err.Error()))
				}
			}()
		}
	}

	stale, err := r.messages.ListStale(ctx, r.now().Add(-opts.StaleAfter), opts.Limit)
	if err != nil {
		span.SetError(err)
		return result, err
	}

	for i := range stale {
		msg := &stale[i]
		result.Checked++
		changed, err := r.reconcileOne(ctx, msg)
		switch {
		case err != nil:
			result.Failed++
			observability.ReconcileResults.WithLabelValues("failed").Inc()
			r.logger.WarnContext(ctx, "reconcile message failed",
				slog.Uint64("message_id", uint64(msg.ID)),
				slog.String("correlation_key", msg.CorrelationKey),
				slog.String("error", err.Error()),
			)
		case changed:
			result.Updated++
			observability.ReconcileResults.WithLabelValues("updated").Inc()
		default:
			result.Skipped++
			observability.ReconcileResults.WithLabelValues("skipped").Inc()
		}
		if err := r.messages.MarkChecked(ctx, msg.ID, r.now()); err != nil {
			r.logger.WarnContext(ctx, "failed to stamp reconcile check",
				slog.Uint64("message_id", uint64(msg.ID)),
				slog.String("error", err.Error()),
			)
		}
	}

	span.AddAttributes(
		attribute.Int("checked", result.Checked),
		attribute.Int("updated", result.Updated),
		attribute.Int("failed", result.Failed),
	)
	r.logger.InfoContext(ctx, "reconcile sweep complete",
		slog.Int("checked", result.Checked),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, msg *models.OutboundMessage) (bool, error) {
	span, ctx := observability.ClientSpan(ctx, "carrier", "fetch")
	defer span.End()

	report, err := r.client.Fetch(ctx, *msg.CarrierMessageID)
	if err != nil {
		span.SetError(err)
		return false, err
	}
	update := repository.CarrierStatusUpdate{
		CarrierMessageID: *msg.CarrierMessageID,
		Status:           report.Status,
		EventAt:          report.EventAt,
		ErrorCode:        report.ErrorCode,
		ErrorMessage:     report.ErrorMessage,
	}
	return r.apply(ctx, msg.JobID, update)
}

// ApplyStatusCallback records a carrier webhook under the same guards as the sweep.
// Without an event time the callback can only advance the status. It reports false
// for unknown messages and for events that would move the status backwards.
func (r *Reconciler) ApplyStatusCallback(ctx context.Context, cb StatusCallback) (bool, error) {
	if cb.CarrierMessageID == "" || cb.Status == "" {
		return false, models.NewValidationError("message id and status are required")
	}
	msg, err := r.messages.FindByCarrierID(ctx, cb.CarrierMessageID)
	if err != nil {
		return false, err
	}
	if msg == nil {
		r.logger.InfoContext(ctx, "status callback for unknown message", slog.String("carrier_message_id", cb.CarrierMessageID))
		return false, nil
	}
	return r.apply(ctx, msg.JobID, repository.CarrierStatusUpdate{
		CarrierMessageID: cb.CarrierMessageID,
		Status:           carrier.NormalizeStatus(cb.Status),
		EventAt:          cb.EventAt,
		ErrorCode:        cb.ErrorCode,
		ErrorMessage:     cb.ErrorMessage,
	})
}

func (r *Reconciler) apply(ctx context.Context, jobID *uint, update repository.CarrierStatusUpdate) (bool, error) {
	changed, err := r.messages.ApplyCarrierStatus(ctx, update)
	if err != nil || !changed {
		return false, err
	}
	if update.Status.IsFailure() && jobID != nil {
		detail := fmt.Sprintf("carrier reported %s", update.Status)
		if update.ErrorCode != "" {
			detail = fmt.Sprintf("%s (code %s): %s", detail, update.ErrorCode, update.ErrorMessage)
		}
		if err := r.jobs.MarkDeliveryFailed(ctx, *jobID, detail); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Run sweeps every interval until ctx is canceled. The pause_reconcile flag skips sweeps.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, opts ReconcileOptions) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if r.flags.On(featureflags.PauseReconcile) {
			r.logger.DebugContext(ctx, "reconcile paused by feature flag")
			continue
		}
		if _, err := r.Reconcile(ctx, opts); err != nil && !errors.Is(err, ErrSweepInProgress) && !errors.Is(err, context.Canceled) {
			r.logger.ErrorContext(ctx, "reconcile sweep failed", slog.String("error", err.Error()))
		}
	}
}
