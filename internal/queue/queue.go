// Package queue runs the durable outbound job queue and the reconciliation sweep.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"safeline/internal/carrier"
	"safeline/internal/featureflags"
	"safeline/internal/middleware"
	"safeline/internal/models"
	"safeline/internal/observability"
	"safeline/internal/payload"
	"safeline/internal/repository"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
)

// MaxAttempts is the number of carrier attempts a job gets before it fails permanently.
const MaxAttempts = 5

const (
	backoffBase = 30 * time.Second
	backoffCap  = 480 * time.Second
)

// Backoff is the delay before retry number attempt: min(480s, 30s * 2^(attempt-1)).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Sender is the single-attempt carrier step of the delivery pipeline.
type Sender interface {
	Attempt(ctx context.Context, params carrier.SendParams) (*carrier.SendResult, error)
	CorrelationKey(raw string) string
	CheckDenyList(purpose, key string) error
}

// EnqueueRequest describes one message to send later.
type EnqueueRequest struct {
	IdempotencyKey string     `json:"idempotency_key"`
	Purpose        string     `json:"purpose"`
	UserID         *uint      `json:"user_id,omitempty"`
	To             string     `json:"to"`
	From           string     `json:"from,omitempty"`
	SenderPoolID   string     `json:"sender_pool_id,omitempty"`
	Body           string     `json:"body"`
	NotBefore      *time.Time `json:"not_before,omitempty"`
}

// BatchResult counts what one claim-and-process pass did.
type BatchResult struct {
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Finalized int `json:"finalized"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	LeaseLost int `json:"lease_lost"`
}

// Options tune the worker.
type Options struct {
	Owner             string
	BatchSize         int
	Concurrency       int
	Lease             time.Duration
	PollInterval      time.Duration
	DefaultSenderPool string
}

// Queue enqueues outbound jobs and processes them under a lease.
type Queue struct {
	jobs     repository.JobRepository
	messages repository.OutboundMessageRepository
	sender   Sender
	sealer   *payload.Sealer
	flags    *featureflags.Manager
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New validates opts and wires the queue.
func New(jobs repository.JobRepository, messages repository.OutboundMessageRepository, sender Sender, sealer *payload.Sealer, flags *featureflags.Manager, opts Options, logger *slog.Logger) (*Queue, error) {
	if jobs == nil || messages == nil || sender == nil || sealer == nil {
		return nil, errors.New("queue requires job and message repositories, a sender and a sealer")
	}
	if opts.BatchSize <= 0 || opts.Concurrency <= 0 || opts.Lease <= 0 {
		return nil, fmt.Errorf("queue batch size, concurrency and lease must be positive")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Owner == "" {
		opts.Owner = "worker-" + uuid.NewString()
	}
	if flags == nil {
		flags = featureflags.NewManager("")
	}
	if logger == nil {
		logger = middleware.Logger
	}
	return &Queue{
		jobs:     jobs,
		messages: messages,
		sender:   sender,
		sealer:   sealer,
		flags:    flags,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Enqueue seals the body and stores a pending job. An existing key returns the
// stored job with created=false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.OutboundJob, bool, error) {
	switch {
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return nil, false, models.NewValidationError("idempotency_key is required")
	case strings.TrimSpace(req.To) == "":
		return nil, false, models.NewValidationError("to is required")
	case strings.TrimSpace(req.Body) == "":
		return nil, false, models.NewValidationError("body is required")
	case strings.TrimSpace(req.Purpose) == "":
		return nil, false, models.NewValidationError("purpose is required")
	}
	if err := q.sender.CheckDenyList(req.Purpose, req.IdempotencyKey); err != nil {
		return nil, false, models.NewValidationError(err.Error())
	}
	senderPool := req.SenderPoolID
	if req.From == "" && senderPool == "" {
		senderPool = q.opts.DefaultSenderPool
	}
	if req.From == "" && senderPool == "" {
		return nil, false, models.NewValidationError("a sender address or sender pool is required")
	}

	sealed, err := q.sealer.Seal([]byte(req.Body))
	if err != nil {
		return nil, false, err
	}
	due := q.now().UTC()
	if req.NotBefore != nil && req.NotBefore.After(due) {
		due = req.NotBefore.UTC()
	}
	job := &models.OutboundJob{
		IdempotencyKey: req.IdempotencyKey,
		Purpose:        req.Purpose,
		UserID:         req.UserID,
		ToAddress:      req.To,
		FromAddress:    req.From,
		SenderPoolID:   senderPool,
		SealedBody:     sealed,
		Status:         models.JobStatusPending,
		NextAttemptAt:  due,
	}
	stored, created, err := q.jobs.Create(ctx, job)
	if err != nil {
		return nil, false, err
	}
	observability.OutboundJobs.WithLabelValues("enqueued").Inc()
	return stored, created, nil
}

// Cancel stops a pending job that no worker currently holds.
func (q *Queue) Cancel(ctx context.Context, id uint) (*models.OutboundJob, error) {
	job, err := q.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := q.jobs.Cancel(ctx, id, q.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NewConflictError(fmt.Sprintf("job %d is %s or in flight and cannot be canceled", id, job.Status))
	}
	job.Status = models.JobStatusCanceled
	observability.OutboundJobs.WithLabelValues("canceled").Inc()
	return job, nil
}

// ClaimAndProcess leases up to limit due jobs and processes them concurrently.
func (q *Queue) ClaimAndProcess(ctx context.Context, limit int) (BatchResult, error) {
	if limit <= 0 {
		limit = q.opts.BatchSize
	}
	span, ctx := observability.NewSpan(ctx, "queue.claim_and_process")
	defer span.End()

	jobs, err := q.jobs.Claim(ctx, q.opts.Owner, limit, q.now(), q.opts.Lease)
	result := BatchResult{Claimed: len(jobs)}
	if err != nil && len(jobs) == 0 {
		span.SetError(err)
		return result, err
	}
	if err != nil {
		q.logger.WarnContext(ctx, "partial job claim", slog.String("error", err.Error()))
	}
	span.AddAttributes(attribute.Int("claimed", len(jobs)))

	var (
		mu sync.Mutex
		p  = pool.New().WithContext(ctx).WithMaxGoroutines(q.opts.Concurrency)
	)
	for i := range jobs {
		job := jobs[i]
		p.Go(func(ctx context.Context) error {
			o, err := q.process(ctx, &job)
			mu.Lock()
			defer mu.Unlock()
			result.tally(o)
			return err
		})
	}
	if err := p.Wait(); err != nil {
		span.SetError(err)
		return result, err
	}
	return result, nil
}

type outcome string

const (
	outcomeSent      outcome = "sent"
	outcomeFinalized outcome = "finalized"
	outcomeRetried   outcome = "retried"
	outcomeFailed    outcome = "failed"
	outcomeLeaseLost outcome = "lease_lost"
	outcomeError     outcome = "error"
)

func (r *BatchResult) tally(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeFinalized:
		r.Finalized++
	case outcomeRetried:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	case outcomeLeaseLost:
		r.LeaseLost++
	}
}

// process handles one leased job. Losing the lease is not an error: another worker owns the job.
func (q *Queue) process(ctx context.Context, job *models.OutboundJob) (outcome, error) {
	ctx = middleware.WithCorrelationID(ctx, q.sender.CorrelationKey("job:"+job.IdempotencyKey))
	logger := q.logger.With(
		slog.Uint64("job_id", uint64(job.ID)),
		slog.String("idempotency_key", job.IdempotencyKey),
	)

	o, err := q.processJob(ctx, job)
	if errors.Is(err, repository.ErrLeaseLost) {
		logger.WarnContext(ctx, "job lease lost during processing")
		o, err = outcomeLeaseLost, nil
	}
	if err != nil {
		logger.ErrorContext(ctx, "job processing failed", slog.String("error", err.Error()))
		o = outcomeError
	}
	observability.OutboundJobs.WithLabelValues(string(o)).Inc()
	return o, err
}

func (q *Queue) processJob(ctx context.Context, job *models.OutboundJob) (outcome, error) {
	if job.CarrierMessageID != nil {
		// A previous worker got as far as the carrier and recorded its attempt; only the
		// bookkeeping is left.
		msg := q.messageFor(job, *job.CarrierMessageID, job.FromAddress, models.MessageStatusSent, job.Attempts)
		if err := q.messages.UpsertDelivered(ctx, msg); err != nil {
			return outcomeError, err
		}
		if err := q.jobs.MarkSent(ctx, job.ID, q.opts.Owner, job.Attempts); err != nil {
			return outcomeError, err
		}
		return outcomeFinalized, nil
	}

	if len(job.SealedBody) == 0 {
		return q.failJob(ctx, job, job.Attempts, "missing payload")
	}
	if job.FromAddress == "" && job.SenderPoolID == "" {
		return q.failJob(ctx, job, job.Attempts, "missing sender identity")
	}
	body, err := q.sealer.Open(job.SealedBody)
	if err != nil {
		return q.failJob(ctx, job, job.Attempts, "payload unreadable: "+err.Error())
	}

	attempts := job.Attempts + 1
	params := carrier.SendParams{
		To:                  job.ToAddress,
		From:                job.FromAddress,
		MessagingServiceSID: job.SenderPoolID,
		Body:                string(body),
	}
	if params.From != "" {
		params.MessagingServiceSID = ""
	}
	res, sendErr := q.sender.Attempt(ctx, params)
	if sendErr != nil {
		if carrier.IsRetryable(sendErr) && attempts < MaxAttempts {
			next := q.now().Add(Backoff(attempts))
			if err := q.jobs.ScheduleRetry(ctx, job.ID, q.opts.Owner, attempts, next, sendErr.Error()); err != nil {
				return outcomeError, err
			}
			q.logger.InfoContext(ctx, "job scheduled for retry",
				slog.Uint64("job_id", uint64(job.ID)),
				slog.Int("attempts", attempts),
				slog.Int("status_code", carrier.StatusCode(sendErr)),
				slog.Time("next_attempt_at", next),
			)
			return outcomeRetried, nil
		}
		return q.failJob(ctx, job, attempts, sendErr.Error())
	}

	if err := q.jobs.RecordCarrierID(ctx, job.ID, q.opts.Owner, res.SID, attempts); err != nil {
		return outcomeError, err
	}
	from := res.From
	if from == "" {
		from = job.FromAddress
	}
	if err := q.messages.UpsertDelivered(ctx, q.messageFor(job, res.SID, from, res.Status, attempts)); err != nil {
		return outcomeError, err
	}
	if err := q.jobs.MarkSent(ctx, job.ID, q.opts.Owner, attempts); err != nil {
		return outcomeError, err
	}
	return outcomeSent, nil
}

func (q *Queue) failJob(ctx context.Context, job *models.OutboundJob, attempts int, reason string) (outcome, error) {
	if err := q.jobs.MarkFailed(ctx, job.ID, q.opts.Owner, attempts, reason); err != nil {
		return outcomeError, err
	}
	q.logger.WarnContext(ctx, "job failed permanently",
		slog.Uint64("job_id", uint64(job.ID)),
		slog.Int("attempts", attempts),
		slog.String("reason", reason),
	)
	return outcomeFailed, nil
}

func (q *Queue) messageFor(job *models.OutboundJob, carrierID, from string, status models.MessageStatus, attempts int) *models.OutboundMessage {
	sentAt := q.now().UTC()
	jobID := job.ID
	if status == "" {
		status = models.MessageStatusSent
	}
	return &models.OutboundMessage{
		CorrelationKey:   q.sender.CorrelationKey("job:" + job.IdempotencyKey),
		CarrierMessageID: &carrierID,
		JobID:            &jobID,
		ToAddress:        job.ToAddress,
		FromAddress:      from,
		SenderPoolID:     job.SenderPoolID,
		Purpose:          job.Purpose,
		Status:           status,
		Attempts:         attempts,
		SentAt:           &sentAt,
	}
}

// Run polls for due jobs until ctx is canceled. The pause_outbound_worker flag skips polls.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if q.flags.On(featureflags.PauseOutboundWorker) {
			q.logger.DebugContext(ctx, "outbound worker paused by feature flag")
		} else {
			res, err := q.ClaimAndProcess(ctx, q.opts.BatchSize)
			if err != nil && !errors.Is(err, context.Canceled) {
				q.logger.ErrorContext(ctx, "job batch failed", slog.String("error", err.Error()))
			} else if res.Claimed > 0 {
				q.logger.InfoContext(ctx, "job batch processed",
					slog.Int("claimed", res.Claimed),
					slog.Int("sent", res.Sent),
					slog.Int("finalized", res.Finalized),
					slog.Int("retried", res.Retried),
					slog.Int("failed", res.Failed),
				)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
