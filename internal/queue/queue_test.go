package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"safeline/internal/carrier"
	"safeline/internal/carrier/carriertest"
	"safeline/internal/delivery"
	"safeline/internal/featureflags"
	"safeline/internal/models"
	"safeline/internal/payload"
	"safeline/internal/repository"
	"safeline/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	t0      = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testKey = []byte("0123456789abcdef0123456789abcdef")
)

type queueFixture struct {
	db       *gorm.DB
	queue    *Queue
	fake     *carriertest.Fake
	pipeline *delivery.Pipeline
	clock    time.Time
}

func (f *queueFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func newQueueFixture(t *testing.T, flags *featureflags.Manager, errs ...error) *queueFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	fake := carriertest.NewFake(errs...)
	messages := repository.NewOutboundMessageRepository(db)
	pipeline, err := delivery.NewPipeline(fake, messages, delivery.Config{
		CorrelationSeed:   "queue-test",
		DeniedPurposes:    []string{"legacy_digest"},
		DeniedKeyPrefixes: []string{"v1:"},
	}, nil)
	require.NoError(t, err)
	sealer, err := payload.NewSealer(testKey)
	require.NoError(t, err)

	q, err := New(repository.NewJobRepository(db), messages, pipeline, sealer, flags, Options{
		Owner:             "worker-test",
		BatchSize:         10,
		Concurrency:       4,
		Lease:             time.Minute,
		PollInterval:      10 * time.Millisecond,
		DefaultSenderPool: "MG-default",
	}, nil)
	require.NoError(t, err)

	f := &queueFixture{db: db, queue: q, fake: fake, pipeline: pipeline, clock: t0}
	q.now = func() time.Time { return f.clock }
	return f
}

func (f *queueFixture) enqueue(t *testing.T, key string) *models.OutboundJob {
	t.Helper()
	job, created, err := f.queue.Enqueue(context.Background(), EnqueueRequest{
		IdempotencyKey: key,
		Purpose:        "coordination_reminder",
		To:             "+15555000001",
		Body:           "Reminder: pickup at 6pm.",
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func (f *queueFixture) job(t *testing.T, id uint) models.OutboundJob {
	t.Helper()
	var job models.OutboundJob
	require.NoError(t, f.db.Take(&job, id).Error)
	return job
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 480 * time.Second},
		{9, 480 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.attempt))
		})
	}
}

func TestNew_Validation(t *testing.T) {
	f := newQueueFixture(t, nil)
	sealer, err := payload.NewSealer(testKey)
	require.NoError(t, err)
	jobs := repository.NewJobRepository(f.db)
	messages := repository.NewOutboundMessageRepository(f.db)

	_, err = New(jobs, messages, nil, sealer, nil, Options{BatchSize: 1, Concurrency: 1, Lease: time.Second}, nil)
	assert.Error(t, err)
	_, err = New(jobs, messages, f.pipeline, sealer, nil, Options{BatchSize: 0, Concurrency: 1, Lease: time.Second}, nil)
	assert.Error(t, err)

	q, err := New(jobs, messages, f.pipeline, sealer, nil, Options{BatchSize: 1, Concurrency: 1, Lease: time.Second}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, q.opts.Owner)
	assert.Equal(t, 5*time.Second, q.opts.PollInterval)
}

func TestQueue_EnqueueIsIdempotent(t *testing.T) {
	f := newQueueFixture(t, nil)
	ctx := context.Background()

	first := f.enqueue(t, "reminder:coord-1:user-9")
	assert.Equal(t, models.JobStatusPending, first.Status)
	assert.Equal(t, "MG-default", first.SenderPoolID)
	assert.True(t, t0.Equal(first.NextAttemptAt))
	assert.NotContains(t, string(first.SealedBody), "pickup", "body is sealed at rest")

	again, created, err := f.queue.Enqueue(ctx, EnqueueRequest{
		IdempotencyKey: "reminder:coord-1:user-9",
		Purpose:        "coordination_reminder",
		To:             "+15555000001",
		Body:           "a different body",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	body, err := f.queue.sealer.Open(again.SealedBody)
	require.NoError(t, err)
	assert.Equal(t, "Reminder: pickup at 6pm.", string(body))

	later := t0.Add(time.Hour)
	scheduled, _, err := f.queue.Enqueue(ctx, EnqueueRequest{
		IdempotencyKey: "scheduled",
		Purpose:        "coordination_reminder",
		To:             "+15555000001",
		From:           "+15555009999",
		Body:           "later",
		NotBefore:      &later,
	})
	require.NoError(t, err)
	assert.True(t, later.Equal(scheduled.NextAttemptAt))
	assert.Empty(t, scheduled.SenderPoolID)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	f := newQueueFixture(t, nil)
	valid := EnqueueRequest{IdempotencyKey: "k", Purpose: "p", To: "+15555000001", Body: "b"}

	tests := []struct {
		name   string
		mutate func(*EnqueueRequest)
	}{
		{"missing key", func(r *EnqueueRequest) { r.IdempotencyKey = "" }},
		{"missing to", func(r *EnqueueRequest) { r.To = "  " }},
		{"missing body", func(r *EnqueueRequest) { r.Body = "" }},
		{"missing purpose", func(r *EnqueueRequest) { r.Purpose = "" }},
		{"denied purpose", func(r *EnqueueRequest) { r.Purpose = "legacy_digest" }},
		{"denied key prefix", func(r *EnqueueRequest) { r.IdempotencyKey = "v1:reminder" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, _, err := f.queue.Enqueue(context.Background(), req)
			var appErr *models.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, models.ErrCodeValidation, appErr.Code)
		})
	}

	f.queue.opts.DefaultSenderPool = ""
	_, _, err := f.queue.Enqueue(context.Background(), valid)
	assert.Error(t, err, "a sender is required without a default pool")
}

func TestQueue_ProcessSends(t *testing.T) {
	f := newQueueFixture(t, nil)
	job := f.enqueue(t, "send-1")
	f.advance(time.Second)

	res, err := f.queue.ClaimAndProcess(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, Sent: 1}, res)

	stored := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusSent, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.CarrierMessageID)
	assert.Empty(t, stored.LeaseOwner)

	var msg models.OutboundMessage
	require.NoError(t, f.db.Where("job_id = ?", job.ID).Take(&msg).Error)
	assert.Equal(t, *stored.CarrierMessageID, *msg.CarrierMessageID)
	assert.Equal(t, f.pipeline.CorrelationKey("job:send-1"), msg.CorrelationKey)
	assert.Equal(t, "coordination_reminder", msg.Purpose)

	sent := f.fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Reminder: pickup at 6pm.", sent[0].Body)
	assert.Equal(t, "MG-default", sent[0].MessagingServiceSID)

	res, err = f.queue.ClaimAndProcess(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestQueue_RetryThenSend(t *testing.T) {
	f := newQueueFixture(t, nil, &carrier.Error{StatusCode: 503, Message: "unavailable"})
	job := f.enqueue(t, "retry-1")
	f.advance(time.Second)
	ctx := context.Background()

	res, err := f.queue.ClaimAndProcess(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	stored := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.True(t, f.clock.Add(30*time.Second).Equal(stored.NextAttemptAt))
	assert.Contains(t, stored.LastError, "503")
	assert.Nil(t, stored.LeaseExpiresAt)

	f.advance(10 * time.Second)
	res, err = f.queue.ClaimAndProcess(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "not due before the backoff elapses")

	f.advance(25 * time.Second)
	res, err = f.queue.ClaimAndProcess(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, f.job(t, job.ID).Attempts)
}

func TestQueue_FailurePaths(t *testing.T) {
	tests := []struct {
		name         string
		errs         []error
		setup        func(t *testing.T, db *gorm.DB, id uint)
		wantAttempts int
		wantError    string
		wantCalls    int
	}{
		{
			name:         "terminal carrier error",
			errs:         []error{&carrier.Error{StatusCode: 400, Code: "21211", Message: "invalid to"}},
			wantAttempts: 1,
			wantError:    "21211",
			wantCalls:    1,
		},
		{
			name: "attempts exhausted",
			errs: []error{&carrier.Error{StatusCode: 500, Message: "boom"}},
			setup: func(t *testing.T, db *gorm.DB, id uint) {
				require.NoError(t, db.Model(&models.OutboundJob{}).Where("id = ?", id).Update("attempts", MaxAttempts-1).Error)
			},
			wantAttempts: MaxAttempts,
			wantError:    "500",
			wantCalls:    1,
		},
		{
			name: "missing payload",
			setup: func(t *testing.T, db *gorm.DB, id uint) {
				require.NoError(t, db.Model(&models.OutboundJob{}).Where("id = ?", id).Update("sealed_body", nil).Error)
			},
			wantError: "missing payload",
		},
		{
			name: "tampered payload",
			setup: func(t *testing.T, db *gorm.DB, id uint) {
				require.NoError(t, db.Model(&models.OutboundJob{}).Where("id = ?", id).Update("sealed_body", []byte("not a sealed value at all, just text")).Error)
			},
			wantError: "payload unreadable",
		},
		{
			name: "missing sender",
			setup: func(t *testing.T, db *gorm.DB, id uint) {
				require.NoError(t, db.Model(&models.OutboundJob{}).Where("id = ?", id).Update("sender_pool_id", "").Error)
			},
			wantError: "missing sender identity",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newQueueFixture(t, nil, tt.errs...)
			job := f.enqueue(t, "fail-"+tt.name)
			if tt.setup != nil {
				tt.setup(t, f.db, job.ID)
			}
			f.advance(time.Second)

			res, err := f.queue.ClaimAndProcess(context.Background(), 0)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Failed)

			stored := f.job(t, job.ID)
			assert.Equal(t, models.JobStatusFailed, stored.Status)
			assert.Equal(t, tt.wantAttempts, stored.Attempts)
			assert.Contains(t, stored.LastError, tt.wantError)
			assert.Equal(t, tt.wantCalls, f.fake.Calls())
		})
	}
}

func TestQueue_FinalizesWithoutResending(t *testing.T) {
	f := newQueueFixture(t, nil)
	ctx := context.Background()
	job := f.enqueue(t, "crashed-after-send")
	f.advance(time.Second)

	// A worker leases the job, reaches the carrier on its first attempt, then dies.
	jobs := repository.NewJobRepository(f.db)
	claimed, err := jobs.Claim(ctx, "worker-crashed", 1, f.clock, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, jobs.RecordCarrierID(ctx, job.ID, "worker-crashed", "SMalready", 1))
	f.advance(2 * time.Minute)

	res, err := f.queue.ClaimAndProcess(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)
	assert.Zero(t, f.fake.Calls())

	stored := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusSent, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	var msg models.OutboundMessage
	require.NoError(t, f.db.Where("carrier_message_id = ?", "SMalready").Take(&msg).Error)
	require.NotNil(t, msg.JobID)
	assert.Equal(t, job.ID, *msg.JobID)
	assert.Equal(t, 1, msg.Attempts, "the crashed attempt is counted")
}

func TestQueue_UnleasedJobReportsLeaseLost(t *testing.T) {
	f := newQueueFixture(t, nil)
	job := f.enqueue(t, "not-leased")

	o, err := f.queue.process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, outcomeLeaseLost, o)
	assert.Equal(t, models.JobStatusPending, f.job(t, job.ID).Status)
}

func TestQueue_ConcurrentBatch(t *testing.T) {
	f := newQueueFixture(t, nil)
	for i := 0; i < 12; i++ {
		f.enqueue(t, fmt.Sprintf("batch-%d", i))
	}
	f.advance(time.Second)

	res, err := f.queue.ClaimAndProcess(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Claimed)
	assert.Equal(t, 10, res.Sent)

	res, err = f.queue.ClaimAndProcess(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 12, f.fake.Calls())

	var rows int64
	require.NoError(t, f.db.Model(&models.OutboundMessage{}).Count(&rows).Error)
	assert.EqualValues(t, 12, rows)
}

func TestQueue_Cancel(t *testing.T) {
	f := newQueueFixture(t, nil)
	ctx := context.Background()

	job := f.enqueue(t, "cancel-me")
	canceled, err := f.queue.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, canceled.Status)

	var appErr *models.AppError
	_, err = f.queue.Cancel(ctx, job.ID)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, models.ErrCodeConflict, appErr.Code)

	_, err = f.queue.Cancel(ctx, 9999)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, models.ErrCodeNotFound, appErr.Code)

	leased := f.enqueue(t, "leased")
	lease := f.clock.Add(time.Minute)
	require.NoError(t, f.db.Model(&models.OutboundJob{}).Where("id = ?", leased.ID).
		Updates(map[string]interface{}{"lease_owner": "other", "lease_expires_at": lease}).Error)
	_, err = f.queue.Cancel(ctx, leased.ID)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, models.ErrCodeConflict, appErr.Code)

	f.advance(time.Second)
	res, err := f.queue.ClaimAndProcess(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "canceled jobs are never claimed")
}

func TestQueue_RunHonorsPauseFlag(t *testing.T) {
	f := newQueueFixture(t, featureflags.NewManager("pause_outbound_worker=on"))
	f.enqueue(t, "paused")
	f.advance(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := f.queue.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.fake.Calls())
}

func TestQueue_RunProcessesDueJobs(t *testing.T) {
	f := newQueueFixture(t, nil)
	job := f.enqueue(t, "run-1")
	f.advance(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = f.queue.Run(ctx)

	assert.Equal(t, 1, f.fake.Calls())
	assert.Equal(t, models.JobStatusSent, f.job(t, job.ID).Status)
}
