package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"safeline/internal/carrier"
	"safeline/internal/carrier/carriertest"
	"safeline/internal/featureflags"
	"safeline/internal/models"
	"safeline/internal/repository"
	"safeline/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var staleOpts = ReconcileOptions{Limit: 50, StaleAfter: 10 * time.Minute}

func newReconciler(t *testing.T, rdb *redis.Client, flags *featureflags.Manager) (*Reconciler, *carriertest.Fake, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	fake := carriertest.NewFake()
	r, err := NewReconciler(fake, repository.NewOutboundMessageRepository(db), repository.NewJobRepository(db), rdb, flags, nil)
	require.NoError(t, err)
	return r, fake, db
}

// seedMessage inserts a carrier-tracked message last touched at updatedAt.
func seedMessage(t *testing.T, db *gorm.DB, sid string, status models.MessageStatus, updatedAt time.Time, jobID *uint) *models.OutboundMessage {
	t.Helper()
	msg := &models.OutboundMessage{
		CorrelationKey:   "corr-" + sid,
		CarrierMessageID: &sid,
		JobID:            jobID,
		ToAddress:        "+15556000001",
		Purpose:          "coordination_reminder",
		Status:           status,
		Attempts:         1,
		CreatedAt:        updatedAt,
		UpdatedAt:        updatedAt,
	}
	require.NoError(t, db.Create(msg).Error)
	return msg
}

func loadMessage(t *testing.T, db *gorm.DB, id uint) models.OutboundMessage {
	t.Helper()
	var msg models.OutboundMessage
	require.NoError(t, db.Take(&msg, id).Error)
	return msg
}

func TestNewReconciler_Validation(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, err := NewReconciler(nil, repository.NewOutboundMessageRepository(db), repository.NewJobRepository(db), nil, nil, nil)
	assert.Error(t, err)
}

func TestReconcile_RejectsBadOptions(t *testing.T) {
	r, _, _ := newReconciler(t, nil, nil)
	for _, opts := range []ReconcileOptions{{Limit: 0, StaleAfter: time.Minute}, {Limit: 10, StaleAfter: 0}} {
		_, err := r.Reconcile(context.Background(), opts)
		var appErr *models.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, models.ErrCodeValidation, appErr.Code)
	}
}

func TestReconcile_Sweep(t *testing.T) {
	r, fake, db := newReconciler(t, nil, nil)
	now := time.Now().UTC()
	old := now.Add(-time.Hour)

	delivered := seedMessage(t, db, "SMdelivered", models.MessageStatusSent, old, nil)
	fake.SetStatus(carrier.StatusReport{SID: "SMdelivered", Status: models.MessageStatusDelivered, EventAt: now.Add(-time.Minute)})

	unchanged := seedMessage(t, db, "SMnewer", models.MessageStatusQueued, old, nil)
	recorded := now.Add(-30 * time.Second)
	require.NoError(t, db.Model(&models.OutboundMessage{}).Where("id = ?", unchanged.ID).
		UpdateColumn("status_event_at", recorded).Error)
	fake.SetStatus(carrier.StatusReport{SID: "SMnewer", Status: models.MessageStatusDelivered, EventAt: now.Add(-5 * time.Minute)})

	// Unknown to the carrier: Fetch fails.
	missing := seedMessage(t, db, "SMmissing", models.MessageStatusSending, old, nil)

	// Fresh and terminal rows are never checked.
	seedMessage(t, db, "SMfresh", models.MessageStatusSent, now, nil)
	seedMessage(t, db, "SMterminal", models.MessageStatusDelivered, old, nil)

	res, err := r.Reconcile(context.Background(), staleOpts)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 3, Updated: 1, Skipped: 1, Failed: 1}, res)

	got := loadMessage(t, db, delivered.ID)
	assert.Equal(t, models.MessageStatusDelivered, got.Status)
	require.NotNil(t, got.StatusEventAt)

	assert.Equal(t, models.MessageStatusQueued, loadMessage(t, db, unchanged.ID).Status, "an older carrier event never overwrites a newer one")
	assert.Equal(t, models.MessageStatusSending, loadMessage(t, db, missing.ID).Status)
}

func TestReconcile_FailsJobOnUndelivered(t *testing.T) {
	r, fake, db := newReconciler(t, nil, nil)
	job := &models.OutboundJob{
		IdempotencyKey: "reminder:1",
		Purpose:        "coordination_reminder",
		ToAddress:      "+15556000001",
		Status:         models.JobStatusSent,
		Attempts:       1,
		NextAttemptAt:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(job).Error)
	seedMessage(t, db, "SMundelivered", models.MessageStatusSent, time.Now().UTC().Add(-time.Hour), &job.ID)
	fake.SetStatus(carrier.StatusReport{
		SID:          "SMundelivered",
		Status:       models.MessageStatusUndelivered,
		ErrorCode:    "30003",
		ErrorMessage: "Unreachable destination handset",
	})

	res, err := r.Reconcile(context.Background(), staleOpts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	var stored models.OutboundJob
	require.NoError(t, db.Take(&stored, job.ID).Error)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "undelivered")
	assert.Contains(t, stored.LastError, "30003")
}

func TestReconcile_SweepLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r, _, _ := newReconciler(t, rdb, nil)
	ctx := context.Background()

	require.NoError(t, mr.Set(reconcileLockKey, "another-instance"))
	_, err := r.Reconcile(ctx, staleOpts)
	assert.ErrorIs(t, err, ErrSweepInProgress)

	mr.Del(reconcileLockKey)
	_, err = r.Reconcile(ctx, staleOpts)
	require.NoError(t, err)
	assert.False(t, mr.Exists(reconcileLockKey), "lock is released after the sweep")
}

func TestReconcile_SweepsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	r, fake, db := newReconciler(t, rdb, nil)

	seedMessage(t, db, "SMlockless", models.MessageStatusSent, time.Now().UTC().Add(-time.Hour), nil)
	fake.SetStatus(carrier.StatusReport{SID: "SMlockless", Status: models.MessageStatusDelivered})
	mr.Close()

	res, err := r.Reconcile(context.Background(), staleOpts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
}

func TestApplyStatusCallback(t *testing.T) {
	r, _, db := newReconciler(t, nil, nil)
	ctx := context.Background()
	msg := seedMessage(t, db, "SMcallback", models.MessageStatusQueued, time.Now().UTC(), nil)
	base := time.Now().UTC()

	tests := []struct {
		name        string
		cb          StatusCallback
		wantChanged bool
		wantStatus  models.MessageStatus
	}{
		{"unknown message", StatusCallback{CarrierMessageID: "SMother", Status: "delivered", EventAt: base}, false, models.MessageStatusQueued},
		{"sent", StatusCallback{CarrierMessageID: "SMcallback", Status: "sent", EventAt: base}, true, models.MessageStatusSent},
		{"delivered", StatusCallback{CarrierMessageID: "SMcallback", Status: "DELIVERED", EventAt: base.Add(time.Second)}, true, models.MessageStatusDelivered},
		{"late sending", StatusCallback{CarrierMessageID: "SMcallback", Status: "sending", EventAt: base.Add(-time.Second)}, false, models.MessageStatusDelivered},
		{"duplicate", StatusCallback{CarrierMessageID: "SMcallback", Status: "delivered", EventAt: base.Add(time.Second)}, false, models.MessageStatusDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := r.ApplyStatusCallback(ctx, tt.cb)
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantStatus, loadMessage(t, db, msg.ID).Status)
		})
	}

	_, err := r.ApplyStatusCallback(ctx, StatusCallback{CarrierMessageID: "SMcallback"})
	assert.Error(t, err)
}

func TestApplyStatusCallback_WithoutEventTime(t *testing.T) {
	r, fake, db := newReconciler(t, nil, nil)
	ctx := context.Background()
	msg := seedMessage(t, db, "SMwebhook", models.MessageStatusQueued, time.Now().UTC().Add(-time.Hour), nil)

	// Webhooks carry no event time, so they arrive with a zero EventAt.
	tests := []struct {
		status      string
		wantChanged bool
		wantStatus  models.MessageStatus
	}{
		{"sending", true, models.MessageStatusSending},
		{"queued", false, models.MessageStatusSending},
		{"delivered", true, models.MessageStatusDelivered},
		{"sent", false, models.MessageStatusDelivered},
		{"undelivered", false, models.MessageStatusDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			changed, err := r.ApplyStatusCallback(ctx, StatusCallback{CarrierMessageID: "SMwebhook", Status: tt.status})
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantStatus, loadMessage(t, db, msg.ID).Status)
		})
	}

	stored := loadMessage(t, db, msg.ID)
	assert.Nil(t, stored.StatusEventAt, "arrival time is never recorded as the event time")

	fake.SetStatus(carrier.StatusReport{SID: "SMwebhook", Status: models.MessageStatusDelivered, EventAt: time.Now().UTC().Add(-time.Minute)})
	res, err := r.Reconcile(ctx, staleOpts)
	require.NoError(t, err)
	assert.Zero(t, res.Checked, "terminal messages are not swept")
	assert.Equal(t, models.MessageStatusDelivered, loadMessage(t, db, msg.ID).Status)
}

func TestReconcile_TimestampedReportNeverRevertsTerminal(t *testing.T) {
	r, _, db := newReconciler(t, nil, nil)
	ctx := context.Background()
	msg := seedMessage(t, db, "SMsettled", models.MessageStatusSent, time.Now().UTC().Add(-time.Hour), nil)

	changed, err := r.ApplyStatusCallback(ctx, StatusCallback{CarrierMessageID: "SMsettled", Status: "delivered"})
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = r.ApplyStatusCallback(ctx, StatusCallback{CarrierMessageID: "SMsettled", Status: "sent", EventAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.MessageStatusDelivered, loadMessage(t, db, msg.ID).Status)
}

func TestReconcile_RotatesThroughBacklog(t *testing.T) {
	r, fake, db := newReconciler(t, nil, nil)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	// The two oldest rows never move at the carrier; the newest has been delivered.
	seedMessage(t, db, "SMstuck1", models.MessageStatusSent, old, nil)
	seedMessage(t, db, "SMstuck2", models.MessageStatusSent, old.Add(time.Minute), nil)
	moved := seedMessage(t, db, "SMmoved", models.MessageStatusSent, old.Add(2*time.Minute), nil)
	fake.SetStatus(carrier.StatusReport{SID: "SMstuck1", Status: models.MessageStatusSent})
	fake.SetStatus(carrier.StatusReport{SID: "SMstuck2", Status: models.MessageStatusSent})
	fake.SetStatus(carrier.StatusReport{SID: "SMmoved", Status: models.MessageStatusDelivered})

	opts := ReconcileOptions{Limit: 1, StaleAfter: 10 * time.Minute}
	want := []ReconcileResult{
		{Checked: 1, Skipped: 1},
		{Checked: 1, Skipped: 1},
		{Checked: 1, Updated: 1},
		{},
	}
	for i, w := range want {
		res, err := r.Reconcile(ctx, opts)
		require.NoError(t, err)
		assert.Equal(t, w, res, "sweep %d", i+1)
	}

	got := loadMessage(t, db, moved.ID)
	assert.Equal(t, models.MessageStatusDelivered, got.Status)
	require.NotNil(t, got.LastCheckedAt)
}

func TestReconciler_RunHonorsPauseFlag(t *testing.T) {
	r, fake, db := newReconciler(t, nil, featureflags.NewManager("pause_reconcile=true"))
	msg := seedMessage(t, db, "SMpaused", models.MessageStatusSent, time.Now().UTC().Add(-time.Hour), nil)
	fake.SetStatus(carrier.StatusReport{SID: "SMpaused", Status: models.MessageStatusDelivered})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := r.Run(ctx, 10*time.Millisecond, staleOpts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.MessageStatusSent, loadMessage(t, db, msg.ID).Status)
}
