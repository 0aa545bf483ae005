package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"safeline/internal/models"
	"safeline/internal/moderation"
	"safeline/internal/queue"
	"safeline/internal/repository"
	"safeline/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingQueue struct {
	mu   sync.Mutex
	reqs []queue.EnqueueRequest
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, req queue.EnqueueRequest) (*models.OutboundJob, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, false, q.err
	}
	q.reqs = append(q.reqs, req)
	return &models.OutboundJob{ID: uint(len(q.reqs)), IdempotencyKey: req.IdempotencyKey}, true, nil
}

type recordingRouter struct {
	calls  int
	user   *models.User
	convos []moderation.ConversationContext
}

func (r *recordingRouter) Route(_ context.Context, user *models.User, _ Inbound, convo moderation.ConversationContext) error {
	r.calls++
	r.user = user
	r.convos = append(r.convos, convo)
	return nil
}

func newGateway(t *testing.T, db *gorm.DB, replies ReplyQueue, router Router) *InboundGateway {
	t.Helper()
	g, err := NewInboundGateway(
		newSafetyInterceptor(t, db, defaultSafetyConfig),
		newModerationInterceptor(t, db),
		repository.NewSafetyRepository(db),
		replies,
		router,
		nil,
	)
	require.NoError(t, err)
	return g
}

func TestNewInboundGateway_Validation(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, err := NewInboundGateway(nil, newModerationInterceptor(t, db), repository.NewSafetyRepository(db), &recordingQueue{}, nil, nil)
	assert.Error(t, err)
	_, err = NewInboundGateway(newSafetyInterceptor(t, db, defaultSafetyConfig), newModerationInterceptor(t, db), repository.NewSafetyRepository(db), nil, nil, nil)
	assert.Error(t, err)
}

func TestInboundGateway_SafetyReply(t *testing.T) {
	db := testutil.NewTestDB(t)
	user := testutil.CreateUser(t, db, "+15553000001")
	replies := &recordingQueue{}
	router := &recordingRouter{}
	g := newGateway(t, db, replies, router)

	msg := inbound(user.Phone, "I want to kill myself")
	out, err := g.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, StageSafety, out.Stage)
	assert.Equal(t, SafetyCrisis, out.Safety)
	assert.Contains(t, out.Response, "988")
	assert.EqualValues(t, 1, out.ReplyJobID)

	require.Len(t, replies.reqs, 1)
	req := replies.reqs[0]
	assert.Equal(t, "reply:"+msg.ProviderMessageID, req.IdempotencyKey)
	assert.Equal(t, PurposeSafetyReply, req.Purpose)
	assert.Equal(t, msg.From, req.To)
	assert.Equal(t, msg.To, req.From)
	require.NotNil(t, req.UserID)
	assert.Equal(t, user.ID, *req.UserID)
	assert.Zero(t, router.calls)

	var stored models.InboundMessage
	require.NoError(t, db.Where("provider_message_id = ?", msg.ProviderMessageID).First(&stored).Error)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, user.ID, *stored.UserID)
}

func TestInboundGateway_ReplayHasNoSideEffects(t *testing.T) {
	db := testutil.NewTestDB(t)
	user := testutil.CreateUser(t, db, "+15553000002")
	replies := &recordingQueue{}
	g := newGateway(t, db, replies, &recordingRouter{})
	msg := inbound(user.Phone, "I hate you")

	_, err := g.Handle(context.Background(), msg)
	require.NoError(t, err)
	out, err := g.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, SafetyReplay, out.Safety)
	assert.Empty(t, out.Response)

	assert.Len(t, replies.reqs, 1)
	var n int64
	require.NoError(t, db.Model(&models.InboundMessage{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestInboundGateway_ModerationReply(t *testing.T) {
	db := testutil.NewTestDB(t)
	sender := namedUser(t, db, "+15553000003", "Remy", "Fox")
	other := namedUser(t, db, "+15553000004", "Dana", "Wu")
	testutil.CreateCoordination(t, db, "grp-g1", time.Now().Add(-time.Hour), *sender, *other)
	replies := &recordingQueue{}
	router := &recordingRouter{}
	g := newGateway(t, db, replies, router)

	out, err := g.Handle(context.Background(), inbound(sender.Phone, "block"))
	require.NoError(t, err)
	assert.Equal(t, StageModeration, out.Stage)
	assert.Equal(t, SafetyNone, out.Safety)
	assert.Equal(t, ModerationBlockCreated, out.Moderation)

	require.Len(t, replies.reqs, 1)
	assert.Equal(t, PurposeModerationReply, replies.reqs[0].Purpose)
	assert.Contains(t, replies.reqs[0].Body, "Dana")
	assert.Zero(t, router.calls)
}

func TestInboundGateway_ClearMessageReachesRouter(t *testing.T) {
	db := testutil.NewTestDB(t)
	sender := namedUser(t, db, "+15553000005", "Ivy", "Lund")
	other := namedUser(t, db, "+15553000006", "Oren", "Bell")
	testutil.CreateCoordination(t, db, "grp-g2", time.Now().Add(-time.Hour), *sender, *other)
	replies := &recordingQueue{}
	router := &recordingRouter{}
	g := newGateway(t, db, replies, router)

	out, err := g.Handle(context.Background(), inbound(sender.Phone, "running ten minutes late"))
	require.NoError(t, err)
	assert.Equal(t, StageRouter, out.Stage)
	assert.Equal(t, ModerationNone, out.Moderation)
	assert.Empty(t, replies.reqs)

	require.Equal(t, 1, router.calls)
	require.NotNil(t, router.user)
	assert.Equal(t, sender.ID, router.user.ID)
	require.Len(t, router.convos, 1)
	assert.Len(t, router.convos[0].Counterparts, 1)
}

func TestInboundGateway_EnqueueFailurePropagates(t *testing.T) {
	db := testutil.NewTestDB(t)
	user := testutil.CreateUser(t, db, "+15553000007")
	g := newGateway(t, db, &recordingQueue{err: errors.New("queue down")}, nil)

	_, err := g.Handle(context.Background(), inbound(user.Phone, "I hate you"))
	assert.EqualError(t, err, "queue down")
}
