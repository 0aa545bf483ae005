package service

import (
	"context"
	"errors"
	"log/slog"

	"safeline/internal/middleware"
	"safeline/internal/models"
	"safeline/internal/moderation"
	"safeline/internal/queue"
)

// Reply purposes for intercept responses.
const (
	PurposeSafetyReply     = "safety_reply"
	PurposeModerationReply = "moderation_reply"
)

// Stage names the step that settled an inbound message.
type Stage string

// Pipeline stages.
const (
	StageSafety     Stage = "safety"
	StageModeration Stage = "moderation"
	StageRouter     Stage = "router"
)

// Router is the business logic that receives messages both gates let through.
type Router interface {
	Route(ctx context.Context, user *models.User, msg Inbound, convo moderation.ConversationContext) error
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, user *models.User, msg Inbound, convo moderation.ConversationContext) error

// Route calls f.
func (f RouterFunc) Route(ctx context.Context, user *models.User, msg Inbound, convo moderation.ConversationContext) error {
	return f(ctx, user, msg, convo)
}

// ReplyQueue accepts intercept responses for delivery.
type ReplyQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*models.OutboundJob, bool, error)
}

// InboundStore records accepted inbound messages.
type InboundStore interface {
	RecordInboundMessage(ctx context.Context, msg *models.InboundMessage) error
}

// InboundOutcome is what the gateway did with one message.
type InboundOutcome struct {
	Stage      Stage              `json:"stage"`
	Safety     SafetyDecision     `json:"safety"`
	Moderation ModerationDecision `json:"moderation,omitempty"`
	Response   string             `json:"response,omitempty"`
	ReplyJobID uint               `json:"reply_job_id,omitempty"`
}

// InboundGateway runs every inbound message through safety, then moderation, then the router.
type InboundGateway struct {
	safety     *SafetyInterceptor
	moderation *ModerationInterceptor
	inbound    InboundStore
	replies    ReplyQueue
	router     Router
	logger     *slog.Logger
}

// NewInboundGateway wires the pipeline. A nil router logs and drops cleared messages.
func NewInboundGateway(safetyGate *SafetyInterceptor, moderationGate *ModerationInterceptor, inbound InboundStore, replies ReplyQueue, router Router, logger *slog.Logger) (*InboundGateway, error) {
	if safetyGate == nil || moderationGate == nil || inbound == nil || replies == nil {
		return nil, errors.New("inbound gateway requires both interceptors, an inbound store and a reply queue")
	}
	if logger == nil {
		logger = middleware.Logger
	}
	if router == nil {
		router = RouterFunc(func(ctx context.Context, user *models.User, msg Inbound, _ moderation.ConversationContext) error {
			attrs := []any{slog.String("provider_message_id", msg.ProviderMessageID)}
			if user != nil {
				attrs = append(attrs, slog.Uint64("user_id", uint64(user.ID)))
			}
			logger.InfoContext(ctx, "inbound message cleared with no router configured", attrs...)
			return nil
		})
	}
	return &InboundGateway{
		safety:     safetyGate,
		moderation: moderationGate,
		inbound:    inbound,
		replies:    replies,
		router:     router,
		logger:     logger,
	}, nil
}

// Handle processes one inbound message. A replayed message produces no side effects.
func (g *InboundGateway) Handle(ctx context.Context, msg Inbound) (*InboundOutcome, error) {
	safetyRes, err := g.safety.Intercept(ctx, msg)
	if err != nil {
		return nil, err
	}
	out := &InboundOutcome{Stage: StageSafety, Safety: safetyRes.Decision}
	if safetyRes.Decision == SafetyReplay {
		return out, nil
	}

	record := &models.InboundMessage{
		ProviderMessageID: msg.ProviderMessageID,
		FromAddress:       msg.From,
		ToAddress:         msg.To,
		Body:              msg.Body,
		ReceivedAt:        msg.ReceivedAt.UTC(),
	}
	if safetyRes.User != nil {
		record.UserID = &safetyRes.User.ID
	}
	if err := g.inbound.RecordInboundMessage(ctx, record); err != nil {
		return nil, err
	}

	if safetyRes.Decision.Intercepted() {
		out.Response = safetyRes.Response
		return out, g.reply(ctx, out, safetyRes.User, msg, PurposeSafetyReply)
	}

	modRes, err := g.moderation.Intercept(ctx, safetyRes.User, msg)
	if err != nil {
		return nil, err
	}
	out.Stage = StageModeration
	out.Moderation = modRes.Decision
	if modRes.Decision.Intercepted() {
		out.Response = modRes.Response
		return out, g.reply(ctx, out, safetyRes.User, msg, PurposeModerationReply)
	}

	out.Stage = StageRouter
	if err := g.router.Route(ctx, safetyRes.User, msg, modRes.Context); err != nil {
		return nil, err
	}
	return out, nil
}

// reply enqueues the intercept response keyed on the inbound message, so a
// retried webhook can never produce a second reply.
func (g *InboundGateway) reply(ctx context.Context, out *InboundOutcome, user *models.User, msg Inbound, purpose string) error {
	if out.Response == "" {
		return nil
	}
	req := queue.EnqueueRequest{
		IdempotencyKey: "reply:" + msg.ProviderMessageID,
		Purpose:        purpose,
		To:             msg.From,
		From:           msg.To,
		Body:           out.Response,
	}
	if user != nil {
		req.UserID = &user.ID
	}
	job, _, err := g.replies.Enqueue(ctx, req)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to enqueue intercept reply",
			slog.String("provider_message_id", msg.ProviderMessageID),
			slog.String("error", err.Error()),
		)
		return err
	}
	out.ReplyJobID = job.ID
	return nil
}
