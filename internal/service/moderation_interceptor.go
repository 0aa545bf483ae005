package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"safeline/internal/middleware"
	"safeline/internal/models"
	"safeline/internal/moderation"
	"safeline/internal/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ModerationDecision is the outcome of the moderation gate.
type ModerationDecision string

// Moderation decisions.
const (
	ModerationNone              ModerationDecision = "none"
	ModerationBlockCreated      ModerationDecision = "block_created"
	ModerationReportPrompted    ModerationDecision = "report_prompted"
	ModerationReasonClarifier   ModerationDecision = "report_reason_clarifier"
	ModerationReportCreated     ModerationDecision = "report_created"
	ModerationBlockedAttempt    ModerationDecision = "blocked_message_attempt"
	ModerationUnsupportedTarget ModerationDecision = "unsupported_target"
)

// Intercepted reports whether the message must stop here.
func (d ModerationDecision) Intercepted() bool {
	return d != ModerationNone
}

// ModerationResult is the moderation gate's decision for one message.
type ModerationResult struct {
	Decision     ModerationDecision
	Response     string
	TargetUserID uint
	Incident     *models.ModerationIncident
	Context      moderation.ConversationContext
}

// ModerationStore is the block, prompt and incident storage the interceptor uses.
type ModerationStore interface {
	UpsertBlock(ctx context.Context, blockerID, blockedID uint, groupID string) error
	IsBlockedWithAny(ctx context.Context, userID uint, counterpartIDs []uint) (bool, error)
	LatestPrompt(ctx context.Context, userID uint, since time.Time) (*models.SafetyEvent, error)
	PromptClosed(ctx context.Context, userID uint, token string) (bool, error)
	ClarifierSent(ctx context.Context, userID uint, token string) (bool, error)
	CreateIncident(ctx context.Context, incident *models.ModerationIncident) (*models.ModerationIncident, bool, error)
	AppendEvent(ctx context.Context, event *models.SafetyEvent) error
}

// ConversationDirectory derives the sender's current counterparts.
type ConversationDirectory interface {
	ConversationContext(ctx context.Context, userID uint) (moderation.ConversationContext, error)
}

// ModerationInterceptor is the second gate. It runs the block/report conversation
// and stops messages between blocked users.
type ModerationInterceptor struct {
	store     ModerationStore
	convos    ConversationDirectory
	promptTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewModerationInterceptor wires the collaborators. promptTTL bounds how long a
// report prompt waits for its reason.
func NewModerationInterceptor(store ModerationStore, convos ConversationDirectory, promptTTL time.Duration, logger *slog.Logger) (*ModerationInterceptor, error) {
	if store == nil || convos == nil {
		return nil, fmt.Errorf("moderation interceptor requires a store and a conversation directory")
	}
	if promptTTL <= 0 {
		return nil, fmt.Errorf("prompt TTL must be positive, got %s", promptTTL)
	}
	if logger == nil {
		logger = middleware.Logger
	}
	return &ModerationInterceptor{
		store:     store,
		convos:    convos,
		promptTTL: promptTTL,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Intercept evaluates msg from user. Anonymous senders always pass.
func (m *ModerationInterceptor) Intercept(ctx context.Context, user *models.User, msg Inbound) (ModerationResult, error) {
	if user == nil {
		return ModerationResult{Decision: ModerationNone}, nil
	}

	span, ctx := observability.NewSpan(ctx, "moderation.intercept")
	defer span.End()

	res, err := m.intercept(ctx, user, msg)
	if err != nil {
		span.SetError(err)
		observability.ModerationDecisions.WithLabelValues("error").Inc()
		m.logger.ErrorContext(ctx, "moderation intercept failed",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("provider_message_id", msg.ProviderMessageID),
			slog.String("error", err.Error()),
		)
		return ModerationResult{}, err
	}

	span.AddAttributes(attribute.String("decision", string(res.Decision)))
	observability.ModerationDecisions.WithLabelValues(string(res.Decision)).Inc()
	m.logger.InfoContext(ctx, "moderation decision",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.String("provider_message_id", msg.ProviderMessageID),
		slog.String("decision", string(res.Decision)),
	)
	return res, nil
}

func (m *ModerationInterceptor) intercept(ctx context.Context, user *models.User, msg Inbound) (ModerationResult, error) {
	if cmd, ok := moderation.ParseCommand(msg.Body); ok {
		return m.handleCommand(ctx, user, msg, cmd)
	}

	res, handled, err := m.handlePendingReport(ctx, user, msg)
	if err != nil || handled {
		return res, err
	}

	convo, err := m.convos.ConversationContext(ctx, user.ID)
	if err != nil {
		return ModerationResult{}, err
	}
	if len(convo.Counterparts) == 0 {
		return ModerationResult{Decision: ModerationNone, Context: convo}, nil
	}

	ids := make([]uint, 0, len(convo.Counterparts))
	for _, c := range convo.Counterparts {
		ids = append(ids, c.UserID)
	}
	blocked, err := m.store.IsBlockedWithAny(ctx, user.ID, ids)
	if err != nil {
		return ModerationResult{}, err
	}
	if !blocked {
		return ModerationResult{Decision: ModerationNone, Context: convo}, nil
	}

	m.audit(ctx, &models.SafetyEvent{
		UserID:            &user.ID,
		ProviderMessageID: msg.ProviderMessageID,
		Action:            models.ActionBlockedMessageAttempt,
		GroupID:           convo.GroupID,
	})
	return ModerationResult{
		Decision: ModerationBlockedAttempt,
		Response: moderation.BlockedPairMessage,
		Context:  convo,
	}, nil
}

func (m *ModerationInterceptor) handleCommand(ctx context.Context, user *models.User, msg Inbound, cmd moderation.Command) (ModerationResult, error) {
	convo, err := m.convos.ConversationContext(ctx, user.ID)
	if err != nil {
		return ModerationResult{}, err
	}

	target, ok := moderation.ResolveTarget(convo.Counterparts, cmd.Hint)
	if !ok {
		m.audit(ctx, &models.SafetyEvent{
			UserID:            &user.ID,
			ProviderMessageID: msg.ProviderMessageID,
			Action:            models.ActionUnsupportedTarget,
			GroupID:           convo.GroupID,
			Metadata:          map[string]any{"command": string(cmd.Kind), "hint": cmd.Hint},
		})
		return ModerationResult{
			Decision: ModerationUnsupportedTarget,
			Response: moderation.UnsupportedTargetMessage,
			Context:  convo,
		}, nil
	}

	switch cmd.Kind {
	case moderation.CommandBlock:
		if err := m.store.UpsertBlock(ctx, user.ID, target.UserID, convo.GroupID); err != nil {
			return ModerationResult{}, err
		}
		m.audit(ctx, &models.SafetyEvent{
			UserID:            &user.ID,
			ProviderMessageID: msg.ProviderMessageID,
			Action:            models.ActionBlockCreated,
			SubjectUserID:     &target.UserID,
			GroupID:           convo.GroupID,
		})
		return ModerationResult{
			Decision:     ModerationBlockCreated,
			Response:     moderation.BlockConfirmation(target),
			TargetUserID: target.UserID,
			Context:      convo,
		}, nil

	case moderation.CommandReport:
		// The prompt event is the pending-report state, so it must persist.
		err := m.store.AppendEvent(ctx, &models.SafetyEvent{
			UserID:            &user.ID,
			ProviderMessageID: msg.ProviderMessageID,
			Action:            models.ActionReportReasonPrompted,
			SubjectUserID:     &target.UserID,
			GroupID:           convo.GroupID,
			PromptToken:       moderation.PromptToken(msg.ProviderMessageID),
		})
		if err != nil {
			return ModerationResult{}, err
		}
		return ModerationResult{
			Decision:     ModerationReportPrompted,
			Response:     moderation.ReasonMenuMessage,
			TargetUserID: target.UserID,
			Context:      convo,
		}, nil
	}
	return ModerationResult{}, fmt.Errorf("unhandled moderation command %q", cmd.Kind)
}

// handlePendingReport treats msg as the reason for an open report prompt, if any.
func (m *ModerationInterceptor) handlePendingReport(ctx context.Context, user *models.User, msg Inbound) (ModerationResult, bool, error) {
	now := m.now().UTC()
	prompt, err := m.store.LatestPrompt(ctx, user.ID, now.Add(-m.promptTTL))
	if err != nil {
		return ModerationResult{}, false, err
	}
	if prompt == nil || prompt.SubjectUserID == nil || prompt.PromptToken == "" {
		return ModerationResult{}, false, nil
	}
	closed, err := m.store.PromptClosed(ctx, user.ID, prompt.PromptToken)
	if err != nil {
		return ModerationResult{}, false, err
	}
	if closed {
		return ModerationResult{}, false, nil
	}

	category, parsed := moderation.ParseReason(msg.Body)
	if !parsed {
		clarified, err := m.store.ClarifierSent(ctx, user.ID, prompt.PromptToken)
		if err != nil {
			return ModerationResult{}, false, err
		}
		if !clarified {
			err := m.store.AppendEvent(ctx, &models.SafetyEvent{
				UserID:            &user.ID,
				ProviderMessageID: msg.ProviderMessageID,
				Action:            models.ActionReportReasonClarifier,
				SubjectUserID:     prompt.SubjectUserID,
				GroupID:           prompt.GroupID,
				PromptToken:       prompt.PromptToken,
			})
			if err != nil {
				return ModerationResult{}, false, err
			}
			return ModerationResult{
				Decision:     ModerationReasonClarifier,
				Response:     moderation.ClarifierMessage,
				TargetUserID: *prompt.SubjectUserID,
			}, true, nil
		}
		category = models.ReportOther
	}

	reported := *prompt.SubjectUserID
	incident := &models.ModerationIncident{
		IncidentID:     uuid.NewString(),
		ReporterID:     user.ID,
		ReportedID:     reported,
		GroupID:        prompt.GroupID,
		ReasonCategory: category,
		FreeText:       strings.TrimSpace(msg.Body),
		PromptToken:    prompt.PromptToken,
		IdempotencyKey: moderation.IncidentKey(user.ID, reported, prompt.GroupID, category, now),
	}
	stored, created, err := m.store.CreateIncident(ctx, incident)
	if err != nil {
		return ModerationResult{}, false, err
	}

	m.audit(ctx, &models.SafetyEvent{
		UserID:            &user.ID,
		ProviderMessageID: msg.ProviderMessageID,
		Action:            models.ActionReportCreated,
		SubjectUserID:     &reported,
		GroupID:           prompt.GroupID,
		PromptToken:       prompt.PromptToken,
		Metadata: map[string]any{
			"incident_id": stored.IncidentID,
			"category":    string(stored.ReasonCategory),
			"created":     created,
		},
	})
	return ModerationResult{
		Decision:     ModerationReportCreated,
		Response:     moderation.ReportConfirmation(stored.IncidentID),
		TargetUserID: reported,
		Incident:     stored,
	}, true, nil
}

func (m *ModerationInterceptor) audit(ctx context.Context, event *models.SafetyEvent) {
	if err := m.store.AppendEvent(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "failed to append moderation event",
			slog.String("action", string(event.Action)),
			slog.String("provider_message_id", event.ProviderMessageID),
			slog.String("error", err.Error()),
		)
	}
}
