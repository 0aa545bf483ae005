// Package service holds the inbound screening pipeline: the safety interceptor,
// the moderation interceptor and the gateway that composes them.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"safeline/internal/middleware"
	"safeline/internal/models"
	"safeline/internal/observability"
	"safeline/internal/safety"

	"go.opentelemetry.io/otel/attribute"
)

// Inbound is one received text as handed over by the ingestion boundary.
type Inbound struct {
	ProviderMessageID string
	From              string
	To                string
	Body              string
	ReceivedAt        time.Time
}

// SafetyDecision is the outcome of the safety gate.
type SafetyDecision string

// Safety decisions.
const (
	SafetyNone      SafetyDecision = "none"
	SafetyReplay    SafetyDecision = "replay"
	SafetyHold      SafetyDecision = "safety_hold"
	SafetyRateLimit SafetyDecision = "rate_limit"
	SafetyKeyword   SafetyDecision = "keyword"
	SafetyCrisis    SafetyDecision = "crisis"
)

// Intercepted reports whether the message must stop here.
func (d SafetyDecision) Intercepted() bool {
	return d != SafetyNone
}

// SafetyResult is the safety gate's decision for one message.
type SafetyResult struct {
	Decision  SafetyDecision
	Response  string
	User      *models.User
	Match     *safety.Match
	State     safety.StrikeState
	Escalated bool
}

// UserDirectory resolves a sender's account. A nil user means the sender is anonymous.
type UserDirectory interface {
	FindByPhone(ctx context.Context, phone string) (*models.User, error)
}

// SafetyStore is the subset of the safety repository the interceptor mutates.
type SafetyStore interface {
	AcquireInboundLock(ctx context.Context, senderKey, providerMessageID string) (bool, error)
	GetStrikeState(ctx context.Context, userID uint) (safety.StrikeState, error)
	RecordWindowHit(ctx context.Context, userID uint, now time.Time, cfg safety.RateLimitConfig) (safety.WindowState, bool, error)
	ApplySeverity(ctx context.Context, userID uint, sev safety.Severity, threshold int) (safety.StrikeOutcome, error)
	AppendEvent(ctx context.Context, event *models.SafetyEvent) error
}

// SafetyConfig holds the interceptor's thresholds.
type SafetyConfig struct {
	RateLimit       safety.RateLimitConfig
	StrikeThreshold int
}

// SafetyInterceptor is the first gate every inbound message passes.
type SafetyInterceptor struct {
	store    SafetyStore
	users    UserDirectory
	detector *safety.Detector
	cfg      SafetyConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewSafetyInterceptor validates cfg and wires the collaborators.
func NewSafetyInterceptor(store SafetyStore, users UserDirectory, detector *safety.Detector, cfg SafetyConfig, logger *slog.Logger) (*SafetyInterceptor, error) {
	if store == nil || users == nil || detector == nil {
		return nil, fmt.Errorf("%w: safety interceptor requires a store, a user directory and a detector", safety.ErrInvalidConfig)
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, err
	}
	if err := safety.ValidateThreshold(cfg.StrikeThreshold); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = middleware.Logger
	}
	return &SafetyInterceptor{
		store:    store,
		users:    users,
		detector: detector,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Intercept screens msg. The replay lock is taken before any other read, so a
// provider retry of the same message always yields SafetyReplay. Datastore
// failures are returned as errors and never downgraded to SafetyNone.
func (s *SafetyInterceptor) Intercept(ctx context.Context, msg Inbound) (SafetyResult, error) {
	span, ctx := observability.NewSpan(ctx, "safety.intercept")
	defer span.End()
	span.AddAttributes(attribute.String("provider_message_id", msg.ProviderMessageID))

	res, err := s.intercept(ctx, msg)
	if err != nil {
		span.SetError(err)
		observability.SafetyDecisions.WithLabelValues("error").Inc()
		s.logger.ErrorContext(ctx, "safety intercept failed",
			slog.String("provider_message_id", msg.ProviderMessageID),
			slog.String("error", err.Error()),
		)
		return SafetyResult{}, err
	}

	span.AddAttributes(attribute.String("decision", string(res.Decision)))
	observability.SafetyDecisions.WithLabelValues(string(res.Decision)).Inc()
	attrs := []any{
		slog.String("provider_message_id", msg.ProviderMessageID),
		slog.String("decision", string(res.Decision)),
	}
	if res.User != nil {
		attrs = append(attrs, slog.Uint64("user_id", uint64(res.User.ID)))
	}
	if res.Match != nil {
		attrs = append(attrs,
			slog.String("severity", string(res.Match.Severity)),
			slog.String("keyword_version", res.Match.CatalogVersion),
		)
	}
	s.logger.InfoContext(ctx, "safety decision", attrs...)
	return res, nil
}

func (s *SafetyInterceptor) intercept(ctx context.Context, msg Inbound) (SafetyResult, error) {
	if strings.TrimSpace(msg.ProviderMessageID) == "" || strings.TrimSpace(msg.From) == "" {
		return SafetyResult{}, models.NewValidationError("provider message id and sender are required")
	}

	acquired, err := s.store.AcquireInboundLock(ctx, msg.From, msg.ProviderMessageID)
	if err != nil {
		return SafetyResult{}, err
	}
	if !acquired {
		return SafetyResult{Decision: SafetyReplay}, nil
	}

	user, err := s.users.FindByPhone(ctx, msg.From)
	if err != nil {
		return SafetyResult{}, err
	}
	if user == nil {
		return s.screenAnonymous(ctx, msg), nil
	}

	state, err := s.store.GetStrikeState(ctx, user.ID)
	if err != nil {
		return SafetyResult{}, err
	}
	if state.Hold {
		s.audit(ctx, &models.SafetyEvent{
			UserID:            &user.ID,
			ProviderMessageID: msg.ProviderMessageID,
			Action:            models.ActionSafetyHoldEnforced,
		})
		return SafetyResult{Decision: SafetyHold, Response: safety.HoldResponse, User: user, State: state}, nil
	}

	window, exceeded, err := s.store.RecordWindowHit(ctx, user.ID, s.now(), s.cfg.RateLimit)
	if err != nil {
		return SafetyResult{}, err
	}
	if exceeded {
		s.audit(ctx, &models.SafetyEvent{
			UserID:            &user.ID,
			ProviderMessageID: msg.ProviderMessageID,
			Action:            models.ActionRateLimitExceeded,
			Metadata: map[string]any{
				"count":        window.Count,
				"max_messages": s.cfg.RateLimit.MaxMessages,
			},
		})
		return SafetyResult{Decision: SafetyRateLimit, Response: safety.RateLimitResponse, User: user, State: state}, nil
	}

	match, found := s.detector.Detect(msg.Body)
	if !found {
		return SafetyResult{Decision: SafetyNone, User: user, State: state}, nil
	}

	outcome, err := s.store.ApplySeverity(ctx, user.ID, match.Severity, s.cfg.StrikeThreshold)
	if err != nil {
		return SafetyResult{}, err
	}

	if match.Severity == safety.SeverityCrisis {
		s.audit(ctx, matchEvent(&user.ID, msg, match, models.ActionCrisisRoute, nil))
		return SafetyResult{
			Decision:  SafetyCrisis,
			Response:  safety.CrisisResponse(safety.LocaleForPhone(msg.From)),
			User:      user,
			Match:     &match,
			State:     outcome.Next,
			Escalated: outcome.Escalated,
		}, nil
	}

	intercepted := matchEvent(&user.ID, msg, match, models.ActionKeywordIntercepted, map[string]any{
		"increment":    outcome.Increment,
		"strike_count": outcome.Next.Count,
	})
	response := safety.SeverityResponse(match.Severity)
	if outcome.Escalated {
		// Only the escalation row is the last write; the intercept row before it must land.
		if err := s.store.AppendEvent(ctx, intercepted); err != nil {
			return SafetyResult{}, fmt.Errorf("append %s event: %w", intercepted.Action, err)
		}
		s.audit(ctx, matchEvent(&user.ID, msg, match, models.ActionStrikeEscalation, map[string]any{
			"strike_count": outcome.Next.Count,
			"threshold":    s.cfg.StrikeThreshold,
		}))
		response = safety.HoldResponse
	} else {
		s.audit(ctx, intercepted)
	}
	return SafetyResult{
		Decision:  SafetyKeyword,
		Response:  response,
		User:      user,
		Match:     &match,
		State:     outcome.Next,
		Escalated: outcome.Escalated,
	}, nil
}

// screenAnonymous routes crisis messages from unknown senders and lets everything else through.
func (s *SafetyInterceptor) screenAnonymous(ctx context.Context, msg Inbound) SafetyResult {
	match, found := s.detector.DetectAtLeast(msg.Body, safety.SeverityCrisis)
	if !found {
		return SafetyResult{Decision: SafetyNone}
	}
	s.audit(ctx, matchEvent(nil, msg, match, models.ActionCrisisRoute, map[string]any{"anonymous": true}))
	return SafetyResult{
		Decision: SafetyCrisis,
		Response: safety.CrisisResponse(safety.LocaleForPhone(msg.From)),
		Match:    &match,
	}
}

// audit appends the decision's final log row. It runs after the decision is fixed, so a
// failure is logged and does not change the outcome.
func (s *SafetyInterceptor) audit(ctx context.Context, event *models.SafetyEvent) {
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to append safety event",
			slog.String("action", string(event.Action)),
			slog.String("provider_message_id", event.ProviderMessageID),
			slog.String("error", err.Error()),
		)
	}
}

func matchEvent(userID *uint, msg Inbound, match safety.Match, action models.SafetyAction, meta map[string]any) *models.SafetyEvent {
	return &models.SafetyEvent{
		UserID:            userID,
		ProviderMessageID: msg.ProviderMessageID,
		Action:            action,
		Severity:          string(match.Severity),
		KeywordVersion:    match.CatalogVersion,
		MatchedTerm:       match.Term,
		Metadata:          meta,
	}
}
