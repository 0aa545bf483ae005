// Package delivery implements the idempotent outbound send used by every outbound flow.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"safeline/internal/carrier"
	"safeline/internal/database"
	"safeline/internal/middleware"
	"safeline/internal/models"
	"safeline/internal/observability"
	"safeline/internal/repository"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// maxAttempts is the total number of carrier calls one Send may make.
const maxAttempts = 2

var (
	// ErrInvalidRequest marks a request that can never succeed as written.
	ErrInvalidRequest = errors.New("invalid delivery request")
	// ErrDeniedLegacy marks a request using a retired purpose or key prefix.
	ErrDeniedLegacy = errors.New("legacy delivery contract is not accepted")
)

// Request is one logical outbound send.
type Request struct {
	To             string `json:"to"`
	From           string `json:"from,omitempty"`
	SenderPoolID   string `json:"sender_pool_id,omitempty"`
	Body           string `json:"body"`
	CorrelationKey string `json:"correlation_key"`
	Purpose        string `json:"purpose"`
}

// Result describes the message row a Send settled on.
type Result struct {
	MessageID        uint                 `json:"message_id"`
	CorrelationKey   string               `json:"correlation_key"`
	CarrierMessageID string               `json:"carrier_message_id,omitempty"`
	Status           models.MessageStatus `json:"status"`
	From             string               `json:"from,omitempty"`
	Deduplicated     bool                 `json:"deduplicated"`
	Attempts         int                  `json:"attempts"`
}

// Error is a failed send. Retryable is true for timeouts, network errors, 429 and 5xx.
type Error struct {
	Retryable  bool
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery failed after %d attempt(s) (retryable=%t): %v", e.Attempts, e.Retryable, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config is the pipeline's static configuration.
type Config struct {
	CorrelationSeed   string
	DeniedPurposes    []string
	DeniedKeyPrefixes []string
	DefaultSenderPool string
	StatusCallbackURL string
}

// Pipeline sends messages through the carrier at most once per correlation key.
type Pipeline struct {
	client    carrier.Client
	messages  repository.OutboundMessageRepository
	cfg       Config
	namespace uuid.UUID
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline wires the carrier and message store.
func NewPipeline(client carrier.Client, messages repository.OutboundMessageRepository, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if client == nil || messages == nil {
		return nil, fmt.Errorf("%w: delivery pipeline requires a carrier client and a message repository", ErrInvalidRequest)
	}
	if strings.TrimSpace(cfg.CorrelationSeed) == "" {
		return nil, fmt.Errorf("%w: correlation seed is required", ErrInvalidRequest)
	}
	if logger == nil {
		logger = middleware.Logger
	}
	return &Pipeline{
		client:    client,
		messages:  messages,
		cfg:       cfg,
		namespace: uuid.NewSHA1(uuid.NameSpaceURL, []byte(cfg.CorrelationSeed)),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// CorrelationKey returns the canonical form of raw. Canonical UUIDs pass through;
// anything else is hashed under the configured seed so the same logical key always collides.
func (p *Pipeline) CorrelationKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if id, err := uuid.Parse(raw); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(p.namespace, []byte(raw)).String()
}

// Validate checks req without touching the datastore or the carrier.
func (p *Pipeline) Validate(req Request) error {
	switch {
	case strings.TrimSpace(req.To) == "":
		return fmt.Errorf("%w: to is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Body) == "":
		return fmt.Errorf("%w: body is required", ErrInvalidRequest)
	case strings.TrimSpace(req.CorrelationKey) == "":
		return fmt.Errorf("%w: correlation key is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Purpose) == "":
		return fmt.Errorf("%w: purpose is required", ErrInvalidRequest)
	case strings.TrimSpace(req.From) == "" && strings.TrimSpace(req.SenderPoolID) == "" && p.cfg.DefaultSenderPool == "":
		return fmt.Errorf("%w: a sender address or sender pool is required", ErrInvalidRequest)
	}
	return p.CheckDenyList(req.Purpose, req.CorrelationKey)
}

// CheckDenyList rejects retired purposes and idempotency-key prefixes.
func (p *Pipeline) CheckDenyList(purpose, key string) error {
	for _, denied := range p.cfg.DeniedPurposes {
		if strings.EqualFold(strings.TrimSpace(purpose), denied) {
			return fmt.Errorf("%w: purpose %q", ErrDeniedLegacy, purpose)
		}
	}
	for _, prefix := range p.cfg.DeniedKeyPrefixes {
		if strings.HasPrefix(strings.TrimSpace(key), prefix) {
			return fmt.Errorf("%w: key prefix %q", ErrDeniedLegacy, prefix)
		}
	}
	return nil
}

// Send delivers req once. A key that already has a carrier id returns the stored row
// with Deduplicated set and makes no carrier call. Otherwise the pending row is written
// before the first attempt and the carrier is tried at most twice.
func (p *Pipeline) Send(ctx context.Context, req Request) (*Result, error) {
	span, ctx := observability.NewSpan(ctx, "delivery.send")
	defer span.End()

	if err := p.Validate(req); err != nil {
		span.SetError(err)
		return nil, err
	}
	key := p.CorrelationKey(req.CorrelationKey)
	ctx = middleware.WithCorrelationID(ctx, key)
	span.AddAttributes(attribute.String("correlation_key", key), attribute.String("purpose", req.Purpose))

	msg, err := p.messages.FindByCorrelationKey(ctx, key)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if msg == nil {
		pending := &models.OutboundMessage{
			CorrelationKey: key,
			ToAddress:      req.To,
			FromAddress:    req.From,
			SenderPoolID:   p.senderPool(req),
			Purpose:        req.Purpose,
			Status:         models.MessageStatusPending,
		}
		created, err := p.messages.CreatePending(ctx, pending)
		if err != nil {
			span.SetError(err)
			return nil, err
		}
		if created {
			msg = pending
		} else if msg, err = p.messages.FindByCorrelationKey(ctx, key); err != nil || msg == nil {
			if err == nil {
				err = fmt.Errorf("message %s vanished after insert conflict", key)
			}
			span.SetError(err)
			return nil, err
		}
	}

	if msg.CarrierMessageID != nil {
		p.logger.InfoContext(ctx, "delivery deduplicated",
			slog.String("correlation_key", key),
			slog.Uint64("message_id", uint64(msg.ID)),
		)
		return resultFrom(msg, true), nil
	}

	params := carrier.SendParams{
		To:                  req.To,
		From:                req.From,
		MessagingServiceSID: p.senderPool(req),
		Body:                req.Body,
		StatusCallback:      p.cfg.StatusCallbackURL,
	}
	if params.From != "" {
		params.MessagingServiceSID = ""
	}

	var (
		attempts int
		sent     *carrier.SendResult
	)
	op := func() error {
		attempts++
		res, err := p.Attempt(ctx, params)
		if err != nil {
			if !carrier.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		sent = res
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxAttempts-1), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, p.fail(ctx, span, msg, key, attempts, err)
	}

	fin := repository.MessageFinalization{
		CarrierMessageID: sent.SID,
		Status:           sent.Status,
		FromAddress:      sent.From,
		Attempts:         attempts,
		SentAt:           p.now().UTC(),
	}
	if err := p.messages.Finalize(ctx, msg.ID, fin); err != nil {
		if !database.IsUniqueViolation(err) {
			span.SetError(err)
			return nil, err
		}
		// Another row already owns this carrier id; report that row.
		owner, findErr := p.messages.FindByCarrierID(ctx, sent.SID)
		if findErr != nil || owner == nil {
			span.SetError(err)
			return nil, err
		}
		p.logger.WarnContext(ctx, "carrier id already recorded on another message",
			slog.String("correlation_key", key),
			slog.String("carrier_message_id", sent.SID),
		)
		return resultFrom(owner, true), nil
	}

	p.logger.InfoContext(ctx, "delivery sent",
		slog.String("correlation_key", key),
		slog.String("carrier_message_id", sent.SID),
		slog.Int("attempts", attempts),
	)
	carrierID := sent.SID
	msg.CarrierMessageID = &carrierID
	msg.Status = sent.Status
	msg.Attempts = attempts
	if sent.From != "" {
		msg.FromAddress = sent.From
	}
	return resultFrom(msg, false), nil
}

// Attempt makes exactly one carrier call. The job worker uses it directly and owns its own retries.
func (p *Pipeline) Attempt(ctx context.Context, params carrier.SendParams) (*carrier.SendResult, error) {
	span, ctx := observability.ClientSpan(ctx, "carrier", "send")
	defer span.End()

	if params.StatusCallback == "" {
		params.StatusCallback = p.cfg.StatusCallbackURL
	}
	res, err := p.client.Send(ctx, params)
	if err != nil {
		span.SetError(err)
		outcome := "terminal"
		if carrier.IsRetryable(err) {
			outcome = "retryable"
		}
		observability.DeliveryAttempts.WithLabelValues(outcome).Inc()
		return nil, err
	}
	observability.DeliveryAttempts.WithLabelValues("success").Inc()
	span.AddAttributes(attribute.String("carrier_message_id", res.SID))
	return res, nil
}

func (p *Pipeline) fail(ctx context.Context, span *observability.Span, msg *models.OutboundMessage, key string, attempts int, cause error) error {
	span.SetError(cause)
	code := carrier.StatusCode(cause)
	var cErr *carrier.Error
	errCode := ""
	if errors.As(cause, &cErr) {
		errCode = cErr.Code
	}
	if err := p.messages.MarkFailed(ctx, msg.ID, attempts, errCode, cause.Error()); err != nil {
		p.logger.WarnContext(ctx, "failed to record delivery failure",
			slog.String("correlation_key", key),
			slog.String("error", err.Error()),
		)
	}
	dErr := &Error{
		Retryable:  carrier.IsRetryable(cause),
		StatusCode: code,
		Attempts:   attempts,
		Err:        cause,
	}
	p.logger.ErrorContext(ctx, "delivery failed",
		slog.String("correlation_key", key),
		slog.Int("status_code", code),
		slog.Int("attempts", attempts),
		slog.Bool("retryable", dErr.Retryable),
		slog.String("error", cause.Error()),
	)
	return dErr
}

func (p *Pipeline) senderPool(req Request) string {
	if req.SenderPoolID != "" {
		return req.SenderPoolID
	}
	if req.From == "" {
		return p.cfg.DefaultSenderPool
	}
	return ""
}

func resultFrom(msg *models.OutboundMessage, dedup bool) *Result {
	out := &Result{
		MessageID:      msg.ID,
		CorrelationKey: msg.CorrelationKey,
		Status:         msg.Status,
		From:           msg.FromAddress,
		Deduplicated:   dedup,
		Attempts:       msg.Attempts,
	}
	if msg.CarrierMessageID != nil {
		out.CarrierMessageID = *msg.CarrierMessageID
	}
	return out
}
