// Package carrier is the SMS provider boundary: a Twilio-compatible REST client,
// status normalization and inbound webhook signature checks.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"safeline/internal/models"
)

// SendParams is one outbound message. Either From or MessagingServiceSID must be set.
type SendParams struct {
	To                  string
	From                string
	MessagingServiceSID string
	Body                string
	StatusCallback      string
}

// SendResult is the carrier's acknowledgement of a send.
type SendResult struct {
	SID       string
	Status    models.MessageStatus
	From      string
	CreatedAt time.Time
}

// StatusReport is the carrier's current view of a message.
type StatusReport struct {
	SID          string
	Status       models.MessageStatus
	ErrorCode    string
	ErrorMessage string
	EventAt      time.Time
}

// Client sends messages and fetches their status.
type Client interface {
	Send(ctx context.Context, params SendParams) (*SendResult, error)
	Fetch(ctx context.Context, sid string) (*StatusReport, error)
}

// Error is a failed carrier call. StatusCode is zero for network failures and timeouts.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("carrier timeout: %v", e.Err)
	case e.StatusCode == 0:
		return fmt.Sprintf("carrier unreachable: %v", e.Err)
	case e.Code != "":
		return fmt.Sprintf("carrier status %d (code %s): %s", e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("carrier status %d: %s", e.StatusCode, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient: timeouts, network errors, 429 and 5xx.
func (e *Error) Retryable() bool {
	if e.Timeout || e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable classifies any error returned by a Client.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.Retryable()
	}
	return isTimeout(err)
}

// StatusCode extracts the HTTP status from a carrier error, or zero.
func StatusCode(err error) int {
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.StatusCode
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// transportError wraps a failure that never produced an HTTP response.
func transportError(err error) *Error {
	return &Error{Timeout: isTimeout(err), Err: err}
}

var statusAliases = map[string]models.MessageStatus{
	"accepted":    models.MessageStatusAccepted,
	"scheduled":   models.MessageStatusQueued,
	"queued":      models.MessageStatusQueued,
	"sending":     models.MessageStatusSending,
	"sent":        models.MessageStatusSent,
	"delivered":   models.MessageStatusDelivered,
	"read":        models.MessageStatusDelivered,
	"undelivered": models.MessageStatusUndelivered,
	"failed":      models.MessageStatusFailed,
	"canceled":    models.MessageStatusFailed,
}

// NormalizeStatus maps a carrier status string onto the local vocabulary.
// Unknown values are treated as sent, which keeps the message eligible for reconciliation.
func NormalizeStatus(raw string) models.MessageStatus {
	if s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return models.MessageStatusSent
}
