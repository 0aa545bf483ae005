package safety

import (
	"fmt"
	"time"
)

// RateLimitConfig bounds how many messages a user may send per window.
type RateLimitConfig struct {
	MaxMessages   int
	WindowSeconds int
}

// Validate rejects non-positive limits.
func (c RateLimitConfig) Validate() error {
	if c.MaxMessages <= 0 {
		return fmt.Errorf("%w: max messages must be positive, got %d", ErrInvalidConfig, c.MaxMessages)
	}
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window seconds must be positive, got %d", ErrInvalidConfig, c.WindowSeconds)
	}
	return nil
}

// Window returns the window length as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// WindowState is a fixed-window counter. A nil WindowStart means no window is open.
type WindowState struct {
	WindowStart *time.Time
	Count       int
}

// EvaluateWindow counts one message at now. Inside the current window the count
// grows by one; otherwise a new window opens at now with a count of one.
// exceeded is true when the resulting count is above MaxMessages.
func EvaluateWindow(state WindowState, now time.Time, cfg RateLimitConfig) (next WindowState, exceeded bool) {
	if state.WindowStart != nil && now.Sub(*state.WindowStart) < cfg.Window() {
		start := *state.WindowStart
		next = WindowState{WindowStart: &start, Count: state.Count + 1}
	} else {
		start := now
		next = WindowState{WindowStart: &start, Count: 1}
	}
	return next, next.Count > cfg.MaxMessages
}
