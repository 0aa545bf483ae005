// Package featureflags evaluates operator kill switches.
package featureflags

import (
	"strings"
)

// Operational flags read by the worker binaries.
const (
	PauseOutboundWorker = "pause_outbound_worker"
	PauseReconcile      = "pause_reconcile"
)

// Manager evaluates flags from a "name=value" list such as
// "pause_outbound_worker=on,pause_reconcile=off".
type Manager struct {
	flags map[string]string
}

// NewManager parses raw. Malformed pairs are skipped.
func NewManager(raw string) *Manager {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key, value = normalize(key), normalize(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return &Manager{flags: out}
}

// On reports whether a flag is switched on. Only on, true and 1 count as on.
func (m *Manager) On(name string) bool {
	if m == nil {
		return false
	}
	switch m.flags[normalize(name)] {
	case "on", "true", "1":
		return true
	}
	return false
}

// Raw returns a copy of configured flags.
func (m *Manager) Raw() map[string]string {
	out := make(map[string]string, len(m.flags))
	for k, v := range m.flags {
		out[k] = v
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
