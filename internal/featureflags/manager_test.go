package featureflags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManager_On(t *testing.T) {
	m := NewManager(" pause_outbound_worker = ON , pause_reconcile=off, legacy=1, rollout=50%, junk ")

	tests := []struct {
		name string
		want bool
	}{
		{PauseOutboundWorker, true},
		{PauseReconcile, false},
		{"LEGACY", true},
		{"rollout", false},
		{"junk", false},
		{"missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.On(tt.name))
		})
	}
	assert.Len(t, m.Raw(), 4)
}

func TestManager_NilIsOff(t *testing.T) {
	var m *Manager
	assert.False(t, m.On(PauseOutboundWorker))
}
