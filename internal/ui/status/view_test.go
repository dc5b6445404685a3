package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kyson-dev/akon/internal/state"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRenderConnected(t *testing.T) {
	s := state.Connected(state.Metadata{
		Address:   "10.0.0.5",
		Interface: "tun0",
		PID:       4242,
		StartedAt: now.Add(-90 * time.Minute),
		SessionID: "abc",
	})
	out := Render(s, View{Now: now, ProcessAlive: true})

	assert.Contains(t, out, "Status: Connected")
	assert.Contains(t, out, "10.0.0.5")
	assert.Contains(t, out, "tun0")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "1 hour")
	assert.Contains(t, out, "2026-03-01 10:30:00 UTC")
}

func TestRenderStale(t *testing.T) {
	s := state.Connected(state.Metadata{Address: "10.0.0.5", Interface: "tun0", PID: 4242})
	v := View{Now: now}

	assert.True(t, v.Stale(s))
	out := Render(s, v)
	assert.Contains(t, out, "Stale connection state")
	assert.Contains(t, out, "akon disconnect")
	assert.NotContains(t, out, "Status: Connected")
}

func TestRenderReconnecting(t *testing.T) {
	s := state.Reconnecting(3, now.Add(20*time.Second), 5)
	out := Render(s, View{Now: now})

	assert.Contains(t, out, "attempt 3 of 5")
	assert.Contains(t, out, "in 20 seconds")

	late := Render(s, View{Now: now.Add(time.Minute)})
	assert.Contains(t, late, "waiting for network")
}

func TestRenderErrorSuggestsRecovery(t *testing.T) {
	out := Render(state.Error("Reconnection failed after 5 attempts"), View{Now: now})

	assert.Contains(t, out, "Reconnection failed after 5 attempts")
	for _, cmd := range []string{"akon cleanup", "akon reset", "akon connect"} {
		assert.Contains(t, out, cmd)
	}
}

func TestRenderDisconnected(t *testing.T) {
	assert.Contains(t, Render(state.Disconnected(), View{Now: now}), "Not connected")
	assert.Contains(t, Render(state.Connecting(), View{Now: now}), "Connecting...")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{-time.Second, "0 seconds"},
		{time.Second, "1 second"},
		{59 * time.Second, "59 seconds"},
		{2 * time.Minute, "2 minutes"},
		{3*time.Hour + 59*time.Minute, "3 hours"},
		{49 * time.Hour, "2 days"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), tt.in.String())
	}
}
