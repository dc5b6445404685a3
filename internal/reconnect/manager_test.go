package reconnect_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyson-dev/akon/internal/config"
	"github.com/kyson-dev/akon/internal/health"
	"github.com/kyson-dev/akon/internal/netmon"
	"github.com/kyson-dev/akon/internal/reconnect"
	"github.com/kyson-dev/akon/internal/state"
)

// fastClock runs timers a thousand times faster than requested.
type fastClock struct{}

func (fastClock) Now() time.Time                         { return time.Now() }
func (fastClock) After(d time.Duration) <-chan time.Time { return time.After(d / 1000) }

type fakeTunnel struct {
	fails       atomic.Int32 // leading failures; negative fails forever
	establishes atomic.Int32
	teardowns   atomic.Int32
}

func (f *fakeTunnel) Establish(ctx context.Context) (state.Metadata, error) {
	n := f.establishes.Add(1)
	if fails := f.fails.Load(); fails < 0 || n <= fails {
		return state.Metadata{}, fmt.Errorf("gateway rejected attempt %d", n)
	}
	return state.Metadata{Address: "10.0.0.5", Interface: "tun0", PID: int(1000 + n)}, nil
}

func (f *fakeTunnel) Teardown(ctx context.Context, md state.Metadata) error {
	f.teardowns.Add(1)
	return nil
}

type fakeProber struct {
	unreachable atomic.Bool
	failing     atomic.Bool
	checks      atomic.Int32
}

func (p *fakeProber) Check(ctx context.Context) health.Result {
	p.checks.Add(1)
	if p.failing.Load() {
		return health.Result{Failure: health.FailureTimeout, Err: "timeout", Timestamp: time.Now()}
	}
	return health.Result{Success: true, StatusCode: 200, Timestamp: time.Now()}
}

func (p *fakeProber) IsReachable(ctx context.Context) bool { return !p.unreachable.Load() }

type recorder struct {
	mu     sync.Mutex
	states []state.ConnectionState
	checks []int32
	probe  *fakeProber
}

func (r *recorder) observe(_, to state.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
	if r.probe != nil {
		r.checks = append(r.checks, r.probe.checks.Load())
	}
}

func (r *recorder) snapshot() []state.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]state.ConnectionState(nil), r.states...)
}

func (r *recorder) last() state.ConnectionState {
	s := r.snapshot()
	if len(s) == 0 {
		return state.ConnectionState{}
	}
	return s[len(s)-1]
}

func (r *recorder) kinds() []state.Kind {
	var out []state.Kind
	for _, s := range r.snapshot() {
		out = append(out, s.Kind)
	}
	return out
}

type harness struct {
	mgr    *reconnect.Manager
	src    *netmon.ChanSource
	tun    *fakeTunnel
	probe  *fakeProber
	rec    *recorder
	cancel context.CancelFunc
	runErr chan error
}

func testPolicy() config.ReconnectionPolicy {
	p := config.DefaultPolicy()
	p.HealthCheckIntervalSecs = 10
	p.StabilityTimeoutSecs = 3600
	return p
}

func startHarness(t *testing.T, policy config.ReconnectionPolicy, initial state.ConnectionState, opts ...reconnect.Option) *harness {
	t.Helper()

	h := &harness{
		src:    netmon.NewChanSource("test"),
		tun:    &fakeTunnel{},
		probe:  &fakeProber{},
		runErr: make(chan error, 1),
	}
	h.rec = &recorder{probe: h.probe}

	opts = append([]reconnect.Option{
		reconnect.WithClock(fastClock{}),
		reconnect.WithInitialState(initial),
		reconnect.WithObserver(h.rec.observe),
	}, opts...)
	h.mgr = reconnect.New(policy, netmon.NewWithSources(nil, h.src), h.probe, h.tun, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.mgr.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Error("manager did not stop")
		}
	})
	return h
}

func (h *harness) send(t *testing.T, cmd reconnect.Command) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.mgr.CommandSender().Send(ctx, cmd))
}

func (h *harness) event(kind netmon.EventKind) {
	h.src.C <- netmon.NetworkEvent{Kind: kind, Interface: "wlan0"}
}

func waitUntil(t *testing.T, cond func() bool, label string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", label)
}

func connectedState() state.ConnectionState {
	return state.Connected(state.Metadata{
		Address:   "10.0.0.5",
		Interface: "tun0",
		StartedAt: time.Now().UTC(),
		PID:       999,
		SessionID: "initial",
	})
}

// attempts returns the distinct Reconnecting attempts in order and fails the
// test if they ever decrease or exceed the policy maximum.
func attempts(t *testing.T, states []state.ConnectionState, maxAttempts uint32) []uint32 {
	t.Helper()
	var out []uint32
	var last uint32
	for _, s := range states {
		if s.Kind != state.KindReconnecting {
			continue
		}
		require.GreaterOrEqual(t, s.Attempt, last, "attempt decreased")
		require.LessOrEqual(t, s.Attempt, maxAttempts)
		require.Equal(t, maxAttempts, s.MaxAttempts)
		require.NotNil(t, s.NextRetryAt)
		if s.Attempt != last {
			out = append(out, s.Attempt)
			last = s.Attempt
		}
	}
	return out
}

func TestNetworkDownRecoversAfterFailures(t *testing.T) {
	h := startHarness(t, testPolicy(), connectedState())
	h.tun.fails.Store(4)

	h.event(netmon.NetworkDown)
	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "connected")

	states := h.rec.snapshot()
	assert.Equal(t, state.KindDisconnected, states[0].Kind)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, attempts(t, states, 5))
	assert.Equal(t, int32(5), h.tun.establishes.Load())
	assert.GreaterOrEqual(t, h.tun.teardowns.Load(), int32(1), "stale tunnel cleaned up")

	final := h.rec.last()
	require.NotNil(t, final.Metadata)
	assert.NotEmpty(t, final.Metadata.SessionID)
	assert.NotEqual(t, "initial", final.Metadata.SessionID)
}

func TestAllAttemptsFailEndsInError(t *testing.T) {
	h := startHarness(t, testPolicy(), connectedState())
	h.tun.fails.Store(-1)

	h.event(netmon.NetworkDown)
	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindError }, "error state")

	assert.Equal(t, state.Error("Reconnection failed after 5 attempts"), h.rec.last())
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, attempts(t, h.rec.snapshot(), 5))

	// no sixth attempt, and the error state suppresses network triggers
	h.event(netmon.SystemResumed)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(5), h.tun.establishes.Load())
	assert.Equal(t, state.KindError, h.rec.last().Kind)
}

func TestStabilityGateHoldsAttempts(t *testing.T) {
	h := startHarness(t, testPolicy(), connectedState())
	h.probe.unreachable.Store(true)

	h.event(netmon.InterfaceChanged)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []state.Kind{state.KindDisconnected}, h.rec.kinds(), "gate must not enter Reconnecting")
	assert.Equal(t, int32(0), h.tun.establishes.Load())

	h.probe.unreachable.Store(false)
	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "connected")
	assert.Equal(t, []uint32{1}, attempts(t, h.rec.snapshot(), 5))
	assert.Equal(t, int32(1), h.tun.establishes.Load())
}

func TestStabilityCeilingWaitsForNetworkEvent(t *testing.T) {
	p := testPolicy()
	p.StabilityTimeoutSecs = 10
	h := startHarness(t, p, connectedState())
	h.probe.unreachable.Store(true)

	h.event(netmon.NetworkDown)
	time.Sleep(80 * time.Millisecond)
	h.probe.unreachable.Store(false)
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, int32(0), h.tun.establishes.Load(), "abandoned cycle must not retry on its own")
	assert.Equal(t, state.KindDisconnected, h.rec.last().Kind)

	h.event(netmon.NetworkUp)
	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "connected")
	assert.Equal(t, []uint32{1}, attempts(t, h.rec.snapshot(), 5))
}

func TestSingleHealthFailureDoesNotReconnect(t *testing.T) {
	h := startHarness(t, testPolicy(), connectedState())
	h.probe.failing.Store(true)

	waitUntil(t, func() bool { return h.probe.checks.Load() >= 1 }, "first check")
	h.probe.failing.Store(false)
	waitUntil(t, func() bool { return h.probe.checks.Load() >= 6 }, "more checks")

	assert.Empty(t, h.rec.kinds())
	assert.Equal(t, int32(0), h.tun.establishes.Load())
}

func TestHealthThresholdTriggersReconnect(t *testing.T) {
	h := startHarness(t, testPolicy(), connectedState())
	h.probe.failing.Store(true)

	waitUntil(t, func() bool { return len(h.rec.snapshot()) > 0 }, "recovery")

	h.rec.mu.Lock()
	first, checks := h.rec.states[0], h.rec.checks[0]
	h.rec.mu.Unlock()
	assert.Equal(t, state.KindDisconnected, first.Kind)
	assert.Equal(t, int32(3), checks, "exactly the threshold of consecutive failures")

	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "reconnected")
}

func TestCheckNowRunsImmediately(t *testing.T) {
	p := testPolicy()
	p.HealthCheckIntervalSecs = 3600
	h := startHarness(t, p, connectedState())

	h.send(t, reconnect.CmdCheckNow)
	waitUntil(t, func() bool { return h.probe.checks.Load() == 1 }, "check")
}

func TestUserDisconnectSuppressesNetworkEvents(t *testing.T) {
	h := startHarness(t, testPolicy(), connectedState())

	h.send(t, reconnect.CmdStop)
	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindDisconnected }, "disconnected")
	assert.Equal(t, []state.Kind{state.KindDisconnecting, state.KindDisconnected}, h.rec.kinds())
	assert.Equal(t, int32(1), h.tun.teardowns.Load())

	h.event(netmon.NetworkDown)
	h.event(netmon.InterfaceChanged)
	h.event(netmon.SystemResumed)
	h.event(netmon.NetworkUp)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), h.tun.establishes.Load())

	h.send(t, reconnect.CmdStart)
	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "connected")
	assert.Equal(t, []state.Kind{
		state.KindDisconnecting, state.KindDisconnected,
		state.KindConnecting, state.KindConnected,
	}, h.rec.kinds())
}

func TestSuspendOnlyLogs(t *testing.T) {
	h := startHarness(t, testPolicy(), connectedState())

	h.event(netmon.SystemSuspending)
	h.send(t, reconnect.CmdStop)
	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindDisconnected }, "disconnected")
	assert.Equal(t, []state.Kind{state.KindDisconnecting, state.KindDisconnected}, h.rec.kinds())
}

func TestResetRetriesIsIdempotent(t *testing.T) {
	t.Run("from disconnected", func(t *testing.T) {
		h := startHarness(t, testPolicy(), state.Disconnected())
		h.send(t, reconnect.CmdResetRetries)
		h.send(t, reconnect.CmdResetRetries)
		h.send(t, reconnect.CmdStart)
		waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "connected")
		assert.Equal(t, []state.Kind{state.KindConnecting, state.KindConnected}, h.rec.kinds())
	})

	t.Run("from connected", func(t *testing.T) {
		h := startHarness(t, testPolicy(), connectedState())
		h.send(t, reconnect.CmdResetRetries)
		h.send(t, reconnect.CmdResetRetries)
		h.send(t, reconnect.CmdStop)
		waitUntil(t, func() bool { return h.rec.last().Kind == state.KindDisconnected }, "disconnected")
		assert.Equal(t, []state.Kind{state.KindDisconnecting, state.KindDisconnected}, h.rec.kinds())
	})

	t.Run("from error", func(t *testing.T) {
		h := startHarness(t, testPolicy(), state.Error("Reconnection failed after 5 attempts"))
		// network events are ignored until the reset
		h.event(netmon.SystemResumed)
		time.Sleep(30 * time.Millisecond)
		assert.Empty(t, h.rec.kinds())

		h.send(t, reconnect.CmdResetRetries)
		h.send(t, reconnect.CmdResetRetries)

		h.event(netmon.NetworkDown)
		waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "connected")
		assert.Equal(t, []state.Kind{
			state.KindDisconnected, state.KindReconnecting, state.KindConnected,
		}, h.rec.kinds())
		assert.Equal(t, int32(1), h.tun.establishes.Load())
	})
}

func TestResetRetriesRestartsRecovery(t *testing.T) {
	p := testPolicy()
	p.BaseIntervalSecs = 30
	p.MaxIntervalSecs = 60
	h := startHarness(t, p, connectedState())
	h.tun.fails.Store(-1)

	h.event(netmon.NetworkDown)
	waitUntil(t, func() bool {
		s := h.rec.last()
		return s.Kind == state.KindReconnecting && s.Attempt == 3
	}, "third attempt scheduled")
	before := len(h.rec.snapshot())
	h.send(t, reconnect.CmdResetRetries)

	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindError }, "error state")
	states := h.rec.snapshot()
	assert.Equal(t, []uint32{1, 2, 3}, attempts(t, states[:before], 5))
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, attempts(t, states[before:], 5), "full budget after reset")
	assert.Equal(t, int32(7), h.tun.establishes.Load())
	assert.Equal(t, state.Error("Reconnection failed after 5 attempts"), h.rec.last())
}

func TestStartFailureEntersRecovery(t *testing.T) {
	h := startHarness(t, testPolicy(), state.Disconnected())
	h.tun.fails.Store(1)

	h.send(t, reconnect.CmdStart)
	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "connected")

	states := h.rec.snapshot()
	assert.Equal(t, state.KindConnecting, states[0].Kind)
	assert.Equal(t, []uint32{1}, attempts(t, states, 5))
	assert.Equal(t, int32(2), h.tun.establishes.Load())
}

func TestResumesPersistedRecovery(t *testing.T) {
	initial := state.Reconnecting(3, time.Now().Add(-time.Second), 5)
	h := startHarness(t, testPolicy(), initial)

	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "connected")
	assert.Equal(t, []uint32{3}, attempts(t, h.rec.snapshot(), 5))
	assert.Equal(t, int32(1), h.tun.establishes.Load())
	assert.Equal(t, int32(1), h.tun.teardowns.Load(), "leftover tunnel cleaned before retry")
}

func TestShutdownPersistsAndStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	h := startHarness(t, testPolicy(), state.Disconnected(), reconnect.WithStatePath(path))

	h.send(t, reconnect.CmdStart)
	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "connected")

	h.send(t, reconnect.CmdShutdown)
	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
		h.runErr <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	loaded, err := state.Load(path)
	require.NoError(t, err)
	assert.Equal(t, state.KindConnected, loaded.Kind)

	err = h.mgr.CommandSender().Send(context.Background(), reconnect.CmdStart)
	assert.ErrorIs(t, err, reconnect.ErrStopped)
}

func TestPersistFailureBroadcastsError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	h := startHarness(t, testPolicy(), state.Disconnected(),
		reconnect.WithStatePath(filepath.Join(blocker, "state.json")))
	rx := h.mgr.SubscribeState()

	h.send(t, reconnect.CmdStart)
	waitUntil(t, func() bool { return rx.Latest().Kind == state.KindError }, "error state")
	assert.Contains(t, rx.Latest().Message, "State persistence failed")

	// loop is still alive
	h.send(t, reconnect.CmdResetRetries)
	h.send(t, reconnect.CmdCheckNow)
	waitUntil(t, func() bool { return h.probe.checks.Load() == 1 }, "check after error")
}

func TestSubscribeStateFollowsTransitions(t *testing.T) {
	h := startHarness(t, testPolicy(), state.Disconnected())
	rx := h.mgr.SubscribeState()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := rx.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.KindDisconnected, s.Kind)

	h.send(t, reconnect.CmdStart)
	for s.Kind != state.KindConnected {
		s, err = rx.Next(ctx)
		require.NoError(t, err)
	}
}

func TestRunTwiceFails(t *testing.T) {
	h := startHarness(t, testPolicy(), state.Disconnected())
	h.send(t, reconnect.CmdStart)
	waitUntil(t, func() bool { return h.rec.last().Kind == state.KindConnected }, "connected")

	err := h.mgr.Run(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
