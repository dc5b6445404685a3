package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kyson-dev/akon/internal/config"
	"github.com/kyson-dev/akon/internal/health"
	"github.com/kyson-dev/akon/internal/logger"
	"github.com/kyson-dev/akon/internal/netmon"
	"github.com/kyson-dev/akon/internal/state"
	"github.com/kyson-dev/akon/internal/tunnel"
)

// Monitor is the network event feed.
type Monitor interface {
	Start(ctx context.Context) <-chan netmon.NetworkEvent
	IsNetworkAvailable(ctx context.Context) (bool, error)
}

// Prober runs health checks and the reachability gate.
type Prober interface {
	Check(ctx context.Context) health.Result
	IsReachable(ctx context.Context) bool
}

// Tunnel is the external establish/teardown collaborator.
type Tunnel = tunnel.Establisher

type Option func(*Manager)

// WithStatePath enables persistence; without it the state lives in memory.
func WithStatePath(path string) Option {
	return func(m *Manager) { m.statePath = path }
}

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithInitialState overrides the state loaded from WithStatePath.
func WithInitialState(s state.ConnectionState) Option {
	return func(m *Manager) { m.initial = &s }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithObserver is called from the loop on every transition, in order.
func WithObserver(fn func(from, to state.ConnectionState)) Option {
	return func(m *Manager) { m.observer = fn }
}

type attemptKind int

const (
	kindStart attemptKind = iota
	kindReconnect
)

type attemptResult struct {
	gen     uint64
	kind    attemptKind
	attempt uint32
	md      state.Metadata
	err     error
}

type gateResult struct {
	gen       uint64
	reachable bool
}

type teardownResult struct {
	gen uint64
	err error
}

type healthResult struct {
	gen uint64
	res health.Result
}

// Manager owns the ConnectionState. Every field below the channels is
// touched only by the Run goroutine.
type Manager struct {
	policy  config.ReconnectionPolicy
	monitor Monitor
	checker Prober
	tunnel  Tunnel

	statePath string
	clock     Clock
	initial   *state.ConnectionState
	log       *slog.Logger
	observer  func(from, to state.ConnectionState)

	bc      *broadcaster
	cmds    chan Command
	done    chan struct{}
	running atomic.Bool

	attemptResults  chan attemptResult
	gateResults     chan gateResult
	teardownResults chan teardownResult
	healthResults   chan healthResult

	ctx     context.Context
	current state.ConnectionState
	session *state.Metadata

	consecutiveFailures uint32
	networkAvailable    bool
	userDisconnected    bool

	// gaveUp is set by the Error state; ResetRetries or Start clears it.
	gaveUp bool

	recovering      bool
	awaitingNetwork bool
	attempt         uint32
	gateDeadline    time.Time
	staleTunnel     bool
	pendingStart    bool

	gen              uint64
	healthGen        uint64
	attemptCancel    context.CancelFunc
	gateInFlight     bool
	teardownInFlight bool
	healthInFlight   bool

	retryC  <-chan time.Time
	healthC <-chan time.Time
}

// New builds a manager. monitor and checker may be nil: without a checker
// health checks are off and the gate asks the monitor, and without both the
// network is assumed reachable.
func New(policy config.ReconnectionPolicy, monitor Monitor, checker Prober, tun Tunnel, opts ...Option) *Manager {
	m := &Manager{
		policy:           policy,
		monitor:          monitor,
		checker:          checker,
		tunnel:           tun,
		clock:            realClock{},
		cmds:             make(chan Command, 8),
		done:             make(chan struct{}),
		attemptResults:   make(chan attemptResult, 1),
		gateResults:      make(chan gateResult, 1),
		teardownResults:  make(chan teardownResult, 1),
		healthResults:    make(chan healthResult, 1),
		networkAvailable: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.With("component", "reconnect")
	}

	switch {
	case m.initial != nil:
		m.current = *m.initial
	case m.statePath != "":
		m.current = state.LoadOrDefault(m.statePath)
	default:
		m.current = state.Disconnected()
	}
	m.bc = newBroadcaster(m.current)
	return m
}

// SubscribeState returns a receiver holding the latest state.
func (m *Manager) SubscribeState() *StateReceiver {
	return &StateReceiver{b: m.bc}
}

func (m *Manager) CommandSender() CommandSender {
	return commandSender{cmds: m.cmds, done: m.done}
}

func (m *Manager) Policy() config.ReconnectionPolicy { return m.policy }

// Run is the event loop. It returns nil after Shutdown or when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("reconnection manager already ran")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(m.done)
	m.ctx = ctx

	var events <-chan netmon.NetworkEvent
	if m.monitor != nil {
		events = m.monitor.Start(ctx)
	}

	m.resume()

	for {
		select {
		case <-ctx.Done():
			m.cancelAttempt()
			m.log.Info("reconnection manager stopped", "state", m.current.Kind)
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.handleNetworkEvent(ev)

		case <-m.healthC:
			m.healthC = nil
			m.launchHealthCheck()

		case r := <-m.healthResults:
			m.handleHealthResult(r)

		case <-m.retryC:
			m.retryC = nil
			m.attemptReconnect()

		case r := <-m.gateResults:
			m.handleGateResult(r)

		case r := <-m.attemptResults:
			m.handleAttemptResult(r)

		case r := <-m.teardownResults:
			m.handleTeardownResult(r)

		case cmd := <-m.cmds:
			if m.handleCommand(cmd) {
				return nil
			}
		}
	}
}

// resume derives the loop state from the loaded ConnectionState.
func (m *Manager) resume() {
	m.gaveUp = m.current.Kind == state.KindError
	m.userDisconnected = !m.current.Active() && !m.gaveUp
	m.log.Info("reconnection manager started",
		"state", m.current.Kind,
		"user_disconnected", m.userDisconnected,
		"gave_up", m.gaveUp)

	switch m.current.Kind {
	case state.KindConnected:
		md := *m.current.Metadata
		m.session = &md
		m.armHealth()

	case state.KindConnecting:
		// 进程在建立连接途中退出，可能残留隧道进程
		m.staleTunnel = true
		m.startRecovery("resumed interrupted connect")

	case state.KindReconnecting:
		m.staleTunnel = true
		m.recovering = true
		m.attempt = m.current.Attempt
		delay := time.Duration(0)
		if m.current.NextRetryAt != nil {
			if d := m.current.NextRetryAt.Sub(m.clock.Now()); d > 0 {
				delay = d
			}
		}
		m.log.Info("resuming reconnection",
			"attempt", m.attempt,
			"max_attempts", m.policy.MaxAttempts,
			"delay", delay)
		m.retryC = m.clock.After(delay)

	case state.KindDisconnecting:
		m.transition(state.Disconnected())
	}
}

// transition persists, broadcasts and logs a new state.
func (m *Manager) transition(next state.ConnectionState) {
	prev := m.current
	m.current = next

	if m.statePath != "" {
		if err := state.Persist(next, m.statePath); err != nil {
			m.persistFailed(prev, err)
			return
		}
	}

	attrs := []any{"from", prev.Kind, "to", next.Kind}
	if next.Kind == state.KindReconnecting {
		attrs = append(attrs, "attempt", next.Attempt, "max_attempts", next.MaxAttempts)
		if next.NextRetryAt != nil {
			attrs = append(attrs, "next_retry_at", next.NextRetryAt.Format(time.RFC3339))
		}
	}
	if next.Kind == state.KindError {
		attrs = append(attrs, "reason", next.Message)
	}
	m.log.Info("state transition", attrs...)

	m.bc.publish(next)
	if m.observer != nil {
		m.observer(prev, next)
	}
}

// persistFailed surfaces an unwritable state file as the Error state. The
// loop keeps running so ResetRetries can recover once the disk is back.
func (m *Manager) persistFailed(prev state.ConnectionState, err error) {
	m.log.Error("persist state failed", "error", err)

	m.stopRecovery()
	m.gaveUp = true
	failed := state.Error(fmt.Sprintf("State persistence failed: %v", err))
	m.current = failed
	if perr := state.Persist(failed, m.statePath); perr != nil {
		m.log.Debug("persist error state failed", "error", perr)
	}

	m.bc.publish(failed)
	if m.observer != nil {
		m.observer(prev, failed)
	}
}

func (m *Manager) stopRecovery() {
	m.recovering = false
	m.awaitingNetwork = false
	m.attempt = 0
	m.gateDeadline = time.Time{}
	m.retryC = nil
}

// suppressed reports whether automatic triggers must be ignored.
func (m *Manager) suppressed() bool {
	return m.userDisconnected || m.gaveUp
}

func (m *Manager) busy() bool {
	return m.attemptCancel != nil || m.teardownInFlight
}

// startRecovery begins a fresh sequence at attempt 1.
func (m *Manager) startRecovery(reason string) {
	if m.suppressed() {
		m.log.Info("automatic reconnection suppressed",
			"reason", reason,
			"user_disconnected", m.userDisconnected,
			"gave_up", m.gaveUp)
		return
	}
	if m.recovering || m.busy() {
		m.log.Debug("recovery already active", "reason", reason)
		return
	}

	m.log.Info("starting reconnection", "reason", reason, "network_available", m.networkAvailable)
	m.healthC = nil
	m.consecutiveFailures = 0
	m.recovering = true
	m.awaitingNetwork = false
	m.attempt = 1
	m.gateDeadline = time.Time{}
	if m.current.Kind != state.KindDisconnected {
		m.transition(state.Disconnected())
	}
	if m.recovering {
		m.attemptReconnect()
	}
}

// attemptReconnect runs one step of the recovery sequence: the stability
// gate first, then establishment.
func (m *Manager) attemptReconnect() {
	if !m.recovering || m.gateInFlight || m.busy() {
		return
	}
	if m.attempt > m.policy.MaxAttempts {
		m.giveUp()
		return
	}
	if m.gateDeadline.IsZero() {
		m.gateDeadline = m.clock.Now().Add(m.policy.StabilityTimeout())
	}

	m.gateInFlight = true
	gen := m.gen
	go func() {
		reachable := m.reachable(m.ctx)
		select {
		case m.gateResults <- gateResult{gen: gen, reachable: reachable}:
		case <-m.done:
		}
	}()
}

func (m *Manager) reachable(ctx context.Context) bool {
	if m.checker != nil {
		return m.checker.IsReachable(ctx)
	}
	if m.monitor != nil {
		ok, err := m.monitor.IsNetworkAvailable(ctx)
		if err != nil {
			m.log.Warn("network availability query failed", "error", err)
			return true
		}
		return ok
	}
	return true
}

func (m *Manager) handleGateResult(r gateResult) {
	if r.gen != m.gen {
		return
	}
	m.gateInFlight = false
	if !m.recovering {
		return
	}

	now := m.clock.Now()
	if !r.reachable {
		if !now.Before(m.gateDeadline) {
			m.log.Warn("network did not stabilize; waiting for a network event",
				"attempt", m.attempt,
				"stability_timeout", m.policy.StabilityTimeout())
			m.stopRecovery()
			m.awaitingNetwork = true
			if m.current.Kind != state.KindDisconnected {
				m.transition(state.Disconnected())
			}
			return
		}
		m.log.Debug("endpoint unreachable, re-checking",
			"attempt", m.attempt,
			"recheck", m.policy.StabilityRecheck())
		m.retryC = m.clock.After(m.policy.StabilityRecheck())
		return
	}

	m.gateDeadline = time.Time{}
	interval := Backoff(m.policy, m.attempt)
	m.log.Info("reconnection attempt",
		"attempt", m.attempt,
		"max_attempts", m.policy.MaxAttempts,
		"backoff", interval)
	m.transition(state.Reconnecting(m.attempt, now.Add(interval), m.policy.MaxAttempts))
	if m.recovering {
		m.launchEstablish(kindReconnect, m.attempt)
	}
}

func (m *Manager) launchEstablish(kind attemptKind, attempt uint32) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.attemptCancel = cancel
	m.gen++
	gen := m.gen

	var stale *state.Metadata
	if m.staleTunnel {
		stale = &state.Metadata{}
		if m.session != nil {
			stale = m.session
		}
		m.staleTunnel = false
		m.session = nil
	}

	go func() {
		if stale != nil {
			if err := m.tunnel.Teardown(ctx, *stale); err != nil {
				m.log.Warn("stale tunnel cleanup failed", "error", err)
			}
		}
		md, err := m.tunnel.Establish(ctx)
		select {
		case m.attemptResults <- attemptResult{gen: gen, kind: kind, attempt: attempt, md: md, err: err}:
		case <-m.done:
		}
	}()
}

func (m *Manager) handleAttemptResult(r attemptResult) {
	if r.gen != m.gen {
		if r.err == nil {
			m.log.Debug("discarding stale attempt result", "attempt", r.attempt)
		}
		return
	}
	m.attemptCancel = nil

	if r.err == nil {
		m.connected(r.md)
		return
	}

	err := &EstablishError{Attempt: r.attempt, Err: r.err}
	now := m.clock.Now()

	if r.kind == kindStart {
		m.log.Warn("connect failed; starting reconnection", "error", err)
		m.recovering = true
		m.attempt = 1
		m.gateDeadline = time.Time{}
		interval := Backoff(m.policy, 1)
		m.transition(state.Reconnecting(1, now.Add(interval), m.policy.MaxAttempts))
		if m.recovering {
			m.retryC = m.clock.After(interval)
		}
		return
	}

	m.log.Warn("reconnection attempt failed",
		"attempt", r.attempt,
		"max_attempts", m.policy.MaxAttempts,
		"error", err)

	m.attempt = r.attempt + 1
	if m.attempt > m.policy.MaxAttempts {
		m.giveUp()
		return
	}
	interval := Backoff(m.policy, r.attempt)
	m.log.Info("scheduling next attempt",
		"attempt", m.attempt,
		"backoff", interval)
	m.transition(state.Reconnecting(m.attempt, now.Add(interval), m.policy.MaxAttempts))
	if m.recovering {
		m.retryC = m.clock.After(interval)
	}
}

func (m *Manager) connected(md state.Metadata) {
	if md.SessionID == "" {
		md.SessionID = uuid.NewString()
	}
	if md.StartedAt.IsZero() {
		md.StartedAt = m.clock.Now()
	}
	s := md
	m.session = &s

	m.stopRecovery()
	m.consecutiveFailures = 0
	m.healthGen++
	m.log.Info("tunnel established",
		"address", md.Address,
		"interface", md.Interface,
		"pid", md.PID,
		"session_id", md.SessionID)
	m.transition(state.Connected(md))
	if m.current.Kind == state.KindConnected {
		m.armHealth()
	}
}

// giveUp enters the terminal Error state. Triggers stay off until
// ResetRetries or a manual connect.
func (m *Manager) giveUp() {
	maxAttempts := m.policy.MaxAttempts
	m.log.Error("reconnection failed",
		"attempts", maxAttempts,
		"error", ErrMaxAttemptsExceeded)
	m.stopRecovery()
	m.gaveUp = true
	m.transition(state.Error(fmt.Sprintf("Reconnection failed after %d attempts", maxAttempts)))
}

func (m *Manager) handleNetworkEvent(ev netmon.NetworkEvent) {
	m.log.Info("network event", "event", ev.String())

	switch ev.Kind {
	case netmon.SystemSuspending:
		return

	case netmon.NetworkUp:
		m.networkAvailable = true
		if m.awaitingNetwork && !m.suppressed() {
			m.startRecovery(ev.Kind.String())
		}
		return

	case netmon.NetworkDown:
		m.networkAvailable = false
		if m.awaitingNetwork {
			return
		}
	}

	if m.suppressed() {
		m.log.Debug("ignoring network event", "event", ev.Kind,
			"user_disconnected", m.userDisconnected,
			"gave_up", m.gaveUp)
		return
	}
	if m.recovering || m.busy() {
		m.log.Debug("ignoring network event during recovery", "event", ev.Kind)
		return
	}
	if m.current.Kind == state.KindConnected {
		m.staleTunnel = true
	}
	m.startRecovery(ev.Kind.String())
}

func (m *Manager) armHealth() {
	if m.checker == nil {
		return
	}
	m.healthC = m.clock.After(m.policy.HealthCheckInterval())
}

func (m *Manager) launchHealthCheck() {
	if m.checker == nil || m.healthInFlight {
		return
	}
	m.healthInFlight = true
	gen := m.healthGen
	go func() {
		res := m.checker.Check(m.ctx)
		select {
		case m.healthResults <- healthResult{gen: gen, res: res}:
		case <-m.done:
		}
	}()
}

func (m *Manager) handleHealthResult(r healthResult) {
	m.healthInFlight = false
	res := r.res

	if m.current.Kind != state.KindConnected || r.gen != m.healthGen {
		m.log.Debug("health check (informational)",
			"state", m.current.Kind,
			"success", res.IsHealthy(),
			"duration", res.Duration)
		return
	}

	if res.IsHealthy() {
		if m.consecutiveFailures > 0 {
			m.log.Info("health check recovered", "previous_failures", m.consecutiveFailures)
		}
		m.consecutiveFailures = 0
		m.log.Debug("health check passed",
			"status", res.StatusCode,
			"duration", res.Duration)
		m.armHealth()
		return
	}

	m.consecutiveFailures++
	m.log.Warn("health check failed",
		"status", res.StatusCode,
		"failure", res.Failure,
		"error", res.Err,
		"duration", res.Duration,
		"consecutive_failures", m.consecutiveFailures,
		"threshold", m.policy.ConsecutiveFailuresThreshold)

	if m.consecutiveFailures >= m.policy.ConsecutiveFailuresThreshold {
		m.staleTunnel = true
		m.startRecovery("health check threshold reached")
		return
	}
	m.armHealth()
}

// handleCommand returns true when the loop must exit.
func (m *Manager) handleCommand(cmd Command) bool {
	m.log.Info("command received", "command", cmd.String(), "state", m.current.Kind)

	switch cmd {
	case CmdStart:
		m.cmdStart()
	case CmdStop:
		m.cmdStop()
	case CmdResetRetries:
		m.cmdResetRetries()
	case CmdCheckNow:
		if m.checker == nil {
			m.log.Info("health checks disabled; no endpoint configured")
			break
		}
		m.launchHealthCheck()
	case CmdShutdown:
		m.cancelAttempt()
		m.retryC = nil
		m.healthC = nil
		if m.statePath != "" {
			if err := state.Persist(m.current, m.statePath); err != nil {
				m.log.Error("persist final state failed", "error", err)
			}
		}
		m.log.Info("reconnection manager shut down", "state", m.current.Kind)
		return true
	default:
		m.log.Warn("unknown command", "command", int(cmd))
	}
	return false
}

func (m *Manager) cmdStart() {
	m.userDisconnected = false
	m.gaveUp = false

	switch {
	case m.current.Kind == state.KindConnected:
		m.log.Info("already connected")
		return
	case m.teardownInFlight:
		m.pendingStart = true
		return
	case m.busy() || m.gateInFlight:
		m.log.Info("connection attempt already in flight")
		return
	case m.recovering:
		// 跳过剩余的退避等待，立即重试
		m.retryC = nil
		m.attemptReconnect()
		return
	}

	m.stopRecovery()
	m.consecutiveFailures = 0
	m.transition(state.Connecting())
	if m.current.Kind == state.KindConnecting {
		m.launchEstablish(kindStart, 0)
	}
}

func (m *Manager) cmdStop() {
	m.userDisconnected = true
	m.gaveUp = false
	m.pendingStart = false
	m.cancelAttempt()
	m.stopRecovery()
	m.healthC = nil
	m.consecutiveFailures = 0

	if m.teardownInFlight {
		return
	}
	if m.current.Kind == state.KindDisconnected && m.session == nil && !m.staleTunnel {
		return
	}

	m.transition(state.Disconnecting())
	md := state.Metadata{}
	if m.session != nil {
		md = *m.session
	}
	m.session = nil
	m.staleTunnel = false
	m.teardownInFlight = true
	gen := m.gen
	go func() {
		err := m.tunnel.Teardown(m.ctx, md)
		select {
		case m.teardownResults <- teardownResult{gen: gen, err: err}:
		case <-m.done:
		}
	}()
}

func (m *Manager) handleTeardownResult(r teardownResult) {
	m.teardownInFlight = false
	if r.err != nil {
		m.log.Warn("tunnel teardown failed", "error", r.err)
	}
	m.transition(state.Disconnected())

	if m.pendingStart {
		m.pendingStart = false
		m.cmdStart()
	}
}

// cmdResetRetries clears the counters. A running recovery restarts at
// attempt 1 with a full budget.
func (m *Manager) cmdResetRetries() {
	m.consecutiveFailures = 0
	m.gaveUp = false

	if m.recovering {
		m.log.Info("restarting recovery sequence", "previous_attempt", m.attempt)
		if m.attemptCancel != nil {
			// 取消中的 establish 可能已拉起进程
			m.staleTunnel = true
		}
		m.cancelAttempt()
		m.retryC = nil
		m.attempt = 1
		m.gateDeadline = time.Time{}
		m.attemptReconnect()
		return
	}

	m.attempt = 0
	if m.current.Kind == state.KindError {
		m.transition(state.Disconnected())
	}
}

// cancelAttempt aborts any in-flight work and invalidates its results.
func (m *Manager) cancelAttempt() {
	if m.attemptCancel != nil {
		m.log.Info("aborting in-flight attempt", "error", ErrAborted)
		m.attemptCancel()
		m.attemptCancel = nil
	}
	m.gen++
	m.gateInFlight = false
}
