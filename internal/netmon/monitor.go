package netmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/kyson-dev/akon/internal/logger"
)

const (
	BackendNetworkManager = "networkmanager"
	BackendNetlink        = "netlink"

	defaultRetryDelay    = time.Second
	defaultRetryMaxDelay = 30 * time.Second
)

type Options struct {
	// Backend is "networkmanager" (default) or "netlink".
	Backend string
}

// Monitor fans the OS subscriptions into one event stream.
type Monitor struct {
	avail   Availability
	sources []EventSource
	closers []func() error

	retryDelay    time.Duration
	retryMaxDelay time.Duration

	log *slog.Logger
}

// New connects to the OS notification service selected by opts.
func New(ctx context.Context, opts Options) (*Monitor, error) {
	switch opts.Backend {
	case "", BackendNetworkManager:
		return newNetworkManager(ctx)
	case BackendNetlink:
		return newNetlink(ctx)
	}
	return nil, &MonitorError{Op: "new", Err: fmt.Errorf("unknown backend %q", opts.Backend)}
}

// NewWithSources builds a monitor from explicit parts.
func NewWithSources(avail Availability, sources ...EventSource) *Monitor {
	return &Monitor{
		avail:         avail,
		sources:       sources,
		retryDelay:    defaultRetryDelay,
		retryMaxDelay: defaultRetryMaxDelay,
		log:           logger.With("component", "netmon"),
	}
}

// Sources returns the names of the configured subscriptions.
func (m *Monitor) Sources() []string {
	names := make([]string, 0, len(m.sources))
	for _, s := range m.sources {
		names = append(names, s.Name())
	}
	return names
}

// Start runs every source in its own goroutine and returns the merged
// stream. Sends from sources never block on the consumer; the channel is
// closed once ctx is done and every source has returned.
func (m *Monitor) Start(ctx context.Context) <-chan NetworkEvent {
	in := make(chan NetworkEvent)
	out := make(chan NetworkEvent)

	emit := func(ev NetworkEvent) {
		select {
		case in <- ev:
		case <-ctx.Done():
		}
	}

	var wg sync.WaitGroup
	for _, src := range m.sources {
		wg.Add(1)
		go func(src EventSource) {
			defer wg.Done()
			m.supervise(ctx, src, emit)
		}(src)
	}

	go func() {
		m.pump(ctx, in, out)
		wg.Wait()
		close(out)
	}()
	return out
}

// pump 无界缓冲：生产者永远不会因为消费者慢而阻塞
func (m *Monitor) pump(ctx context.Context, in <-chan NetworkEvent, out chan<- NetworkEvent) {
	var queue []NetworkEvent
	for {
		var (
			send chan<- NetworkEvent
			next NetworkEvent
		)
		if len(queue) > 0 {
			send = out
			next = queue[0]
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			queue = append(queue, ev)
		case send <- next:
			queue[0] = NetworkEvent{}
			queue = queue[1:]
		}
	}
}

// supervise re-subscribes a broken source with its own backoff, which is
// unrelated to the tunnel retry schedule.
func (m *Monitor) supervise(ctx context.Context, src EventSource, emit func(NetworkEvent)) {
	log := m.log.With("source", src.Name())
	log.Debug("event source started")

	err := retry.Do(
		func() error {
			err := src.Run(ctx, emit)
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			if err == nil {
				err = errSourceEnded
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(0), // 一直重试直到 ctx 取消
		retry.Delay(m.retryDelay),
		retry.MaxDelay(m.retryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("event source failed; resubscribing",
				slog.Uint64("attempt", uint64(n+1)),
				slog.Any("error", err))
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("event source stopped", "error", err)
		return
	}
	log.Debug("event source stopped")
}

// IsNetworkAvailable is a synchronous point query, independent of Start.
func (m *Monitor) IsNetworkAvailable(ctx context.Context) (bool, error) {
	if m.avail == nil {
		return true, nil
	}
	ok, err := m.avail.NetworkAvailable(ctx)
	if err != nil {
		var me *MonitorError
		if errors.As(err, &me) {
			return false, err
		}
		return false, &MonitorError{Op: "query", Err: fmt.Errorf("%w: %v", ErrQueryFailed, err)}
	}
	return ok, nil
}

// Close releases the connections opened by New.
func (m *Monitor) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}
