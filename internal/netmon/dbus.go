package netmon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/kyson-dev/akon/internal/logger"
)

const (
	nmBusName   = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface = "org.freedesktop.NetworkManager"

	nmActiveInterface = "org.freedesktop.NetworkManager.Connection.Active"
	nmDeviceInterface = "org.freedesktop.NetworkManager.Device"

	loginBusName   = "org.freedesktop.login1"
	loginPath      = dbus.ObjectPath("/org/freedesktop/login1")
	loginInterface = "org.freedesktop.login1.Manager"

	propertiesInterface = "org.freedesktop.DBus.Properties"
)

func newNetworkManager(ctx context.Context) (*Monitor, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, &MonitorError{Op: "connect system bus", Err: fmt.Errorf("%w: %v", ErrServiceUnavailable, err)}
	}

	has, err := nameHasOwner(ctx, conn, nmBusName)
	if err != nil || !has {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("%s has no owner", nmBusName)
		}
		return nil, &MonitorError{Op: "connect networkmanager", Err: fmt.Errorf("%w: %v", ErrServiceUnavailable, err)}
	}

	sources := []EventSource{&nmSource{}}
	if ok, _ := nameHasOwner(ctx, conn, loginBusName); ok {
		sources = append(sources, &sleepSource{})
	} else {
		logger.Warn("logind not available, suspend/resume events disabled")
	}

	m := NewWithSources(&nmAvailability{conn: conn}, sources...)
	m.closers = append(m.closers, conn.Close)
	return m, nil
}

func nameHasOwner(ctx context.Context, conn *dbus.Conn, name string) (bool, error) {
	var has bool
	err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, name).Store(&has)
	return has, err
}

func getProperty[T any](ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, iface, prop string) (T, error) {
	var zero T
	var v dbus.Variant
	err := conn.Object(nmBusName, path).
		CallWithContext(ctx, propertiesInterface+".Get", 0, iface, prop).
		Store(&v)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has type %T", iface, prop, v.Value())
	}
	return val, nil
}

// primaryInterface resolves PrimaryConnection -> Devices[0] -> Interface.
func primaryInterface(ctx context.Context, conn *dbus.Conn, active dbus.ObjectPath) (string, error) {
	if active == "" || active == "/" {
		return "", nil
	}
	devices, err := getProperty[[]dbus.ObjectPath](ctx, conn, active, nmActiveInterface, "Devices")
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", nil
	}
	return getProperty[string](ctx, conn, devices[0], nmDeviceInterface, "Interface")
}

type nmAvailability struct {
	conn *dbus.Conn
}

func (a *nmAvailability) NetworkAvailable(ctx context.Context) (bool, error) {
	s, err := getProperty[uint32](ctx, a.conn, nmPath, nmInterface, "State")
	if err != nil {
		return false, &MonitorError{Op: "query state", Err: fmt.Errorf("%w: %v", ErrQueryFailed, err)}
	}
	return s == nmConnectedGlobal, nil
}

// subscribe opens a private bus connection and registers the match rules.
// The returned channel is closed by godbus when the connection drops.
func subscribe(ctx context.Context, matches ...[]dbus.MatchOption) (*dbus.Conn, chan *dbus.Signal, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, nil, &MonitorError{Op: "connect system bus", Err: err}
	}
	for _, m := range matches {
		if err := conn.AddMatchSignalContext(ctx, m...); err != nil {
			conn.Close()
			return nil, nil, &MonitorError{Op: "add match", Err: err}
		}
	}
	ch := make(chan *dbus.Signal, 32)
	conn.Signal(ch)
	return conn, ch, nil
}

// nmSource follows NetworkManager's global state and primary connection.
type nmSource struct{}

func (s *nmSource) Name() string { return "networkmanager" }

func (s *nmSource) Run(ctx context.Context, emit func(NetworkEvent)) error {
	conn, signals, err := subscribe(ctx,
		[]dbus.MatchOption{
			dbus.WithMatchObjectPath(nmPath),
			dbus.WithMatchInterface(nmInterface),
			dbus.WithMatchMember("StateChanged"),
		},
		[]dbus.MatchOption{
			dbus.WithMatchObjectPath(nmPath),
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
		},
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	log := logger.With("source", s.Name())

	// 订阅之后再读取当前状态，避免漏掉中间的变化
	var tracker nmTracker
	if st, err := getProperty[uint32](ctx, conn, nmPath, nmInterface, "State"); err == nil {
		tracker.state = st
	} else {
		log.Warn("read initial state", "error", err)
	}
	if active, err := getProperty[dbus.ObjectPath](ctx, conn, nmPath, nmInterface, "PrimaryConnection"); err == nil {
		if iface, err := primaryInterface(ctx, conn, active); err == nil {
			tracker.onPrimary(iface)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return &MonitorError{Op: "networkmanager signals", Err: errSourceEnded}
			}
			for _, ev := range s.handle(ctx, conn, &tracker, sig, log) {
				emit(ev)
			}
		}
	}
}

func (s *nmSource) handle(ctx context.Context, conn *dbus.Conn, t *nmTracker, sig *dbus.Signal, log *slog.Logger) []NetworkEvent {
	switch sig.Name {
	case nmInterface + ".StateChanged":
		if len(sig.Body) != 1 {
			log.Warn("malformed StateChanged signal", "body", sig.Body)
			return nil
		}
		st, ok := sig.Body[0].(uint32)
		if !ok {
			log.Warn("malformed StateChanged signal", "body", sig.Body)
			return nil
		}
		log.Debug("networkmanager state changed", "state", st)
		return t.onState(st)

	case propertiesInterface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			log.Warn("malformed PropertiesChanged signal", "body", sig.Body)
			return nil
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			log.Warn("malformed PropertiesChanged signal", "body", sig.Body)
			return nil
		}
		v, ok := changed["PrimaryConnection"]
		if !ok {
			return nil
		}
		active, ok := v.Value().(dbus.ObjectPath)
		if !ok {
			log.Warn("malformed PrimaryConnection value", "value", v.Value())
			return nil
		}
		iface, err := primaryInterface(ctx, conn, active)
		if err != nil {
			log.Warn("resolve primary interface", "connection", active, "error", err)
			return nil
		}
		return t.onPrimary(iface)
	}
	return nil
}

// sleepSource follows logind PrepareForSleep.
type sleepSource struct{}

func (s *sleepSource) Name() string { return "logind" }

func (s *sleepSource) Run(ctx context.Context, emit func(NetworkEvent)) error {
	conn, signals, err := subscribe(ctx, []dbus.MatchOption{
		dbus.WithMatchObjectPath(loginPath),
		dbus.WithMatchInterface(loginInterface),
		dbus.WithMatchMember("PrepareForSleep"),
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return &MonitorError{Op: "logind signals", Err: errSourceEnded}
			}
			if sig.Name != loginInterface+".PrepareForSleep" {
				continue
			}
			ev, ok := sleepEvent(sig.Body)
			if !ok {
				logger.Warn("malformed PrepareForSleep signal", "body", sig.Body)
				continue
			}
			emit(ev)
		}
	}
}
