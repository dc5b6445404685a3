package netmon

import (
	"context"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/kyson-dev/akon/internal/logger"
)

func newNetlink(ctx context.Context) (*Monitor, error) {
	// 探测 netlink 是否可用
	if _, err := netlink.LinkList(); err != nil {
		return nil, &MonitorError{Op: "netlink", Err: ErrServiceUnavailable}
	}
	return NewWithSources(AvailabilityFunc(netlinkAvailable), &netlinkSource{}), nil
}

func netlinkAvailable(ctx context.Context) (bool, error) {
	iface, err := defaultRouteInterface()
	if err != nil {
		return false, &MonitorError{Op: "route list", Err: ErrQueryFailed}
	}
	return iface != "", nil
}

// defaultRouteInterface returns the first non-tunnel interface carrying an
// IPv4 default route.
func defaultRouteInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", err
	}
	for _, r := range routes {
		if !isDefaultRoute(r) {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		name := link.Attrs().Name
		if isTunnelInterface(name) {
			continue
		}
		return name, nil
	}
	return "", nil
}

func isDefaultRoute(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.IsUnspecified()
}

func linkUp(l netlink.Link) bool {
	attrs := l.Attrs()
	return attrs.OperState == netlink.OperUp ||
		(attrs.OperState == netlink.OperUnknown && attrs.Flags&net.FlagUp != 0)
}

func isLoopback(l netlink.Link) bool {
	return l.Attrs().Flags&net.FlagLoopback != 0
}

// netlinkSource follows kernel link and route updates.
type netlinkSource struct{}

func (s *netlinkSource) Name() string { return "netlink" }

func (s *netlinkSource) Run(ctx context.Context, emit func(NetworkEvent)) error {
	done := make(chan struct{})
	defer close(done)

	errs := make(chan error, 1)
	onErr := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	links := make(chan netlink.LinkUpdate, 32)
	if err := netlink.LinkSubscribeWithOptions(links, done, netlink.LinkSubscribeOptions{ErrorCallback: onErr}); err != nil {
		return &MonitorError{Op: "link subscribe", Err: err}
	}
	routes := make(chan netlink.RouteUpdate, 32)
	if err := netlink.RouteSubscribeWithOptions(routes, done, netlink.RouteSubscribeOptions{ErrorCallback: onErr}); err != nil {
		return &MonitorError{Op: "route subscribe", Err: err}
	}

	tracker := newLinkTracker()
	if existing, err := netlink.LinkList(); err == nil {
		for _, l := range existing {
			tracker.seed(l.Attrs().Name, linkUp(l))
		}
	}
	if iface, err := defaultRouteInterface(); err == nil {
		tracker.primary = iface
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return &MonitorError{Op: "netlink", Err: err}
		case u, ok := <-links:
			if !ok {
				return &MonitorError{Op: "link updates", Err: errSourceEnded}
			}
			for _, ev := range tracker.onLink(u.Link.Attrs().Name, linkUp(u.Link), isLoopback(u.Link)) {
				emit(ev)
			}
		case _, ok := <-routes:
			if !ok {
				return &MonitorError{Op: "route updates", Err: errSourceEnded}
			}
			iface, err := defaultRouteInterface()
			if err != nil {
				logger.Warn("query default route", "error", err)
				continue
			}
			for _, ev := range tracker.onDefaultRoute(iface) {
				emit(ev)
			}
		}
	}
}
