package netmon

import "strings"

// NM_STATE_CONNECTED_GLOBAL
const nmConnectedGlobal uint32 = 70

// tunnelPrefixes are interfaces created by VPN clients, including ours.
var tunnelPrefixes = []string{"tun", "tap", "vpn", "wg"}

func isTunnelInterface(name string) bool {
	for _, p := range tunnelPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// nmTracker turns NetworkManager state and primary-connection changes
// into events. It is fed from one goroutine only.
type nmTracker struct {
	state uint32
	iface string
}

func (t *nmTracker) connected() bool { return t.state == nmConnectedGlobal }

func (t *nmTracker) onState(s uint32) []NetworkEvent {
	was := t.connected()
	t.state = s
	now := t.connected()

	switch {
	case !was && now:
		return []NetworkEvent{{Kind: NetworkUp, Interface: t.iface}}
	case was && !now:
		return []NetworkEvent{{Kind: NetworkDown, Interface: t.iface}}
	}
	return nil
}

func (t *nmTracker) onPrimary(iface string) []NetworkEvent {
	if iface == "" || isTunnelInterface(iface) {
		return nil
	}
	old := t.iface
	t.iface = iface
	if t.connected() && old != "" && old != iface {
		return []NetworkEvent{{Kind: InterfaceChanged, OldInterface: old, NewInterface: iface}}
	}
	return nil
}

// sleepEvent maps the PrepareForSleep(bool) signal body.
func sleepEvent(body []any) (NetworkEvent, bool) {
	if len(body) != 1 {
		return NetworkEvent{}, false
	}
	entering, ok := body[0].(bool)
	if !ok {
		return NetworkEvent{}, false
	}
	if entering {
		return NetworkEvent{Kind: SystemSuspending}, true
	}
	return NetworkEvent{Kind: SystemResumed}, true
}

// linkTracker maps kernel link and default-route updates. Only the link
// carrying the default route decides whether the host is online; secondary
// links such as container bridges never produce NetworkDown.
type linkTracker struct {
	up      map[string]bool
	primary string
}

func newLinkTracker() *linkTracker {
	return &linkTracker{up: make(map[string]bool)}
}

func (t *linkTracker) seed(name string, up bool) {
	t.up[name] = up
}

// isUp treats links never reported as up.
func (t *linkTracker) isUp(name string) bool {
	up, seen := t.up[name]
	return !seen || up
}

func (t *linkTracker) onLink(name string, up, loopback bool) []NetworkEvent {
	if loopback || name == "" || isTunnelInterface(name) {
		return nil
	}
	prev, seen := t.up[name]
	t.up[name] = up
	if seen && prev == up {
		return nil
	}
	if name != t.primary {
		return nil
	}
	if up {
		return []NetworkEvent{{Kind: NetworkUp, Interface: name}}
	}
	return []NetworkEvent{{Kind: NetworkDown, Interface: name}}
}

// onDefaultRoute takes the current default-route interface, "" when none.
func (t *linkTracker) onDefaultRoute(iface string) []NetworkEvent {
	if iface != "" && isTunnelInterface(iface) {
		return nil
	}
	old := t.primary
	t.primary = iface

	switch {
	case old == iface:
		return nil
	case iface == "":
		// 默认路由消失；主链路 down 时已经上报过
		if t.isUp(old) {
			return []NetworkEvent{{Kind: NetworkDown, Interface: old}}
		}
		return nil
	case old == "" || !t.isUp(old):
		return []NetworkEvent{{Kind: NetworkUp, Interface: iface}}
	default:
		return []NetworkEvent{{Kind: InterfaceChanged, OldInterface: old, NewInterface: iface}}
	}
}
