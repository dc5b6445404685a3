package netmon

import "fmt"

// EventKind is the normalized OS network/power change.
type EventKind int

const (
	NetworkUp EventKind = iota + 1
	NetworkDown
	InterfaceChanged
	SystemSuspending
	SystemResumed
)

func (k EventKind) String() string {
	switch k {
	case NetworkUp:
		return "network_up"
	case NetworkDown:
		return "network_down"
	case InterfaceChanged:
		return "interface_changed"
	case SystemSuspending:
		return "system_suspending"
	case SystemResumed:
		return "system_resumed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// NetworkEvent is produced by the monitor and consumed only by the
// reconnection manager.
type NetworkEvent struct {
	Kind EventKind

	// NetworkUp / NetworkDown
	Interface string

	// InterfaceChanged
	OldInterface string
	NewInterface string
}

func (e NetworkEvent) String() string {
	switch e.Kind {
	case NetworkUp, NetworkDown:
		if e.Interface != "" {
			return fmt.Sprintf("%s(%s)", e.Kind, e.Interface)
		}
	case InterfaceChanged:
		return fmt.Sprintf("%s(%s -> %s)", e.Kind, e.OldInterface, e.NewInterface)
	}
	return e.Kind.String()
}
