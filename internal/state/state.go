package state

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the ConnectionState variants.
type Kind string

const (
	KindDisconnected  Kind = "disconnected"
	KindConnecting    Kind = "connecting"
	KindConnected     Kind = "connected"
	KindDisconnecting Kind = "disconnecting"
	KindReconnecting  Kind = "reconnecting"
	KindError         Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDisconnected, KindConnecting, KindConnected, KindDisconnecting, KindReconnecting, KindError:
		return true
	}
	return false
}

// Metadata describes an established tunnel.
type Metadata struct {
	Address   string    `json:"address"`
	Interface string    `json:"interface"`
	StartedAt time.Time `json:"started_at"`
	PID       int       `json:"pid,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// ConnectionState is the tunnel lifecycle. Only the fields belonging to
// Kind are set; the constructors below are the supported way to build one.
type ConnectionState struct {
	Kind Kind `json:"kind"`

	// Connected
	Metadata *Metadata `json:"metadata,omitempty"`

	// Reconnecting
	Attempt     uint32     `json:"attempt,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	MaxAttempts uint32     `json:"max_attempts,omitempty"`

	// Error
	Message string `json:"message,omitempty"`
}

func Disconnected() ConnectionState  { return ConnectionState{Kind: KindDisconnected} }
func Connecting() ConnectionState    { return ConnectionState{Kind: KindConnecting} }
func Disconnecting() ConnectionState { return ConnectionState{Kind: KindDisconnecting} }

func Connected(md Metadata) ConnectionState {
	return ConnectionState{Kind: KindConnected, Metadata: &md}
}

func Reconnecting(attempt uint32, nextRetryAt time.Time, maxAttempts uint32) ConnectionState {
	at := nextRetryAt
	return ConnectionState{
		Kind:        KindReconnecting,
		Attempt:     attempt,
		NextRetryAt: &at,
		MaxAttempts: maxAttempts,
	}
}

func Error(message string) ConnectionState {
	return ConnectionState{Kind: KindError, Message: message}
}

var (
	ErrUnknownKind     = errors.New("unknown state kind")
	ErrInvalidAttempt  = errors.New("invalid reconnect attempt")
	ErrMissingMetadata = errors.New("connected state without metadata")
	ErrMissingMessage  = errors.New("error state without message")
)

// Validate rejects states that can not be produced by the manager.
func (s ConnectionState) Validate() error {
	switch s.Kind {
	case KindDisconnected, KindConnecting, KindDisconnecting:
		return nil
	case KindConnected:
		if s.Metadata == nil {
			return ErrMissingMetadata
		}
	case KindReconnecting:
		if s.Attempt == 0 {
			return fmt.Errorf("%w: attempt must be >= 1", ErrInvalidAttempt)
		}
		if s.Attempt > s.MaxAttempts {
			return fmt.Errorf("%w: attempt %d exceeds max_attempts %d", ErrInvalidAttempt, s.Attempt, s.MaxAttempts)
		}
	case KindError:
		if s.Message == "" {
			return ErrMissingMessage
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
	return nil
}

func (s ConnectionState) Is(k Kind) bool { return s.Kind == k }

// Active reports whether a tunnel session was wanted when this state was
// written, so a restarted daemon should keep it alive.
func (s ConnectionState) Active() bool {
	switch s.Kind {
	case KindConnected, KindConnecting, KindReconnecting:
		return true
	}
	return false
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case KindConnected:
		if s.Metadata != nil {
			return fmt.Sprintf("Connected (%s on %s)", s.Metadata.Address, s.Metadata.Interface)
		}
		return "Connected"
	case KindReconnecting:
		return fmt.Sprintf("Reconnecting (attempt %d of %d)", s.Attempt, s.MaxAttempts)
	case KindError:
		return fmt.Sprintf("Error: %s", s.Message)
	case KindConnecting:
		return "Connecting"
	case KindDisconnecting:
		return "Disconnecting"
	case KindDisconnected:
		return "Disconnected"
	}
	return string(s.Kind)
}

// Process exit codes reported by the status command.
const (
	ExitOK           = 0
	ExitDisconnected = 1
	ExitError        = 3
)

func ExitCode(s ConnectionState) int {
	switch s.Kind {
	case KindConnected, KindConnecting, KindReconnecting:
		return ExitOK
	case KindError:
		return ExitError
	}
	return ExitDisconnected
}
