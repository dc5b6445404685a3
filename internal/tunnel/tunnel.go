package tunnel

import (
	"context"
	"errors"

	"github.com/kyson-dev/akon/internal/state"
)

// Establisher brings the tunnel up and down. Establish returns once the
// client reports an assigned address.
type Establisher interface {
	Establish(ctx context.Context) (state.Metadata, error)
	Teardown(ctx context.Context, md state.Metadata) error
}

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrExited               = errors.New("tunnel client exited before the tunnel came up")
	ErrReadyTimeout         = errors.New("timed out waiting for the tunnel to come up")
	ErrPasswordCommand      = errors.New("password command failed")
)
