package netmon

import "context"

// EventSource is one OS subscription. Run blocks until ctx is done (nil)
// or the subscription breaks (error), and may be called again afterwards.
type EventSource interface {
	Name() string
	Run(ctx context.Context, emit func(NetworkEvent)) error
}

// Availability answers "is the host online right now".
type Availability interface {
	NetworkAvailable(ctx context.Context) (bool, error)
}

// AvailabilityFunc adapts a function to Availability.
type AvailabilityFunc func(ctx context.Context) (bool, error)

func (f AvailabilityFunc) NetworkAvailable(ctx context.Context) (bool, error) { return f(ctx) }

// ChanSource replays events written to C. Closing C ends the subscription
// with an error, like a dropped bus connection.
type ChanSource struct {
	name string
	C    chan NetworkEvent
}

func NewChanSource(name string) *ChanSource {
	return &ChanSource{name: name, C: make(chan NetworkEvent)}
}

func (s *ChanSource) Name() string { return s.name }

func (s *ChanSource) Run(ctx context.Context, emit func(NetworkEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.C:
			if !ok {
				return errSourceEnded
			}
			emit(ev)
		}
	}
}
