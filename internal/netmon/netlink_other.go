//go:build !linux

package netmon

import (
	"context"
	"errors"
)

func newNetlink(context.Context) (*Monitor, error) {
	return nil, &MonitorError{Op: "netlink", Err: errors.Join(ErrServiceUnavailable, errors.New("netlink requires linux"))}
}
