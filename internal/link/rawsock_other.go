//go:build !linux

package link

import (
	"errors"
	"runtime"
)

// RawSocket is only available on Linux.
type RawSocket struct {
	Channel
}

// OpenRawSocket always fails outside Linux.
func OpenRawSocket(ifname string) (*RawSocket, error) {
	return nil, errors.New("link: raw sockets are not supported on " + runtime.GOOS)
}

// Close is a no-op.
func (r *RawSocket) Close() error { return nil }
