//go:build linux

package link

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// RawSocket is a packet driver backed by an AF_PACKET socket bound to one
// host interface.
type RawSocket struct {
	name string
	fd   int
	sll  unix.SockaddrLinklayer
	mac  [6]byte

	mu     sync.Mutex
	recv   Receiver
	handle Handle
	stop   chan struct{}
	done   chan struct{}
}

func htons(n uint16) uint16 { return (n << 8) | (n >> 8) }

// OpenRawSocket binds an AF_PACKET socket to the named interface.
func OpenRawSocket(ifname string) (*RawSocket, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("link: interface %s: %w", ifname, err)
	}
	if len(ifi.HardwareAddr) != 6 {
		return nil, fmt.Errorf("link: interface %s has no ethernet address", ifname)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("link: AF_PACKET socket: %w", err)
	}

	sll := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifi.Index}
	if err := unix.Bind(fd, &sll); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("link: bind %s: %w", ifname, err)
	}

	// Bounded reads let the receive goroutine notice ReleaseType.
	tv := unix.Timeval{Usec: 100000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("link: set receive timeout: %w", err)
	}

	r := &RawSocket{name: ifname, fd: fd, sll: sll}
	copy(r.mac[:], ifi.HardwareAddr)
	return r, nil
}

func (r *RawSocket) EyeCatcher() string { return EyeCatcher }

func (r *RawSocket) DriverInfo() (DriverInfo, error) {
	return DriverInfo{Version: 1, Class: ClassEthernet, Type: 0xffff, Name: "af_packet:" + r.name}, nil
}

func (r *RawSocket) AccessType(etherType []byte, recv Receiver) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recv != nil {
		return 0, ErrTypeInUse
	}
	r.recv = recv
	r.handle++
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.receive(recv, r.stop, r.done)
	return r.handle, nil
}

func (r *RawSocket) receive(recv Receiver, stop, done chan struct{}) {
	defer close(done)
	scratch := make([]byte, 65536)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, from, err := unix.Recvfrom(r.fd, scratch, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		// Skip our own transmissions looped back by the kernel.
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		b := recv.Request(n)
		if b == nil {
			continue
		}
		copied := copy(b.Raw(), scratch[:n])
		recv.Copied(b, copied)
	}
}

func (r *RawSocket) ReleaseType(h Handle) error {
	r.mu.Lock()
	if r.recv == nil || h != r.handle {
		r.mu.Unlock()
		return ErrBadHandle
	}
	r.recv = nil
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
	return nil
}

func (r *RawSocket) SendPkt(frame []byte) error {
	if err := unix.Sendto(r.fd, frame, 0, &r.sll); err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS) {
			return ErrCantSend
		}
		return fmt.Errorf("link: sendto %s: %w", r.name, err)
	}
	return nil
}

func (r *RawSocket) GetAddress(h Handle) ([6]byte, error) {
	return r.mac, nil
}

func (r *RawSocket) ResetInterface(h Handle) error {
	return nil
}

// Close releases the socket. Call after the Interface has been released.
func (r *RawSocket) Close() error {
	return unix.Close(r.fd)
}
