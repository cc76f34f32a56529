package link

import (
	"sync"
)

// Channel is an in-memory packet driver. Transmitted frames appear on
// Outbound; Inject plays the driver's receive interrupt.
type Channel struct {
	mac [6]byte
	out chan []byte

	mu       sync.Mutex
	recv     Receiver
	handle   Handle
	failNext int
	resets   int
	closed   bool
}

// NewChannel returns a driver with the given address whose outbound queue
// holds depth frames.
func NewChannel(mac [6]byte, depth int) *Channel {
	return &Channel{mac: mac, out: make(chan []byte, depth)}
}

// Outbound delivers copies of every transmitted frame.
func (c *Channel) Outbound() <-chan []byte { return c.out }

// Inject hands frame to the registered receiver using the two-call receive
// contract. It reports whether the receiver accepted it.
func (c *Channel) Inject(frame []byte) bool {
	c.mu.Lock()
	r := c.recv
	c.mu.Unlock()
	if r == nil {
		return false
	}
	b := r.Request(len(frame))
	if b == nil {
		return false
	}
	n := copy(b.Raw(), frame)
	r.Copied(b, n)
	return true
}

// FailSends makes the next n SendPkt calls report ErrCantSend.
func (c *Channel) FailSends(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// Resets returns how often ResetInterface was called.
func (c *Channel) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Close stops the outbound queue.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (c *Channel) EyeCatcher() string { return EyeCatcher }

func (c *Channel) DriverInfo() (DriverInfo, error) {
	return DriverInfo{Version: 1, Class: ClassEthernet, Type: 0xffff, Name: "channel"}, nil
}

func (c *Channel) AccessType(etherType []byte, r Receiver) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recv != nil {
		return 0, ErrTypeInUse
	}
	c.recv = r
	c.handle++
	return c.handle, nil
}

func (c *Channel) ReleaseType(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recv == nil || h != c.handle {
		return ErrBadHandle
	}
	c.recv = nil
	return nil
}

func (c *Channel) SendPkt(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		return ErrCantSend
	}
	if c.closed {
		return ErrCantSend
	}

	out := append([]byte(nil), frame...)
	select {
	case c.out <- out:
		return nil
	default:
		return ErrCantSend
	}
}

func (c *Channel) GetAddress(h Handle) ([6]byte, error) {
	return c.mac, nil
}

func (c *Channel) ResetInterface(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	return nil
}
