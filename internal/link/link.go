// Package link attaches the stack to a host packet driver. It owns the
// receive buffer pool and ring, dispatches frames by EtherType from the main
// loop, and transmits frames synchronously.
package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// DefaultBuffers is the number of receive buffers when Config leaves it zero.
const DefaultBuffers = 10

// Handler consumes a received frame. It owns the buffer and must Free it.
type Handler func(b *Buffer)

// Config sizes the receive side.
type Config struct {
	Buffers    int
	BufferSize int
}

// Stats is a snapshot of link counters.
type Stats struct {
	PacketsIn      uint64
	PacketsOut     uint64
	Dropped        uint64
	SendErrs       uint64
	Unhandled      uint64
	LowFreeCount   int
	DuplicateFrees uint64
}

// Interface is an attached packet driver.
type Interface struct {
	log *slog.Logger

	drv    PacketDriver
	handle Handle
	info   DriverInfo
	mac    [6]byte

	pool *Pool

	handlers map[uint16]Handler
	def      Handler

	receiving atomic.Bool
	send      func(frame []byte) error

	captureMu sync.Mutex
	capture   *Capture

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	dropped    atomic.Uint64
	sendErrs   atomic.Uint64
	unhandled  atomic.Uint64

	released bool
}

// Open attaches to the driver at vector and registers for every EtherType.
// Receives are refused until StartReceiving.
func Open(vectors *Vectors, vector uint8, cfg Config, l *slog.Logger) (*Interface, error) {
	if l == nil {
		l = slog.Default()
	}
	drv, err := vectors.Lookup(vector)
	if err != nil {
		return nil, err
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = DefaultBuffers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	info, err := drv.DriverInfo()
	if err != nil {
		return nil, fmt.Errorf("link: driver info: %w", err)
	}

	iface := &Interface{
		log:      l,
		drv:      drv,
		info:     info,
		pool:     NewPool(cfg.Buffers, cfg.BufferSize),
		handlers: make(map[uint16]Handler),
		send:     drv.SendPkt,
	}

	h, err := drv.AccessType(nil, iface)
	if err != nil {
		return nil, fmt.Errorf("link: access type: %w", err)
	}
	iface.handle = h

	mac, err := drv.GetAddress(h)
	if err != nil {
		_ = drv.ReleaseType(h)
		return nil, fmt.Errorf("link: get address: %w", err)
	}
	iface.mac = mac

	l.Debug("link: attached", "vector", fmt.Sprintf("0x%02x", vector), "driver", info.Name, "mac", net.HardwareAddr(mac[:]).String())
	return iface, nil
}

// MAC returns the interface's hardware address.
func (i *Interface) MAC() [6]byte { return i.mac }

// Info returns what the driver reported at attach time.
func (i *Interface) Info() DriverInfo { return i.info }

// Pool exposes the receive arena.
func (i *Interface) Pool() *Pool { return i.pool }

// RegisterHandler routes frames of etherType to fn.
func (i *Interface) RegisterHandler(etherType uint16, fn Handler) {
	i.handlers[etherType] = fn
}

// RegisterDefault routes frames with no specific handler to fn.
func (i *Interface) RegisterDefault(fn Handler) {
	i.def = fn
}

// StartReceiving opens the gate for the driver's buffer requests.
func (i *Interface) StartReceiving() { i.receiving.Store(true) }

// StopReceiving closes the gate again.
func (i *Interface) StopReceiving() { i.receiving.Store(false) }

// Request implements Receiver.
func (i *Interface) Request(length int) *Buffer {
	if !i.receiving.Load() {
		i.dropped.Add(1)
		return nil
	}
	if length > i.pool.BufferSize() {
		i.dropped.Add(1)
		return nil
	}
	b := i.pool.Get()
	if b == nil {
		i.dropped.Add(1)
		return nil
	}
	return b
}

// Copied implements Receiver.
func (i *Interface) Copied(b *Buffer, length int) {
	b.SetLen(length)
	if !i.pool.Enqueue(b) {
		b.Free()
		i.dropped.Add(1)
		return
	}
	i.packetsIn.Add(1)
}

// Poll dispatches one received frame. It reports whether a frame was found.
func (i *Interface) Poll() bool {
	b := i.pool.Dequeue()
	if b == nil {
		return false
	}
	i.writeCapture(b.Bytes())

	frame := b.Bytes()
	if len(frame) < 14 {
		i.unhandled.Add(1)
		b.Free()
		return true
	}
	et := binary.BigEndian.Uint16(frame[12:14])
	if h, ok := i.handlers[et]; ok {
		h(b)
		return true
	}
	if i.def != nil {
		i.def(b)
		return true
	}
	i.unhandled.Add(1)
	b.Free()
	return true
}

// PollAll dispatches up to limit frames and returns how many were handled.
func (i *Interface) PollAll(limit int) int {
	n := 0
	for n < limit && i.Poll() {
		n++
	}
	return n
}

// Send transmits frame, retrying once on a transient driver error.
func (i *Interface) Send(frame []byte) error {
	err := i.send(frame)
	if errors.Is(err, ErrCantSend) {
		err = i.send(frame)
	}
	if err != nil {
		i.sendErrs.Add(1)
		return fmt.Errorf("link: send: %w", err)
	}
	i.packetsOut.Add(1)
	i.writeCapture(frame)
	return nil
}

// Reset asks the driver to reset the interface.
func (i *Interface) Reset() error {
	return i.drv.ResetInterface(i.handle)
}

// Release unregisters from the driver and returns queued buffers.
func (i *Interface) Release() error {
	if i.released {
		return nil
	}
	i.released = true
	i.receiving.Store(false)

	err := i.drv.ReleaseType(i.handle)
	for b := i.pool.Dequeue(); b != nil; b = i.pool.Dequeue() {
		b.Free()
	}

	i.captureMu.Lock()
	i.capture = nil
	i.captureMu.Unlock()

	if err != nil {
		return fmt.Errorf("link: release type: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (i *Interface) Stats() Stats {
	return Stats{
		PacketsIn:      i.packetsIn.Load(),
		PacketsOut:     i.packetsOut.Load(),
		Dropped:        i.dropped.Load(),
		SendErrs:       i.sendErrs.Load(),
		Unhandled:      i.unhandled.Load(),
		LowFreeCount:   i.pool.LowFree(),
		DuplicateFrees: i.pool.DuplicateFrees(),
	}
}

// OpenCapture mirrors every received and transmitted frame to out in pcap
// format.
func (i *Interface) OpenCapture(out io.Writer) error {
	c, err := NewCapture(out, uint32(i.pool.BufferSize()))
	if err != nil {
		return err
	}
	i.captureMu.Lock()
	i.capture = c
	i.captureMu.Unlock()
	return nil
}

func (i *Interface) writeCapture(frame []byte) {
	i.captureMu.Lock()
	c := i.capture
	i.captureMu.Unlock()
	if c == nil {
		return
	}
	if err := c.WriteFrame(frame); err != nil {
		i.log.Warn("link: capture write failed", "err", err)
	}
}
