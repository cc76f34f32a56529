package netstack

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/tick"
	"github.com/tinyrange/mtcp/internal/trace"
)

////////////////////////////////////////////////////////////////////////////////
// TCP socket state.
////////////////////////////////////////////////////////////////////////////////

// TCPState is a connection state. The order matters: every state from
// StateEstablished on has completed the handshake.
type TCPState uint8

const (
	StateClosed TCPState = iota
	StateListen
	StateSynSent
	StateSynRecvd
	StateEstablished
	StateCloseWait
	StateLastAck
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateSendFin1 // close requested from ESTABLISHED, FIN not yet sent
	StateSendFin2 // close requested from CLOSE_WAIT
	StateSendFin3 // close requested from SYN_RECVD
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRecvd:    "SYN_RECVD",
	StateEstablished: "ESTABLISHED",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
	StateSendFin1:    "SEND_FIN1",
	StateSendFin2:    "SEND_FIN2",
	StateSendFin3:    "SEND_FIN3",
}

func (st TCPState) String() string {
	if int(st) < len(stateNames) {
		return stateNames[st]
	}
	return fmt.Sprintf("TCPState(%d)", uint8(st))
}

// CloseReason records why a socket reached CLOSED.
type CloseReason uint8

const (
	CloseNormal CloseReason = iota
	CloseReset
	CloseForced
	CloseListenSetupFailed
	CloseRetriesExhausted
)

func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "normal"
	case CloseReset:
		return "rst"
	case CloseForced:
		return "forced"
	case CloseListenSetupFailed:
		return "listen-setup-failed"
	case CloseRetriesExhausted:
		return "retries-exhausted"
	}
	return fmt.Sprintf("CloseReason(%d)", uint8(r))
}

// ShutdownHow selects the direction Shutdown disables.
type ShutdownHow uint8

const (
	ShutdownRead ShutdownHow = 1 << iota
	ShutdownWrite
	ShutdownBoth = ShutdownRead | ShutdownWrite
)

// tcpSegment is a received segment parked on a socket until the engine
// runs. buf owns the memory ip and tcp point into.
type tcpSegment struct {
	buf *link.Buffer
	ip  ipv4Header
	tcp tcpHeader
}

// Socket is one TCP endpoint. Sockets come from Stack.GetSocket and go back
// with Stack.FreeSocket; all methods must be called from the goroutine that
// runs PollOnce.
type Socket struct {
	stack     *Stack
	idx       int
	allocated bool

	localPort  uint16
	remoteIP   IPAddr
	remotePort uint16

	state       TCPState
	closeReason CloseReason
	err         error

	iss         uint32
	seqNum      uint32 // next sequence number to stamp
	seqNumAcked uint32 // oldest unacknowledged
	ackNum      uint32 // next byte expected from the peer
	finSeq      uint32 // seqNum after our FIN

	lastActivity uint32
	lastAckRcvd  uint32
	lastProbe    uint32
	closeStarted uint32
	pendingSince uint32

	closing        bool
	finQueued      bool
	readsDisabled  bool
	writesDisabled bool
	pendingAccept  bool
	remoteClosed   bool
	ackPending     bool

	remoteMSS     uint16
	remoteWindow  uint16
	maxWindow     uint16 // largest window the peer has advertised
	advertised    uint16
	childRecvSize int // receive buffer for sockets spawned by LISTEN

	outgoing ring[*XmitBuf]
	sent     ring[*XmitBuf]
	incoming ring[tcpSegment]

	fallback XmitBuf // SYN/FIN when the pool is empty
	ctl      XmitBuf // pure ACKs, probes and resets

	recvBuf     []byte
	recvFirst   int
	recvEntries int

	nextHop     MAC
	hopResolved bool

	srtt8    int32 // smoothed RTT in ticks, scaled by 8
	rttvar4  int32 // RTT deviation in ticks, scaled by 4
	rttValid bool
	rto      uint32

	goodSeq int
	badSeq  int
}

func newSocket(s *Stack, idx int) *Socket {
	sock := &Socket{
		stack:    s,
		idx:      idx,
		outgoing: newRing[*XmitBuf](s.lim.TCPSocketRingSize),
		sent:     newRing[*XmitBuf](s.lim.TCPSocketRingSize),
		incoming: newRing[tcpSegment](s.lim.TCPSocketRingSize),
	}
	sock.fallback = XmitBuf{frame: make([]byte, tcpDataOffset+tcpMSSOptionLen), idx: -1}
	sock.ctl = XmitBuf{frame: make([]byte, tcpDataOffset+tcpMSSOptionLen), idx: -1}
	return sock
}

// reinit returns the socket to a fresh CLOSED state.
func (sock *Socket) reinit() {
	s := sock.stack
	sock.releaseQueues()
	*sock = Socket{
		stack:     s,
		idx:       sock.idx,
		allocated: sock.allocated,
		outgoing:  sock.outgoing,
		sent:      sock.sent,
		incoming:  sock.incoming,
		fallback:  sock.fallback,
		ctl:       sock.ctl,
		nextHop:   BroadcastMAC,
		remoteMSS: s.mss,
		rto:       s.tk.tcpInitialRTT,
	}
	sock.fallback.reset()
	sock.ctl.reset()
}

func (sock *Socket) releaseQueues() {
	s := sock.stack
	put := func(x *XmitBuf) { s.xmit.put(x) }
	sock.outgoing.clear(put)
	sock.sent.clear(put)
	sock.incoming.clear(func(seg tcpSegment) { seg.buf.Free() })
}

// controlBuf returns a buffer for a SYN or FIN, falling back to the
// socket's own when the pool is empty.
func (sock *Socket) controlBuf() *XmitBuf {
	if x := sock.stack.xmit.get(); x != nil {
		return x
	}
	if sock.fallback.inUse {
		return nil
	}
	sock.fallback.reset()
	sock.fallback.inUse = true
	return &sock.fallback
}

// enqueue stamps x with its sequence range and queues it for the engine.
func (sock *Socket) enqueue(x *XmitBuf) bool {
	if sock.outgoing.full() {
		return false
	}
	sock.seqNum += x.seqLen()
	x.seqNum = sock.seqNum
	sock.outgoing.push(x)
	return true
}

func (sock *Socket) maxSeg() int {
	m := int(sock.stack.mss)
	if int(sock.remoteMSS) < m {
		m = int(sock.remoteMSS)
	}
	return m
}

// maxEnqueue is the payload size of one transmit buffer: the segment size,
// cut down to the largest window the peer has offered so a peer with a
// small receive buffer can still take whole segments.
func (sock *Socket) maxEnqueue() int {
	m := sock.maxSeg()
	if w := int(sock.maxWindow); w > 0 && w < m {
		m = w
	}
	return m
}

func (sock *Socket) setRemoteWindow(w uint16) {
	sock.remoteWindow = w
	if w > sock.maxWindow {
		sock.maxWindow = w
	}
}

func (sock *Socket) recvFree() int { return len(sock.recvBuf) - sock.recvEntries }

// window is the receive window to advertise. It is halved while the peer
// keeps sending unacceptable segments.
func (sock *Socket) window() uint16 {
	w := sock.recvFree()
	if sock.badSeq >= sock.stack.lim.TCPSeqErrThreshold {
		w /= 2
	}
	if w > 0xffff {
		w = 0xffff
	}
	return uint16(w)
}

func (sock *Socket) synchronized() bool {
	return sock.state >= StateSynRecvd
}

////////////////////////////////////////////////////////////////////////////////
// Public API.
////////////////////////////////////////////////////////////////////////////////

// maxRecvBuffer bounds SetRecvBuffer; the window field is 16 bits.
const maxRecvBuffer = 0xffff

// SetRecvBuffer allocates the receive buffer. It is only allowed while the
// socket is closed.
func (sock *Socket) SetRecvBuffer(size int) error {
	if sock.state != StateClosed {
		return ErrBadState
	}
	if size <= 0 || size > maxRecvBuffer {
		return fmt.Errorf("%w: receive buffer of %d bytes", ErrOutOfMemory, size)
	}
	sock.recvBuf = make([]byte, size)
	sock.recvFirst, sock.recvEntries = 0, 0
	return nil
}

func (sock *Socket) ensureRecvBuffer() {
	if sock.recvBuf == nil {
		sock.recvBuf = make([]byte, sock.stack.lim.TCPRecvBufferSize)
	}
}

// ConnectNonBlocking sends a SYN and returns. Poll IsConnectComplete and
// Err to learn the outcome. A zero srcPort picks an ephemeral port.
func (sock *Socket) ConnectNonBlocking(srcPort uint16, dst IPAddr, dstPort uint16) error {
	s := sock.stack
	if sock.state != StateClosed || !sock.allocated {
		return ErrBadState
	}
	if srcPort == 0 {
		srcPort = s.ephemeralPort()
	}
	if s.sockets.tupleInUse(sock, srcPort, dst, dstPort) {
		return ErrPortInUse
	}

	sock.ensureRecvBuffer()
	sock.localPort = srcPort
	sock.remoteIP = dst
	sock.remotePort = dstPort
	sock.iss = s.newISS()
	sock.seqNum = sock.iss
	sock.seqNumAcked = sock.iss
	sock.closeReason = CloseNormal
	sock.err = nil

	x := sock.controlBuf()
	if x == nil {
		return ErrNoXmitBuffers
	}
	x.flags = tcpFlagSYN
	sock.enqueue(x)
	sock.setState(StateSynSent)
	sock.lastActivity = s.clock.Now()
	s.tr.Printf(trace.TCP, "tcp: %d connect to %s:%d", sock.localPort, dst, dstPort)

	s.drainOutgoing(sock, s.clock.Now())
	return nil
}

// Connect opens a connection and spins the stack until it is established,
// refused, or timeout passes.
func (sock *Socket) Connect(ctx context.Context, srcPort uint16, dst IPAddr, dstPort uint16, timeout time.Duration) error {
	if err := sock.ConnectNonBlocking(srcPort, dst, dstPort); err != nil {
		return err
	}
	s := sock.stack
	deadline := s.clock.Now() + tick.FromDuration(timeout)
	err := s.spin(ctx, deadline, func() bool {
		return sock.state >= StateEstablished || sock.state == StateClosed
	})
	if err != nil {
		if sock.state != StateClosed {
			sock.abort(CloseForced, err)
		}
		return err
	}
	if sock.state == StateClosed {
		return sock.err
	}
	return nil
}

// IsConnectComplete reports whether the handshake finished.
func (sock *Socket) IsConnectComplete() bool {
	return sock.state >= StateEstablished
}

// Listen marks the socket as a passive opener on port. Incoming SYNs spawn
// new sockets with a receive buffer of recvBufSize bytes, surfaced by
// Stack.Accept.
func (sock *Socket) Listen(port uint16, recvBufSize int) error {
	s := sock.stack
	if sock.state != StateClosed || !sock.allocated {
		return ErrBadState
	}
	if s.sockets.listener(port) != nil {
		return ErrPortInUse
	}
	if recvBufSize <= 0 {
		recvBufSize = s.lim.TCPRecvBufferSize
	}
	if recvBufSize > maxRecvBuffer {
		sock.closeReason = CloseListenSetupFailed
		return fmt.Errorf("%w: receive buffer of %d bytes", ErrOutOfMemory, recvBufSize)
	}
	sock.localPort = port
	sock.childRecvSize = recvBufSize
	sock.setState(StateListen)
	sock.closeReason = CloseNormal
	s.tr.Printf(trace.TCP, "tcp: listening on %d", port)
	return nil
}

// Enqueue queues a filled transmit buffer. Ownership passes to the socket.
func (sock *Socket) Enqueue(x *XmitBuf) error {
	if sock.state != StateEstablished && sock.state != StateCloseWait {
		return ErrBadState
	}
	if sock.writesDisabled {
		return ErrBadState
	}
	if x.payloadLen > sock.maxEnqueue() {
		return ErrTooBig
	}
	x.flags = tcpFlagPSH
	if !sock.enqueue(x) {
		return ErrNoXmitBuffers
	}
	return nil
}

// Send copies as much of p as transmit buffers allow and returns the count.
// It never blocks.
func (sock *Socket) Send(p []byte) (int, error) {
	s := sock.stack
	if sock.state != StateEstablished && sock.state != StateCloseWait {
		return 0, ErrBadState
	}
	if sock.writesDisabled {
		return 0, ErrBadState
	}
	seg := sock.maxEnqueue()
	n := 0
	for n < len(p) {
		if sock.outgoing.full() {
			break
		}
		x := s.xmit.get()
		if x == nil {
			break
		}
		c := copy(x.Payload()[:seg], p[n:])
		x.payloadLen = c
		x.flags = tcpFlagPSH
		sock.enqueue(x)
		n += c
	}
	if n == 0 && len(p) > 0 {
		return 0, ErrNoXmitBuffers
	}
	s.stats.TCP.BytesQueued += uint64(n)
	return n, nil
}

// Recv copies buffered bytes into p. It returns zero bytes when nothing is
// waiting and never blocks.
func (sock *Socket) Recv(p []byte) (int, error) {
	if sock.recvEntries == 0 {
		if sock.readsDisabled || sock.state == StateClosed {
			return 0, ErrBadState
		}
		return 0, nil
	}
	n := 0
	for n < len(p) && sock.recvEntries > 0 {
		end := sock.recvFirst + sock.recvEntries
		if end > len(sock.recvBuf) {
			end = len(sock.recvBuf)
		}
		c := copy(p[n:], sock.recvBuf[sock.recvFirst:end])
		n += c
		sock.recvFirst = (sock.recvFirst + c) % len(sock.recvBuf)
		sock.recvEntries -= c
	}
	if sock.recvEntries == 0 {
		sock.recvFirst = 0
	}

	// Reopen a window the peer may be stalled on.
	if sock.synchronized() && int(sock.advertised) < sock.maxSeg() && int(sock.window()) >= sock.maxSeg() {
		sock.ackPending = true
		sock.stack.stats.TCP.WindowUpdates++
	}
	return n, nil
}

// RecvDataWaiting returns the number of buffered bytes.
func (sock *Socket) RecvDataWaiting() int { return sock.recvEntries }

// Shutdown disables reads, writes or both.
func (sock *Socket) Shutdown(how ShutdownHow) error {
	if sock.state == StateClosed {
		return ErrBadState
	}
	if how&ShutdownRead != 0 {
		sock.readsDisabled = true
		sock.recvFirst, sock.recvEntries = 0, 0
	}
	if how&ShutdownWrite != 0 {
		sock.writesDisabled = true
	}
	return nil
}

// Close starts a graceful close. Calling it again, or on a closed socket,
// changes nothing. It returns the socket's close reason.
func (sock *Socket) Close() CloseReason {
	s := sock.stack
	switch sock.state {
	case StateEstablished:
		sock.setState(StateSendFin1)
	case StateCloseWait:
		sock.setState(StateSendFin2)
	case StateSynRecvd:
		sock.setState(StateSendFin3)
	case StateListen, StateSynSent:
		sock.closeWith(CloseNormal, nil)
		return sock.closeReason
	default:
		return sock.closeReason
	}
	if !sock.closing {
		sock.closing = true
		sock.closeStarted = s.clock.Now()
	}
	sock.writesDisabled = true
	s.queueFIN(sock)
	return sock.closeReason
}

// CloseWait closes the socket and spins until the close completes or
// timeout passes. On timeout the socket is reset.
func (sock *Socket) CloseWait(ctx context.Context, timeout time.Duration) error {
	sock.Close()
	s := sock.stack
	deadline := s.clock.Now() + tick.FromDuration(timeout)
	err := s.spin(ctx, deadline, sock.IsCloseDone)
	if err != nil {
		sock.Abort()
	}
	return err
}

// Abort resets the connection immediately.
func (sock *Socket) Abort() {
	if sock.state == StateClosed {
		return
	}
	sock.abort(CloseForced, nil)
}

func (sock *Socket) abort(reason CloseReason, err error) {
	if sock.synchronized() {
		sock.stack.sendPure(sock, pureReset)
	}
	sock.closeWith(reason, err)
}

// IsCloseDone reports whether the socket reached CLOSED.
func (sock *Socket) IsCloseDone() bool { return sock.state == StateClosed }

// IsRemoteClosed reports whether the peer sent its FIN.
func (sock *Socket) IsRemoteClosed() bool { return sock.remoteClosed }

// State returns the connection state.
func (sock *Socket) State() TCPState { return sock.state }

// CloseReason returns why the socket closed.
func (sock *Socket) CloseReason() CloseReason { return sock.closeReason }

// Err returns the error that closed the socket, if any.
func (sock *Socket) Err() error { return sock.err }

// LocalPort returns the bound port.
func (sock *Socket) LocalPort() uint16 { return sock.localPort }

// RemoteIP returns the peer address.
func (sock *Socket) RemoteIP() IPAddr { return sock.remoteIP }

// RemotePort returns the peer port.
func (sock *Socket) RemotePort() uint16 { return sock.remotePort }

// RemoteWindow is the last window the peer advertised.
func (sock *Socket) RemoteWindow() uint16 { return sock.remoteWindow }

// MaxEnqueue is the largest payload a single transmit buffer may carry.
func (sock *Socket) MaxEnqueue() int { return sock.maxEnqueue() }

// Queued returns the number of buffers waiting to be sent and awaiting ACK.
func (sock *Socket) Queued() (outgoing, sent int) {
	return sock.outgoing.len(), sock.sent.len()
}

// SRTT returns the smoothed round trip estimate.
func (sock *Socket) SRTT() time.Duration {
	return tick.ToDuration(uint32(sock.srtt8 >> 3))
}

func (sock *Socket) setState(st TCPState) {
	if sock.state == st {
		return
	}
	sock.stack.tr.Printf(trace.TCP, "tcp: %d->%s:%d %s -> %s",
		sock.localPort, sock.remoteIP, sock.remotePort, sock.state, st)
	sock.state = st
	if sock.stack.onStateChange != nil {
		sock.stack.onStateChange(sock, st)
	}
}

// closeWith moves the socket to CLOSED and releases everything it queued.
func (sock *Socket) closeWith(reason CloseReason, err error) {
	sock.closeReason = reason
	sock.err = err
	sock.setState(StateClosed)
	sock.releaseQueues()
	sock.fallback.inUse = false
}

func (sock *Socket) String() string {
	return fmt.Sprintf("%d->%s:%d %s", sock.localPort, sock.remoteIP, sock.remotePort, sock.state)
}
