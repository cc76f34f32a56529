package netstack

import (
	"math/rand/v2"

	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/trace"
)

////////////////////////////////////////////////////////////////////////////////
// TCP engine: receive dispatch, segment processing and the outgoing driver.
////////////////////////////////////////////////////////////////////////////////

// minRTO is the smallest retransmit interval in ticks.
const minRTO = 2

// defaultMSS is assumed when a SYN carries no MSS option.
const defaultMSS = 536

const ephemeralPortBase = 1024

func (s *Stack) newISS() uint32 {
	if s.issSource != nil {
		return s.issSource()
	}
	return rand.Uint32()
}

func (s *Stack) ephemeralPort() uint16 {
	for range 0x10000 {
		s.nextPort++
		if s.nextPort < ephemeralPortBase {
			s.nextPort = ephemeralPortBase
		}
		if !s.sockets.portInUse(s.nextPort) {
			break
		}
	}
	return s.nextPort
}

// handleTCP runs the checksum and socket lookup at dispatch time and parks
// the segment on its socket. Everything else happens in drivePackets.
func (s *Stack) handleTCP(b *link.Buffer, h ipv4Header) {
	seg := h.payload
	if len(seg) < tcpHeaderLen {
		s.stats.TCP.Malformed++
		b.Free()
		return
	}
	if transportChecksum(h.src, h.dst, tcpProtocolNumber, seg) != 0 {
		s.stats.TCP.ChecksumErrors++
		b.Free()
		return
	}
	t, err := parseTCPHeader(seg)
	if err != nil {
		s.stats.TCP.Malformed++
		b.Free()
		return
	}
	if h.dst != s.cfg.IP {
		b.Free()
		return
	}
	s.stats.TCP.Received++

	sock := s.sockets.lookup(t.dstPort, h.src, t.srcPort)
	if sock == nil {
		if t.has(tcpFlagSYN) && !t.has(tcpFlagACK) && !t.has(tcpFlagRST) {
			if l := s.sockets.listener(t.dstPort); l != nil {
				s.spawnChild(l, h, t)
				b.Free()
				return
			}
		}
		if !t.has(tcpFlagRST) {
			s.sendResetFor(h, t, frameSrc(b.Bytes()))
		}
		b.Free()
		return
	}

	if !sock.incoming.push(tcpSegment{buf: b, ip: h, tcp: t}) {
		s.stats.TCP.DroppedRingFull++
		b.Free()
	}
}

// spawnChild answers a SYN on a listening port with a new socket in
// SYN_RECVD, marked pending-accept. The listener keeps listening.
func (s *Stack) spawnChild(l *Socket, h ipv4Header, t tcpHeader) {
	sock, err := s.GetSocket()
	if err != nil {
		s.stats.TCP.NoSockets++
		s.tr.Printf(trace.Warning, "tcp: no socket for SYN from %s:%d", h.src, t.srcPort)
		return
	}
	now := s.clock.Now()
	sock.recvBuf = make([]byte, l.childRecvSize)
	sock.localPort = l.localPort
	sock.remoteIP = h.src
	sock.remotePort = t.srcPort
	sock.ackNum = t.seq + 1
	sock.setRemoteWindow(t.window)
	if mss, ok := parseTCPOptions(t.options); ok && mss > 0 {
		sock.remoteMSS = mss
	} else {
		sock.remoteMSS = defaultMSS
	}
	sock.iss = s.newISS()
	sock.seqNum = sock.iss
	sock.seqNumAcked = sock.iss
	sock.pendingAccept = true
	sock.pendingSince = now
	sock.lastActivity = now
	sock.lastAckRcvd = now
	s.sockets.pendingAccepts++

	x := sock.controlBuf()
	if x == nil {
		s.FreeSocket(sock)
		return
	}
	x.flags = tcpFlagSYN
	sock.enqueue(x)
	sock.setState(StateSynRecvd)
	s.drainOutgoing(sock, now)
}

// drivePackets advances every socket: queued input, retransmits, FINs,
// outgoing data, probes and ACKs. Pending accepts are swept last.
func (s *Stack) drivePackets() {
	now := s.clock.Now()
	for _, sock := range s.sockets.active {
		s.driveSocket(sock, now)
	}
	s.sockets.sweepPendingAccepts(now)
}

func (s *Stack) driveSocket(sock *Socket, now uint32) {
	for {
		seg, ok := sock.incoming.pop()
		if !ok {
			break
		}
		s.processSegment(sock, seg, now)
		seg.buf.Free()
	}
	if sock.state == StateClosed || sock.state == StateListen {
		return
	}

	if sock.closing && now-sock.closeStarted >= s.tk.tcpCloseTimeout {
		s.tr.Printf(trace.TCP, "tcp: %s close timed out", sock)
		sock.abort(CloseForced, ErrTimeout)
		return
	}

	if !s.reapSent(sock, now) {
		return
	}

	s.queueFIN(sock)
	s.drainOutgoing(sock, now)

	if sock.remoteWindow == 0 && sock.state >= StateEstablished && !sock.outgoing.empty() &&
		now-sock.lastProbe >= s.tk.tcpProbe && now-sock.lastAckRcvd >= s.tk.tcpProbe {
		if s.sendPure(sock, pureProbe) == nil {
			s.stats.TCP.ZeroWindowProbes++
		}
		sock.lastProbe = now
	}

	if sock.ackPending {
		s.sendPure(sock, pureAck)
	}
}

// queueFIN puts a FIN behind any queued data once a close was requested.
func (s *Stack) queueFIN(sock *Socket) {
	if sock.finQueued {
		return
	}
	switch sock.state {
	case StateSendFin1, StateSendFin2, StateSendFin3:
	default:
		return
	}
	x := sock.controlBuf()
	if x == nil {
		return
	}
	x.flags = tcpFlagFIN
	if !sock.enqueue(x) {
		s.xmit.put(x)
		return
	}
	sock.finQueued = true
	sock.finSeq = sock.seqNum
}

// reapSent retransmits overdue segments. The interval backs off once per
// pass however many segments were overdue. It reports false when the socket
// was closed because a segment ran out of attempts.
func (s *Stack) reapSent(sock *Socket, now uint32) bool {
	backedOff := false
	for i := 0; i < sock.sent.len(); i++ {
		x := sock.sent.at(i)
		if int32(now-x.overdueAt) < 0 {
			continue
		}
		if x.attempts >= s.lim.TCPRetransCount {
			s.tr.Printf(trace.TCP, "tcp: %s retries exhausted", sock)
			sock.closeWith(CloseRetriesExhausted, ErrRetriesExhausted)
			return false
		}
		if err := s.tcpTransmit(sock, x); err != nil {
			x.result = err
			continue
		}
		x.attempts++
		x.timeSent = now
		if !backedOff {
			sock.rto *= 2
			if sock.rto > s.tk.tcpMaxSRTT {
				sock.rto = s.tk.tcpMaxSRTT
			}
			backedOff = true
		}
		x.overdueAt = now + sock.rto
		s.stats.TCP.Retransmits++
	}
	return true
}

// drainOutgoing moves segments from outgoing to sent while the peer's
// window allows and the next hop is known. A segment larger than a shrunken
// but open window still goes out when nothing else is in flight.
func (s *Stack) drainOutgoing(sock *Socket, now uint32) {
	for !sock.outgoing.empty() && !sock.sent.full() {
		x, _ := sock.outgoing.peek()
		if x.payloadLen > 0 {
			win := int(sock.remoteWindow)
			inFlight := int(x.seqStart() - sock.seqNumAcked)
			if inFlight+x.payloadLen > win && (inFlight > 0 || win == 0) {
				return
			}
		}
		if !s.resolveHop(sock) {
			x.pendingArp = true
			x.result = ErrArpPending
			return
		}
		x.pendingArp = false
		if err := s.tcpTransmit(sock, x); err != nil {
			x.result = err
			return
		}
		x.result = nil
		sock.outgoing.pop()
		x.attempts = 1
		x.timeSent = now
		x.overdueAt = now + sock.rto
		sock.sent.push(x)
		sock.ackPending = false

		if x.flags&tcpFlagFIN != 0 {
			switch sock.state {
			case StateSendFin1, StateSendFin3:
				sock.setState(StateFinWait1)
			case StateSendFin2:
				sock.setState(StateLastAck)
			}
		}
	}
}

func (s *Stack) resolveHop(sock *Socket) bool {
	if sock.hopResolved {
		return true
	}
	mac, err := s.nextHop(sock.remoteIP)
	if err != nil {
		return false
	}
	sock.nextHop = mac
	sock.hopResolved = true
	return true
}

// tcpTransmit writes the headers for x with the socket's current ACK and
// window and hands the frame to the link.
func (s *Stack) tcpTransmit(sock *Socket, x *XmitBuf) error {
	flags := x.flags
	seq := x.seqStart()
	switch {
	case x.forceProbe:
		seq = sock.seqNumAcked - 1
	case x.wasAckOnly || x.forceAckOnly:
		seq = sock.seqNum
	}
	if sock.state != StateSynSent {
		flags |= tcpFlagACK
	}
	f := tcpFields{
		srcPort: sock.localPort,
		dstPort: sock.remotePort,
		seq:     seq,
		flags:   flags,
		window:  sock.window(),
	}
	if flags&tcpFlagACK != 0 {
		f.ack = sock.ackNum
	}
	if flags&tcpFlagSYN != 0 {
		f.mss = s.mss
	}
	if flags&tcpFlagRST != 0 {
		f.window = 0
	}

	const ipStart = ethernetHeaderLen + ipv4HeaderLen
	segLen := f.headerLen() + x.payloadLen
	seg := x.frame[ipStart : ipStart+segLen]
	buildTCPHeaderInto(seg, s.cfg.IP, sock.remoteIP, f)
	s.ipHeader(x.frame, sock.nextHop, ipv4Fields{
		dst:        sock.remoteIP,
		protocol:   tcpProtocolNumber,
		id:         s.nextIPIdent(),
		payloadLen: segLen,
	})
	x.packetLen = ipStart + segLen

	s.tr.Printf(trace.TCP, "tcp: %s send seq=%d ack=%d flags=%#02x len=%d win=%d",
		sock, f.seq, f.ack, flags, x.payloadLen, f.window)
	if err := s.transmit(x.frame[:x.packetLen]); err != nil {
		return err
	}
	s.stats.TCP.Sent++
	sock.advertised = f.window
	return nil
}

type pureKind uint8

const (
	pureAck pureKind = iota
	pureForcedAck
	pureProbe
	pureReset
)

// sendPure emits a zero-payload segment from the socket's control buffer.
// It never enters the sent queue.
func (s *Stack) sendPure(sock *Socket, kind pureKind) error {
	if !s.resolveHop(sock) {
		return ErrArpPending
	}
	x := &sock.ctl
	x.reset()
	switch kind {
	case pureAck:
		x.wasAckOnly = true
	case pureForcedAck:
		x.forceAckOnly = true
	case pureProbe:
		x.forceProbe = true
	case pureReset:
		x.wasAckOnly = true
		x.flags = tcpFlagRST
		s.stats.TCP.ResetsSent++
	}
	err := s.tcpTransmit(sock, x)
	if err == nil {
		sock.ackPending = false
	}
	return err
}

// sendResetFor answers a segment that matches no socket.
func (s *Stack) sendResetFor(h ipv4Header, t tcpHeader, dstMAC MAC) {
	f := tcpFields{srcPort: t.dstPort, dstPort: t.srcPort, flags: tcpFlagRST}
	if t.has(tcpFlagACK) {
		f.seq = t.ack
	} else {
		f.ack = t.seq + t.seqLen()
		f.flags |= tcpFlagACK
	}
	frame := s.scratch[:ethernetHeaderLen+ipv4HeaderLen+tcpHeaderLen]
	buildTCPHeaderInto(frame[ethernetHeaderLen+ipv4HeaderLen:], s.cfg.IP, h.src, f)
	s.ipHeader(frame, dstMAC, ipv4Fields{
		dst:        h.src,
		protocol:   tcpProtocolNumber,
		id:         s.nextIPIdent(),
		payloadLen: tcpHeaderLen,
	})
	if s.transmit(frame) == nil {
		s.stats.TCP.ResetsSent++
	}
}

////////////////////////////////////////////////////////////////////////////////
// Segment processing.
////////////////////////////////////////////////////////////////////////////////

func (s *Stack) processSegment(sock *Socket, seg tcpSegment, now uint32) {
	t := seg.tcp
	s.tr.Printf(trace.TCP, "tcp: %s recv seq=%d ack=%d flags=%#02x len=%d win=%d",
		sock, t.seq, t.ack, t.flags, len(t.payload), t.window)

	switch sock.state {
	case StateClosed, StateListen:
		return
	case StateSynSent:
		s.processSynSent(sock, t, now)
		return
	}
	sock.lastActivity = now

	// A repeated SYN means our SYN+ACK or ACK was lost.
	if t.has(tcpFlagSYN) {
		if !t.has(tcpFlagRST) {
			sock.ackPending = true
		}
		return
	}

	if t.has(tcpFlagACK) && !t.has(tcpFlagRST) &&
		!(seqLTE(sock.seqNumAcked, t.ack) && seqLTE(t.ack, sock.seqNum)) {
		s.stats.TCP.AckErrors++
		sock.badSeq++
		sock.goodSeq = 0
		s.sendPure(sock, pureForcedAck)
		return
	}

	if t.has(tcpFlagRST) {
		if seqLT(t.seq, sock.ackNum) || seqGT(t.seq, sock.ackNum+uint32(sock.window())) {
			s.stats.TCP.SeqErrors++
			return
		}
		s.stats.TCP.ResetsReceived++
		sock.closeWith(CloseReset, ErrPeerReset)
		return
	}

	if !t.has(tcpFlagACK) {
		return
	}
	s.processAck(sock, t, now)
	if sock.state == StateClosed {
		return
	}

	data := t.payload
	fin := t.has(tcpFlagFIN)
	if len(data) == 0 && !fin {
		return
	}

	seq := t.seq
	if seqGT(seq, sock.ackNum) {
		s.stats.TCP.SeqErrors++
		sock.badSeq++
		sock.goodSeq = 0
		sock.ackPending = true
		return
	}
	if seqLT(seq, sock.ackNum) {
		skip := sock.ackNum - seq
		if skip > uint32(len(data)) || (skip == uint32(len(data)) && !fin) {
			s.stats.TCP.DuplicateSegments++
			sock.ackPending = true
			return
		}
		data = data[skip:]
	}

	if len(data) > 0 {
		if !sock.acceptsData() {
			sock.ackPending = true
			return
		}
		if len(data) > sock.recvFree() && !sock.readsDisabled {
			s.stats.TCP.DroppedNoSpace++
			sock.ackPending = true
			return
		}
		if !sock.readsDisabled {
			sock.appendRecv(data)
		}
		sock.ackNum += uint32(len(data))
		sock.ackPending = true
		sock.goodSeq++
		sock.badSeq = 0
		s.stats.TCP.BytesReceived += uint64(len(data))
	}

	if fin {
		sock.ackNum++
		sock.remoteClosed = true
		sock.ackPending = true
		switch sock.state {
		case StateSynRecvd, StateEstablished:
			sock.setState(StateCloseWait)
		case StateSendFin1, StateSendFin3:
			sock.setState(StateSendFin2)
		case StateFinWait1:
			sock.setState(StateClosing)
		case StateFinWait2:
			s.sendPure(sock, pureAck)
			sock.closeWith(CloseNormal, nil)
		}
	}
}

func (sock *Socket) acceptsData() bool {
	switch sock.state {
	case StateEstablished, StateFinWait1, StateFinWait2, StateSendFin1, StateSendFin3:
		return true
	}
	return false
}

func (sock *Socket) appendRecv(data []byte) {
	size := len(sock.recvBuf)
	for len(data) > 0 {
		tail := (sock.recvFirst + sock.recvEntries) % size
		end := size
		if tail < sock.recvFirst {
			end = sock.recvFirst
		}
		c := copy(sock.recvBuf[tail:end], data)
		sock.recvEntries += c
		data = data[c:]
	}
}

func (s *Stack) processSynSent(sock *Socket, t tcpHeader, now uint32) {
	if t.has(tcpFlagACK) && t.ack != sock.iss+1 {
		if !t.has(tcpFlagRST) {
			s.sendResetFor(ipv4Header{src: sock.remoteIP}, t, sock.nextHop)
		}
		return
	}
	if t.has(tcpFlagRST) {
		if t.has(tcpFlagACK) {
			s.stats.TCP.ResetsReceived++
			sock.closeWith(CloseReset, ErrRefused)
		}
		return
	}
	if !t.has(tcpFlagSYN) || !t.has(tcpFlagACK) {
		return
	}

	sock.ackNum = t.seq + 1
	if mss, ok := parseTCPOptions(t.options); ok && mss > 0 {
		sock.remoteMSS = mss
	} else {
		sock.remoteMSS = defaultMSS
	}
	s.processAck(sock, t, now)
	sock.lastActivity = now
	sock.setState(StateEstablished)
	sock.ackPending = true
}

// processAck releases acknowledged segments, feeds the RTT estimator and
// tracks the peer's window.
func (s *Stack) processAck(sock *Socket, t tcpHeader, now uint32) {
	for {
		x, ok := sock.sent.peek()
		if !ok || !seqLTE(x.seqNum, t.ack) {
			break
		}
		sock.sent.pop()
		if x.attempts == 1 {
			sock.rttSample(now-x.timeSent, s.tk.tcpMaxSRTT)
		}
		s.xmit.put(x)
	}
	if seqGT(t.ack, sock.seqNumAcked) {
		sock.seqNumAcked = t.ack
		sock.lastAckRcvd = now
	}

	prev := sock.remoteWindow
	sock.setRemoteWindow(t.window)
	if prev == 0 && t.window > 0 && sock.synchronized() {
		s.stats.TCP.WindowReopened++
	}
	if prev != 0 && t.window == 0 {
		sock.lastProbe = now
	}

	finAcked := sock.finQueued && seqGTE(t.ack, sock.finSeq)
	switch sock.state {
	case StateSynRecvd:
		if seqGTE(t.ack, sock.iss+1) {
			sock.setState(StateEstablished)
		}
	case StateFinWait1:
		if finAcked {
			sock.setState(StateFinWait2)
		}
	case StateClosing, StateLastAck:
		if finAcked {
			sock.closeWith(CloseNormal, nil)
		}
	}
}

// rttSample folds one measurement into the smoothed RTT and deviation and
// recomputes the retransmit interval.
func (sock *Socket) rttSample(ticks, maxRTO uint32) {
	m := int32(ticks)
	if !sock.rttValid {
		sock.srtt8 = m << 3
		sock.rttvar4 = m << 1
		sock.rttValid = true
	} else {
		delta := m - sock.srtt8>>3
		sock.srtt8 += delta
		if delta < 0 {
			delta = -delta
		}
		sock.rttvar4 += delta - sock.rttvar4>>2
	}
	rto := uint32(sock.srtt8>>3 + sock.rttvar4)
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	sock.rto = rto
}
