package netstack

import "github.com/tinyrange/mtcp/internal/trace"

// socketManager owns the fixed socket table. active holds allocated
// sockets in allocation order; avail is a stack of free ones.
type socketManager struct {
	s              *Stack
	all            []*Socket
	active         []*Socket
	avail          []*Socket
	pendingAccepts int
	dupFrees       uint64
}

func newSocketManager(s *Stack) *socketManager {
	n := s.lim.TCPMaxSockets
	m := &socketManager{
		s:      s,
		all:    make([]*Socket, n),
		active: make([]*Socket, 0, n),
		avail:  make([]*Socket, 0, n),
	}
	for i := range m.all {
		m.all[i] = newSocket(s, i)
	}
	for i := n - 1; i >= 0; i-- {
		m.avail = append(m.avail, m.all[i])
	}
	return m
}

// GetSocket allocates a closed socket, or returns ErrNoSockets.
func (s *Stack) GetSocket() (*Socket, error) {
	m := s.sockets
	if len(m.avail) == 0 {
		return nil, ErrNoSockets
	}
	sock := m.avail[len(m.avail)-1]
	m.avail = m.avail[:len(m.avail)-1]
	sock.reinit()
	sock.allocated = true
	m.active = append(m.active, sock)
	return sock, nil
}

// FreeSocket returns sock to the table, resetting it first if it is still
// open. Freeing a socket twice is counted and otherwise ignored.
func (s *Stack) FreeSocket(sock *Socket) {
	m := s.sockets
	if sock == nil || !sock.allocated {
		m.dupFrees++
		s.tr.Printf(trace.Warning, "tcp: socket freed twice")
		return
	}
	if sock.state != StateClosed {
		sock.abort(CloseForced, nil)
	}
	if sock.pendingAccept {
		sock.pendingAccept = false
		m.pendingAccepts--
	}
	for i, a := range m.active {
		if a == sock {
			copy(m.active[i:], m.active[i+1:])
			m.active[len(m.active)-1] = nil
			m.active = m.active[:len(m.active)-1]
			break
		}
	}
	sock.reinit()
	sock.allocated = false
	m.avail = append(m.avail, sock)
}

// Accept returns the oldest connection that completed its handshake on a
// listening port, or nil.
func (s *Stack) Accept() *Socket {
	m := s.sockets
	m.sweepPendingAccepts(s.clock.Now())
	if m.pendingAccepts == 0 {
		return nil
	}
	for _, sock := range m.active {
		if sock.pendingAccept && sock.state >= StateEstablished {
			sock.pendingAccept = false
			m.pendingAccepts--
			return sock
		}
	}
	return nil
}

// sweepPendingAccepts resets connections nobody accepted in time.
func (m *socketManager) sweepPendingAccepts(now uint32) {
	if m.pendingAccepts == 0 {
		return
	}
	s := m.s
	for i := 0; i < len(m.active); {
		sock := m.active[i]
		if sock.pendingAccept && (sock.state == StateClosed || now-sock.pendingSince >= s.tk.tcpPATimeout) {
			s.tr.Printf(trace.TCP, "tcp: %s not accepted in time", sock)
			s.FreeSocket(sock)
			continue
		}
		i++
	}
}

// lookup finds the connected socket for a 4-tuple.
func (m *socketManager) lookup(localPort uint16, rip IPAddr, rport uint16) *Socket {
	for _, sock := range m.active {
		if sock.state == StateClosed || sock.state == StateListen {
			continue
		}
		if sock.localPort == localPort && sock.remotePort == rport && sock.remoteIP == rip {
			return sock
		}
	}
	return nil
}

func (m *socketManager) listener(port uint16) *Socket {
	for _, sock := range m.active {
		if sock.state == StateListen && sock.localPort == port {
			return sock
		}
	}
	return nil
}

// tupleInUse reports whether a socket other than self already owns the
// connection.
func (m *socketManager) tupleInUse(self *Socket, localPort uint16, rip IPAddr, rport uint16) bool {
	for _, sock := range m.active {
		if sock == self || sock.state == StateClosed || sock.state == StateListen {
			continue
		}
		if sock.localPort == localPort && sock.remotePort == rport && sock.remoteIP == rip {
			return true
		}
	}
	return false
}

func (m *socketManager) portInUse(port uint16) bool {
	for _, sock := range m.active {
		if sock.state != StateClosed && sock.localPort == port {
			return true
		}
	}
	return false
}

// Sockets returns a summary of every allocated socket.
func (s *Stack) Sockets() []SocketInfo {
	out := make([]SocketInfo, 0, len(s.sockets.active))
	for _, sock := range s.sockets.active {
		o, sent := sock.Queued()
		out = append(out, SocketInfo{
			LocalPort:     sock.localPort,
			RemoteIP:      sock.remoteIP.String(),
			RemotePort:    sock.remotePort,
			State:         sock.state.String(),
			PendingAccept: sock.pendingAccept,
			Outgoing:      o,
			Sent:          sent,
			RecvWaiting:   sock.recvEntries,
			RemoteWindow:  sock.remoteWindow,
			SRTT:          sock.SRTT().String(),
		})
	}
	return out
}

// SocketInfo describes one socket for diagnostics.
type SocketInfo struct {
	LocalPort     uint16 `json:"local_port"`
	RemoteIP      string `json:"remote_ip"`
	RemotePort    uint16 `json:"remote_port"`
	State         string `json:"state"`
	PendingAccept bool   `json:"pending_accept,omitempty"`
	Outgoing      int    `json:"outgoing"`
	Sent          int    `json:"sent"`
	RecvWaiting   int    `json:"recv_waiting"`
	RemoteWindow  uint16 `json:"remote_window"`
	SRTT          string `json:"srtt"`
}
