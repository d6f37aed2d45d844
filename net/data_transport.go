package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
	"github.com/lcx/peerlink/utils"
)

// sessionTable maps a connection to its live session.
type sessionTable struct {
	tmu      sync.RWMutex
	sessions map[Connection]*session
}

func (t *sessionTable) initTable() { t.sessions = make(map[Connection]*session) }

func (t *sessionTable) put(c Connection, s *session) {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	t.sessions[c] = s
}

func (t *sessionTable) get(c Connection) *session {
	t.tmu.RLock()
	defer t.tmu.RUnlock()
	return t.sessions[c]
}

func (t *sessionTable) take(c Connection) *session {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	s := t.sessions[c]
	delete(t.sessions, c)
	return s
}

func (t *sessionTable) sendOn(msg *PrimaryMessage) error {
	if msg.Route == nil {
		return errors.New("message has no route")
	}
	s := t.get(msg.Route.Connection)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrConnectionUnknown, msg.Route.Connection)
	}
	return s.send(msg)
}

// DataTransport carries sessions over UDP, one Message per datagram. Server
// slots are sockets bound at StartProgress and handed out by the login
// server; client sessions are dialed to the slot the server allocated.
//
// Every used connection runs a session that owns its socket. When the
// connection is removed, either by the session ending or by the caller, the
// session stops and a server slot is bound again and returned to the pool as
// free. A transport built with WithTransportSessionCfg uses those settings instead of
// the manager's.
type DataTransport struct {
	connectorBase
	sessionTable

	opts    *transportOptions
	smu     sync.Mutex
	idle    map[Connection]*net.UDPConn
	running bool
}

// NewDataTransport returns a detached UDP transport. Slots are bound when the
// manager starts it.
func NewDataTransport(name string, opts ...TransportOption) *DataTransport {
	o := newTransportOptions(opts)
	t := &DataTransport{
		opts: o,
		idle: make(map[Connection]*net.UDPConn),
	}
	t.initTable()
	t.init(t, name, NewConnectionList(o.maxConns).FixProtocol(ProtocolUDP))
	return t
}

// StartProgress binds the server slots.
func (t *DataTransport) StartProgress(ctx context.Context) error {
	if t.Manager() == nil {
		return ErrNotAttached
	}
	t.smu.Lock()
	if t.running {
		t.smu.Unlock()
		return ErrConnectorActive
	}
	t.running = true
	for _, port := range t.opts.ports {
		if err := t.bindSlotLocked(port); err != nil {
			t.running = false
			t.closeIdleLocked()
			t.smu.Unlock()
			t.removeAll()
			return err
		}
	}
	t.smu.Unlock()
	log.Info().Str("connector", t.Name()).Int("slots", len(t.opts.ports)).Msg("data transport started")
	return nil
}

func (t *DataTransport) bindSlotLocked(port int) error {
	addr, err := net.ResolveUDPAddr("udp", utils.JoinHostPort(t.opts.host, port))
	if err != nil {
		return fmt.Errorf("resolve slot: %w", err)
	}
	uc, err := net.ListenUDP("udp", addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, map[string]string{"error_type": "listen"})
		return fmt.Errorf("bind slot %d: %w", port, err)
	}
	c := Connection{Protocol: ProtocolUDP, Port: uc.LocalAddr().(*net.UDPAddr).Port}
	if err := t.conns.Add(c, false); err != nil {
		_ = uc.Close()
		return err
	}
	t.idle[c] = uc
	return nil
}

func (t *DataTransport) closeIdleLocked() {
	for c, uc := range t.idle {
		_ = uc.Close()
		delete(t.idle, c)
	}
}

// removeAll empties the pool; each removal stops its session.
func (t *DataTransport) removeAll() {
	for _, c := range t.conns.All() {
		t.conns.Remove(c)
	}
}

// StopProgress closes every socket and drops all connections without
// raising ConnectionLost.
func (t *DataTransport) StopProgress() error {
	t.smu.Lock()
	t.running = false
	t.closeIdleLocked()
	t.smu.Unlock()

	t.removeAll()
	return nil
}

// OpenServerSession starts the server end of slot c for user u. c must be
// a bound slot, usually one returned by TakeFree.
func (t *DataTransport) OpenServerSession(c Connection, u *User) error {
	m := t.Manager()
	if m == nil {
		return ErrNotAttached
	}
	t.smu.Lock()
	uc, ok := t.idle[c]
	delete(t.idle, c)
	t.smu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not an idle slot", ErrConnectionUnknown, c)
	}
	if err := t.conns.SetUsed(c, true); err != nil {
		_ = uc.Close()
		return err
	}

	s := newSession(sessionParams{
		connectorID: t.ID(),
		manager:     m,
		conn:        c,
		frames:      newPacketFrames(uc, false),
		cfg:         t.sessionCfg(m),
		user:        u,
		userLogout:  true,
	})
	t.put(c, s)
	s.start()
	return nil
}

// Dial opens the client end towards the server slot c. An empty target in c
// is replaced by host.
func (t *DataTransport) Dial(c Connection, host string, u *User, retry bool) (Connection, error) {
	m := t.Manager()
	if m == nil {
		return Connection{}, ErrNotAttached
	}
	target := c
	if target.Target == "" || utils.IsAnyHost(target.Target) {
		target.Target = host
	}
	raddr, err := net.ResolveUDPAddr("udp", target.Address(host))
	if err != nil {
		return Connection{}, fmt.Errorf("resolve %s: %w", target, err)
	}
	uc, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return Connection{}, fmt.Errorf("dial %s: %w", target, err)
	}
	if err := t.conns.Add(target, true); err != nil {
		_ = uc.Close()
		return Connection{}, err
	}

	s := newSession(sessionParams{
		connectorID: t.ID(),
		manager:     m,
		conn:        target,
		frames:      newPacketFrames(uc, true),
		cfg:         t.sessionCfg(m),
		user:        u,
		retry:       retry,
		userLogout:  true,
	})
	t.put(target, s)
	s.start()
	return target, nil
}

// PeerHost is the remote host of the session on c, once known.
func (t *DataTransport) PeerHost(c Connection) (string, bool) {
	s := t.get(c)
	if s == nil {
		return "", false
	}
	h := utils.HostOf(s.frames.RemoteAddr())
	return h, h != ""
}

// Send queues msg on the session of msg.Route.Connection.
func (t *DataTransport) Send(msg *PrimaryMessage) error { return t.sendOn(msg) }

// ConnectionRemoved stops the session and rebinds server slots so the
// login server can hand them out again.
func (t *DataTransport) ConnectionRemoved(c Connection) {
	if s := t.take(c); s != nil {
		s.stop()
	}
	t.smu.Lock()
	defer t.smu.Unlock()
	if uc, ok := t.idle[c]; ok {
		_ = uc.Close()
		delete(t.idle, c)
	}
	if !t.running || c.Target != "" || !t.isServerPort(c.Port) {
		return
	}
	if err := t.bindSlotLocked(c.Port); err != nil {
		log.Warn().Str("connector", t.Name()).Str("connection", c.String()).Err(err).Msg("rebind slot failed")
	}
}

func (t *DataTransport) isServerPort(port int) bool {
	for _, p := range t.opts.ports {
		if p == port || p == 0 {
			return true
		}
	}
	return false
}

func (t *DataTransport) sessionCfg(m *Manager) *SessionCfg {
	if t.opts.session != nil {
		return t.opts.session
	}
	return m.SessionCfg()
}

// DataTransport2 carries sessions over TCP with length-prefixed frames. It
// opens no sockets itself; logins hand it established streams.
type DataTransport2 struct {
	connectorBase
	sessionTable

	opts    *transportOptions
	rmu     sync.Mutex
	running bool
}

// NewDataTransport2 returns a detached TCP transport.
func NewDataTransport2(name string, opts ...TransportOption) *DataTransport2 {
	o := newTransportOptions(opts)
	t := &DataTransport2{opts: o}
	t.initTable()
	t.init(t, name, NewConnectionList(o.maxConns).FixProtocol(ProtocolTCP))
	return t
}

// StartProgress marks the transport ready to adopt streams.
func (t *DataTransport2) StartProgress(ctx context.Context) error {
	if t.Manager() == nil {
		return ErrNotAttached
	}
	t.rmu.Lock()
	defer t.rmu.Unlock()
	if t.running {
		return ErrConnectorActive
	}
	t.running = true
	return nil
}

// StopProgress removes every connection, ending its session.
func (t *DataTransport2) StopProgress() error {
	t.rmu.Lock()
	t.running = false
	t.rmu.Unlock()
	for _, c := range t.conns.All() {
		t.conns.Remove(c)
	}
	return nil
}

// AddConnection adopts nc as the session for c. The stream is closed when
// the connection cannot be added.
func (t *DataTransport2) AddConnection(nc net.Conn, c Connection, u *User, retry bool) error {
	m := t.Manager()
	if m == nil {
		_ = nc.Close()
		return ErrNotAttached
	}
	return t.addFrames(newStreamFrames(nc, t.sessionCfg(m).MaxFrameSize), c, u, retry)
}

// addFrames keeps the reader of a login exchange so nothing it buffered is lost.
func (t *DataTransport2) addFrames(frames *streamFrames, c Connection, u *User, retry bool) error {
	m := t.Manager()
	if m == nil {
		_ = frames.Close()
		return ErrNotAttached
	}
	if err := t.conns.Add(c, true); err != nil {
		_ = frames.Close()
		return err
	}
	s := newSession(sessionParams{
		connectorID: t.ID(),
		manager:     m,
		conn:        c,
		frames:      frames,
		cfg:         t.sessionCfg(m),
		user:        u,
		retry:       retry,
		userLogout:  true,
	})
	t.put(c, s)
	s.start()
	return nil
}

// PeerHost is the remote host of the stream on c.
func (t *DataTransport2) PeerHost(c Connection) (string, bool) {
	s := t.get(c)
	if s == nil {
		return "", false
	}
	h := utils.HostOf(s.frames.RemoteAddr())
	return h, h != ""
}

// Send queues msg on the session of msg.Route.Connection.
func (t *DataTransport2) Send(msg *PrimaryMessage) error { return t.sendOn(msg) }

// ConnectionRemoved stops the session on c.
func (t *DataTransport2) ConnectionRemoved(c Connection) {
	if s := t.take(c); s != nil {
		s.stop()
	}
}

func (t *DataTransport2) sessionCfg(m *Manager) *SessionCfg {
	if t.opts.session != nil {
		return t.opts.session
	}
	return m.SessionCfg()
}

// remoteConnection names an accepted stream by its remote endpoint.
func remoteConnection(nc net.Conn) Connection {
	host, port := "", 0
	if h, p, err := net.SplitHostPort(nc.RemoteAddr().String()); err == nil {
		host = h
		port, _ = strconv.Atoi(p)
	}
	return Connection{Protocol: ProtocolTCP, Port: port, Target: host}
}
