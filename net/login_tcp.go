package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
)

// LoginServer2 accepts TCP logins. An accepted stream becomes the data
// session itself: it is handed to the default DataTransport2.
type LoginServer2 struct {
	connectorBase

	addr string
	cfg  *LoginCfg
	lmu  sync.Mutex
	ln   net.Listener
	wg   sync.WaitGroup
}

// NewLoginServer2 returns a detached TCP login server for addr. A nil cfg
// uses DefaultLoginCfg.
func NewLoginServer2(name, addr string, cfg *LoginCfg) *LoginServer2 {
	if cfg == nil {
		cfg = DefaultLoginCfg()
	}
	s := &LoginServer2{addr: addr, cfg: cfg}
	s.init(s, name, NewConnectionList(1).FixProtocol(ProtocolTCP))
	return s
}

// StartProgress listens on addr and accepts logins until StopProgress.
func (s *LoginServer2) StartProgress(ctx context.Context) error {
	if s.Manager() == nil {
		return ErrNotAttached
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.ln != nil {
		return ErrConnectorActive
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, map[string]string{"error_type": "listen"})
		return fmt.Errorf("listen fail: %w", err)
	}
	host, _, _ := net.SplitHostPort(s.addr)
	port := ln.Addr().(*net.TCPAddr).Port
	if err := s.conns.Add(Connection{Protocol: ProtocolTCP, Port: port, Target: host}, true); err != nil {
		_ = ln.Close()
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.serve(ctx, ln)
	log.Info().Str("connector", s.Name()).Str("addr", ln.Addr().String()).Msg("tcp login server started")
	return nil
}

// StopProgress closes the listener and waits for in-flight handshakes.
func (s *LoginServer2) StopProgress() error {
	s.lmu.Lock()
	ln := s.ln
	s.ln = nil
	s.lmu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	for _, c := range s.conns.All() {
		s.conns.Remove(c)
	}
	return err
}

// Addr is the bound address, valid after StartProgress.
func (s *LoginServer2) Addr() net.Addr {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *LoginServer2) serve(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			var e net.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			return
		}
		metrics.IncrCounterWithGroup("net", "login_accept_total", 1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, nc)
		}()
	}
}

func (s *LoginServer2) handle(ctx context.Context, nc net.Conn) {
	m := s.Manager()
	if m == nil {
		_ = nc.Close()
		return
	}
	frames := newStreamFrames(nc, m.SessionCfg().MaxFrameSize)
	_ = nc.SetDeadline(time.Now().Add(s.cfg.StreamTimeout()))

	reject := func(t PrimaryMessageType) {
		_ = frames.WriteMessage(&m.newLoginReply(t, nil).Message)
		_ = nc.Close()
	}

	raw, err := frames.ReadMessage()
	if err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			reject(ConnectFailed_ExpectLogin)
			return
		}
		log.Debug().Str("peer", nc.RemoteAddr().String()).Err(err).Msg("login stream closed before request")
		_ = nc.Close()
		return
	}
	peer, verdict := m.checkLogin(&PrimaryMessage{Message: *raw})
	if verdict != ConnectAllowed {
		reject(verdict)
		return
	}
	dt, ok := m.DefaultDataTransport().(*DataTransport2)
	if !ok {
		log.Warn().Str("connector", s.Name()).Msg("no tcp data transport for login")
		reject(ConnectFailed)
		return
	}
	if dt.Connections().IsFull() {
		reject(ConnectFailed)
		return
	}

	// the pool is keyed by the peer's endpoint; the reply names ours
	conn := remoteConnection(nc)
	u, err := m.acceptLogin(peer, Route{ConnectorID: dt.ID(), Connection: conn})
	if err != nil {
		reject(ConnectFailed_FullServer)
		return
	}
	local := nc.LocalAddr().(*net.TCPAddr)
	advertised := Connection{Protocol: ProtocolTCP, Port: local.Port, Target: local.IP.String()}
	if err := frames.WriteMessage(&m.newLoginReply(ConnectAllowed, &advertised).Message); err != nil {
		m.LogoutUser(u)
		_ = nc.Close()
		return
	}
	_ = nc.SetDeadline(time.Time{})
	if err := dt.addFrames(frames, conn, u, false); err != nil {
		log.Warn().Str("connection", conn.String()).Err(err).Msg("adopt login stream failed")
		m.LogoutUser(u)
	}
}

// LoginClient2 logs in over TCP and keeps the stream as its data session
// on the default DataTransport2. It remembers the last address so the
// manager can reconnect after a lost session.
type LoginClient2 struct {
	connectorBase
	loginState

	cfg      *LoginCfg
	amu      sync.Mutex
	lastAddr string
}

// NewLoginClient2 returns a detached TCP login client. A nil cfg uses
// DefaultLoginCfg.
func NewLoginClient2(name string, cfg *LoginCfg) *LoginClient2 {
	if cfg == nil {
		cfg = DefaultLoginCfg()
	}
	c := &LoginClient2{cfg: cfg}
	c.init(c, name, NewConnectionList(1).FixProtocol(ProtocolTCP))
	return c
}

// StartProgress only checks that the client is attached; logins are started
// by Login.
func (c *LoginClient2) StartProgress(ctx context.Context) error {
	if c.Manager() == nil {
		return ErrNotAttached
	}
	return nil
}

// StopProgress does nothing.
func (c *LoginClient2) StopProgress() error { return nil }

// Login dials addr and runs the exchange. On success the client becomes
// the manager's Reconnector.
func (c *LoginClient2) Login(ctx context.Context, addr string) (*User, LoginState, error) {
	m := c.Manager()
	if m == nil {
		return nil, LoginNotConnectable, ErrNotAttached
	}
	c.amu.Lock()
	c.lastAddr = addr
	c.amu.Unlock()

	c.set(LoginIsConnecting)
	u, state, err := c.login(ctx, m, addr)
	c.set(state)
	loginClientResult(state)
	if state == LoginConnected {
		m.SetReconnector(c)
	}
	return u, state, err
}

// Reconnect logs in again to the last address.
func (c *LoginClient2) Reconnect(ctx context.Context) error {
	c.amu.Lock()
	addr := c.lastAddr
	c.amu.Unlock()
	if addr == "" {
		return errors.New("no previous login")
	}
	_, _, err := c.Login(ctx, addr)
	return err
}

func (c *LoginClient2) login(ctx context.Context, m *Manager, addr string) (*User, LoginState, error) {
	dt, ok := m.DefaultDataTransport().(*DataTransport2)
	if !ok {
		return nil, LoginNotConnectable, errors.New("no tcp data transport")
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.StreamTimeout())
	defer cancel()
	var d net.Dialer
	nc, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, LoginNotConnectable, fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = nc.Close()
		}
	}()

	local := Connection{Protocol: ProtocolTCP, Port: nc.LocalAddr().(*net.TCPAddr).Port}
	if err := c.conns.Add(local, true); err != nil {
		return nil, LoginNotConnectable, err
	}
	defer c.conns.Remove(local)

	deadline := time.Now().Add(c.cfg.StreamTimeout())
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = nc.SetDeadline(deadline)

	frames := newStreamFrames(nc, m.SessionCfg().MaxFrameSize)
	req, err := m.newLoginRequest()
	if err != nil {
		return nil, LoginNotConnectable, err
	}
	if err := frames.WriteMessage(&req.Message); err != nil {
		return nil, LoginNotConnectable, fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}
	raw, err := frames.ReadMessage()
	if err != nil {
		return nil, LoginNotConnectable, fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}
	_, gid, state, err := parseLoginReply(&PrimaryMessage{Message: *raw})
	if state != LoginConnected {
		return nil, state, err
	}
	_ = nc.SetDeadline(time.Time{})

	conn := remoteConnection(nc)
	u, err := m.registerUser(gid, Route{ConnectorID: dt.ID(), Connection: conn})
	if err != nil {
		return nil, LoginNotConnectable, err
	}
	keep = true
	if err := dt.addFrames(frames, conn, u, true); err != nil {
		m.LogoutUser(u)
		return nil, LoginNotConnectable, err
	}
	log.Info().Str("server", addr).Str("peer", gid.String()).Str("connection", conn.String()).Msg("tcp login connected")
	return u, LoginConnected, nil
}
