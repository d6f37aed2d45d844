package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/utils"
)

// LoginServer answers UDP login datagrams. An accepted client gets a free
// slot of the default DataTransport, or the fixed connection when one is set.
type LoginServer struct {
	connectorBase

	addr  string
	cfg   *LoginCfg
	lmu   sync.Mutex
	uc    *net.UDPConn
	fixed *Connection
	done  chan struct{}
}

// NewLoginServer returns a detached login server for addr. A nil cfg uses
// DefaultLoginCfg.
func NewLoginServer(name, addr string, cfg *LoginCfg) *LoginServer {
	if cfg == nil {
		cfg = DefaultLoginCfg()
	}
	s := &LoginServer{addr: addr, cfg: cfg}
	s.init(s, name, NewConnectionList(1).FixProtocol(ProtocolUDP))
	return s
}

// SetFixedConnection makes every accepted login use c on the default data
// transport instead of allocating a slot. The caller owns the session on c.
func (s *LoginServer) SetFixedConnection(c *Connection) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.fixed = c
}

// StartProgress binds the UDP socket and starts answering requests.
func (s *LoginServer) StartProgress(ctx context.Context) error {
	if s.Manager() == nil {
		return ErrNotAttached
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.uc != nil {
		return ErrConnectorActive
	}
	addr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	uc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen fail: %w", err)
	}
	local := uc.LocalAddr().(*net.UDPAddr)
	host, _, _ := net.SplitHostPort(s.addr)
	if err := s.conns.Add(Connection{Protocol: ProtocolUDP, Port: local.Port, Target: host}, true); err != nil {
		_ = uc.Close()
		return err
	}
	s.uc = uc
	s.done = make(chan struct{})
	go s.serve(uc, s.done)
	log.Info().Str("connector", s.Name()).Str("addr", local.String()).Msg("udp login server started")
	return nil
}

// StopProgress closes the socket and waits for the serve loop to exit.
// Sessions already handed out keep running.
func (s *LoginServer) StopProgress() error {
	s.lmu.Lock()
	uc, done := s.uc, s.done
	s.uc = nil
	s.lmu.Unlock()
	if uc == nil {
		return nil
	}
	err := uc.Close()
	<-done
	for _, c := range s.conns.All() {
		s.conns.Remove(c)
	}
	return err
}

// Addr is the bound address, valid after StartProgress.
func (s *LoginServer) Addr() net.Addr {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.uc == nil {
		return nil
	}
	return s.uc.LocalAddr()
}

func (s *LoginServer) serve(uc *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, _maxDatagram)
	for {
		n, from, err := uc.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Str("connector", s.Name()).Err(err).Msg("login read failed")
			continue
		}
		reply := s.handle(buf[:n])
		if _, err := uc.WriteToUDP(reply.Message.Save(), from); err != nil {
			log.Warn().Str("connector", s.Name()).Str("peer", from.String()).Err(err).Msg("login reply failed")
		}
	}
}

func (s *LoginServer) handle(datagram []byte) *PrimaryMessage {
	m := s.Manager()
	req, err := LoadPrimaryMessage(datagram)
	if err != nil {
		return m.newLoginReply(ConnectFailed_ExpectLogin, nil)
	}
	peer, verdict := m.checkLogin(req)
	if verdict != ConnectAllowed {
		return m.newLoginReply(verdict, nil)
	}

	dt, ok := m.DefaultDataTransport().(*DataTransport)
	if !ok {
		log.Warn().Str("connector", s.Name()).Msg("no udp data transport for login")
		return m.newLoginReply(ConnectFailed, nil)
	}

	s.lmu.Lock()
	fixed := s.fixed
	s.lmu.Unlock()
	if fixed != nil {
		if _, err := m.acceptLogin(peer, Route{ConnectorID: dt.ID(), Connection: *fixed}); err != nil {
			return m.newLoginReply(ConnectFailed_FullServer, nil)
		}
		return m.newLoginReply(ConnectAllowed, fixed)
	}

	slot, ok := dt.Connections().TakeFree()
	if !ok {
		return m.newLoginReply(ConnectFailed, nil)
	}
	u, err := m.acceptLogin(peer, Route{ConnectorID: dt.ID(), Connection: slot})
	if err != nil {
		_ = dt.Connections().SetUsed(slot, false)
		return m.newLoginReply(ConnectFailed_FullServer, nil)
	}
	if err := dt.OpenServerSession(slot, u); err != nil {
		log.Warn().Str("connection", slot.String()).Err(err).Msg("open server session failed")
		m.LogoutUser(u)
		return m.newLoginReply(ConnectFailed, nil)
	}
	return m.newLoginReply(ConnectAllowed, &slot)
}

// LoginClient logs in to a LoginServer and dials the data slot it is given
// on the default DataTransport.
type LoginClient struct {
	connectorBase
	loginState

	cfg *LoginCfg
}

// NewLoginClient returns a detached UDP login client. A nil cfg uses
// DefaultLoginCfg.
func NewLoginClient(name string, cfg *LoginCfg) *LoginClient {
	if cfg == nil {
		cfg = DefaultLoginCfg()
	}
	c := &LoginClient{cfg: cfg}
	c.init(c, name, NewConnectionList(1).FixProtocol(ProtocolUDP))
	return c
}

// StartProgress only checks that the client is attached; logins are started
// by Login.
func (c *LoginClient) StartProgress(ctx context.Context) error {
	if c.Manager() == nil {
		return ErrNotAttached
	}
	return nil
}

// StopProgress does nothing.
func (c *LoginClient) StopProgress() error { return nil }

// Login runs one exchange with the server at addr. A server that does not
// answer within the login timeout is NotConnectable.
func (c *LoginClient) Login(ctx context.Context, addr string) (*User, LoginState, error) {
	m := c.Manager()
	if m == nil {
		return nil, LoginNotConnectable, ErrNotAttached
	}
	c.set(LoginIsConnecting)
	u, state, err := c.login(ctx, m, addr)
	c.set(state)
	loginClientResult(state)
	return u, state, err
}

func (c *LoginClient) login(ctx context.Context, m *Manager, addr string) (*User, LoginState, error) {
	dt, ok := m.DefaultDataTransport().(*DataTransport)
	if !ok {
		return nil, LoginNotConnectable, errors.New("no udp data transport")
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, LoginNotConnectable, fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}
	uc, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, LoginNotConnectable, fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}
	defer uc.Close()

	local := Connection{Protocol: ProtocolUDP, Port: uc.LocalAddr().(*net.UDPAddr).Port}
	if err := c.conns.Add(local, true); err != nil {
		return nil, LoginNotConnectable, err
	}
	defer c.conns.Remove(local)

	req, err := m.newLoginRequest()
	if err != nil {
		return nil, LoginNotConnectable, err
	}
	deadline := time.Now().Add(c.cfg.Timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = uc.SetDeadline(deadline)
	if _, err := uc.Write(req.Message.Save()); err != nil {
		return nil, LoginNotConnectable, fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}

	buf := make([]byte, _maxDatagram)
	n, err := uc.Read(buf)
	if err != nil {
		return nil, LoginNotConnectable, fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}
	reply, err := LoadPrimaryMessage(buf[:n])
	if err != nil {
		return nil, LoginNotConnectable, fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}
	slot, gid, state, err := parseLoginReply(reply)
	if state != LoginConnected {
		return nil, state, err
	}

	host := raddr.IP.String()
	target := slot
	target.Target = utils.DialHost(slot.Target, host)
	u, err := m.registerUser(gid, Route{ConnectorID: dt.ID(), Connection: target})
	if err != nil {
		return nil, LoginNotConnectable, err
	}
	if _, err := dt.Dial(slot, host, u, false); err != nil {
		m.LogoutUser(u)
		return nil, LoginNotConnectable, fmt.Errorf("%w: %v", ErrNotConnectable, err)
	}
	return u, LoginConnected, nil
}
