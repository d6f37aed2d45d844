package net

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPLoginConnected(t *testing.T) {
	var serverEv eventLog
	s := newTCPServer(t, "app", serverEv.events())
	c := newTCPClient(t, "app", ManagerEvents{})

	u := connectTCP(t, s, c)
	assert.Equal(t, s.m.Identity().ID, u.GlobalID)
	assert.False(t, u.IsProxy())
	assert.Equal(t, c.data.ID(), u.DefaultConnector())
	assert.Equal(t, LoginConnected, c.login.State())
	assert.Equal(t, 1, c.data.Connections().Count())

	peer := s.m.Users().GetByGlobalID(c.m.Identity().ID)
	require.NotNil(t, peer)
	assert.Equal(t, s.data.ID(), peer.DefaultConnector())
	assert.Equal(t, 1, s.data.Connections().Count())

	require.NoError(t, c.m.Push(u, BinaryData([]byte("hello"))))
	require.Eventually(t, func() bool { return serverEv.pushCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	serverEv.mu.Lock()
	msg := serverEv.pushes[0]
	serverEv.mu.Unlock()
	assert.Same(t, peer, msg.From)
	b, err := msg.Data.Binary()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)
}

func TestTCPLoginWrongIdentification(t *testing.T) {
	s := newTCPServer(t, "app", ManagerEvents{})
	c := newTCPClient(t, "other", ManagerEvents{})

	u, state, err := c.login.Login(context.Background(), s.addr())
	assert.Nil(t, u)
	assert.Equal(t, LoginWrongID, state)
	assert.ErrorIs(t, err, ErrWrongIdentification)
	assert.Equal(t, LoginWrongID, c.login.State())
	assert.Equal(t, 0, s.m.Users().Count())
	assert.Equal(t, 0, c.m.Users().Count())
}

func TestTCPLoginServerFull(t *testing.T) {
	s := newTCPServer(t, "app", ManagerEvents{}, func(cfg *ManagerCfg) { cfg.MaxUsers = 1 })
	first := newTCPClient(t, "app", ManagerEvents{})
	connectTCP(t, s, first)

	second := newTCPClient(t, "app", ManagerEvents{})
	u, state, err := second.login.Login(context.Background(), s.addr())
	assert.Nil(t, u)
	assert.Equal(t, LoginServerFull, state)
	assert.ErrorIs(t, err, ErrServerFull)
	assert.Equal(t, 1, s.m.Users().Count())
}

func TestTCPLoginNotConnectable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := newTCPClient(t, "app", ManagerEvents{})
	_, state, err := c.login.Login(context.Background(), addr)
	assert.Equal(t, LoginNotConnectable, state)
	assert.ErrorIs(t, err, ErrNotConnectable)
}

func TestPingMeasuresRoundTrip(t *testing.T) {
	s := newTCPServer(t, "app", ManagerEvents{})
	c := newTCPClient(t, "app", ManagerEvents{})
	u := connectTCP(t, s, c)

	require.Eventually(t, func() bool {
		_, ok := u.Ping()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	d, _ := u.Ping()
	assert.Less(t, d, time.Second)

	peer := s.m.Users().GetByGlobalID(c.m.Identity().ID)
	require.Eventually(t, func() bool {
		_, ok := peer.Ping()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionLostFiresOnce(t *testing.T) {
	var serverEv eventLog
	s := newTCPServer(t, "app", serverEv.events())
	c := newTCPClient(t, "app", ManagerEvents{})
	connectTCP(t, s, c)
	peer := s.m.Users().GetByGlobalID(c.m.Identity().ID)

	require.NoError(t, c.m.Stop())

	require.Eventually(t, func() bool { return serverEv.lostCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, serverEv.lostCount())

	serverEv.mu.Lock()
	args := serverEv.lost[0]
	logouts := append([]*User(nil), serverEv.logouts...)
	serverEv.mu.Unlock()

	assert.Equal(t, s.data.ID(), args.ConnectorID)
	assert.Same(t, peer, args.User)
	assert.True(t, args.UserLogout)
	assert.False(t, args.Retry)
	assert.Error(t, args.Err)

	assert.Equal(t, 0, s.data.Connections().Count())
	assert.Nil(t, s.m.Users().GetByGlobalID(c.m.Identity().ID))
	assert.Equal(t, []*User{peer}, logouts)
}

func TestStopRaisesNoConnectionLost(t *testing.T) {
	var clientEv eventLog
	s := newTCPServer(t, "app", ManagerEvents{})
	c := newTCPClient(t, "app", clientEv.events())
	connectTCP(t, s, c)

	require.NoError(t, c.m.Stop())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, clientEv.lostCount())
	assert.Equal(t, 0, c.data.Connections().Count())
}

func TestTCPReconnectAfterServerDrop(t *testing.T) {
	var clientEv eventLog
	s := newTCPServer(t, "app", ManagerEvents{})
	c := newTCPClient(t, "app", clientEv.events())
	c.m.Config().AutoReconnectMillSec = 50
	connectTCP(t, s, c)

	// drop the server side of the stream; the client must log in again
	for _, conn := range s.data.Connections().All() {
		s.data.Connections().Remove(conn)
	}

	require.Eventually(t, func() bool { return clientEv.lostCount() >= 1 }, 3*time.Second, 10*time.Millisecond)
	clientEv.mu.Lock()
	assert.True(t, clientEv.lost[0].Retry)
	clientEv.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.data.Connections().Count() == 1 && c.m.Users().GetByGlobalID(s.m.Identity().ID) != nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, LoginConnected, c.login.State())
}

func TestUDPLogin(t *testing.T) {
	var serverEv eventLog
	server := newTestManager(t, "app", serverEv.events())
	sdt := NewDataTransport("data", WithServerPorts(0, 0), WithListenHost("127.0.0.1"))
	addDefaultData(t, server, sdt)
	ls := NewLoginServer("login", "127.0.0.1:0", nil)
	_, err := server.AddConnector(ls)
	require.NoError(t, err)
	assert.Equal(t, 2, sdt.Connections().Count())

	client := newTestManager(t, "app", ManagerEvents{})
	cdt := NewDataTransport("data")
	addDefaultData(t, client, cdt)
	lc := NewLoginClient("login", nil)
	_, err = client.AddConnector(lc)
	require.NoError(t, err)

	u, state, err := lc.Login(context.Background(), ls.Addr().String())
	require.NoError(t, err)
	require.Equal(t, LoginConnected, state)
	assert.Equal(t, server.Identity().ID, u.GlobalID)
	assert.Equal(t, "127.0.0.1", u.DefaultConnection().Target)

	peer := server.Users().GetByGlobalID(client.Identity().ID)
	require.NotNil(t, peer)
	used, ok := sdt.Connections().IsUsed(peer.DefaultConnection())
	require.True(t, ok)
	assert.True(t, used)

	require.NoError(t, client.Push(u, BinaryData([]byte("over udp"))))
	require.Eventually(t, func() bool { return serverEv.pushCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// the server learns the client's address from its first datagram and
	// can answer on the slot
	require.Eventually(t, func() bool {
		_, ok := peer.Ping()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, server.Push(peer, BinaryData([]byte("back"))))
}

func TestUDPLoginNoFreeSlot(t *testing.T) {
	server := newTestManager(t, "app", ManagerEvents{})
	sdt := NewDataTransport("data", WithServerPorts(0), WithListenHost("127.0.0.1"))
	addDefaultData(t, server, sdt)
	ls := NewLoginServer("login", "127.0.0.1:0", nil)
	_, err := server.AddConnector(ls)
	require.NoError(t, err)

	login := func() (LoginState, error) {
		client := newTestManager(t, "app", ManagerEvents{})
		addDefaultData(t, client, NewDataTransport("data"))
		lc := NewLoginClient("login", nil)
		_, err := client.AddConnector(lc)
		require.NoError(t, err)
		_, state, err := lc.Login(context.Background(), ls.Addr().String())
		return state, err
	}

	state, err := login()
	require.NoError(t, err)
	assert.Equal(t, LoginConnected, state)

	state, err = login()
	assert.Equal(t, LoginNotConnectable, state)
	assert.ErrorIs(t, err, ErrNotConnectable)
}

// newUDPLoginServer starts a manager with two UDP data slots behind a UDP
// login server.
func newUDPLoginServer(t *testing.T, app string, tune ...func(*ManagerCfg)) (*Manager, *DataTransport, *LoginServer) {
	t.Helper()
	m := newTestManager(t, app, ManagerEvents{}, tune...)
	dt := NewDataTransport("data", WithServerPorts(0, 0), WithListenHost("127.0.0.1"))
	addDefaultData(t, m, dt)
	ls := NewLoginServer("login", "127.0.0.1:0", nil)
	_, err := m.AddConnector(ls)
	require.NoError(t, err)
	return m, dt, ls
}

func newUDPLoginClient(t *testing.T, app string, tune ...func(*ManagerCfg)) (*Manager, *LoginClient) {
	t.Helper()
	m := newTestManager(t, app, ManagerEvents{}, tune...)
	addDefaultData(t, m, NewDataTransport("data"))
	lc := NewLoginClient("login", nil)
	_, err := m.AddConnector(lc)
	require.NoError(t, err)
	return m, lc
}

func TestUDPLoginWrongID(t *testing.T) {
	server, sdt, ls := newUDPLoginServer(t, "app")

	for _, tune := range []func(*ManagerCfg){
		func(cfg *ManagerCfg) { cfg.StaticIdentification = "other" },
		func(cfg *ManagerCfg) { cfg.Version = "2.0" },
	} {
		client, lc := newUDPLoginClient(t, "app", tune)
		u, state, err := lc.Login(context.Background(), ls.Addr().String())
		assert.Nil(t, u)
		assert.Equal(t, LoginWrongID, state)
		assert.ErrorIs(t, err, ErrWrongIdentification)
		assert.Equal(t, LoginWrongID, lc.State())
		assert.Equal(t, 0, client.Users().Count())
	}

	assert.Equal(t, 0, server.Users().Count())
	for _, c := range sdt.Connections().All() {
		used, _ := sdt.Connections().IsUsed(c)
		assert.False(t, used, c.String())
	}
}

func TestUDPLoginServerFull(t *testing.T) {
	server, sdt, ls := newUDPLoginServer(t, "app", func(cfg *ManagerCfg) { cfg.MaxUsers = 1 })

	_, first := newUDPLoginClient(t, "app")
	_, state, err := first.Login(context.Background(), ls.Addr().String())
	require.NoError(t, err)
	require.Equal(t, LoginConnected, state)

	// a slot is still free; the user table is not
	_, free := sdt.Connections().GetFree()
	require.True(t, free)

	client, second := newUDPLoginClient(t, "app")
	u, state, err := second.Login(context.Background(), ls.Addr().String())
	assert.Nil(t, u)
	assert.Equal(t, LoginServerFull, state)
	assert.ErrorIs(t, err, ErrServerFull)
	assert.Equal(t, LoginServerFull, second.State())
	assert.Equal(t, 0, client.Users().Count())
	assert.Equal(t, 1, server.Users().Count())
}

func TestUDPLoginTimeout(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	client := newTestManager(t, "app", ManagerEvents{})
	addDefaultData(t, client, NewDataTransport("data"))
	lc := NewLoginClient("login", &LoginCfg{TimeoutMillSec: 100, StreamTimeoutMillSec: 100})
	_, err = client.AddConnector(lc)
	require.NoError(t, err)

	start := time.Now()
	_, state, err := lc.Login(context.Background(), pc.LocalAddr().String())
	assert.Equal(t, LoginNotConnectable, state)
	assert.ErrorIs(t, err, ErrNotConnectable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheckLoginOrder(t *testing.T) {
	m := newTestManager(t, "app", ManagerEvents{}, func(cfg *ManagerCfg) { cfg.MaxUsers = 1 })
	_, err := m.Users().AddNewUser(gidOf(1))
	require.NoError(t, err)

	_, verdict := m.checkLogin(NewPrimaryMessage(NormalPush))
	assert.Equal(t, ConnectFailed_ExpectLogin, verdict)

	wrong := &CurrentIdentification{ID: gidOf(2), StaticIdentification: "x", Version: "1.0"}
	req := NewPrimaryMessage(WantToConnect)
	require.NoError(t, req.Data.SetLoadSaveAble(wrong))
	_, verdict = m.checkLogin(req)
	assert.Equal(t, ConnectFailed_WrongKey, verdict)

	fresh := &CurrentIdentification{ID: gidOf(3), StaticIdentification: "app", Version: "1.0"}
	req = NewPrimaryMessage(WantToConnect)
	require.NoError(t, req.Data.SetLoadSaveAble(fresh))
	_, verdict = m.checkLogin(req)
	assert.Equal(t, ConnectFailed_FullServer, verdict)

	// a known peer may log in again on a full table
	known := &CurrentIdentification{ID: gidOf(1), StaticIdentification: "app", Version: "1.0"}
	req = NewPrimaryMessage(WantToConnect)
	require.NoError(t, req.Data.SetLoadSaveAble(known))
	peer, verdict := m.checkLogin(req)
	assert.Equal(t, ConnectAllowed, verdict)
	assert.Equal(t, gidOf(1), peer.ID)
}
