package net

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSessionCfg() *SessionCfg {
	cfg := DefaultSessionCfg()
	cfg.PingIntervalMillSec = 50
	cfg.ReceiveTimeoutMillSec = 1000
	return cfg
}

func newTestManager(t *testing.T, app string, ev ManagerEvents, tune ...func(*ManagerCfg)) *Manager {
	t.Helper()
	cfg := DefaultManagerCfg()
	cfg.StaticIdentification = app
	for _, f := range tune {
		f(cfg)
	}
	m, err := NewManager(cfg, WithEvents(ev), WithSessionCfg(testSessionCfg()))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func addDefaultData(t *testing.T, m *Manager, c Connector) int {
	t.Helper()
	id, err := m.AddConnector(c)
	require.NoError(t, err)
	require.NoError(t, m.SetDefaultDataTransport(id))
	return id
}

// tcpServer is a manager accepting TCP logins on loopback.
type tcpServer struct {
	m     *Manager
	data  *DataTransport2
	login *LoginServer2
}

func newTCPServer(t *testing.T, app string, ev ManagerEvents, tune ...func(*ManagerCfg)) *tcpServer {
	t.Helper()
	s := &tcpServer{
		m:     newTestManager(t, app, ev, tune...),
		data:  NewDataTransport2("data"),
		login: NewLoginServer2("login", "127.0.0.1:0", nil),
	}
	addDefaultData(t, s.m, s.data)
	_, err := s.m.AddConnector(s.login)
	require.NoError(t, err)
	return s
}

func (s *tcpServer) addr() string { return s.login.Addr().String() }

type tcpClient struct {
	m     *Manager
	data  *DataTransport2
	login *LoginClient2
}

func newTCPClient(t *testing.T, app string, ev ManagerEvents) *tcpClient {
	t.Helper()
	c := &tcpClient{
		m:     newTestManager(t, app, ev),
		data:  NewDataTransport2("data"),
		login: NewLoginClient2("login", nil),
	}
	addDefaultData(t, c.m, c.data)
	_, err := c.m.AddConnector(c.login)
	require.NoError(t, err)
	return c
}

// connectTCP logs client into server and waits until both sides know each other.
func connectTCP(t *testing.T, s *tcpServer, c *tcpClient) *User {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	u, state, err := c.login.Login(ctx, s.addr())
	require.NoError(t, err)
	require.Equal(t, LoginConnected, state)
	require.Eventually(t, func() bool {
		return s.m.Users().GetByGlobalID(c.m.Identity().ID) != nil
	}, 2*time.Second, 10*time.Millisecond)
	return u
}

// eventLog collects manager callbacks.
type eventLog struct {
	mu      sync.Mutex
	lost    []ConnectionLostArgs
	logouts []*User
	pushes  []*PrimaryMessage
	files   [][]byte
	sets    map[int][]byte
	order   []int
}

func (e *eventLog) events() ManagerEvents {
	return ManagerEvents{
		OnConnectionLost: func(args ConnectionLostArgs) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.lost = append(e.lost, args)
		},
		OnUserLogout: func(u *User) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.logouts = append(e.logouts, u)
		},
		OnPush: func(msg *PrimaryMessage) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.pushes = append(e.pushes, msg)
		},
		OnFileReceived: func(task *FileTransportTask, data []byte) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.files = append(e.files, data)
		},
		OnDataset: func(task *FileTransportTask, index int, data []byte) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.sets == nil {
				e.sets = make(map[int][]byte)
			}
			e.sets[index] = data
			e.order = append(e.order, index)
		},
	}
}

func (e *eventLog) lostCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lost)
}

func (e *eventLog) pushCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pushes)
}

func (e *eventLog) fileCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.files)
}
