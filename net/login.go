package net

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
)

// LoginState is a login client's progress.
type LoginState int32

const (
	// LoginWait is the state before the first attempt.
	LoginWait LoginState = iota
	// LoginIsConnecting is set while a request is outstanding.
	LoginIsConnecting
	// LoginConnected means the data session is up.
	LoginConnected
	// LoginServerFull means the server had no slot or user id left.
	LoginServerFull
	// LoginWrongID means the server rejected the identification or version.
	LoginWrongID
	// LoginNotConnectable covers timeouts, dial errors and malformed replies.
	LoginNotConnectable
)

// String returns the state name without the Login prefix.
func (s LoginState) String() string {
	switch s {
	case LoginWait:
		return "Wait"
	case LoginIsConnecting:
		return "IsConnecting"
	case LoginConnected:
		return "Connected"
	case LoginServerFull:
		return "ServerFull"
	case LoginWrongID:
		return "WrongID"
	case LoginNotConnectable:
		return "NotConnectable"
	default:
		return fmt.Sprintf("LoginState(%d)", int32(s))
	}
}

// Errors returned by the login clients, matching the failed LoginState.
var (
	ErrServerFull          = errors.New("server is full")
	ErrWrongIdentification = errors.New("identification or version rejected")
	ErrNotConnectable      = errors.New("server not connectable")
)

// loginState is the state shared by both login clients.
type loginState struct {
	state atomic.Int32
}

// State is the outcome of the last login attempt.
func (l *loginState) State() LoginState { return LoginState(l.state.Load()) }

func (l *loginState) set(s LoginState) { l.state.Store(int32(s)) }

// newLoginRequest builds WantToConnect carrying this process's identity.
func (m *Manager) newLoginRequest() (*PrimaryMessage, error) {
	req := NewPrimaryMessage(WantToConnect)
	req.SetSender(m.identity.ID)
	if err := req.Data.SetLoadSaveAble(m.identity); err != nil {
		return nil, err
	}
	return req, nil
}

// checkLogin validates a login request. On ConnectAllowed the peer's
// identity is returned.
func (m *Manager) checkLogin(req *PrimaryMessage) (*CurrentIdentification, PrimaryMessageType) {
	if req == nil || req.Type() != WantToConnect {
		return nil, ConnectFailed_ExpectLogin
	}
	peer := &CurrentIdentification{}
	if err := req.Data.LoadInto(peer); err != nil {
		return nil, ConnectFailed_ExpectLogin
	}
	if !m.identity.Matches(peer) {
		return nil, ConnectFailed_WrongKey
	}
	if m.users.GetByGlobalID(peer.ID) == nil && m.users.IsFull() {
		return nil, ConnectFailed_FullServer
	}
	return peer, ConnectAllowed
}

func (m *Manager) newLoginReply(t PrimaryMessageType, c *Connection) *PrimaryMessage {
	reply := NewPrimaryMessage(t)
	reply.SetSender(m.identity.ID)
	if c != nil {
		reply.Data = BinaryData(c.Save())
	}
	metrics.IncrCounterWithDimGroup("net", "login_server_total", 1, map[string]string{"result": t.String()})
	return reply
}

// acceptLogin registers the peer behind an allowed login.
func (m *Manager) acceptLogin(peer *CurrentIdentification, route Route) (*User, error) {
	u, err := m.registerUser(peer.ID, route)
	if err != nil {
		return nil, err
	}
	log.Info().Str("peer", peer.ID.String()).Int("user", u.ID).Str("connection", route.Connection.String()).Msg("login accepted")
	return u, nil
}

// parseLoginReply maps a server reply to the client's final state.
func parseLoginReply(reply *PrimaryMessage) (Connection, GlobalID, LoginState, error) {
	var c Connection
	gid, ok := reply.Sender()
	if !ok {
		return c, gid, LoginNotConnectable, fmt.Errorf("%w: reply without sender", ErrNotConnectable)
	}
	switch reply.Type() {
	case ConnectAllowed:
		raw, err := reply.Data.Binary()
		if err != nil {
			return c, gid, LoginNotConnectable, err
		}
		if c, err = LoadConnection(raw); err != nil {
			return c, gid, LoginNotConnectable, err
		}
		return c, gid, LoginConnected, nil
	case ConnectFailed_FullServer:
		return c, gid, LoginServerFull, ErrServerFull
	case ConnectFailed_WrongKey:
		return c, gid, LoginWrongID, ErrWrongIdentification
	default:
		return c, gid, LoginNotConnectable, fmt.Errorf("%w: %s", ErrNotConnectable, reply.Type())
	}
}

func loginClientResult(state LoginState) {
	metrics.IncrCounterWithDimGroup("net", "login_client_total", 1, map[string]string{"result": state.String()})
}
