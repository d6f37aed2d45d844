package net

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
)

// Errors returned when queueing on a session.
var (
	ErrSendQueueFull = errors.New("send channel is full")
	ErrSessionClosed = errors.New("session closed")
)

// ConnectionLostArgs describes the end of a session.
type ConnectionLostArgs struct {
	// ConnectorID and Connection name the ended session.
	ConnectorID int
	Connection  Connection
	// User is the peer the session belonged to, nil if it never logged in.
	User *User
	// Undelivered is the message whose write failed, if any.
	Undelivered *PrimaryMessage
	// Retry asks the manager to reconnect through its login client.
	Retry bool
	// UserLogout removes User from the directory.
	UserLogout bool
	// Err is why the session ended.
	Err error
}

// session is the worker behind one data-transport connection: it drains
// the outbound queue, keeps the peer alive with pings and feeds inbound
// frames to the manager.
//
// A session runs two goroutines. The reader posts every frame to the
// dispatcher and ends the session when nothing arrives within
// ReceiveTimeout. The writer owns all writes: queued messages, and a Ping
// every PingInterval. Send never blocks; a full queue is an error for the
// caller.
//
// However the session ends, lost runs once and hands ConnectionLostArgs to
// the manager. The manager removes the connection from its connector, which
// frees or rebinds the slot, and logs the user out only when the user's route
// still points at this connection. stop ends a session without reporting.
type session struct {
	connectorID int
	manager     *Manager
	conn        Connection
	frames      frameConn
	cfg         *SessionCfg
	retry       bool
	userLogout  bool

	user   atomic.Pointer[User]
	sendCh chan *PrimaryMessage

	ctx      context.Context
	cancel   context.CancelFunc
	lostOnce sync.Once
	done     chan struct{}
}

type sessionParams struct {
	connectorID int
	manager     *Manager
	conn        Connection
	frames      frameConn
	cfg         *SessionCfg
	user        *User
	retry       bool
	userLogout  bool
}

func newSession(p sessionParams) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		connectorID: p.connectorID,
		manager:     p.manager,
		conn:        p.conn,
		frames:      p.frames,
		cfg:         p.cfg,
		retry:       p.retry,
		userLogout:  p.userLogout,
		sendCh:      make(chan *PrimaryMessage, p.cfg.SendQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if p.user != nil {
		s.user.Store(p.user)
	}
	return s
}

func (s *session) start() {
	metrics.IncrCounterWithGroup("net", "connection_open_total", 1)
	metrics.AddGaugeWithGroup("net", "sessions_active", 1)
	go s.run()
}

// stop ends the session without a ConnectionLost event.
func (s *session) stop() {
	s.lostOnce.Do(func() {
		s.cancel()
		_ = s.frames.Close()
	})
}

// send queues msg; it never blocks.
func (s *session) send(msg *PrimaryMessage) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	select {
	case s.sendCh <- msg:
		return nil
	default:
		metrics.IncrCounterWithGroup("net", "send_queue_full_total", 1)
		return ErrSendQueueFull
	}
}

func (s *session) run() {
	defer close(s.done)
	defer metrics.AddGaugeWithGroup("net", "sessions_active", -1)

	readErr := make(chan error, 1)
	go s.readLoop(readErr)

	ticker := time.NewTicker(s.cfg.PingInterval())
	defer ticker.Stop()

	if err := s.ping(); err != nil {
		s.lost(err, nil)
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.sendCh:
			if err := s.write(msg); err != nil {
				if errors.Is(err, ErrFrameTooLarge) {
					metrics.IncrCounterWithGroup("net", "oversize_drop_total", 1)
					log.Warn().Str("connection", s.conn.String()).Err(err).Msg("dropping oversize message")
					continue
				}
				s.lost(err, msg)
				return
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				s.lost(err, nil)
				return
			}
		case err := <-readErr:
			s.lost(err, nil)
			return
		}
	}
}

func (s *session) write(msg *PrimaryMessage) error {
	_ = s.frames.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout()))
	if err := s.frames.WriteMessage(&msg.Message); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type(), err)
	}
	metrics.IncrCounterWithDimGroup("net", "message_sent_total", 1, map[string]string{"type": msg.Type().String()})
	return nil
}

// ping is skipped until a datagram session has heard from its peer.
func (s *session) ping() error {
	if s.frames.RemoteAddr() == nil {
		return nil
	}
	msg := s.manager.newPing()
	metrics.IncrCounterWithGroup("net", "ping_sent_total", 1)
	return s.write(msg)
}

func (s *session) readLoop(readErr chan<- error) {
	route := &Route{ConnectorID: s.connectorID, Connection: s.conn}
	for {
		_ = s.frames.SetReadDeadline(time.Now().Add(s.cfg.ReceiveTimeout()))
		m, err := s.frames.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				metrics.IncrCounterWithGroup("net", "malformed_frame_total", 1)
				log.Warn().Str("connection", s.conn.String()).Err(err).Msg("dropping malformed frame")
				continue
			}
			if isTimeout(err) {
				err = fmt.Errorf("no data for %s: %w", s.cfg.ReceiveTimeout(), err)
			}
			readErr <- err
			return
		}

		pm := &PrimaryMessage{Message: *m, Route: route}
		u := s.user.Load()
		if u == nil {
			if u = s.manager.adoptUser(pm); u != nil {
				s.user.Store(u)
			}
		}
		pm.From = u
		if u != nil {
			u.touch(time.Now())
		}
		if err := s.manager.ReceiveMessage(s.ctx, pm); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Warn().Str("connection", s.conn.String()).Err(err).Msg("receive message failed")
		}
	}
}

// lost reports the failure once. A session already stopped reports nothing.
func (s *session) lost(err error, undelivered *PrimaryMessage) {
	fired := false
	s.lostOnce.Do(func() {
		fired = true
		s.cancel()
		_ = s.frames.Close()
	})
	if !fired {
		return
	}
	metrics.IncrCounterWithGroup("net", "connection_lost_total", 1)
	log.Info().Str("connection", s.conn.String()).Int("connector", s.connectorID).Err(err).Msg("connection lost")

	s.manager.connectionLost(ConnectionLostArgs{
		ConnectorID: s.connectorID,
		Connection:  s.conn,
		User:        s.user.Load(),
		Undelivered: undelivered,
		Retry:       s.retry,
		UserLogout:  s.userLogout,
		Err:         err,
	})
}

func encodePingStamp(t time.Time) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodePingStamp(b []byte) (time.Time, bool) {
	if len(b) != 8 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(b))), true
}
