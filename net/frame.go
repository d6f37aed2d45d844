package net

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	_frameHeadSize = 4
	_maxDatagram   = 64 << 10
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	errPeerUnknown   = errors.New("datagram peer not known yet")
)

// frameConn moves whole Messages over a socket.
type frameConn interface {
	ReadMessage() (*Message, error)
	WriteMessage(m *Message) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// streamFrames frames a byte stream as uint32 LE length | Message.Save().
type streamFrames struct {
	conn     net.Conn
	rd       *bufio.Reader
	maxFrame int
	wmu      sync.Mutex
}

func newStreamFrames(c net.Conn, maxFrame int) *streamFrames {
	return &streamFrames{conn: c, rd: bufio.NewReader(c), maxFrame: maxFrame}
}

// ReadMessage reads one length-prefixed frame. A frame above maxFrame fails
// before its body is allocated.
func (f *streamFrames) ReadMessage() (*Message, error) {
	var head [_frameHeadSize]byte
	if _, err := io.ReadFull(f.rd, head[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(head[:])
	if f.maxFrame > 0 && int64(size) > int64(f.maxFrame) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, f.maxFrame)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(f.rd, body); err != nil {
		return nil, err
	}
	return LoadMessage(body)
}

// WriteMessage writes m as one frame. Concurrent writers are serialized.
func (f *streamFrames) WriteMessage(m *Message) error {
	body := m.Save()
	if f.maxFrame > 0 && len(body) > f.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), f.maxFrame)
	}
	buf := make([]byte, _frameHeadSize, _frameHeadSize+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)

	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, err := f.conn.Write(buf)
	return err
}

// The remaining methods forward to the stream.
func (f *streamFrames) SetReadDeadline(t time.Time) error  { return f.conn.SetReadDeadline(t) }
func (f *streamFrames) SetWriteDeadline(t time.Time) error { return f.conn.SetWriteDeadline(t) }
func (f *streamFrames) LocalAddr() net.Addr                { return f.conn.LocalAddr() }
func (f *streamFrames) RemoteAddr() net.Addr               { return f.conn.RemoteAddr() }
func (f *streamFrames) Close() error                       { return f.conn.Close() }

// packetFrames carries one Message per datagram. A connected socket talks
// to its dial target; an unconnected one adopts the first sender as peer
// and ignores everyone else.
type packetFrames struct {
	conn      *net.UDPConn
	connected bool
	peer      atomic.Pointer[net.UDPAddr]
	buf       []byte
}

func newPacketFrames(c *net.UDPConn, connected bool) *packetFrames {
	return &packetFrames{conn: c, connected: connected, buf: make([]byte, _maxDatagram)}
}

// ReadMessage is called from a single goroutine.
func (f *packetFrames) ReadMessage() (*Message, error) {
	for {
		n, from, err := f.conn.ReadFromUDP(f.buf)
		if err != nil {
			return nil, err
		}
		if !f.connected {
			peer := f.peer.Load()
			if peer == nil {
				f.peer.Store(from)
			} else if !peer.IP.Equal(from.IP) || peer.Port != from.Port {
				continue
			}
		}
		return LoadMessage(append([]byte(nil), f.buf[:n]...))
	}
}

// WriteMessage sends m as one datagram to the dialed or adopted peer.
func (f *packetFrames) WriteMessage(m *Message) error {
	body := m.Save()
	if len(body) > _maxDatagram {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), _maxDatagram)
	}
	if f.connected {
		_, err := f.conn.Write(body)
		return err
	}
	peer := f.peer.Load()
	if peer == nil {
		return errPeerUnknown
	}
	_, err := f.conn.WriteToUDP(body, peer)
	return err
}

// Deadlines and the local address forward to the socket.
func (f *packetFrames) SetReadDeadline(t time.Time) error  { return f.conn.SetReadDeadline(t) }
func (f *packetFrames) SetWriteDeadline(t time.Time) error { return f.conn.SetWriteDeadline(t) }
func (f *packetFrames) LocalAddr() net.Addr                { return f.conn.LocalAddr() }

// RemoteAddr is the dial target or the adopted peer, nil before the first
// datagram.
func (f *packetFrames) RemoteAddr() net.Addr {
	if f.connected {
		return f.conn.RemoteAddr()
	}
	if p := f.peer.Load(); p != nil {
		return p
	}
	return nil
}

// Close closes the socket.
func (f *packetFrames) Close() error { return f.conn.Close() }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
