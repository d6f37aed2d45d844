package net

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lcx/peerlink/utils"
)

// Protocol of a Connection.
type Protocol uint8

const (
	// ProtocolTCP is a stream connection.
	ProtocolTCP Protocol = iota
	// ProtocolUDP is a datagram connection.
	ProtocolUDP
)

// String returns "tcp" or "udp".
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Connection describes an endpoint. It is a comparable value; an empty
// Target means any or local interface.
type Connection struct {
	Protocol Protocol
	// Port is the local port for a listening slot and the remote port for a
	// dialed one.
	Port int
	// Target is the peer host, or the interface a slot is bound to.
	Target string
}

// String formats c as protocol://host:port.
func (c Connection) String() string {
	return c.Protocol.String() + "://" + utils.JoinHostPort(c.Target, c.Port)
}

// Address returns the dialable "host:port", using fallbackHost when Target
// names no interface.
func (c Connection) Address(fallbackHost string) string {
	return utils.JoinHostPort(utils.DialHost(c.Target, fallbackHost), c.Port)
}

// Save encodes c as 1 protocol | int32 port | int32 len | target.
func (c Connection) Save() []byte {
	b := make([]byte, 0, 9+len(c.Target))
	b = append(b, byte(c.Protocol))
	b = appendUint32(b, uint32(int32(c.Port)))
	return appendString(b, c.Target)
}

// LoadConnection decodes the output of Connection.Save. Unknown protocols are
// rejected with ErrMalformedMessage.
func LoadConnection(b []byte) (Connection, error) {
	r := reader{buf: b}
	c := Connection{
		Protocol: Protocol(r.uint8()),
		Port:     int(r.int32()),
		Target:   r.str(),
	}
	if r.err != nil {
		return Connection{}, r.err
	}
	if c.Protocol > ProtocolUDP {
		return Connection{}, fmt.Errorf("%w: unknown protocol %d", ErrMalformedMessage, c.Protocol)
	}
	return c, nil
}

// Errors returned by ConnectionList.
var (
	ErrConnectionListFull = errors.New("connection list is full")
	ErrProtocolMismatch   = errors.New("connection protocol does not match connector")
	ErrConnectionExists   = errors.New("connection already registered")
	ErrConnectionUnknown  = errors.New("connection not registered")
)

// ConnectionList is a connector's bounded pool of connections, each flagged
// used or free. Removing a connection notifies the owning connector.
type ConnectionList struct {
	mu           sync.Mutex
	max          int
	fixed        bool
	mainProtocol Protocol
	used         map[Connection]bool
	order        []Connection
	owner        Connector
}

// NewConnectionList returns a list holding at most max connections. max <= 0
// means unbounded.
func NewConnectionList(max int) *ConnectionList {
	return &ConnectionList{
		max:  max,
		used: make(map[Connection]bool),
	}
}

// FixProtocol makes Add reject connections of any other protocol.
func (l *ConnectionList) FixProtocol(p Protocol) *ConnectionList {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fixed = true
	l.mainProtocol = p
	return l
}

// MainProtocol returns the fixed protocol, if any.
func (l *ConnectionList) MainProtocol() (Protocol, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mainProtocol, l.fixed
}

func (l *ConnectionList) setOwner(c Connector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owner = c
}

// Add appends c with the given used flag and reports it to the owner's
// ConnectionAdded. A duplicate, a full list or a protocol other than the
// fixed one is rejected.
func (l *ConnectionList) Add(c Connection, used bool) error {
	l.mu.Lock()
	if l.fixed && c.Protocol != l.mainProtocol {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s on %s connector", ErrProtocolMismatch, c.Protocol, l.mainProtocol)
	}
	if _, ok := l.used[c]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionExists, c)
	}
	if l.max > 0 && len(l.order) >= l.max {
		l.mu.Unlock()
		return fmt.Errorf("%w: max %d", ErrConnectionListFull, l.max)
	}
	l.used[c] = used
	l.order = append(l.order, c)
	owner := l.owner
	l.mu.Unlock()

	if owner != nil {
		owner.ConnectionAdded(c)
	}
	return nil
}

// Remove drops c and tells the owner. It reports whether c was present.
func (l *ConnectionList) Remove(c Connection) bool {
	l.mu.Lock()
	if _, ok := l.used[c]; !ok {
		l.mu.Unlock()
		return false
	}
	delete(l.used, c)
	for i, o := range l.order {
		if o == c {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	owner := l.owner
	l.mu.Unlock()

	if owner != nil {
		owner.ConnectionRemoved(c)
	}
	return true
}

// SetUsed flags c as used or free.
func (l *ConnectionList) SetUsed(c Connection, used bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.used[c]; !ok {
		return fmt.Errorf("%w: %s", ErrConnectionUnknown, c)
	}
	l.used[c] = used
	return nil
}

// IsUsed returns c's flag; ok is false when c is not in the list.
func (l *ConnectionList) IsUsed(c Connection) (used bool, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	used, ok = l.used[c]
	return used, ok
}

// Contains reports whether c is in the list.
func (l *ConnectionList) Contains(c Connection) bool {
	_, ok := l.IsUsed(c)
	return ok
}

// GetFree returns the oldest connection not flagged used.
func (l *ConnectionList) GetFree() (Connection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.order {
		if !l.used[c] {
			return c, true
		}
	}
	return Connection{}, false
}

// TakeFree is GetFree followed by marking the result used, atomically.
func (l *ConnectionList) TakeFree() (Connection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.order {
		if !l.used[c] {
			l.used[c] = true
			return c, true
		}
	}
	return Connection{}, false
}

// Count returns the number of connections, used or free.
func (l *ConnectionList) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// MaxConnectionsCount is the capacity, 0 when unbounded.
func (l *ConnectionList) MaxConnectionsCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// IsFull reports whether a bounded list has reached its capacity.
func (l *ConnectionList) IsFull() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max > 0 && len(l.order) >= l.max
}

// All returns the connections in insertion order.
func (l *ConnectionList) All() []Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Connection, len(l.order))
	copy(out, l.order)
	return out
}
