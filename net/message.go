// Package net implements the peer transport: the message envelope, connectors
// and their connection pools, the login handshake, per-connection session
// loops, proxy forwarding and out-of-band file transfer.
package net

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned when a serialized Message is truncated or inconsistent.
var ErrMalformedMessage = errors.New("malformed message")

// Message is the wire envelope. Layout, little endian:
//
//	int32 reason | int32 len(header) | header | int32 len(data) | data
//
// where data is ClientData.Save().
type Message struct {
	// Reason tells the receiver how to interpret the message.
	Reason int32
	// Header is opaque routing data; PrimaryMessage keeps the sender there.
	Header []byte
	Data   ClientData
}

// Save serializes m.
func (m *Message) Save() []byte {
	data := m.Data.Save()
	buf := make([]byte, 12+len(m.Header)+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Reason))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(m.Header)))
	n := 8 + copy(buf[8:], m.Header)
	binary.LittleEndian.PutUint32(buf[n:n+4], uint32(len(data)))
	copy(buf[n+4:], data)
	return buf
}

// Load replaces m with the message serialized in b.
func (m *Message) Load(b []byte) error {
	r := reader{buf: b}
	reason := r.int32()
	header := r.bytes()
	data := r.bytes()
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, r.remaining())
	}
	cd, err := loadClientData(data)
	if err != nil {
		return err
	}

	m.Reason = reason
	m.Header = nil
	if len(header) > 0 {
		m.Header = append([]byte(nil), header...)
	}
	m.Data = cd
	return nil
}

// LoadMessage decodes one serialized Message.
func LoadMessage(b []byte) (*Message, error) {
	m := &Message{}
	if err := m.Load(b); err != nil {
		return nil, err
	}
	return m, nil
}

// reader walks a little endian buffer and remembers the first error.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.remaining() < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedMessage, n, r.off, r.remaining())
		return false
	}
	return true
}

func (r *reader) uint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) int32() int32 { return int32(r.uint32()) }

func (r *reader) uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) fixed(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

// bytes reads an int32 length prefix and that many bytes.
func (r *reader) bytes() []byte {
	n := r.int32()
	return r.fixed(int(n))
}

func (r *reader) str() string {
	return string(r.bytes())
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	v := r.buf[r.off:]
	r.off = len(r.buf)
	return v
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendBytes(b []byte, v []byte) []byte {
	b = appendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func appendString(b []byte, s string) []byte {
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}
