package net

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/lcx/peerlink/codec"
)

// ClientDataType is the 1-byte tag in front of a serialized ClientData.
type ClientDataType uint8

const (
	// ClientDataBinary holds raw bytes.
	ClientDataBinary ClientDataType = iota
	// ClientDataMessage holds a nested Message.
	ClientDataMessage
	// ClientDataLoadSaveAble holds the output of a LoadSaveAble's Save.
	ClientDataLoadSaveAble
	// ClientDataSerializeAble holds a protobuf message packed in an Any.
	ClientDataSerializeAble
	clientDataTypeMax
)

// String returns the lower case shape name.
func (t ClientDataType) String() string {
	switch t {
	case ClientDataBinary:
		return "binary"
	case ClientDataMessage:
		return "message"
	case ClientDataLoadSaveAble:
		return "loadsaveable"
	case ClientDataSerializeAble:
		return "serializeable"
	default:
		return fmt.Sprintf("clientdata(%d)", uint8(t))
	}
}

// ErrWrongShape matches every *ShapeError.
var ErrWrongShape = errors.New("client data has another shape")

// ShapeError is returned when ClientData is read through an accessor that
// does not match the active shape.
type ShapeError struct {
	// Want is the shape the accessor reads.
	Want ClientDataType
	// Have is the shape actually stored.
	Have ClientDataType
}

// Error implements error.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("client data is %s, not %s", e.Have, e.Want)
}

// Is reports true for ErrWrongShape so callers can test with errors.Is.
func (e *ShapeError) Is(target error) bool {
	return target == ErrWrongShape
}

// LoadSaveAble is implemented by payload types that serialize themselves.
type LoadSaveAble interface {
	Save() ([]byte, error)
	Load(b []byte) error
}

// ClientData is the payload of a Message: exactly one of raw bytes, a nested
// Message, a LoadSaveAble value or a protobuf message. All shapes are held in
// serialized form. The zero value is an empty binary payload.
type ClientData struct {
	kind    ClientDataType
	payload []byte
}

// BinaryData returns a ClientData holding b.
func BinaryData(b []byte) ClientData {
	var d ClientData
	d.SetBinary(b)
	return d
}

// MessageData returns a ClientData holding m in serialized form.
func MessageData(m *Message) ClientData {
	var d ClientData
	d.SetMessage(m)
	return d
}

// Type returns the active shape.
func (d *ClientData) Type() ClientDataType { return d.kind }

func (d *ClientData) set(kind ClientDataType, b []byte) {
	d.kind = kind
	if len(b) == 0 {
		b = nil
	}
	d.payload = b
}

func (d *ClientData) want(kind ClientDataType) error {
	if d.kind != kind {
		return &ShapeError{Want: kind, Have: d.kind}
	}
	return nil
}

// SetBinary stores b, replacing any previous shape. b is not copied.
func (d *ClientData) SetBinary(b []byte) {
	d.set(ClientDataBinary, b)
}

// Binary returns the raw bytes, or a *ShapeError for any other shape.
func (d *ClientData) Binary() ([]byte, error) {
	if err := d.want(ClientDataBinary); err != nil {
		return nil, err
	}
	return d.payload, nil
}

// SetMessage stores m serialized. Later changes to m are not seen.
func (d *ClientData) SetMessage(m *Message) {
	d.set(ClientDataMessage, m.Save())
}

// Message decodes a nested Message payload.
func (d *ClientData) Message() (*Message, error) {
	if err := d.want(ClientDataMessage); err != nil {
		return nil, err
	}
	return LoadMessage(d.payload)
}

// SetLoadSaveAble stores the result of v.Save. The previous shape is kept
// when Save fails.
func (d *ClientData) SetLoadSaveAble(v LoadSaveAble) error {
	b, err := v.Save()
	if err != nil {
		return err
	}
	d.set(ClientDataLoadSaveAble, b)
	return nil
}

// LoadInto fills v from a LoadSaveAble payload.
func (d *ClientData) LoadInto(v LoadSaveAble) error {
	if err := d.want(ClientDataLoadSaveAble); err != nil {
		return err
	}
	return v.Load(d.payload)
}

// SetSerializable stores m packed as an Any, so the receiver can decode it
// without knowing its type in advance.
func (d *ClientData) SetSerializable(m proto.Message) error {
	b, err := codec.Encode(m)
	if err != nil {
		return err
	}
	d.set(ClientDataSerializeAble, b)
	return nil
}

// Serializable decodes a protobuf payload. The concrete type must be linked
// into the binary.
func (d *ClientData) Serializable() (proto.Message, error) {
	if err := d.want(ClientDataSerializeAble); err != nil {
		return nil, err
	}
	return codec.Decode(d.payload)
}

// Save returns the tag byte followed by the payload.
func (d *ClientData) Save() []byte {
	out := make([]byte, 1+len(d.payload))
	out[0] = byte(d.kind)
	copy(out[1:], d.payload)
	return out
}

func loadClientData(b []byte) (ClientData, error) {
	var d ClientData
	if len(b) == 0 {
		return d, nil
	}
	kind := ClientDataType(b[0])
	if kind >= clientDataTypeMax {
		return d, fmt.Errorf("%w: unknown client data tag %d", ErrMalformedMessage, b[0])
	}
	d.set(kind, append([]byte(nil), b[1:]...))
	return d, nil
}
