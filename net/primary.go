package net

import (
	"encoding/hex"
	"fmt"
)

// PrimaryMessageType selects the sub-protocol of a PrimaryMessage. The values
// are part of the wire format.
type PrimaryMessageType int32

const (
	// NormalPush is an application message for the OnPush callback.
	NormalPush PrimaryMessageType = iota
	// Pipeline carries a Message for the handler registered under a GlobalID.
	Pipeline
	// WantToConnect is a login request holding the client's identity.
	WantToConnect
	// ConnectAllowed answers a login with the granted connection.
	ConnectAllowed
	// ConnectFailed rejects a login for another reason.
	ConnectFailed
	// ConnectFailed_FullServer rejects a login for lack of room.
	ConnectFailed_FullServer
	// ConnectFailed_WrongKey rejects a login whose identity does not match.
	ConnectFailed_WrongKey
	// ConnectFailed_ExpectLogin answers traffic from an unknown sender.
	ConnectFailed_ExpectLogin
	// FileTransportServerToClient carries receiver side negotiation steps.
	FileTransportServerToClient
	// FileTransportClientToServer carries sender side negotiation steps.
	FileTransportClientToServer
	// SyncFile is delivered to OnSync like SyncData.
	SyncFile
	// SyncData is an application message for the OnSync callback.
	SyncData
	// Ping is a keepalive carrying the send time.
	Ping
	// PingAnswer echoes a Ping's time back.
	PingAnswer
	// ProxySend wraps a message relayed through a proxy server.
	ProxySend
	// ProxyFetchList asks a peer for the users it can relay to.
	ProxyFetchList
	// ProxySendList answers ProxyFetchList.
	ProxySendList
)

var _primaryTypeNames = [...]string{
	"NormalPush", "Pipeline", "WantToConnect", "ConnectAllowed", "ConnectFailed",
	"ConnectFailed_FullServer", "ConnectFailed_WrongKey", "ConnectFailed_ExpectLogin",
	"FileTransportServerToClient", "FileTransportClientToServer", "SyncFile", "SyncData",
	"Ping", "PingAnswer", "ProxySend", "ProxyFetchList", "ProxySendList",
}

// String returns the constant's name.
func (t PrimaryMessageType) String() string {
	if t >= 0 && int(t) < len(_primaryTypeNames) {
		return _primaryTypeNames[t]
	}
	return fmt.Sprintf("PrimaryMessageType(%d)", int32(t))
}

// GlobalIDSize is the length of a GlobalID on the wire.
const GlobalIDSize = 16

// GlobalID identifies a peer process across connections.
type GlobalID [GlobalIDSize]byte

// String returns id in hex.
func (id GlobalID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is unset.
func (id GlobalID) IsZero() bool { return id == GlobalID{} }

func globalIDFrom(b []byte) (GlobalID, bool) {
	var id GlobalID
	if len(b) != GlobalIDSize {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Route pins a message to one connection of one connector.
type Route struct {
	ConnectorID int
	Connection  Connection
}

// PrimaryMessage is a Message whose Reason is a PrimaryMessageType and whose
// Header carries the sender's GlobalID. The remaining fields are local
// routing state and never leave the process.
type PrimaryMessage struct {
	Message

	// From is the directly connected user the message arrived from.
	From *User
	// To is the destination user. With a nil Route its defaults are used.
	To    *User
	Route *Route
	// BypassProxy sends to To's route even when To is a proxied user.
	BypassProxy bool
}

// NewPrimaryMessage returns an empty message of type t.
func NewPrimaryMessage(t PrimaryMessageType) *PrimaryMessage {
	return &PrimaryMessage{Message: Message{Reason: int32(t)}}
}

// Type returns Reason as a PrimaryMessageType.
func (m *PrimaryMessage) Type() PrimaryMessageType {
	return PrimaryMessageType(m.Reason)
}

// Sender returns the GlobalID carried in the header.
func (m *PrimaryMessage) Sender() (GlobalID, bool) {
	return globalIDFrom(m.Header)
}

// SetSender stores id in the header.
func (m *PrimaryMessage) SetSender(id GlobalID) {
	m.Header = append([]byte(nil), id[:]...)
}

// LoadPrimaryMessage decodes a serialized Message as a PrimaryMessage. The
// routing fields are left empty.
func LoadPrimaryMessage(b []byte) (*PrimaryMessage, error) {
	m := &PrimaryMessage{}
	if err := m.Message.Load(b); err != nil {
		return nil, err
	}
	return m, nil
}
