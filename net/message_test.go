package net

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestMessageSaveLoad(t *testing.T) {
	msg := &Message{Reason: 7, Header: []byte("hdr"), Data: BinaryData([]byte{1, 2, 3})}
	got, err := LoadMessage(msg.Save())
	require.NoError(t, err)
	assert.Equal(t, int32(7), got.Reason)
	assert.Equal(t, []byte("hdr"), got.Header)
	b, err := got.Data.Binary()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestMessageEmpty(t *testing.T) {
	got, err := LoadMessage((&Message{}).Save())
	require.NoError(t, err)
	assert.Nil(t, got.Header)
	b, err := got.Data.Binary()
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestMessageLoadMalformed(t *testing.T) {
	full := (&Message{Reason: 1, Header: []byte("abc"), Data: BinaryData([]byte("xyz"))}).Save()

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": full[:len(full)-1],
		"trailing":  append(append([]byte(nil), full...), 0),
		"badTag":    (&Message{Data: ClientData{kind: 99}}).Save(),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadMessage(b)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestNestedMessage(t *testing.T) {
	inner := &Message{Reason: 3, Header: []byte{9}, Data: BinaryData([]byte("payload"))}
	outer := NewPrimaryMessage(Pipeline)
	outer.Data = MessageData(inner)

	loaded, err := LoadPrimaryMessage(outer.Message.Save())
	require.NoError(t, err)
	assert.Equal(t, Pipeline, loaded.Type())

	got, err := loaded.Data.Message()
	require.NoError(t, err)
	assert.Equal(t, inner.Reason, got.Reason)
	assert.Equal(t, inner.Header, got.Header)
	b, _ := got.Data.Binary()
	assert.Equal(t, []byte("payload"), b)
}

func TestClientDataWrongShape(t *testing.T) {
	d := BinaryData([]byte("x"))

	_, err := d.Message()
	assert.ErrorIs(t, err, ErrWrongShape)

	var shape *ShapeError
	require.True(t, errors.As(err, &shape))
	assert.Equal(t, ClientDataMessage, shape.Want)
	assert.Equal(t, ClientDataBinary, shape.Have)

	assert.ErrorIs(t, d.LoadInto(&CurrentIdentification{}), ErrWrongShape)
	_, err = d.Serializable()
	assert.ErrorIs(t, err, ErrWrongShape)
}

func TestClientDataLoadSaveAble(t *testing.T) {
	id, err := NewCurrentIdentification("app", "1.0")
	require.NoError(t, err)

	var d ClientData
	require.NoError(t, d.SetLoadSaveAble(id))
	assert.Equal(t, ClientDataLoadSaveAble, d.Type())

	msg := &Message{Data: d}
	loaded, err := LoadMessage(msg.Save())
	require.NoError(t, err)

	var got CurrentIdentification
	require.NoError(t, loaded.Data.LoadInto(&got))
	assert.Equal(t, *id, got)
}

func TestClientDataSerializable(t *testing.T) {
	var d ClientData
	require.NoError(t, d.SetSerializable(wrapperspb.String("hello")))

	loaded, err := LoadMessage((&Message{Data: d}).Save())
	require.NoError(t, err)
	pm, err := loaded.Data.Serializable()
	require.NoError(t, err)
	assert.True(t, proto.Equal(wrapperspb.String("hello"), pm))
}

func TestPrimaryMessageSender(t *testing.T) {
	msg := NewPrimaryMessage(NormalPush)
	_, ok := msg.Sender()
	assert.False(t, ok)

	gid := GlobalID{1, 2, 3}
	msg.SetSender(gid)
	got, ok := msg.Sender()
	require.True(t, ok)
	assert.Equal(t, gid, got)

	assert.Equal(t, "NormalPush", NormalPush.String())
	assert.Equal(t, "ProxySendList", ProxySendList.String())
	assert.Equal(t, "PrimaryMessageType(99)", PrimaryMessageType(99).String())
}

func TestIdentityMatches(t *testing.T) {
	a, err := NewCurrentIdentification("app", "1.0")
	require.NoError(t, err)
	b, err := NewCurrentIdentification("app", "1.0")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.Matches(b))
	assert.False(t, a.Matches(&CurrentIdentification{StaticIdentification: "app", Version: "2.0"}))
	assert.False(t, a.Matches(&CurrentIdentification{StaticIdentification: "other", Version: "1.0"}))
	assert.False(t, a.Matches(nil))
}

func TestAtomicSequence(t *testing.T) {
	seq := NewAtomicSequence(5)
	assert.Equal(t, uint64(5), seq.Next())
	assert.Equal(t, uint64(6), seq.Next())
}
