package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestEncodeDecodeResolvesType(t *testing.T) {
	b, err := Encode(wrapperspb.String("hello"))
	require.NoError(t, err)

	m, err := Decode(b)
	require.NoError(t, err)

	s, ok := m.(*wrapperspb.StringValue)
	require.True(t, ok, "decoded %T", m)
	assert.Equal(t, "hello", s.GetValue())
}

func TestDecodeInto(t *testing.T) {
	src, err := structpb.NewStruct(map[string]any{"port": 7000.0, "host": "a"})
	require.NoError(t, err)

	b, err := Encode(src)
	require.NoError(t, err)

	var dst structpb.Struct
	require.NoError(t, DecodeInto(b, &dst))
	assert.True(t, proto.Equal(src, &dst))

	var wrong wrapperspb.Int64Value
	assert.Error(t, DecodeInto(b, &wrong))
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestNilCodec(t *testing.T) {
	SetCodec(nil)
	defer SetCodec(&AnyCodec{})

	_, err := Encode(wrapperspb.Bool(true))
	assert.ErrorIs(t, err, errCodecNotInit)
}
