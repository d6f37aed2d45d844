// Package codec turns protobuf messages into self-describing bytes and back.
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

var (
	errCodecNotInit = errors.New("codec not init")

	_codec Codec = &AnyCodec{}
)

// Codec encodes messages so the receiver can decode them without knowing the
// concrete type in advance.
type Codec interface {
	Encode(m proto.Message) ([]byte, error)
	Decode(b []byte) (proto.Message, error)
}

// Encode 打包.
func Encode(m proto.Message) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Encode(m)
}

// Decode 解包.
func Decode(b []byte) (proto.Message, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Decode(b)
}

// DecodeInto decodes b into dst, which must match the encoded type.
func DecodeInto(b []byte, dst proto.Message) error {
	var a anypb.Any
	if err := proto.Unmarshal(b, &a); err != nil {
		return fmt.Errorf("decode any: %w", err)
	}
	return a.UnmarshalTo(dst)
}

// SetCodec 设置解码器.
func SetCodec(c Codec) {
	_codec = c
}

// AnyCodec wraps messages in google.protobuf.Any. Decoding resolves the type
// through the global registry, so the message package must be linked in.
type AnyCodec struct{}

// Encode packs m into an Any and marshals it.
func (c *AnyCodec) Encode(m proto.Message) ([]byte, error) {
	a, err := anypb.New(m)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(a)
}

// Decode unmarshals an Any and resolves its type.
func (c *AnyCodec) Decode(b []byte) (proto.Message, error) {
	var a anypb.Any
	if err := proto.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode any: %w", err)
	}
	return a.UnmarshalNew()
}
