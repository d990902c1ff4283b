// Package codec layers typed messages on top of raw channel proxy
// payloads.
package codec

import (
	"encoding/json"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// Codec encodes typed messages to and from opaque payloads.
type Codec[T any] interface {
	Encode(msg T) ([]byte, error)
	Decode(buf []byte) (T, error)
}

// Bytes is the identity codec for raw payloads.
type Bytes struct {
	copyBuffers bool
}

// NewBytes builds a Bytes codec. With localCopy, buffers are cloned on
// both sides so callers may reuse theirs.
func NewBytes(localCopy bool) Bytes {
	return Bytes{
		copyBuffers: localCopy,
	}
}

func (c Bytes) Encode(msg []byte) ([]byte, error) {
	if !c.copyBuffers {
		return msg, nil
	}
	cloned := make([]byte, len(msg))
	copy(cloned, msg)
	return cloned, nil
}

func (c Bytes) Decode(buf []byte) ([]byte, error) {
	if !c.copyBuffers {
		return buf, nil
	}
	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return cloned, nil
}

// JSON encodes messages with encoding/json. Msg must be a pointer
// type.
type JSON[Msg any] struct {
	allocator func() Msg
}

func NewJSON[Msg any]() JSON[Msg] {
	t := reflect.TypeFor[Msg]()
	if t.Kind() != reflect.Ptr {
		panic("it makes no sense to try to unmarshal into a non-pointer")
	}

	return JSON[Msg]{
		allocator: func() Msg {
			return reflect.New(t.Elem()).Interface().(Msg)
		},
	}
}

func (c JSON[Msg]) Encode(msg Msg) ([]byte, error) {
	return json.Marshal(msg)
}

func (c JSON[Msg]) Decode(buf []byte) (Msg, error) {
	result := c.allocator()
	err := json.Unmarshal(buf, result)
	return result, err
}

// Proto encodes protobuf messages.
type Proto[Msg proto.Message] struct{}

func NewProto[Msg proto.Message]() Proto[Msg] {
	return Proto[Msg]{}
}

func (c Proto[Msg]) Encode(msg Msg) ([]byte, error) {
	return proto.Marshal(msg)
}

func (c Proto[Msg]) Decode(buf []byte) (Msg, error) {
	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	err := proto.Unmarshal(buf, allocated)
	return allocated, err
}
