package codec

import (
	"fmt"

	"github.com/anonymix007/loom"
)

// Sender writes typed messages through a `loom.ChannelProxy`. It
// follows the proxy's threading rules: call it from the proxy's owner
// goroutine.
type Sender[Msg any] struct {
	proxy *loom.ChannelProxy
	codec Codec[Msg]
}

func NewSender[Msg any](proxy *loom.ChannelProxy, c Codec[Msg]) *Sender[Msg] {
	return &Sender[Msg]{proxy: proxy, codec: c}
}

// Send encodes and hands the message to the proxy's fast path.
func (s *Sender[Msg]) Send(msg Msg) error {
	buf, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("codec: failed to encode message: %w", err)
	}
	return s.proxy.SendNow(loom.Message(buf))
}

// SendOnIPCThread encodes and posts the send to the I/O runner.
func (s *Sender[Msg]) SendOnIPCThread(msg Msg) error {
	buf, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("codec: failed to encode message: %w", err)
	}
	return s.proxy.SendOnIPCThread(loom.Message(buf))
}

// Handler is the typed counterpart of `loom.Listener`.
type Handler[Msg any] interface {
	OnTypedMessage(msg Msg)
	OnChannelConnected(peer loom.PeerID)
	OnChannelError(err error)
}

// NewListener adapts a typed handler into a `loom.Listener`. Payloads
// that fail to decode are surfaced through OnChannelError instead of
// being delivered.
func NewListener[Msg any](c Codec[Msg], h Handler[Msg]) loom.Listener {
	return &listener[Msg]{codec: c, handler: h}
}

type listener[Msg any] struct {
	codec   Codec[Msg]
	handler Handler[Msg]
}

func (l *listener[Msg]) OnMessageReceived(msg loom.Message) {
	decoded, err := l.codec.Decode(msg)
	if err != nil {
		l.handler.OnChannelError(fmt.Errorf("codec: failed to decode message: %w", err))
		return
	}
	l.handler.OnTypedMessage(decoded)
}

func (l *listener[Msg]) OnChannelConnected(peer loom.PeerID) {
	l.handler.OnChannelConnected(peer)
}

func (l *listener[Msg]) OnChannelError(err error) {
	l.handler.OnChannelError(err)
}
