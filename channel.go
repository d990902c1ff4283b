package loom

import (
	"fmt"
	"sync"
)

// Message is an opaque payload. Encoding is the caller's business;
// loom only moves bytes between contexts.
type Message []byte

// PeerID identifies the remote side of a connected channel. For pipe
// channels it is derived from the peer endpoint identity; for wire
// channels it comes from the peer certificate.
type PeerID string

// Listener receives channel events on the owner's runner. It is never
// invoked on the I/O runner.
type Listener interface {
	OnMessageReceived(msg Message)
	OnChannelConnected(peer PeerID)
	OnChannelError(err error)
}

// ChannelEvents is the sink a `Channel` implementation reports into.
// Implementations of Channel may invoke it from any goroutine; the
// sink is responsible for hopping onto the right runner.
type ChannelEvents interface {
	OnChannelMessage(msg Message)
	OnChannelOpened(peer PeerID)
	OnChannelError(err error)
}

// Channel is the underlying transport wrapped by a `ChannelProxy`.
type Channel interface {
	// Open starts I/O. Connection may complete asynchronously; the
	// channel reports OnChannelOpened (or OnChannelError) through its
	// events sink. For a connected channel, the opened event is
	// always reported before the first message.
	Open() error

	// Send hands a message to the transport. A nil error means the
	// message was accepted, not that the peer received it.
	Send(msg Message) error

	// Close is idempotent.
	Close()

	// ThreadSafeSend reports whether Send may be called from any
	// goroutine. Constant for the life of the channel.
	ThreadSafeSend() bool
}

// ChannelFactory builds a channel bound to an events sink. The
// factory may be invoked on the owner goroutine or on the I/O runner,
// depending on how the proxy was initialized.
type ChannelFactory interface {
	NewChannel(events ChannelEvents) (Channel, error)
}

// PipeChannelFactory builds channels carrying messages over one end
// of an in-process `Pipe`. Its Send is thread-safe, so proxies using
// it take the direct `SendNow` path.
type PipeChannelFactory struct {
	End *PipeEnd
}

func (f *PipeChannelFactory) NewChannel(events ChannelEvents) (Channel, error) {
	return &pipeChannel{
		end:     f.End,
		events:  events,
		wakeCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}, nil
}

type pipeChannel struct {
	end    *PipeEnd
	events ChannelEvents

	wakeCh    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ Channel = (*pipeChannel)(nil)

func (pc *pipeChannel) ThreadSafeSend() bool { return true }

func (pc *pipeChannel) Open() error {
	if err := pc.end.Watch(pc); err != nil {
		return err
	}
	// Opened must be reported before the reader can observe the first
	// message.
	pc.events.OnChannelOpened(PeerID(fmt.Sprintf("pipe:%d", pc.end.peerEnd().ID())))
	go pc.readLoop()
	return nil
}

func (pc *pipeChannel) Send(msg Message) error {
	return pc.end.Write(msg)
}

func (pc *pipeChannel) Close() {
	pc.closeOnce.Do(func() {
		close(pc.closeCh)
		pc.end.Unwatch(pc)
		pc.end.Close()
	})
}

func (pc *pipeChannel) readLoop() {
	for {
		msg, err := pc.end.Read()
		switch err {
		case nil:
			pc.events.OnChannelMessage(msg)
		case ErrWouldBlock:
			select {
			case <-pc.wakeCh:
			case <-pc.closeCh:
				return
			}
		case ErrPeerClosed:
			pc.events.OnChannelError(ErrPeerClosed)
			return
		default:
			// Our own end was closed.
			return
		}
	}
}

// pipeChannel observes its own pipe end to wake the read loop.
func (pc *pipeChannel) OnSignalsChanged(_ Handle, st SignalsState) {
	if st.Readable() || st.PeerClosed() {
		select {
		case pc.wakeCh <- struct{}{}:
		default:
		}
	}
}

func (pc *pipeChannel) OnHandleClosed(Handle) {
	select {
	case pc.wakeCh <- struct{}{}:
	default:
	}
}
