package loom

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

// ChannelProxy runs a `Channel` on a dedicated I/O runner while the
// owning goroutine keeps a cheap handle to it. Messages sent through
// the proxy are handed to the channel on the I/O runner (or directly,
// when the channel supports thread-safe sends); inbound messages are
// offered to the filter chain on the I/O runner and the remainder is
// delivered to the `Listener` on the owner runner.
//
// A ChannelProxy is owner-bound: its methods must be called from the
// owning goroutine. The shared state behind it is what crosses
// goroutines, and it outlives the proxy for as long as in-flight
// tasks reference it.
type ChannelProxy struct {
	st      *proxyState
	didInit bool
	closed  bool
}

// NewChannelProxy constructs an uninitialized proxy. The listener is
// invoked on ownerRunner; the channel lives on ioRunner. Call `Init`
// to create the channel.
func NewChannelProxy(listener Listener, ioRunner, ownerRunner *Runner, opts ...Option) (*ChannelProxy, error) {
	var cfg config
	if err := cfg.apply(opts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	st := &proxyState{
		ipc:      ioRunner,
		owner:    ownerRunner,
		listener: listener,
		logger:   cfg.logger(),
		msink:    cfg.sink(),
		mlabels:  cfg.metricLabels,
	}
	return &ChannelProxy{st: st}, nil
}

// Init creates the underlying channel. With createNow the channel is
// constructed synchronously on the calling goroutine; otherwise
// construction is posted to the I/O runner. Either way the channel is
// opened on the I/O runner. Construction and open failures surface as
// OnChannelError on the listener, not as a return value here; Init
// only fails on misuse.
func (p *ChannelProxy) Init(factory ChannelFactory, createNow bool) error {
	if p.didInit {
		return ErrAlreadyInitialized
	}
	p.didInit = true

	st := p.st
	if !createNow {
		st.post(func() {
			if err := st.createChannel(factory); err != nil {
				st.dispatchError(err)
				return
			}
			st.onChannelOpened()
		})
		return nil
	}

	if err := st.createChannel(factory); err != nil {
		st.dispatchError(err)
		return nil
	}
	st.post(st.onChannelOpened)
	return nil
}

// SendNow hands the message to the channel as soon as possible. If
// the channel's Send is thread-safe the message goes out directly
// from the calling goroutine, skipping the I/O runner hop and any
// ordering with tasks queued there; otherwise this behaves like
// SendOnIPCThread. A nil return means the message was accepted, not
// that the peer received it.
func (p *ChannelProxy) SendNow(msg Message) error {
	return p.send(msg, false)
}

// SendOnIPCThread posts the send to the I/O runner unconditionally,
// ordering it after everything previously posted there by this
// goroutine and before everything posted afterwards. Use it when the
// send must interleave correctly with other I/O-runner work, such as
// filter mutations.
func (p *ChannelProxy) SendOnIPCThread(msg Message) error {
	return p.send(msg, true)
}

// AddFilter registers a filter, spliced into the live chain on the
// I/O runner. A filter added before the channel connects sees every
// message; one added later may miss messages already in flight. After
// Close the chain is already torn down, so the filter is ignored
// rather than spliced into a chain that will never notify it.
func (p *ChannelProxy) AddFilter(f MessageFilter) {
	if p.closed {
		return
	}
	st := p.st
	st.pendingMu.Lock()
	st.pendingFilters = append(st.pendingFilters, f)
	st.pendingMu.Unlock()
	st.post(st.onAddFilters)
}

// RemoveFilter unregisters a filter on the I/O runner. Ordered after
// any AddFilter call made before it. Ignored after Close.
func (p *ChannelProxy) RemoveFilter(f MessageFilter) {
	if p.closed {
		return
	}
	st := p.st
	st.post(func() { st.onRemoveFilter(f) })
}

// Close shuts the channel down asynchronously and revokes the
// listener, so no further callbacks are delivered to it. Repeated
// calls are no-ops. Filters are notified and released on the I/O
// runner, possibly after Close returns.
func (p *ChannelProxy) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.st.revokeListener()
	p.st.post(p.st.onChannelClosed)
}

// PeerID returns the cached peer identity, or "" before the channel
// has connected. Readable from any goroutine.
func (p *ChannelProxy) PeerID() PeerID {
	return p.st.peerID()
}

func (p *ChannelProxy) send(msg Message, forceIPC bool) error {
	if !p.didInit {
		return ErrNotInitialized
	}
	if p.closed {
		return ErrProxyClosed
	}
	return p.st.send(msg, forceIPC)
}

// proxyState is the part of a ChannelProxy shared with the I/O
// runner. In-flight tasks keep it alive after the owner drops the
// proxy; teardown always runs on the I/O runner.
type proxyState struct {
	ipc   *Runner
	owner *Runner

	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label

	// listener is revoked by Close; dispatch tasks racing with
	// destruction find nil and become no-ops.
	listenerMu sync.Mutex
	listener   Listener

	// channel may be set on the owner goroutine (createNow) or the
	// I/O runner, but once set it is only mutated or cleared on the
	// I/O runner. The lock exists for the thread-safe send path.
	chanMu     sync.Mutex
	channel    Channel
	threadSafe bool

	peer atomic.Value // PeerID, write-once after connect

	pendingMu      sync.Mutex
	pendingFilters []MessageFilter

	// Touched only on the I/O runner.
	filters   []MessageFilter
	connected bool
}

var _ ChannelEvents = (*proxyState)(nil)

func (st *proxyState) post(task func()) {
	if err := st.ipc.Post(task); err != nil {
		st.logger.Warn("io runner gone, dropping task", LabelError.L(err))
	}
}

func (st *proxyState) createChannel(factory ChannelFactory) error {
	ch, err := factory.NewChannel(st)
	if err != nil {
		return err
	}
	st.chanMu.Lock()
	st.channel = ch
	st.threadSafe = ch.ThreadSafeSend()
	st.chanMu.Unlock()
	return nil
}

func (st *proxyState) send(msg Message, forceIPC bool) error {
	if !forceIPC {
		st.chanMu.Lock()
		if st.channel != nil && st.threadSafe {
			err := st.channel.Send(msg)
			st.chanMu.Unlock()
			if err != nil {
				st.msink.IncrCounterWithLabels(MetricLoomSendDroppedCount, 1, st.mlabels)
				return err
			}
			st.msink.IncrCounterWithLabels(MetricLoomSendDirectCount, 1, st.mlabels)
			return nil
		}
		st.chanMu.Unlock()
	}

	if err := st.ipc.Post(func() { st.onSendMessage(msg) }); err != nil {
		st.msink.IncrCounterWithLabels(MetricLoomSendDroppedCount, 1, st.mlabels)
		return err
	}
	st.msink.IncrCounterWithLabels(MetricLoomSendPostedCount, 1, st.mlabels)
	return nil
}

func (st *proxyState) revokeListener() {
	st.listenerMu.Lock()
	st.listener = nil
	st.listenerMu.Unlock()
}

func (st *proxyState) currentListener() Listener {
	st.listenerMu.Lock()
	defer st.listenerMu.Unlock()
	return st.listener
}

func (st *proxyState) peerID() PeerID {
	if v := st.peer.Load(); v != nil {
		return v.(PeerID)
	}
	return ""
}

func (st *proxyState) dispatchError(err error) {
	if perr := st.owner.Post(func() {
		if l := st.currentListener(); l != nil {
			l.OnChannelError(err)
		}
	}); perr != nil {
		st.logger.Warn("owner runner gone, dropping error event", LabelError.L(err))
	}
}

// ChannelEvents implementation. Channels may call these from any
// goroutine; they hop onto the I/O runner, which preserves the order
// seen by a single reader goroutine.

func (st *proxyState) OnChannelMessage(msg Message) {
	st.post(func() { st.onMessage(msg) })
}

func (st *proxyState) OnChannelOpened(peer PeerID) {
	st.post(func() { st.onConnected(peer) })
}

func (st *proxyState) OnChannelError(err error) {
	st.post(func() { st.onError(err) })
}

// Everything below runs on the I/O runner.

func (st *proxyState) onChannelOpened() {
	st.chanMu.Lock()
	ch := st.channel
	st.chanMu.Unlock()
	if ch == nil {
		// Closed before it got to open.
		return
	}
	if err := ch.Open(); err != nil {
		st.logger.Error("failed to open channel", LabelError.L(err))
		st.msink.IncrCounterWithLabels(MetricLoomWireConnErrorCount, 1, st.mlabels)
		st.dispatchError(err)
	}
}

func (st *proxyState) onMessage(msg Message) {
	st.msink.IncrCounterWithLabels(MetricLoomMessageInCount, 1, st.mlabels)
	for _, f := range st.filters {
		if f.OnMessage(msg) {
			st.msink.IncrCounterWithLabels(MetricLoomMessageFiltered, 1, st.mlabels)
			return
		}
	}
	if err := st.owner.Post(func() {
		if l := st.currentListener(); l != nil {
			l.OnMessageReceived(msg)
		}
	}); err != nil {
		st.logger.Warn("owner runner gone, dropping message", LabelError.L(err))
	}
}

func (st *proxyState) onConnected(peer PeerID) {
	if !st.connected {
		st.connected = true
		st.peer.Store(peer)
	}
	for _, f := range st.filters {
		f.OnChannelConnected(peer)
	}
	if err := st.owner.Post(func() {
		if l := st.currentListener(); l != nil {
			l.OnChannelConnected(peer)
		}
	}); err != nil {
		st.logger.Warn("owner runner gone, dropping connect event", LabelError.L(err))
	}
}

func (st *proxyState) onError(err error) {
	st.logger.Debug("channel error", LabelError.L(err))
	st.dispatchError(err)
}

func (st *proxyState) onSendMessage(msg Message) {
	st.chanMu.Lock()
	ch := st.channel
	st.chanMu.Unlock()
	if ch == nil {
		st.logger.Warn("dropping message, channel not available")
		st.msink.IncrCounterWithLabels(MetricLoomSendDroppedCount, 1, st.mlabels)
		return
	}
	if err := ch.Send(msg); err != nil {
		st.logger.Warn("channel refused message", LabelError.L(err))
		st.msink.IncrCounterWithLabels(MetricLoomSendDroppedCount, 1, st.mlabels)
	}
}

func (st *proxyState) onAddFilters() {
	st.pendingMu.Lock()
	pending := st.pendingFilters
	st.pendingFilters = nil
	st.pendingMu.Unlock()

	for _, f := range pending {
		st.filters = append(st.filters, f)
		if st.connected {
			f.OnChannelConnected(st.peerID())
		}
	}
}

func (st *proxyState) onRemoveFilter(f MessageFilter) {
	for i, cur := range st.filters {
		if cur == f {
			st.filters = append(st.filters[:i:i], st.filters[i+1:]...)
			return
		}
	}
	st.logger.Warn("filter to remove not found")
}

func (st *proxyState) onChannelClosed() {
	st.chanMu.Lock()
	ch := st.channel
	st.channel = nil
	st.chanMu.Unlock()
	if ch != nil {
		ch.Close()
	}

	for _, f := range st.filters {
		f.OnChannelClosed()
	}
	st.filters = nil
	st.connected = false

	st.pendingMu.Lock()
	st.pendingFilters = nil
	st.pendingMu.Unlock()
}
