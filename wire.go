package loom

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	defaultDialTimeout  = 30 * time.Second
	defaultMaxFrameSize = 1 << 20

	wireALPN = "loom/1"
)

// WireMode selects which side of the connection a wire channel takes.
type WireMode uint8

const (
	// WireModeDial connects out to a listening peer.
	WireModeDial WireMode = iota
	// WireModeListen binds Addr and accepts a single peer.
	WireModeListen
)

// WireConfig configures a QUIC-backed channel between processes.
type WireConfig struct {
	// TlsConfig is required. It is REALLY important that you use mTLS
	// in production since that's the only way to secure the wire.
	TlsConfig *tls.Config

	// Addr is the dial target (WireModeDial) or bind address
	// (WireModeListen).
	Addr string

	Mode WireMode

	// DialTimeout controls how much time we are willing to wait for
	// the remote peer to answer. Dial mode only.
	DialTimeout time.Duration

	// MaxFrameSize bounds a single message on the wire, in either
	// direction.
	MaxFrameSize int

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metric emitted by the channel.
	MetricLabels []metrics.Label
}

// WireChannelFactory builds wire channels for a `ChannelProxy`. Sends
// on a wire channel are not thread-safe, so proxies using it always
// route sends through the I/O runner.
type WireChannelFactory struct {
	cfg WireConfig
}

func NewWireChannelFactory(cfg *WireConfig) (*WireChannelFactory, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	f := &WireChannelFactory{cfg: *cfg}
	f.cfg.TlsConfig = cfg.TlsConfig.Clone()
	if len(f.cfg.TlsConfig.NextProtos) == 0 {
		f.cfg.TlsConfig.NextProtos = []string{wireALPN}
	}
	if f.cfg.DialTimeout == 0 {
		f.cfg.DialTimeout = defaultDialTimeout
	}
	if f.cfg.MaxFrameSize == 0 {
		f.cfg.MaxFrameSize = defaultMaxFrameSize
	}
	return f, nil
}

func (f *WireChannelFactory) NewChannel(events ChannelEvents) (Channel, error) {
	wc := &wireChannel{
		cfg:     &f.cfg,
		events:  events,
		closeCh: make(chan struct{}),
	}

	if f.cfg.LogHandler != nil {
		wc.logger = slog.New(f.cfg.LogHandler)
	} else {
		wc.logger = slog.Default()
	}
	if f.cfg.MetricSink != nil {
		wc.msink = f.cfg.MetricSink
	} else {
		wc.msink = metrics.Default()
	}

	if f.cfg.Mode == WireModeListen {
		ln, err := quic.ListenAddr(f.cfg.Addr, f.cfg.TlsConfig, wireQuicConfig())
		if err != nil {
			return nil, fmt.Errorf("wire: failed to allocate QUIC listener: %w", err)
		}
		wc.ln = ln
	}
	return wc, nil
}

func wireQuicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

type wireChannel struct {
	cfg    *WireConfig
	events ChannelEvents
	logger *slog.Logger
	msink  metrics.MetricSink

	ln *quic.Listener

	lk        sync.Mutex
	conn      quic.Connection
	stream    quic.Stream
	connected bool
	closed    bool

	// Messages accepted before the connection is up; flushed in
	// order on connect.
	outbox []Message

	closeOnce sync.Once
	closeCh   chan struct{}
}

var _ Channel = (*wireChannel)(nil)

func (wc *wireChannel) ThreadSafeSend() bool { return false }

// Open starts connection establishment in the background; the opened
// (or error) event is reported through the events sink once the
// handshake completes.
func (wc *wireChannel) Open() error {
	go wc.connect()
	return nil
}

func (wc *wireChannel) Send(msg Message) error {
	wc.lk.Lock()
	defer wc.lk.Unlock()

	if wc.closed {
		return ErrChannelClosed
	}
	if !wc.connected {
		wc.outbox = append(wc.outbox, msg)
		return nil
	}
	return wc.writeFrameLocked(msg)
}

func (wc *wireChannel) Close() {
	wc.closeOnce.Do(func() {
		wc.lk.Lock()
		wc.closed = true
		conn := wc.conn
		wc.lk.Unlock()

		close(wc.closeCh)
		if conn != nil {
			QErrShutdown.Close(conn, "channel closed")
		}
		if wc.ln != nil {
			wc.ln.Close()
		}
	})
}

func (wc *wireChannel) connect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-wc.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		conn   quic.Connection
		stream quic.Stream
		err    error
	)
	if wc.cfg.Mode == WireModeDial {
		dialCtx, dialCancel := context.WithTimeout(ctx, wc.cfg.DialTimeout)
		defer dialCancel()
		conn, err = quic.DialAddr(dialCtx, wc.cfg.Addr, wc.cfg.TlsConfig, wireQuicConfig())
		if err == nil {
			stream, err = conn.OpenStreamSync(dialCtx)
		}
		if err == nil {
			// A QUIC stream is invisible to the peer until data is
			// written; a zero-length frame announces it.
			_, err = stream.Write(protowire.AppendVarint(nil, 0))
		}
	} else {
		conn, err = wc.ln.Accept(ctx)
		if err == nil {
			stream, err = conn.AcceptStream(ctx)
		}
	}

	if err != nil {
		if wc.isClosed() {
			return
		}
		wc.logger.Error("wire channel establishment failed", LabelError.L(err))
		wc.msink.IncrCounterWithLabels(
			MetricLoomWireConnErrorCount, 1, wc.cfg.MetricLabels)
		wc.events.OnChannelError(err)
		return
	}

	peer := wirePeer(conn)

	wc.lk.Lock()
	if wc.closed {
		wc.lk.Unlock()
		QErrShutdown.Close(conn, "channel closed during establishment")
		return
	}
	wc.conn = conn
	wc.stream = stream
	wc.connected = true
	// Flushed before the lock is released so sends racing with
	// establishment cannot overtake queued messages.
	for _, msg := range wc.outbox {
		if werr := wc.writeFrameLocked(msg); werr != nil {
			wc.logger.Warn("failed to flush queued message", LabelError.L(werr))
		}
	}
	wc.outbox = nil
	wc.lk.Unlock()

	wc.logger.Debug("wire channel established", LabelPeer.L(string(peer)))
	wc.msink.IncrCounterWithLabels(
		MetricLoomWireConnEstCount, 1, wc.cfg.MetricLabels)
	wc.events.OnChannelOpened(peer)

	wc.readLoop(stream)
}

func (wc *wireChannel) readLoop(stream quic.Stream) {
	br := bufio.NewReader(stream)
	for {
		length, err := binary.ReadUvarint(br)
		if err != nil {
			wc.readFailed(err)
			return
		}
		if length == 0 {
			// Stream announcement, not a message.
			continue
		}
		if length > uint64(wc.cfg.MaxFrameSize) {
			wc.readFailed(ErrTooLargeFrame)
			return
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(br, buf); err != nil {
			wc.readFailed(err)
			return
		}
		wc.msink.IncrCounterWithLabels(
			MetricLoomWireInBytes, float32(length), wc.cfg.MetricLabels)
		wc.events.OnChannelMessage(buf)
	}
}

func (wc *wireChannel) readFailed(err error) {
	if wc.isClosed() {
		return
	}
	wc.logger.Warn("wire channel broken", LabelError.L(err))
	wc.msink.IncrCounterWithLabels(
		MetricLoomWireErrorCount, 1, wc.cfg.MetricLabels)
	wc.events.OnChannelError(err)
}

func (wc *wireChannel) writeFrameLocked(msg Message) error {
	if len(msg) > wc.cfg.MaxFrameSize {
		return ErrTooLargeFrame
	}

	buf := protowire.AppendVarint(nil, uint64(len(msg)))
	buf = append(buf, msg...)
	if _, err := wc.stream.Write(buf); err != nil {
		wc.msink.IncrCounterWithLabels(
			MetricLoomWireErrorCount, 1, wc.cfg.MetricLabels)
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	wc.msink.IncrCounterWithLabels(
		MetricLoomWireOutBytes, float32(len(buf)), wc.cfg.MetricLabels)
	return nil
}

func (wc *wireChannel) isClosed() bool {
	wc.lk.Lock()
	defer wc.lk.Unlock()
	return wc.closed
}

// wirePeer resolves the peer identity from the peer certificate's
// Subject Common Name, falling back to the remote address when no
// certificate was presented.
func wirePeer(conn quic.Connection) PeerID {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) > 0 && certs[0].Subject.CommonName != "" {
		return PeerID(certs[0].Subject.CommonName)
	}
	return PeerID(conn.RemoteAddr().String())
}
