package loom

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// testMTLSPair returns server and client configs signed by the same CA
// with the given Common Names.
func testMTLSPair(t *testing.T, serverCN, clientCN string) (server, client *tls.Config) {
	t.Helper()

	caKey := generateKeyPair(t)
	serverKey := generateKeyPair(t)
	clientKey := generateKeyPair(t)

	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	serverDER := generateLeaf(t, ca, caKey, serverKey, serverCN)
	serverLeaf, err := x509.ParseCertificate(serverDER)
	require.NoError(t, err)

	clientDER := generateLeaf(t, ca, caKey, clientKey, clientCN)
	clientLeaf, err := x509.ParseCertificate(clientDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	server = &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{serverDER},
				Leaf:        serverLeaf,
				PrivateKey:  serverKey,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  caPool,
		RootCAs:    caPool,
	}
	client = &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{clientDER},
				Leaf:        clientLeaf,
				PrivateKey:  clientKey,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  caPool,
		RootCAs:    caPool,
	}
	return server, client
}

type wireEvents struct {
	mu     sync.Mutex
	msgs   []string
	opened []PeerID
	errs   []error
}

func (e *wireEvents) OnChannelMessage(msg Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, string(msg))
}

func (e *wireEvents) OnChannelOpened(peer PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = append(e.opened, peer)
}

func (e *wireEvents) OnChannelError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *wireEvents) snapshot() (msgs []string, opened []PeerID, errs []error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.msgs...),
		append([]PeerID(nil), e.opened...),
		append([]error(nil), e.errs...)
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func TestWireFactoryRequiresTLS(t *testing.T) {
	_, err := NewWireChannelFactory(&WireConfig{Addr: "127.0.0.1:0"})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestWireChannelEndToEnd(t *testing.T) {
	serverTLS, clientTLS := testMTLSPair(t, "server", "client")

	serverFactory, err := NewWireChannelFactory(&WireConfig{
		TlsConfig:  serverTLS,
		Addr:       "127.0.0.1:0",
		Mode:       WireModeListen,
		LogHandler: testLogHandler("server"),
	})
	require.NoError(t, err)

	serverEvents := &wireEvents{}
	serverCh, err := serverFactory.NewChannel(serverEvents)
	require.NoError(t, err)
	defer serverCh.Close()
	require.False(t, serverCh.ThreadSafeSend())

	addr := serverCh.(*wireChannel).ln.Addr().String()

	clientFactory, err := NewWireChannelFactory(&WireConfig{
		TlsConfig:   clientTLS,
		Addr:        addr,
		Mode:        WireModeDial,
		DialTimeout: 5 * time.Second,
		LogHandler:  testLogHandler("client"),
	})
	require.NoError(t, err)

	clientEvents := &wireEvents{}
	clientCh, err := clientFactory.NewChannel(clientEvents)
	require.NoError(t, err)
	defer clientCh.Close()

	require.NoError(t, serverCh.Open())

	// Queued before the connection is even attempted; flushed on
	// connect.
	require.NoError(t, clientCh.Send(Message("early bird")))
	require.NoError(t, clientCh.Open())

	require.Eventually(t, func() bool {
		_, opened, _ := clientEvents.snapshot()
		return len(opened) == 1
	}, 10*time.Second, 10*time.Millisecond)

	_, opened, _ := clientEvents.snapshot()
	require.Equal(t, PeerID("server"), opened[0])

	require.Eventually(t, func() bool {
		msgs, opened, _ := serverEvents.snapshot()
		return len(opened) == 1 && len(msgs) == 1
	}, 10*time.Second, 10*time.Millisecond)

	msgs, opened, _ := serverEvents.snapshot()
	require.Equal(t, PeerID("client"), opened[0])
	require.Equal(t, []string{"early bird"}, msgs)

	require.NoError(t, clientCh.Send(Message("post-connect")))
	require.NoError(t, serverCh.Send(Message("right back at you")))

	require.Eventually(t, func() bool {
		msgs, _, _ := serverEvents.snapshot()
		return len(msgs) == 2 && msgs[1] == "post-connect"
	}, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		msgs, _, _ := clientEvents.snapshot()
		return len(msgs) == 1 && msgs[0] == "right back at you"
	}, 10*time.Second, 10*time.Millisecond)

	_, _, serverErrs := serverEvents.snapshot()
	require.Empty(t, serverErrs)
	_, _, clientErrs := clientEvents.snapshot()
	require.Empty(t, clientErrs)

	// Tearing the server down breaks the stream; the surviving side is
	// told about it.
	serverCh.Close()
	require.Eventually(t, func() bool {
		_, _, errs := clientEvents.snapshot()
		return len(errs) == 1
	}, 10*time.Second, 10*time.Millisecond)
}

func TestWireFrameTooLarge(t *testing.T) {
	serverTLS, clientTLS := testMTLSPair(t, "server", "client")

	serverFactory, err := NewWireChannelFactory(&WireConfig{
		TlsConfig: serverTLS,
		Addr:      "127.0.0.1:0",
		Mode:      WireModeListen,
	})
	require.NoError(t, err)

	serverEvents := &wireEvents{}
	serverCh, err := serverFactory.NewChannel(serverEvents)
	require.NoError(t, err)
	defer serverCh.Close()

	addr := serverCh.(*wireChannel).ln.Addr().String()

	clientFactory, err := NewWireChannelFactory(&WireConfig{
		TlsConfig:    clientTLS,
		Addr:         addr,
		Mode:         WireModeDial,
		MaxFrameSize: 16,
	})
	require.NoError(t, err)

	clientEvents := &wireEvents{}
	clientCh, err := clientFactory.NewChannel(clientEvents)
	require.NoError(t, err)
	defer clientCh.Close()

	require.NoError(t, serverCh.Open())
	require.NoError(t, clientCh.Open())

	require.Eventually(t, func() bool {
		_, opened, _ := clientEvents.snapshot()
		return len(opened) == 1
	}, 10*time.Second, 10*time.Millisecond)

	err = clientCh.Send(Message(make([]byte, 64)))
	require.ErrorIs(t, err, ErrTooLargeFrame)

	// Small frames still go through.
	require.NoError(t, clientCh.Send(Message("ok")))
	require.Eventually(t, func() bool {
		msgs, _, _ := serverEvents.snapshot()
		return len(msgs) == 1 && msgs[0] == "ok"
	}, 10*time.Second, 10*time.Millisecond)
}

func TestWireSendAfterClose(t *testing.T) {
	serverTLS, _ := testMTLSPair(t, "server", "client")

	factory, err := NewWireChannelFactory(&WireConfig{
		TlsConfig: serverTLS,
		Addr:      "127.0.0.1:0",
		Mode:      WireModeListen,
	})
	require.NoError(t, err)

	ch, err := factory.NewChannel(&wireEvents{})
	require.NoError(t, err)
	require.NoError(t, ch.Open())

	ch.Close()
	ch.Close()
	require.ErrorIs(t, ch.Send(Message("x")), ErrChannelClosed)
}
