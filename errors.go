package loom

import (
	"errors"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg = errors.New("loom: invalid options")

	ErrAlreadyInitialized = errors.New("proxy: Init called twice")
	ErrNotInitialized     = errors.New("proxy: Init has not been called")
	ErrProxyClosed        = errors.New("proxy: closed")

	ErrRunnerClosed = errors.New("runner: closed, task rejected")

	ErrAlreadyRegistered = errors.New("waitset: handle already registered")
	ErrNotFound          = errors.New("waitset: handle not registered")

	ErrHandleClosed = errors.New("pipe: handle is closed")
	ErrPeerClosed   = errors.New("pipe: peer endpoint is closed")
	ErrWouldBlock   = errors.New("pipe: no message available")

	ErrChannelClosed = errors.New("channel: closed")

	ErrNoTLSConfig   = errors.New("wire: TlsConfig is required")
	ErrInvalidAddr   = errors.New("wire: invalid address")
	ErrTooLargeFrame = errors.New("wire: frame exceeds MaxFrameSize")
	ErrStreamWrite   = errors.New("wire: error writing to the stream")
)

var (
	QErrShutdown = QuicApplicationError{
		Code:   0x1,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			qerr.Prefix+": "+msg,
		)
	}
	return nil
}
