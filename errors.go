package stoq

import (
	"errors"
	"fmt"
)

// TransportError is the exhaustive error taxonomy exposed at the core
// boundary (spec.md §7). Every public operation either succeeds, fails with
// one of these, or is canceled.
type TransportError struct {
	Code   TransportErrorCode
	Cause  HandshakeFailureCause // only meaningful when Code == HandshakeFailed
	closed struct {
		appCode uint64
		reason  string
	}
	err error
}

// TransportErrorCode enumerates the taxonomy members.
type TransportErrorCode int

const (
	Ipv4NotSupported TransportErrorCode = iota
	HandshakeFailed
	StreamsExhausted
	TooLarge
	ShardTimeout
	ConnectionClosed
	Canceled
	Io
)

// HandshakeFailureCause narrows TransportError{Code: HandshakeFailed}.
type HandshakeFailureCause int

const (
	CauseTLSAlert HandshakeFailureCause = iota
	CauseFalconAuthFailed
	CausePeerClosed
	CauseTimeout
)

func (c TransportErrorCode) String() string {
	switch c {
	case Ipv4NotSupported:
		return "Ipv4NotSupported"
	case HandshakeFailed:
		return "HandshakeFailed"
	case StreamsExhausted:
		return "StreamsExhausted"
	case TooLarge:
		return "TooLarge"
	case ShardTimeout:
		return "ShardTimeout"
	case ConnectionClosed:
		return "ConnectionClosed"
	case Canceled:
		return "Canceled"
	case Io:
		return "Io"
	default:
		return "Unknown"
	}
}

func (e *TransportError) Error() string {
	switch e.Code {
	case HandshakeFailed:
		return fmt.Sprintf("stoq: handshake failed: %v", e.err)
	case ConnectionClosed:
		return fmt.Sprintf("stoq: connection closed (code=0x%04x reason=%q)", e.closed.appCode, e.closed.reason)
	default:
		if e.err != nil {
			return fmt.Sprintf("stoq: %s: %v", e.Code, e.err)
		}
		return "stoq: " + e.Code.String()
	}
}

func (e *TransportError) Unwrap() error { return e.err }

// ErrIPv4NotSupported is returned synchronously by bind/connect/accept for
// any IPv4 address (spec.md §6, §8 property 7).
var ErrIPv4NotSupported = &TransportError{Code: Ipv4NotSupported}

// ErrStreamsExhausted is soft: the caller may await capacity and retry.
var ErrStreamsExhausted = &TransportError{Code: StreamsExhausted}

// ErrCanceled is returned when the caller's context is canceled mid-operation.
var ErrCanceled = &TransportError{Code: Canceled}

// NewHandshakeFailed wraps cause/err into a TransportError.
func NewHandshakeFailed(cause HandshakeFailureCause, err error) *TransportError {
	return &TransportError{Code: HandshakeFailed, Cause: cause, err: err}
}

// NewTooLarge reports a datagram exceeding max_datagram_size.
func NewTooLarge(size, max int) *TransportError {
	return &TransportError{Code: TooLarge, err: fmt.Errorf("payload %d exceeds limit %d", size, max)}
}

// NewShardTimeout reports a partial shard set that was discarded.
func NewShardTimeout(setID string) *TransportError {
	return &TransportError{Code: ShardTimeout, err: fmt.Errorf("shard set %s timed out before reassembly completed", setID)}
}

// NewConnectionClosed reports the peer or local close code/reason every
// outstanding operation on a connection fails with afterward.
func NewConnectionClosed(appCode uint64, reason string) *TransportError {
	e := &TransportError{Code: ConnectionClosed}
	e.closed.appCode = appCode
	e.closed.reason = reason
	return e
}

// NewIoError wraps an OS/socket error, usually fatal for the connection.
func NewIoError(err error) *TransportError {
	return &TransportError{Code: Io, err: err}
}

// QUIC application error codes STOQ closes connections with (spec.md §6).
const (
	AppErrMalformedExtension uint64 = 0xFE01
	AppErrFalconAuthFailed   uint64 = 0xFE02
)

// AsTransportError unwraps err into a *TransportError, if it is one.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	ok := errors.As(err, &te)
	return te, ok
}
