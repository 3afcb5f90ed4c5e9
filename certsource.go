package stoq

import (
	"crypto/tls"
	"time"
)

// CertificateSource is an external collaborator STOQ consumes, never
// implements (spec.md §4.3). It supplies the active TLS 1.3 certificate
// chain and notifies the Transport of rotations.
type CertificateSource interface {
	// CurrentChain returns the active certificate chain and private key.
	// Called at endpoint startup and on every rotation event.
	CurrentChain() (tls.Certificate, error)
	// Watch returns a channel that emits a RotationEvent whenever the
	// material changes. The channel is closed when the source is done
	// emitting events (e.g. on shutdown); it is never closed as the result
	// of an error.
	Watch() <-chan RotationEvent
}

// RotationEvent is emitted by a CertificateSource.Watch() channel. STOQ
// reacts by atomically replacing the listening endpoint's TLS config at the
// next connection-accept boundary; in-flight connections keep their
// original parameters.
type RotationEvent struct {
	At time.Time
}

// PeerResolver is an external collaborator STOQ consumes, never implements
// (spec.md §4.4). The core invokes it only when connect_by_name is used.
type PeerResolver interface {
	// Resolve maps a service name to an Endpoint. Implementations may be
	// asynchronous internally but this call is synchronous from the
	// caller's perspective.
	Resolve(serviceName string) (Endpoint, error)
}

// ResolveError is returned by a PeerResolver implementation when it cannot
// map a service name to an endpoint.
type ResolveError struct {
	ServiceName string
	Err         error
}

func (e *ResolveError) Error() string {
	return "stoq: resolve " + e.ServiceName + ": " + e.Err.Error()
}

func (e *ResolveError) Unwrap() error { return e.Err }
