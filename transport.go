package stoq

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hypermesh-online/stoq/accelerator"
	"github.com/hypermesh-online/stoq/adaptive"
	"github.com/hypermesh-online/stoq/classifier"
	"github.com/hypermesh-online/stoq/falcon"
	"github.com/hypermesh-online/stoq/netmon"
	"github.com/hypermesh-online/stoq/params"
	"github.com/hypermesh-online/stoq/stoqlog"
	"github.com/hypermesh-online/stoq/wire"
	"github.com/quic-go/quic-go"
	qlogging "github.com/quic-go/quic-go/logging"
	"go.uber.org/zap"
)

// Config configures a Transport at bind time (spec.md §4.1, §4.3, §4.4).
type Config struct {
	Local         Endpoint
	CertSource    CertificateSource
	PeerResolver  PeerResolver
	FalconMode    wire.FalconMode
	FalconKeyMode falcon.Mode
	Logger        *zap.Logger

	// InitialParams seeds every Connection's starting TransportParameters
	// (spec.md §4.10/§6's bind(..., initial_params, ...) argument). The zero
	// value (MaxConcurrentStreams == 0) selects params.Presets[params.DefaultInitialTier];
	// any other value is validated at NewTransport time via its own Validate().
	InitialParams params.TransportParameters

	// PoolMaxPerEndpoint overrides DefaultPoolMaxPerEndpoint when positive.
	PoolMaxPerEndpoint int
	// IdleEvictAfter overrides DefaultIdleEvictAfter when positive.
	IdleEvictAfter time.Duration
}

// Transport is the top-level STOQ endpoint: it binds one IPv6 UDP socket,
// accepts inbound connections, dials outbound ones through its Connection
// Pool, and runs the Adaptive Controller for every connection it owns
// (spec.md §4.1).
type Transport struct {
	cfg      Config
	listener *quic.Listener
	pool     *Pool
	monitor  *netmon.Monitor
	ctl      *adaptive.Controller
	accel    accelerator.Capability

	falconPriv    *falcon.PrivateKey
	falconPub     *falcon.PublicKey
	initialParams params.TransportParameters

	logger *zap.Logger

	// certChain is the listener's current TLS certificate, read by
	// buildTLSConfig's GetCertificate callback on every accept and swapped
	// by watchRotations; it is what lets a rotation take effect atomically
	// at the next accept without tearing down the listener (spec.md §4.3).
	certChain atomic.Pointer[tls.Certificate]

	mu        sync.Mutex
	shutdown  bool
	evictStop chan struct{}
}

// NewTransport prepares a Transport. It generates the endpoint's FALCON
// identity and probes accelerator availability but does not open a socket
// until Bind.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.CertSource == nil {
		return nil, fmt.Errorf("stoq: Config.CertSource is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = stoqlog.New(stoqlog.Options{Console: true})
	}
	if cfg.FalconKeyMode == 0 {
		cfg.FalconKeyMode = falcon.Falcon512
	}
	if !cfg.Local.Addr().IsValid() {
		return nil, ErrIPv4NotSupported
	}

	initialParams := cfg.InitialParams
	if initialParams.MaxConcurrentStreams == 0 {
		initialParams = params.Presets[params.DefaultInitialTier]
	}
	if err := initialParams.Validate(); err != nil {
		return nil, fmt.Errorf("stoq: Config.InitialParams: %w", err)
	}

	priv, pub, err := falconIdentity(cfg)
	if err != nil {
		return nil, fmt.Errorf("stoq: generating falcon identity: %w", err)
	}

	accel := accelerator.Probe()
	cfg.Logger.Info("accelerator probe complete", zap.Bool("available", accel.Available), zap.String("reason", accel.Reason))

	t := &Transport{
		cfg:           cfg,
		monitor:       netmon.NewMonitor(),
		accel:         accel,
		falconPriv:    priv,
		falconPub:     pub,
		initialParams: initialParams,
		logger:        cfg.Logger.Named("transport"),
		evictStop:     make(chan struct{}),
	}
	t.pool = NewPool(t.dialConnection, cfg.Logger, cfg.PoolMaxPerEndpoint, cfg.IdleEvictAfter)
	t.ctl = adaptive.NewController(t.pool, classifier.New(), cfg.Logger)
	return t, nil
}

func falconIdentity(cfg Config) (*falcon.PrivateKey, *falcon.PublicKey, error) {
	if cfg.FalconMode == wire.FalconOff {
		return nil, nil, nil
	}
	pub, priv, err := falcon.Generate(cfg.FalconKeyMode)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// Bind opens the UDP socket and starts accepting connections and running
// the adaptive parameter loop.
func (t *Transport) Bind(ctx context.Context) error {
	tlsConf, err := t.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("stoq: building tls config: %w", err)
	}

	qConf := &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  DefaultIdleTimeout,
	}

	ln, err := quic.ListenAddr(t.cfg.Local.UDPAddr().String(), tlsConf, qConf)
	if err != nil {
		return fmt.Errorf("stoq: listen: %w", err)
	}
	t.listener = ln

	t.ctl.Start()
	go t.evictLoop()

	t.watchRotations()
	return nil
}

// buildTLSConfig stores the current chain in t.certChain and returns a
// tls.Config whose GetCertificate reads from it on every handshake. Because
// accepts consult certChain live rather than a value baked in at Bind time,
// watchRotations can swap the chain out from under an already-running
// listener and the new chain applies starting with the very next accept
// (spec.md §4.3), without disturbing connections already established.
func (t *Transport) buildTLSConfig() (*tls.Config, error) {
	cert, err := t.cfg.CertSource.CurrentChain()
	if err != nil {
		return nil, err
	}
	t.certChain.Store(&cert)
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return t.certChain.Load(), nil
		},
		NextProtos: []string{"stoq/1"},
		MinVersion: tls.VersionTLS13,
	}, nil
}

func (t *Transport) watchRotations() {
	ch := t.cfg.CertSource.Watch()
	if ch == nil {
		return
	}
	go func() {
		for range ch {
			cert, err := t.cfg.CertSource.CurrentChain()
			if err != nil {
				t.logger.Warn("certificate rotation event received but CurrentChain failed, keeping prior chain", zap.Error(err))
				continue
			}
			t.certChain.Store(&cert)
			t.logger.Info("certificate rotation applied; future accepts use the new chain")
		}
	}()
}

func (t *Transport) evictLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			t.pool.EvictStale(now)
		case <-t.evictStop:
			return
		}
	}
}

// Accept waits for the next inbound connection and runs the server side of
// the FALCON handshake before returning it.
func (t *Transport) Accept(ctx context.Context) (*Connection, error) {
	if t.listener == nil {
		return nil, fmt.Errorf("stoq: transport not bound")
	}
	qc, err := t.listener.Accept(ctx)
	if err != nil {
		return nil, NewIoError(err)
	}
	conn, err := t.completeConnection(ctx, qc, false, "")
	if err != nil {
		return nil, err
	}
	t.pool.RegisterAccepted(conn)
	return conn, nil
}

// Connect dials ep directly via the Connection Pool.
func (t *Transport) Connect(ctx context.Context, ep Endpoint) (*Connection, error) {
	if !ep.Addr().IsValid() {
		return nil, ErrIPv4NotSupported
	}
	return t.pool.Acquire(ep)
}

// ConnectByName resolves name through the configured PeerResolver, then
// connects.
func (t *Transport) ConnectByName(ctx context.Context, name string) (*Connection, error) {
	if t.cfg.PeerResolver == nil {
		return nil, fmt.Errorf("stoq: Config.PeerResolver not configured")
	}
	ep, err := t.cfg.PeerResolver.Resolve(name)
	if err != nil {
		return nil, &ResolveError{ServiceName: name, Err: err}
	}
	return t.Connect(ctx, ep)
}

// Release returns conn to the pool's idle set for reuse.
func (t *Transport) Release(conn *Connection) { t.pool.Release(conn) }

func (t *Transport) dialConnection(ep Endpoint) (*Connection, error) {
	tlsConf, err := t.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	tlsConf.ServerName = ep.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectTimeout)
	defer cancel()

	id := ep.String()
	qConf := &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  DefaultIdleTimeout,
		Tracer: func(context.Context, qlogging.Perspective, quic.ConnectionID) *qlogging.ConnectionTracer {
			return netmon.NewConnectionTracer(t.monitor, id)
		},
	}
	qc, err := quic.DialAddr(ctx, ep.UDPAddr().String(), tlsConf, qConf)
	if err != nil {
		return nil, NewHandshakeFailed(CauseTLSAlert, err)
	}
	return t.completeConnection(ctx, qc, true, id)
}

func (t *Transport) completeConnection(ctx context.Context, qc quic.Connection, isClient bool, idHint string) (*Connection, error) {
	id := idHint
	if id == "" {
		id = qc.RemoteAddr().String()
	}
	peerPub, err := runFalconHandshake(ctx, qc, t.cfg.FalconMode, t.falconPriv, t.falconPub, isClient)
	if err != nil {
		_ = qc.CloseWithError(quic.ApplicationErrorCode(AppErrFalconAuthFailed), "falcon auth failed")
		return nil, err
	}

	ep, err := NewEndpoint(addrFromUDP(qc.RemoteAddr()), portFromUDP(qc.RemoteAddr()))
	if err != nil {
		_ = qc.CloseWithError(quic.ApplicationErrorCode(AppErrMalformedExtension), "ipv4 peer rejected")
		return nil, err
	}

	conn := newConnection(id, ep, qc, t.initialParams, t.cfg.FalconMode, peerPub, t.monitor, t.logger)
	return conn, nil
}

// Shutdown stops accepting, closes every pooled Connection with a graceful
// reason code, waits up to graceMs for drains, then force-closes (spec.md
// §4.1's shutdown(grace_ms)). ctx.Done() also cuts the grace period short.
func (t *Transport) Shutdown(ctx context.Context, graceMs int) error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	t.mu.Unlock()

	if t.listener != nil {
		_ = t.listener.Close() // stop accepting immediately
	}
	t.ctl.Stop()
	close(t.evictStop)

	conns := t.pool.Snapshot()
	done := make(chan struct{})
	go func() {
		for _, h := range conns {
			if c, ok := h.(*Connection); ok {
				_ = c.Close("transport shutdown")
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(graceMs) * time.Millisecond):
		// force-close: Connection.Close is idempotent via closeOnce, so any
		// stragglers still draining get cut off here instead of lingering.
		for _, h := range conns {
			if c, ok := h.(*Connection); ok {
				_ = c.Close("transport shutdown: grace period exceeded")
			}
		}
	case <-ctx.Done():
		for _, h := range conns {
			if c, ok := h.(*Connection); ok {
				_ = c.Close("transport shutdown: canceled")
			}
		}
	}
	return nil
}

// Accelerator reports the AF_XDP capability probe result taken by
// NewTransport. The transport's I/O path is the same whatever it reports.
func (t *Transport) Accelerator() accelerator.Capability { return t.accel }

func addrFromUDP(a net.Addr) netip.Addr {
	u, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(u.IP)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func portFromUDP(a net.Addr) uint16 {
	u, ok := a.(*net.UDPAddr)
	if !ok {
		return 0
	}
	return uint16(u.Port)
}
