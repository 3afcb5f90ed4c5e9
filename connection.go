package stoq

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hypermesh-online/stoq/classifier"
	"github.com/hypermesh-online/stoq/falcon"
	"github.com/hypermesh-online/stoq/netmon"
	"github.com/hypermesh-online/stoq/params"
	"github.com/hypermesh-online/stoq/wire"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// connState is the per-connection state machine from spec.md §4.7:
// New -> Handshaking -> Running -> (Adapting <-> Running) -> Closing -> Closed.
type connState int32

const (
	stateNew connState = iota
	stateHandshaking
	stateRunning
	stateAdapting
	stateClosing
	stateClosed
)

// Defaults for the timeouts spec.md §5 fixes.
const (
	DefaultShardReassemblyTimeout = 30 * time.Second
	DefaultCloseTimeout           = 5 * time.Second
	DefaultIdleTimeout            = 60 * time.Second
	DefaultConnectTimeout         = 10 * time.Second
)

// Connection owns exactly one underlying QUIC connection (spec.md §4.8).
type Connection struct {
	id            string
	remote        Endpoint
	establishedAt time.Time
	falconMode    wire.FalconMode
	peerFalconPub *falcon.PublicKey

	// mu guards tier, currentParams, and state: a read-mostly lock readers
	// on the hot path take in shared mode, the Adaptive Controller takes
	// exclusively for its <=50ms critical section (spec.md §5).
	mu              sync.RWMutex
	tier            params.Tier
	currentParams   params.TransportParameters
	state           connState
	classifierState classifier.State

	qconn   quic.Connection
	monitor *netmon.Monitor
	logger  *zap.Logger

	shardTimeout time.Duration
	closeTimeout time.Duration

	streamsOpen int64 // atomic, counts live bidi streams against MaxConcurrentStreams

	hopsMu  sync.Mutex
	pending []wire.HopRecord

	recvCh    chan recvResult
	closeOnce sync.Once
	closed    chan struct{}
}

type recvResult struct {
	data []byte
	err  error
}

func newConnection(id string, remote Endpoint, qc quic.Connection, initial params.TransportParameters, falconMode wire.FalconMode, peerPub *falcon.PublicKey, monitor *netmon.Monitor, logger *zap.Logger) *Connection {
	c := &Connection{
		id:            id,
		remote:        remote,
		establishedAt: time.Now(),
		falconMode:    falconMode,
		peerFalconPub: peerPub,
		tier:          params.DefaultInitialTier,
		currentParams: initial,
		state:         stateRunning,
		classifierState: classifier.State{
			CurrentTier: params.DefaultInitialTier,
		},
		qconn:        qc,
		monitor:      monitor,
		logger:       logger.Named("connection").With(zap.String("id", id)),
		shardTimeout: DefaultShardReassemblyTimeout,
		closeTimeout: DefaultCloseTimeout,
		recvCh:       make(chan recvResult, 16),
		closed:       make(chan struct{}),
	}
	go c.acceptLoop()
	return c
}

// ID uniquely identifies the connection for logging and the adaptive
// controller (adaptive.ConnectionHandle).
func (c *Connection) ID() string { return c.id }

// RemoteEndpoint returns the peer this connection is talking to.
func (c *Connection) RemoteEndpoint() Endpoint { return c.remote }

// EstablishedAt returns the handshake-completion timestamp.
func (c *Connection) EstablishedAt() time.Time { return c.establishedAt }

// CurrentTier is a read-only observable (spec.md §6).
func (c *Connection) CurrentTier() params.Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tier
}

// CurrentParameters is a read-only observable (spec.md §6).
func (c *Connection) CurrentParameters() params.TransportParameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentParams
}

// PeerFalconPublicKey returns the peer's FALCON key bound for this
// connection's lifetime, if hybrid auth is active.
func (c *Connection) PeerFalconPublicKey() *falcon.PublicKey { return c.peerFalconPub }

func (c *Connection) isRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateRunning || c.state == stateAdapting
}

// --- adaptive.ConnectionHandle ---

// SampleSummary reports the connection's current Sample Window summary.
func (c *Connection) SampleSummary() (netmon.Summary, bool) {
	return c.monitor.Summary(c.id)
}

// ClassifierState returns the hysteresis bookkeeping the adaptive
// controller threads through repeated Classify calls.
func (c *Connection) ClassifierState() classifier.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.classifierState
}

// SetClassifierState stores updated hysteresis bookkeeping.
func (c *Connection) SetClassifierState(s classifier.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classifierState = s
}

// ApplyTier pushes tier's preset TransportParameters onto the connection.
// Every field, including send_buffer_size, recv_buffer_size and
// congestion_control, is stored at once and visible through
// CurrentParameters before this returns. The buffer sizes are not pushed to
// the OS (applySocketBuffers is a no-op), and congestion_control is only
// recorded: quic-go's congestion controller for the connection is not
// changed.
func (c *Connection) ApplyTier(tier params.Tier) error {
	preset, ok := params.Presets[tier]
	if !ok {
		return fmt.Errorf("stoq: no preset for tier %s", tier)
	}
	c.mu.Lock()
	c.state = stateAdapting
	c.tier = tier
	c.currentParams = preset
	c.state = stateRunning
	c.mu.Unlock()

	if err := applySocketBuffers(c.qconn, preset); err != nil {
		c.logger.Warn("socket buffer size push failed, continuing on previous OS buffers", zap.Error(err))
	}
	return nil
}

// applySocketBuffers is best-effort: failures here never fault the
// connection (spec.md §4.7).
func applySocketBuffers(qc quic.Connection, p params.TransportParameters) error {
	// quic-go does not expose the raw net.PacketConn off an established
	// Connection, so STOQ cannot reach into SO_SNDBUF/SO_RCVBUF per
	// connection (UDP sockets are shared across connections on one
	// Transport anyway). This is a documented no-op rather than a
	// fabricated syscall; see DESIGN.md.
	_ = qc
	_ = p
	return nil
}

// OpenBidirectionalStream opens a new bidirectional QUIC stream.
func (c *Connection) OpenBidirectionalStream(ctx context.Context) (quic.Stream, error) {
	if !c.isRunning() {
		return nil, NewConnectionClosed(AppErrMalformedExtension, "connection not running")
	}
	p := c.CurrentParameters()
	if atomic.LoadInt64(&c.streamsOpen) >= p.MaxConcurrentStreams {
		return nil, ErrStreamsExhausted
	}
	s, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, c.classifyIOErr(err)
	}
	atomic.AddInt64(&c.streamsOpen, 1)
	return s, nil
}

// SendDatagram is a zero-copy, unreliable datagram send.
func (c *Connection) SendDatagram(b []byte) error {
	if !c.isRunning() {
		return NewConnectionClosed(AppErrMalformedExtension, "connection not running")
	}
	p := c.CurrentParameters()
	if len(b) > p.MaxDatagramSize {
		return NewTooLarge(len(b), p.MaxDatagramSize)
	}
	if err := c.qconn.SendDatagram(b); err != nil {
		return c.classifyIOErr(err)
	}
	return nil
}

// SendMessage adaptively chooses datagram vs stream delivery and shards
// payloads larger than max_shard_size (spec.md §4.8).
func (c *Connection) SendMessage(ctx context.Context, payload []byte) error {
	if !c.isRunning() {
		return NewConnectionClosed(AppErrMalformedExtension, "connection not running")
	}
	p := c.CurrentParameters()

	if len(payload) <= p.MaxDatagramSize && p.EnableZeroCopy && len(payload) <= p.MaxShardSize {
		return c.SendDatagram(payload)
	}

	stream, err := c.OpenBidirectionalStream(ctx)
	if err != nil {
		return err
	}
	defer func() {
		atomic.AddInt64(&c.streamsOpen, -1)
		_ = stream.Close()
	}()

	var out []byte
	out = append(out, c.drainHopFrameBytes()...)

	if len(payload) > p.MaxShardSize {
		frames, err := encodeShardedFrames(payload, p.MaxShardSize)
		if err != nil {
			return NewIoError(err)
		}
		for _, f := range frames {
			enc, err := wire.EncodeFrame(f)
			if err != nil {
				return NewIoError(err)
			}
			out = append(out, enc...)
		}
	} else {
		out = append(out, payload...)
	}

	if _, err := stream.Write(out); err != nil {
		return c.classifyIOErr(err)
	}
	return nil
}

func (c *Connection) drainHopFrameBytes() []byte {
	c.hopsMu.Lock()
	hops := c.pending
	c.pending = nil
	c.hopsMu.Unlock()
	if len(hops) == 0 {
		return nil
	}
	enc, err := wire.EncodeFrame(&wire.HopFrame{Hops: hops})
	if err != nil {
		return nil
	}
	return enc
}

// AppendHop attaches hop metadata that the Extension Layer encodes as a Hop
// frame preceding the next send_message's payload. Hop records are not
// interpreted at the transport layer (spec.md §3, §4.8).
func (c *Connection) AppendHop(addr netip.Addr, index int, at time.Time) {
	var rec wire.HopRecord
	if addr.Is6() {
		b := addr.As16()
		copy(rec.Addr[:], b[:])
	}
	rec.Timestamp = uint64(at.UnixNano())
	c.hopsMu.Lock()
	c.pending = append(c.pending, rec)
	c.hopsMu.Unlock()
}

// Recv returns the next reassembled message delivered on any stream or
// datagram. Reassembly of sharded messages completes internally.
func (c *Connection) Recv(ctx context.Context) ([]byte, error) {
	select {
	case r, ok := <-c.recvCh:
		if !ok {
			return nil, NewConnectionClosed(AppErrMalformedExtension, "connection closed")
		}
		return r.data, r.err
	case <-ctx.Done():
		return nil, ErrCanceled
	case <-c.closed:
		return nil, NewConnectionClosed(AppErrMalformedExtension, "connection closed")
	}
}

// Close initiates a graceful close: drains outgoing, notifies the peer with
// reason, and waits up to closeTimeout for drains.
func (c *Connection) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosing
		c.mu.Unlock()

		done := make(chan struct{})
		go func() {
			_ = c.qconn.CloseWithError(0, reason)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(c.closeTimeout):
		}

		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		c.monitor.Remove(c.id)
		close(c.closed)
	})
	return err
}

// protocolClose closes the connection with a protocol-error application code
// and delivers the close reason to any pending Recv, rather than surfacing
// the raw wire-codec error to the caller (spec.md §11: wire codec parse
// rejects close the connection, they are never caller-visible as parse
// errors).
func (c *Connection) protocolClose(cause error) {
	c.logger.Warn("wire codec rejected frame, closing connection", zap.Error(cause))
	select {
	case c.recvCh <- recvResult{err: NewConnectionClosed(AppErrMalformedExtension, "protocol error")}:
	case <-c.closed:
	}
	go func() { _ = c.Close("protocol error") }()
}

func (c *Connection) classifyIOErr(err error) error {
	if err == nil {
		return nil
	}
	if c.qconn.Context().Err() != nil {
		return NewConnectionClosed(0, err.Error())
	}
	return NewIoError(err)
}

// acceptLoop reads inbound streams and datagrams, reassembling sharded
// messages and delivering completed payloads to recvCh. It is the
// Connection's only reader of the underlying QUIC connection.
func (c *Connection) acceptLoop() {
	go c.acceptDatagrams()
	for {
		stream, err := c.qconn.AcceptStream(context.Background())
		if err != nil {
			select {
			case c.recvCh <- recvResult{err: c.classifyIOErr(err)}:
			default:
			}
			close(c.recvCh)
			return
		}
		go c.readStream(stream)
	}
}

func (c *Connection) acceptDatagrams() {
	for {
		b, err := c.qconn.ReceiveDatagram(context.Background())
		if err != nil {
			return
		}
		select {
		case c.recvCh <- recvResult{data: b}:
		case <-c.closed:
			return
		}
	}
}

// frameHeaderSize mirrors wire's unexported header layout (4-byte type tag
// plus 4-byte big-endian length) so consumeFrame can read a frame
// incrementally without decoding the whole stream up front.
const frameHeaderSize = 8

// readStream incrementally peeks each frame's type tag off stream before
// consuming it, so a Token frame is recognized and handed to
// reassembleShards as soon as it arrives rather than after the stream's
// writer closes its side (spec.md §4.8: shard reassembly must not depend on
// stream EOF, since an incomplete shard set's sender may never close).
func (c *Connection) readStream(stream quic.Stream) {
	r := bufio.NewReaderSize(stream, 32*1024)

	if tag, err := peekFrameType(r); err == nil && tag == wire.FrameHop {
		if _, ferr := consumeFrame(r); ferr != nil {
			c.protocolClose(ferr)
			return
		}
		// Hop records are transport-layer-only annotations; nothing above
		// this layer interprets them further (spec.md §3, §4.8).
	}

	tag, err := peekFrameType(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		select {
		case c.recvCh <- recvResult{err: NewIoError(err)}:
		case <-c.closed:
		}
		return
	}

	if tag == wire.FrameToken {
		f, ferr := consumeFrame(r)
		if ferr != nil {
			c.protocolClose(ferr)
			return
		}
		c.reassembleShards(stream, r, f.(*wire.TokenFrame))
		return
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		select {
		case c.recvCh <- recvResult{err: NewIoError(err)}:
		case <-c.closed:
		}
		return
	}
	select {
	case c.recvCh <- recvResult{data: buf}:
	case <-c.closed:
	}
}

// reassembleShards reads Shard frames off r until the set named by tok is
// complete. A real timer, armed the instant the Token frame arrives, bounds
// how long an incomplete set is awaited — independent of whether or when
// the peer ever closes the stream (spec.md §8 property 5: an incomplete
// shard set must surface ShardTimeout, not hang forever behind stream EOF).
func (c *Connection) reassembleShards(stream quic.Stream, r *bufio.Reader, tok *wire.TokenFrame) {
	a := newShardAssembler()
	a.addToken(tok, time.Now(), c.shardTimeout)

	timer := time.AfterFunc(c.shardTimeout, func() { stream.CancelRead(0) })
	defer timer.Stop()

	for {
		tag, perr := peekFrameType(r)
		if perr != nil {
			timer.Stop()
			c.deliverShardTimeout(tok)
			return
		}
		if tag != wire.FrameShard {
			if _, ferr := consumeFrame(r); ferr != nil {
				timer.Stop()
				c.protocolClose(ferr)
				return
			}
			continue
		}

		f, ferr := consumeFrame(r)
		if ferr != nil {
			timer.Stop()
			c.protocolClose(ferr)
			return
		}
		payload, done, aerr := a.addShard(f.(*wire.ShardFrame))
		if aerr != nil {
			timer.Stop()
			c.protocolClose(aerr)
			return
		}
		if done {
			timer.Stop()
			select {
			case c.recvCh <- recvResult{data: payload}:
			case <-c.closed:
			}
			return
		}
	}
}

func (c *Connection) deliverShardTimeout(tok *wire.TokenFrame) {
	select {
	case c.recvCh <- recvResult{err: NewShardTimeout(fmt.Sprintf("%x", sha256.Sum256(tok.Token[:])))}:
	case <-c.closed:
	}
}

// peekFrameType inspects the next frame's 4-byte type tag without consuming
// any bytes, blocking until either 8 bytes are available or the underlying
// stream read fails (EOF, reset, or a CancelRead triggered by
// reassembleShards's timer).
func peekFrameType(r *bufio.Reader) (wire.FrameType, error) {
	b, err := r.Peek(frameHeaderSize)
	if err != nil {
		return 0, err
	}
	return wire.FrameType(binary.BigEndian.Uint32(b)), nil
}

// consumeFrame reads exactly one frame (header plus body) off r and decodes
// it, having already confirmed via peekFrameType that the header is
// available.
func consumeFrame(r *bufio.Reader) (wire.Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[4:])
	if length > wire.MaxFrameBodySize {
		return nil, fmt.Errorf("stoq: frame body %d exceeds max %d", length, wire.MaxFrameBodySize)
	}
	buf := make([]byte, frameHeaderSize+int(length))
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[frameHeaderSize:]); err != nil {
		return nil, err
	}
	f, _, err := wire.DecodeFrame(buf)
	return f, err
}
