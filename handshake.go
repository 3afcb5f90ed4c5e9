package stoq

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/hypermesh-online/stoq/falcon"
	"github.com/hypermesh-online/stoq/wire"
	"github.com/quic-go/quic-go"
)

// falconExporterLabel is the TLS 1.3 exporter label STOQ's hybrid
// authentication binds to (spec.md §4.6, RFC 8446 §7.5).
const falconExporterLabel = "stoq/falcon/v1"

// falconExporterLength is the number of exported bytes signed by each side.
const falconExporterLength = 32

// falconProbeTimeout bounds how long a mode != FalconOff side waits for the
// peer's half of the hybrid exchange before concluding the peer does not
// offer FALCON at all and falling back to TLS-only auth (spec.md §4.8: "if
// only one peer offers FALCON, hybrid is not activated"). It is bounded by
// ctx's own deadline when that is shorter.
const falconProbeTimeout = 3 * time.Second

// runFalconHandshake performs the post-TLS hybrid authentication exchange
// over the connection's first bidirectional stream. Both sides send a
// ParamBlock (advertising FalconMode and their own public key) followed by
// a FalconSigFrame signing the shared TLS exporter value. A mismatch or
// signature failure closes the connection with AppErrFalconAuthFailed; a
// peer that never produces its half of the exchange within
// falconProbeTimeout is treated as not offering FALCON at all, and the
// handshake falls back to (nil, nil) rather than failing.
func runFalconHandshake(ctx context.Context, qc quic.Connection, mode wire.FalconMode, priv *falcon.PrivateKey, pub *falcon.PublicKey, isClient bool) (*falcon.PublicKey, error) {
	if mode == wire.FalconOff {
		return nil, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, falconProbeTimeout)
	defer cancel()

	var stream quic.Stream
	var err error
	if isClient {
		stream, err = qc.OpenStreamSync(probeCtx)
	} else {
		stream, err = qc.AcceptStream(probeCtx)
	}
	if err != nil {
		// The peer never opened/accepted its side of the probe stream: it
		// does not offer hybrid auth, so proceed TLS-only.
		return nil, nil
	}
	defer stream.Close()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-probeCtx.Done():
			stream.CancelRead(0)
			stream.CancelWrite(0)
		case <-stopWatch:
		}
	}()

	localParams := wire.ParamBlock{
		FalconMode:      mode,
		FalconPublicKey: pub.Marshal(),
	}
	localParamsEnc, err := wire.EncodeParams(localParams)
	if err != nil {
		return nil, NewHandshakeFailed(CauseFalconAuthFailed, err)
	}
	// ParamBlock's TLV stream has no self-terminating length, so it is
	// prefixed with its own 4-byte big-endian size when placed on a stream
	// alongside other data (here, the FalconSigFrame that follows it).
	localEnc := make([]byte, 4+len(localParamsEnc))
	binary.BigEndian.PutUint32(localEnc, uint32(len(localParamsEnc)))
	copy(localEnc[4:], localParamsEnc)

	exporter, err := exportKeyingMaterial(qc, falconExporterLabel, falconExporterLength)
	if err != nil {
		return nil, NewHandshakeFailed(CauseTLSAlert, err)
	}
	sig, err := falcon.Sign(priv, exporter)
	if err != nil {
		return nil, NewHandshakeFailed(CauseFalconAuthFailed, err)
	}
	sigFrame := &wire.FalconSigFrame{Signature: sig}
	sigEnc, err := wire.EncodeFrame(sigFrame)
	if err != nil {
		return nil, NewHandshakeFailed(CauseFalconAuthFailed, err)
	}

	// Both sides write their half of the exchange immediately and only
	// then read the peer's: the stream never half-closes until the whole
	// handshake finishes, so every read below is for an exact, known byte
	// count rather than "until EOF" (which would deadlock two peers each
	// waiting on the other to close first).
	if _, err := stream.Write(localEnc); err != nil {
		return fallbackOnProbeExpiry(probeCtx, err)
	}
	if _, err := stream.Write(sigEnc); err != nil {
		return fallbackOnProbeExpiry(probeCtx, err)
	}

	lenBuf, err := readExact(stream, 4)
	if err != nil {
		return fallbackOnProbeExpiry(probeCtx, err)
	}
	paramsLen := binary.BigEndian.Uint32(lenBuf)
	paramsBuf, err := readExact(stream, int(paramsLen))
	if err != nil {
		return fallbackOnProbeExpiry(probeCtx, err)
	}
	peerParams, _, err := wire.DecodeParams(paramsBuf)
	if err != nil {
		return nil, NewHandshakeFailed(CauseFalconAuthFailed, err)
	}

	frameHeader, err := readExact(stream, 8)
	if err != nil {
		return fallbackOnProbeExpiry(probeCtx, err)
	}
	frameBodyLen := binary.BigEndian.Uint32(frameHeader[4:])
	frameBody, err := readExact(stream, int(frameBodyLen))
	if err != nil {
		return fallbackOnProbeExpiry(probeCtx, err)
	}
	peerFrame, _, err := wire.DecodeFrame(append(frameHeader, frameBody...))
	if err != nil {
		return nil, NewHandshakeFailed(CauseFalconAuthFailed, err)
	}
	peerSig, ok := peerFrame.(*wire.FalconSigFrame)
	if !ok {
		return nil, NewHandshakeFailed(CauseFalconAuthFailed, fmt.Errorf("expected falcon signature frame"))
	}

	if peerParams.FalconMode == wire.FalconOff {
		// Peer explicitly declined hybrid auth: proceed TLS-only.
		return nil, nil
	}
	if peerParams.FalconMode != mode {
		return nil, NewHandshakeFailed(CauseFalconAuthFailed, fmt.Errorf("falcon mode mismatch: local=%v peer=%v", mode, peerParams.FalconMode))
	}
	peerPub, err := falcon.ParsePublicKey(pub.Mode, peerParams.FalconPublicKey)
	if err != nil {
		return nil, NewHandshakeFailed(CauseFalconAuthFailed, err)
	}
	if err := falcon.VerifyOrError(peerPub, exporter, peerSig.Signature); err != nil {
		return nil, NewHandshakeFailed(CauseFalconAuthFailed, err)
	}

	return peerPub, nil
}

// fallbackOnProbeExpiry distinguishes "the peer never showed up within
// falconProbeTimeout" from a genuine I/O failure: the former falls back to
// TLS-only auth (nil, nil), the latter is a hard HandshakeFailed.
func fallbackOnProbeExpiry(probeCtx context.Context, err error) (*falcon.PublicKey, error) {
	if probeCtx.Err() != nil {
		return nil, nil
	}
	return nil, NewHandshakeFailed(CauseTimeout, err)
}

// readExact reads exactly n bytes from stream or returns an error; used
// instead of read-until-EOF so neither handshake peer has to close its
// write side before reading the other's message.
func readExact(stream quic.Stream, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// exportKeyingMaterial pulls the TLS 1.3 exporter secret quic-go exposes on
// ConnectionState; both handshake peers derive the identical value (RFC
// 8446 §7.5), which is what each side's FALCON signature authenticates.
func exportKeyingMaterial(qc quic.Connection, label string, length int) ([]byte, error) {
	cs := qc.ConnectionState()
	return cs.TLS.ExportKeyingMaterial(label, nil, length)
}
