// Package wire implements bit-exact serialization and parsing of STOQ frames
// and the transport-parameter extension block. It performs no I/O and has no
// side effects: encode/decode are pure functions over byte slices.
package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameType is the 4-byte big-endian type tag every frame carries.
type FrameType uint32

// Reserved frame type range, per spec.md §6.
const (
	FrameToken     FrameType = 0xFE000001
	FrameShard     FrameType = 0xFE000002
	FrameHop       FrameType = 0xFE000003
	FrameFalconSig FrameType = 0xFE000004
	frameReserved5 FrameType = 0xFE000005
	frameReserved6 FrameType = 0xFE000006
)

// MaxFrameBodySize bounds encode_frame's output, per spec.md §4.1.
const MaxFrameBodySize = 16 << 20 // 16 MiB

const headerSize = 8 // 4-byte tag + 4-byte big-endian length

// Frame is the sum type of {Token, Shard, Hop, FalconSig, TransportParamExt}.
// Only the first four are carried as wire::Frame values; TransportParamExt
// is the TLV block handled by EncodeParams/DecodeParams instead.
type Frame interface {
	// Type returns the frame's reserved type tag.
	Type() FrameType
	// body returns the frame's encoded payload, excluding the 8-byte header.
	body() []byte
}

// TokenFrame carries the 32-byte SHA-256 content fingerprint for a message
// (or shard set). It is not a routing identifier.
type TokenFrame struct {
	Token [32]byte
}

func (f *TokenFrame) Type() FrameType { return FrameToken }
func (f *TokenFrame) body() []byte    { return f.Token[:] }

// ShardFrame carries one fragment of a payload larger than max_shard_size.
type ShardFrame struct {
	SetID [16]byte
	Index uint32
	Count uint32
	Data  []byte
}

func (f *ShardFrame) Type() FrameType { return FrameShard }
func (f *ShardFrame) body() []byte {
	b := make([]byte, 16+4+4+len(f.Data))
	copy(b, f.SetID[:])
	binary.BigEndian.PutUint32(b[16:], f.Index)
	binary.BigEndian.PutUint32(b[20:], f.Count)
	copy(b[24:], f.Data)
	return b
}

// HopRecord is a single transport-layer-only annotation of an intermediary.
type HopRecord struct {
	Addr      [16]byte // IPv6 address
	Timestamp uint64   // unix nanoseconds, big-endian on the wire
}

// HopFrame carries zero or more HopRecords, strictly ordered by hop index
// (the index in the slice is the hop index; spec.md does not put the index
// on the wire itself, only count + ordered records).
type HopFrame struct {
	Hops []HopRecord
}

func (f *HopFrame) Type() FrameType { return FrameHop }
func (f *HopFrame) body() []byte {
	b := make([]byte, 2+len(f.Hops)*(16+8))
	binary.BigEndian.PutUint16(b, uint16(len(f.Hops)))
	off := 2
	for _, h := range f.Hops {
		copy(b[off:], h.Addr[:])
		binary.BigEndian.PutUint64(b[off+16:], h.Timestamp)
		off += 16 + 8
	}
	return b
}

// FalconSigFrame carries a FALCON signature over the TLS exporter transcript,
// appearing only on stream 0 during handshake.
type FalconSigFrame struct {
	Signature []byte
}

func (f *FalconSigFrame) Type() FrameType { return FrameFalconSig }
func (f *FalconSigFrame) body() []byte {
	b := make([]byte, 2+len(f.Signature))
	binary.BigEndian.PutUint16(b, uint16(len(f.Signature)))
	copy(b[2:], f.Signature)
	return b
}

// EncodeFrame produces type_tag(4) | length(4, big-endian) | body. Frame's
// unexported body method means only this package's four frame types can be
// passed in. A body larger than MaxFrameBodySize is returned as an error.
func EncodeFrame(f Frame) ([]byte, error) {
	body := f.body()
	if len(body) > MaxFrameBodySize {
		return nil, fmt.Errorf("wire: frame body %d exceeds max %d", len(body), MaxFrameBodySize)
	}
	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(f.Type()))
	binary.BigEndian.PutUint32(out[4:], uint32(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// DecodeFrame validates the type tag is in the reserved range, validates the
// length does not exceed the remaining input, and parses the body per
// variant. It returns the number of bytes consumed so callers can decode a
// sequence of frames back-to-back out of a stream buffer.
func DecodeFrame(b []byte) (Frame, int, error) {
	if len(b) < headerSize {
		return nil, 0, malformed("truncated header")
	}
	tag := FrameType(binary.BigEndian.Uint32(b))
	length := binary.BigEndian.Uint32(b[4:])
	if length > MaxFrameBodySize {
		return nil, 0, malformed("oversized body")
	}
	if uint64(headerSize)+uint64(length) > uint64(len(b)) {
		return nil, 0, malformed("length exceeds remaining input")
	}
	body := b[headerSize : headerSize+int(length)]
	consumed := headerSize + int(length)

	switch tag {
	case FrameToken:
		if len(body) != 32 {
			return nil, 0, malformed("token frame: wrong length")
		}
		f := &TokenFrame{}
		copy(f.Token[:], body)
		return f, consumed, nil

	case FrameShard:
		if len(body) < 24 {
			return nil, 0, malformed("shard frame: truncated")
		}
		f := &ShardFrame{
			Index: binary.BigEndian.Uint32(body[16:20]),
			Count: binary.BigEndian.Uint32(body[20:24]),
		}
		copy(f.SetID[:], body[:16])
		f.Data = append([]byte(nil), body[24:]...)
		return f, consumed, nil

	case FrameHop:
		if len(body) < 2 {
			return nil, 0, malformed("hop frame: truncated count")
		}
		n := int(binary.BigEndian.Uint16(body))
		want := 2 + n*(16+8)
		if len(body) != want {
			return nil, 0, malformed("hop frame: length mismatch")
		}
		f := &HopFrame{Hops: make([]HopRecord, n)}
		off := 2
		for i := 0; i < n; i++ {
			copy(f.Hops[i].Addr[:], body[off:off+16])
			f.Hops[i].Timestamp = binary.BigEndian.Uint64(body[off+16 : off+24])
			off += 24
		}
		return f, consumed, nil

	case FrameFalconSig:
		if len(body) < 2 {
			return nil, 0, malformed("falcon sig frame: truncated length")
		}
		n := int(binary.BigEndian.Uint16(body))
		if len(body) != 2+n {
			return nil, 0, malformed("falcon sig frame: length mismatch")
		}
		f := &FalconSigFrame{Signature: append([]byte(nil), body[2:2+n]...)}
		return f, consumed, nil

	case frameReserved5, frameReserved6:
		return nil, 0, malformed("reserved tag forbidden")

	default:
		return nil, 0, malformed(fmt.Sprintf("unknown tag 0x%08x", uint32(tag)))
	}
}
