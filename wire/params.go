package wire

import (
	"encoding/binary"
)

// TLV tags recognized in the transport-parameter extension block.
const (
	TagFalconMode    uint16 = 0x01
	TagFalconPubKey  uint16 = 0x02
	TagMaxShardSize  uint16 = 0x03
	TagProposedTier  uint16 = 0x04
	maxParamBodySize        = 4096
)

// FalconMode is the wire value of tag 0x01.
type FalconMode uint8

const (
	FalconOff    FalconMode = 0
	FalconHybrid FalconMode = 1
)

// UnknownTLV preserves a TLV entry with a tag this version of STOQ does not
// recognize, so re-encoding is forward compatible (spec.md §4.1).
type UnknownTLV struct {
	Tag   uint16
	Value []byte
}

// ParamBlock is the decoded form of the QUIC transport-parameter extension
// block exchanged during the TLS 1.3 handshake.
type ParamBlock struct {
	FalconMode      FalconMode
	FalconPublicKey []byte // present iff len > 0
	MaxShardSize    uint32
	ProposedTier    uint8
	HasMaxShardSize bool
	HasProposedTier bool
	Unknown         []UnknownTLV
}

func putTLV(out []byte, tag uint16, value []byte) []byte {
	head := make([]byte, 4)
	binary.BigEndian.PutUint16(head, tag)
	binary.BigEndian.PutUint16(head[2:], uint16(len(value)))
	out = append(out, head...)
	out = append(out, value...)
	return out
}

// EncodeParams serializes a ParamBlock as a TLV sequence (2-byte tag, 2-byte
// length, value), total body <= 4096 bytes.
func EncodeParams(p ParamBlock) ([]byte, error) {
	var out []byte
	out = putTLV(out, TagFalconMode, []byte{byte(p.FalconMode)})
	if len(p.FalconPublicKey) > 0 {
		out = putTLV(out, TagFalconPubKey, p.FalconPublicKey)
	}
	if p.HasMaxShardSize {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, p.MaxShardSize)
		out = putTLV(out, TagMaxShardSize, v)
	}
	if p.HasProposedTier {
		out = putTLV(out, TagProposedTier, []byte{p.ProposedTier})
	}
	for _, u := range p.Unknown {
		out = putTLV(out, u.Tag, u.Value)
	}
	if len(out) > maxParamBodySize {
		return nil, malformed("encoded params exceed 4096 bytes")
	}
	return out, nil
}

// DecodeParams parses a TLV sequence into a ParamBlock, returning any
// trailing bytes that were not consumed (normally none). Unknown tags are
// preserved verbatim in Unknown for re-encoding.
func DecodeParams(b []byte) (ParamBlock, []byte, error) {
	if len(b) > maxParamBodySize {
		return ParamBlock{}, nil, malformed("params body exceeds 4096 bytes")
	}
	var p ParamBlock
	for len(b) > 0 {
		if len(b) < 4 {
			return ParamBlock{}, nil, malformed("truncated TLV header")
		}
		tag := binary.BigEndian.Uint16(b)
		length := binary.BigEndian.Uint16(b[2:])
		if len(b) < 4+int(length) {
			return ParamBlock{}, nil, malformed("TLV length exceeds remaining input")
		}
		value := b[4 : 4+int(length)]
		switch tag {
		case TagFalconMode:
			if length != 1 {
				return ParamBlock{}, nil, malformed("falcon_mode: wrong length")
			}
			p.FalconMode = FalconMode(value[0])
		case TagFalconPubKey:
			p.FalconPublicKey = append([]byte(nil), value...)
		case TagMaxShardSize:
			if length != 4 {
				return ParamBlock{}, nil, malformed("max_shard_size: wrong length")
			}
			p.MaxShardSize = binary.BigEndian.Uint32(value)
			p.HasMaxShardSize = true
		case TagProposedTier:
			if length != 1 {
				return ParamBlock{}, nil, malformed("proposed tier hint: wrong length")
			}
			p.ProposedTier = value[0]
			p.HasProposedTier = true
		default:
			p.Unknown = append(p.Unknown, UnknownTLV{Tag: tag, Value: append([]byte(nil), value...)})
		}
		b = b[4+int(length):]
	}
	return p, b, nil
}
