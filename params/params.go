package params

import "fmt"

// CongestionControl selects the QUIC congestion controller a Connection uses.
type CongestionControl int

const (
	BBR2 CongestionControl = iota
	CUBIC
	NewReno
)

func (c CongestionControl) String() string {
	switch c {
	case BBR2:
		return "BBR2"
	case CUBIC:
		return "CUBIC"
	case NewReno:
		return "NewReno"
	default:
		return fmt.Sprintf("CongestionControl(%d)", int(c))
	}
}

// TransportParameters is the value object the Adaptive Controller is allowed
// to mutate on a live Connection (spec.md §3). Every field here, and only
// these fields, may change after the initial handshake.
type TransportParameters struct {
	MaxConcurrentStreams int64
	SendBufferSize       int
	RecvBufferSize       int
	MaxDatagramSize      int
	InitialRTT           int // milliseconds
	IdleTimeoutMs        int
	CongestionControl    CongestionControl
	MaxShardSize         int
	EnableZeroCopy       bool
}

// Validate enforces the invariants from spec.md §4.8: max_shard_size in
// [1KiB, 16MiB], max_datagram_size <= 65507 (UDP payload limit).
func (p TransportParameters) Validate() error {
	const (
		minShard    = 1 << 10
		maxShard    = 16 << 20
		maxDatagram = 65507
	)
	if p.MaxShardSize < minShard || p.MaxShardSize > maxShard {
		return fmt.Errorf("params: max_shard_size %d out of range [%d, %d]", p.MaxShardSize, minShard, maxShard)
	}
	if p.MaxDatagramSize > maxDatagram {
		return fmt.Errorf("params: max_datagram_size %d exceeds UDP payload limit %d", p.MaxDatagramSize, maxDatagram)
	}
	if p.MaxConcurrentStreams <= 0 {
		return fmt.Errorf("params: max_concurrent_streams must be positive, got %d", p.MaxConcurrentStreams)
	}
	return nil
}

// Clone returns a value copy; TransportParameters has no reference fields but
// Clone documents the intent at call sites that hand a copy to a new owner.
func (p TransportParameters) Clone() TransportParameters { return p }
