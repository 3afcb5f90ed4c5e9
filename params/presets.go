package params

// Presets maps every Tier to its fixed default TransportParameters, per
// spec.md §3 ("Each tier has a fixed default Transport-Parameters preset").
// Concrete values are an Open Question resolution recorded in DESIGN.md;
// spec.md deliberately leaves them as an implementation decision.
var Presets = map[Tier]TransportParameters{
	Slow: {
		MaxConcurrentStreams: 4,
		SendBufferSize:       16 << 10,
		RecvBufferSize:       16 << 10,
		MaxDatagramSize:      512,
		InitialRTT:           600,
		IdleTimeoutMs:        90_000,
		CongestionControl:    NewReno,
		MaxShardSize:         1 << 10,
		EnableZeroCopy:       false,
	},
	Home: {
		MaxConcurrentStreams: 16,
		SendBufferSize:       64 << 10,
		RecvBufferSize:       64 << 10,
		MaxDatagramSize:      1200,
		InitialRTT:           120,
		IdleTimeoutMs:        60_000,
		CongestionControl:    CUBIC,
		MaxShardSize:         4 << 10,
		EnableZeroCopy:       false,
	},
	Standard: {
		MaxConcurrentStreams: 64,
		SendBufferSize:       256 << 10,
		RecvBufferSize:       256 << 10,
		MaxDatagramSize:      1350,
		InitialRTT:           60,
		IdleTimeoutMs:        60_000,
		CongestionControl:    CUBIC,
		MaxShardSize:         16 << 10,
		EnableZeroCopy:       true,
	},
	Performance: {
		MaxConcurrentStreams: 256,
		SendBufferSize:       1 << 20,
		RecvBufferSize:       1 << 20,
		MaxDatagramSize:      1452,
		InitialRTT:           30,
		IdleTimeoutMs:        45_000,
		CongestionControl:    BBR2,
		MaxShardSize:         64 << 10,
		EnableZeroCopy:       true,
	},
	Enterprise: {
		MaxConcurrentStreams: 1024,
		SendBufferSize:       4 << 20,
		RecvBufferSize:       4 << 20,
		MaxDatagramSize:      1452,
		InitialRTT:           10,
		IdleTimeoutMs:        30_000,
		CongestionControl:    BBR2,
		MaxShardSize:         256 << 10,
		EnableZeroCopy:       true,
	},
	DataCenter: {
		MaxConcurrentStreams: 4096,
		SendBufferSize:       16 << 20,
		RecvBufferSize:       16 << 20,
		MaxDatagramSize:      1452,
		InitialRTT:           2,
		IdleTimeoutMs:        15_000,
		CongestionControl:    BBR2,
		MaxShardSize:         1 << 20,
		EnableZeroCopy:       true,
	},
}

// DefaultInitialTier is the tier a fresh Connection starts at before the
// Adaptive Controller has taken its first sample (spec.md S1: "current_tier
// after 5s of idle equals the default initial tier (Standard)").
const DefaultInitialTier = Standard
