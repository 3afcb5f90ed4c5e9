package stoq

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/hypermesh-online/stoq/internal/testca"
	"github.com/hypermesh-online/stoq/params"
	"github.com/hypermesh-online/stoq/wire"
	"github.com/stretchr/testify/require"
)

// TestCertificateRotationAppliesToFutureAccepts exercises scenario S-rotation:
// a rotation event must reach the live certificate pointer the listener's
// GetCertificate callback reads on every accept, without rebinding.
func TestCertificateRotationAppliesToFutureAccepts(t *testing.T) {
	src, err := testca.NewRotatingSource()
	require.NoError(t, err)

	local, err := NewEndpoint(netip.MustParseAddr("::1"), 0)
	require.NoError(t, err)

	tr, err := NewTransport(Config{Local: local, CertSource: src, FalconMode: wire.FalconOff})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Bind(ctx))
	defer tr.Shutdown(context.Background(), 1000)

	before := tr.certChain.Load()
	require.NotNil(t, before)

	rotated, err := src.Rotate()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur := tr.certChain.Load()
		return cur != nil && len(cur.Certificate) > 0 && string(cur.Certificate[0]) == string(rotated.Certificate[0])
	}, 2*time.Second, 10*time.Millisecond, "rotation never reached the listener's live cert pointer")
}

// TestConfigInitialParamsOverridesDefaultPreset is scenario-adjacent to S1:
// a caller-supplied InitialParams must seed every Connection's starting
// parameters instead of the hardcoded DefaultInitialTier preset.
func TestConfigInitialParamsOverridesDefaultPreset(t *testing.T) {
	custom := params.TransportParameters{
		MaxConcurrentStreams: 7,
		SendBufferSize:       32 << 10,
		RecvBufferSize:       32 << 10,
		MaxDatagramSize:      1000,
		InitialRTT:           50,
		IdleTimeoutMs:        60_000,
		CongestionControl:    params.CUBIC,
		MaxShardSize:         4096,
		EnableZeroCopy:       true,
	}

	server, _ := newLoopbackTransportWithParams(t, wire.FalconOff, custom)
	defer server.Shutdown(context.Background(), 1000)
	require.Equal(t, custom, server.initialParams)

	client, _ := newLoopbackTransportWithParams(t, wire.FalconOff, params.TransportParameters{})
	defer client.Shutdown(context.Background(), 1000)
	require.Equal(t, params.Presets[params.DefaultInitialTier], client.initialParams)
}

// TestNewTransportRejectsInvalidInitialParams ensures a caller-supplied but
// invalid InitialParams fails fast at construction instead of silently
// falling back to a preset.
func TestNewTransportRejectsInvalidInitialParams(t *testing.T) {
	src, err := testca.NewStaticSource()
	require.NoError(t, err)
	local, err := NewEndpoint(netip.MustParseAddr("::1"), 0)
	require.NoError(t, err)

	_, err = NewTransport(Config{
		Local:      local,
		CertSource: src,
		FalconMode: wire.FalconOff,
		InitialParams: params.TransportParameters{
			MaxConcurrentStreams: 4,
			MaxShardSize:         0, // below params.Validate's minimum
		},
	})
	require.Error(t, err)
}

func newLoopbackTransportWithParams(t *testing.T, mode wire.FalconMode, p params.TransportParameters) (*Transport, Endpoint) {
	t.Helper()
	src, err := testca.NewStaticSource()
	require.NoError(t, err)

	local, err := NewEndpoint(netip.MustParseAddr("::1"), 0)
	require.NoError(t, err)

	tr, err := NewTransport(Config{
		Local:         local,
		CertSource:    src,
		FalconMode:    mode,
		InitialParams: p,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Bind(ctx))

	return tr, local
}
