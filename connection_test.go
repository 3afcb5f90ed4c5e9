package stoq

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/hypermesh-online/stoq/classifier"
	"github.com/hypermesh-online/stoq/netmon"
	"github.com/hypermesh-online/stoq/params"
	"github.com/hypermesh-online/stoq/wire"
	"github.com/stretchr/testify/require"
)

// TestShardedMessageRoundTrip is scenario S2: a payload larger than
// max_shard_size is split into Token+Shard frames on send and reassembled
// into the original bytes on receive, over a live Connection.
func TestShardedMessageRoundTrip(t *testing.T) {
	custom := params.TransportParameters{
		MaxConcurrentStreams: 4,
		SendBufferSize:       32 << 10,
		RecvBufferSize:       32 << 10,
		MaxDatagramSize:      1200,
		InitialRTT:           50,
		IdleTimeoutMs:        60_000,
		CongestionControl:    params.CUBIC,
		MaxShardSize:         4096,
		EnableZeroCopy:       false,
	}

	server, _ := newLoopbackTransportWithParams(t, wire.FalconOff, custom)
	defer server.Shutdown(context.Background(), 1000)

	boundAddr := server.listener.Addr().(*net.UDPAddr)
	serverEp, err := NewEndpoint(netip.MustParseAddr("::1"), uint16(boundAddr.Port))
	require.NoError(t, err)

	client, _ := newLoopbackTransportWithParams(t, wire.FalconOff, custom)
	defer client.Shutdown(context.Background(), 1000)

	payload := make([]byte, 20000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	serverMsg := make(chan []byte, 1)
	serverErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := server.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		msg, err := conn.Recv(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		serverMsg <- msg
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := client.Connect(ctx, serverEp)
	require.NoError(t, err)
	require.NoError(t, conn.SendMessage(ctx, payload))

	select {
	case msg := <-serverMsg:
		require.Equal(t, payload, msg)
	case err := <-serverErr:
		t.Fatalf("server side failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for sharded message reassembly")
	}
}

// TestAdaptiveControllerUpshiftsTierLive is scenario S5: a connection fed a
// run of DataCenter-qualifying samples transitions up from its starting tier
// once MinConsecutiveUpshift consecutive Ticks have seen it qualify, driven
// through the same Controller.Tick a live Transport uses.
func TestAdaptiveControllerUpshiftsTierLive(t *testing.T) {
	server, _ := newLoopbackTransport(t, wire.FalconOff)
	defer server.Shutdown(context.Background(), 1000)

	boundAddr := server.listener.Addr().(*net.UDPAddr)
	serverEp, err := NewEndpoint(netip.MustParseAddr("::1"), uint16(boundAddr.Port))
	require.NoError(t, err)

	client, _ := newLoopbackTransport(t, wire.FalconOff)
	defer client.Shutdown(context.Background(), 1000)

	serverAccepted := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = server.Accept(ctx)
		close(serverAccepted)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := client.Connect(ctx, serverEp)
	require.NoError(t, err)
	<-serverAccepted

	// Stop the background loop so only this test's explicit Ticks drive
	// reclassification; the loopback link's own (likely already excellent)
	// conditions are irrelevant once the window holds nothing but the
	// samples injected below.
	client.ctl.Stop()
	require.Equal(t, params.Standard, conn.CurrentTier())

	dataCenterSample := netmon.Sample{
		RTT:           1 * time.Millisecond,
		Loss:          0,
		ThroughputBps: 2e9,
		Jitter:        500 * time.Microsecond,
		Timestamp:     time.Now(),
	}
	// DefaultWindowSize is 64: recording more than that overwrites whatever
	// the live QUIC tracer had already recorded, so the summary below reads
	// purely off these injected samples.
	for i := 0; i < netmon.DefaultWindowSize+8; i++ {
		conn.monitor.Record(conn.id, dataCenterSample)
	}

	for i := 0; i < classifier.MinConsecutiveUpshift; i++ {
		client.ctl.Tick(time.Now())
	}

	require.Equal(t, params.DataCenter, conn.CurrentTier())
}
