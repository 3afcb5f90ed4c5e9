package netmon

import (
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/logging"
)

// NewConnectionTracer builds a quic-go logging.ConnectionTracer that feeds
// id's Sample Window in m. This is STOQ's only source of RTT/loss samples:
// quic-go does not expose congestion telemetry any other way (grounded on
// gfanton's go-libp2p-quic-transport, which wires quic.Config.Tracer for the
// same reason).
func NewConnectionTracer(m *Monitor, id string) *logging.ConnectionTracer {
	var acked, lost int64
	var lastThroughputSample time.Time
	var lastBytes int64

	return &logging.ConnectionTracer{
		UpdatedMetrics: func(rtt *logging.RTTStats, cwnd, bytesInFlight logging.ByteCount, packetsInFlight int) {
			a := atomic.LoadInt64(&acked)
			l := atomic.LoadInt64(&lost)
			var lossRatio float64
			if a+l > 0 {
				lossRatio = float64(l) / float64(a+l)
			}

			now := time.Now()
			var throughput float64
			if !lastThroughputSample.IsZero() {
				dt := now.Sub(lastThroughputSample).Seconds()
				if dt > 0 {
					throughput = float64(int64(bytesInFlight)-lastBytes) * 8 / dt
					if throughput < 0 {
						throughput = 0
					}
				}
			}
			lastThroughputSample = now
			lastBytes = int64(bytesInFlight)

			m.Record(id, Sample{
				RTT:           rtt.SmoothedRTT(),
				Loss:          lossRatio,
				ThroughputBps: throughput,
				Jitter:        absDuration(rtt.LatestRTT() - rtt.SmoothedRTT()),
				Timestamp:     now,
			})
		},
		AcknowledgedPacket: func(_ logging.EncryptionLevel, _ logging.PacketNumber) {
			atomic.AddInt64(&acked, 1)
		},
		LostPacket: func(_ logging.EncryptionLevel, _ logging.PacketNumber, _ logging.PacketLossReason) {
			atomic.AddInt64(&lost, 1)
		},
		Close: func() {
			m.Remove(id)
		},
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
