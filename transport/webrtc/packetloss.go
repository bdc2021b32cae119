// Packet-loss feedback sampling for WHEP egress outputs, ported from
// compositor_pipeline/src/pipeline/webrtc/handle_packet_loss_requests.rs:
// every 10s (spec §4.6's default PacketLossInterval) the orchestrator
// calls the sampler returned here, which reads the RTCP receiver-report
// counters pion/interceptor's default stats interceptor already
// accumulates per subscriber PeerConnection.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// PacketLossSampler returns a func() (lost, sent uint64) aggregating loss
// across every viewer currently subscribed to ep. Its shape matches both
// pipeline.OutputOptions.PacketLoss and transport/rtp.PacketLossSampler,
// so RegisterOutput can wire it in directly regardless of which output
// transport backs a given id.
func (ep *WHEPEndpoint) PacketLossSampler() func() (lost, sent uint64) {
	return func() (lost, sent uint64) {
		ep.mu.Lock()
		subs := make([]*whepSubscriber, 0, len(ep.subs))
		for _, s := range ep.subs {
			subs = append(subs, s)
		}
		ep.mu.Unlock()

		for _, sub := range subs {
			l, s := sub.sampleLoss()
			lost += l
			sent += s
		}
		return lost, sent
	}
}

func (s *whepSubscriber) sampleLoss() (lost, sent uint64) {
	for _, stat := range s.pc.GetStats() {
		switch st := stat.(type) {
		case webrtc.RemoteInboundRTPStreamStats:
			if st.PacketsLost > 0 {
				lost += uint64(st.PacketsLost)
			}
		case webrtc.OutboundRTPStreamStats:
			sent += uint64(st.PacketsSent)
		}
	}
	return lost, sent
}
