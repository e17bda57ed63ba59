// Package rtpsink carries encoder output over RTP (RFC 6184) and turns
// receiver feedback into keyframe requests.
package rtpsink

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/zsiec/hwcodec/internal/codec"
	"github.com/zsiec/hwcodec/internal/config"
	"github.com/zsiec/hwcodec/internal/metrics"
)

const (
	rtpHeaderSize = 12
	defaultMTU    = 1200
)

// Packetizer splits encoded images into RTP packets. Fragments are fed to
// the payloader one NAL unit at a time, so SPS and PPS delivered ahead of a
// keyframe are aggregated into a STAP-A sent with that keyframe's
// timestamp.
type Packetizer struct {
	payloadType uint8
	ssrc        uint32
	mtu         uint16

	mu        sync.Mutex
	payloader codecs.H264Payloader
	sequencer rtp.Sequencer
}

// NewPacketizer creates a packetizer for one outgoing stream.
func NewPacketizer(cfg config.RTPConfig) *Packetizer {
	mtu := cfg.MTU
	if mtu <= rtpHeaderSize {
		mtu = defaultMTU
	}
	return &Packetizer{
		payloadType: cfg.PayloadType,
		ssrc:        cfg.SSRC,
		mtu:         uint16(mtu - rtpHeaderSize),
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// SSRC returns the synchronization source stamped on every packet.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// Packetize returns the packets for img. The marker bit is set on the last
// packet. Images holding only parameter sets yield no packets of their own.
func (p *Packetizer) Packetize(img *codec.EncodedImage) []*rtp.Packet {
	if img == nil || len(img.Fragments) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var payloads [][]byte
	for i := range img.Fragments {
		payloads = append(payloads, p.payloader.Payload(p.mtu, img.NAL(i))...)
	}
	if len(payloads) == 0 {
		return nil
	}

	packets := make([]*rtp.Packet, len(payloads))
	size := 0
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      img.Timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		size += len(payload)
	}

	metrics.RecordRTPPackets(len(packets), size)
	return packets
}
