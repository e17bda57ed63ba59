package rtpsink

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"github.com/zsiec/hwcodec/internal/codec"
	"github.com/zsiec/hwcodec/internal/h264"
)

// RFC 6184 packetization types.
const (
	nalTypeSTAPA  = 24
	nalTypeSTAPB  = 25
	nalTypeMTAP16 = 26
	nalTypeMTAP24 = 27
	nalTypeFUA    = 28
	nalTypeFUB    = 29
)

const (
	maxNALUnitSize   = 4 * 1024 * 1024
	maxNALUnitsSTAPA = 64
)

var (
	// ErrPayloadTooShort is returned for packets without a NAL header.
	ErrPayloadTooShort = errors.New("rtp payload too short")
	// ErrNALUnitTooLarge is returned when reassembly exceeds the size limit.
	ErrNALUnitTooLarge = errors.New("nal unit too large")
)

// Depacketizer reassembles RTP packets of one stream into Annex-B access
// units. An access unit is complete when the marker bit is seen or the
// timestamp changes. It is not safe for concurrent use.
type Depacketizer struct {
	au      []byte
	auTS    uint32
	auValid bool

	fu      []byte
	inFU    bool
	lastSeq uint16
	started bool
}

// NewDepacketizer creates an empty depacketizer.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// Push consumes one packet and returns the access units it completed.
// Loss in the middle of a fragmented NAL unit discards that unit.
func (d *Depacketizer) Push(pkt *rtp.Packet) ([]*codec.EncodedImage, error) {
	if len(pkt.Payload) < 1 {
		return nil, ErrPayloadTooShort
	}

	var out []*codec.EncodedImage
	if d.auValid && pkt.Timestamp != d.auTS {
		out = d.flush(out)
	}

	lost := d.started && pkt.SequenceNumber != d.lastSeq+1
	d.lastSeq = pkt.SequenceNumber
	d.started = true
	if lost && d.inFU {
		d.fu = nil
		d.inFU = false
	}

	d.auTS = pkt.Timestamp
	d.auValid = true

	payload := pkt.Payload
	switch nalType := payload[0] & 0x1F; nalType {
	case 0, 30, 31:
		return out, fmt.Errorf("reserved nal type %d", nalType)
	case nalTypeSTAPA:
		if err := d.handleSTAPA(payload); err != nil {
			return out, fmt.Errorf("stap-a: %w", err)
		}
	case nalTypeFUA:
		if err := d.handleFUA(payload); err != nil {
			return out, fmt.Errorf("fu-a: %w", err)
		}
	case nalTypeSTAPB, nalTypeMTAP16, nalTypeMTAP24, nalTypeFUB:
		return out, fmt.Errorf("unsupported nal type %d", nalType)
	default:
		d.appendNAL(payload)
	}

	if pkt.Marker {
		out = d.flush(out)
	}
	return out, nil
}

func (d *Depacketizer) handleSTAPA(payload []byte) error {
	offset := 1
	count := 0
	for offset < len(payload) {
		if count >= maxNALUnitsSTAPA {
			return fmt.Errorf("more than %d aggregated units", maxNALUnitsSTAPA)
		}
		if offset+2 > len(payload) {
			return fmt.Errorf("truncated size field at offset %d", offset)
		}
		size := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if size == 0 {
			continue
		}
		if offset+size > len(payload) {
			return fmt.Errorf("unit of %d bytes at offset %d exceeds payload", size, offset)
		}
		d.appendNAL(payload[offset : offset+size])
		offset += size
		count++
	}
	return nil
}

func (d *Depacketizer) handleFUA(payload []byte) error {
	if len(payload) < 3 {
		return ErrPayloadTooShort
	}
	indicator, header := payload[0], payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0

	if start {
		d.fu = append(d.fu[:0], (indicator&0xE0)|(header&0x1F))
		d.inFU = true
	}
	if !d.inFU {
		return nil
	}
	if len(d.fu)+len(payload)-2 > maxNALUnitSize {
		d.fu = nil
		d.inFU = false
		return ErrNALUnitTooLarge
	}
	d.fu = append(d.fu, payload[2:]...)

	if end {
		d.appendNAL(d.fu)
		d.fu = nil
		d.inFU = false
	}
	return nil
}

func (d *Depacketizer) appendNAL(nal []byte) {
	d.au = append(d.au, h264.StartCode...)
	d.au = append(d.au, nal...)
}

func (d *Depacketizer) flush(out []*codec.EncodedImage) []*codec.EncodedImage {
	data := d.au
	ts := d.auTS
	d.au = nil
	d.auValid = false
	if len(data) == 0 {
		return out
	}

	nalus := h264.SplitNALUnits(data)
	img := &codec.EncodedImage{
		Data:      data,
		FrameType: codec.FrameTypeDelta,
		Timestamp: ts,
		Complete:  true,
	}
	for _, n := range nalus {
		img.Fragments = append(img.Fragments, codec.Fragment{Offset: n.Offset, Length: n.Length})
		if n.Type == h264.NALTypeIDR || n.Type == h264.NALTypeSPS {
			img.FrameType = codec.FrameTypeKey
		}
	}
	return append(out, img)
}

// Reset drops any partially assembled state.
func (d *Depacketizer) Reset() {
	*d = Depacketizer{}
}
