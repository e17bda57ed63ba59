package rtpsink

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwcodec/internal/codec"
	"github.com/zsiec/hwcodec/internal/config"
	"github.com/zsiec/hwcodec/internal/h264"
)

func testRTPConfig(mtu int) config.RTPConfig {
	return config.RTPConfig{PayloadType: 96, SSRC: 0x1234, MTU: mtu, ClockRate: 90000}
}

func image(ts uint32, nalus ...[]byte) *codec.EncodedImage {
	data := h264.AnnexB(nalus...)
	img := &codec.EncodedImage{Data: data, Timestamp: ts}
	for _, n := range h264.SplitNALUnits(data) {
		img.Fragments = append(img.Fragments, codec.Fragment{Offset: n.Offset, Length: n.Length})
	}
	return img
}

func filled(header byte, size int) []byte {
	nal := make([]byte, size)
	nal[0] = header
	for i := 1; i < size; i++ {
		nal[i] = byte(i%250) + 1
	}
	return nal
}

func TestPacketizer_SingleNAL(t *testing.T) {
	p := NewPacketizer(testRTPConfig(1200))
	packets := p.Packetize(image(3000, filled(0x61, 100)))

	require.Len(t, packets, 1)
	pkt := packets[0]
	assert.True(t, pkt.Marker)
	assert.Equal(t, uint8(96), pkt.PayloadType)
	assert.Equal(t, uint32(0x1234), pkt.SSRC)
	assert.Equal(t, uint32(3000), pkt.Timestamp)
	assert.Equal(t, filled(0x61, 100), pkt.Payload)
}

func TestPacketizer_FragmentsLargeNAL(t *testing.T) {
	p := NewPacketizer(testRTPConfig(200))
	packets := p.Packetize(image(0, filled(0x65, 1000)))

	require.Greater(t, len(packets), 1)
	for i, pkt := range packets {
		assert.LessOrEqual(t, len(pkt.Payload), 200-rtpHeaderSize)
		assert.Equal(t, byte(nalTypeFUA), pkt.Payload[0]&0x1F)
		assert.Equal(t, i == len(packets)-1, pkt.Marker)
		if i > 0 {
			assert.Equal(t, packets[i-1].SequenceNumber+1, pkt.SequenceNumber)
		}
	}
}

func TestPacketizer_ParameterSetsJoinKeyframe(t *testing.T) {
	p := NewPacketizer(testRTPConfig(1200))
	sps := h264.BuildSPS(h264.SPSParams{Width: 320, Height: 240})
	pps := h264.BuildPPS()

	assert.Empty(t, p.Packetize(image(9000, sps, pps)), "parameter sets wait for the next NAL unit")

	packets := p.Packetize(image(9000, filled(0x65, 100)))
	require.Len(t, packets, 2)
	assert.Equal(t, byte(nalTypeSTAPA), packets[0].Payload[0]&0x1F)
	assert.False(t, packets[0].Marker)
	assert.True(t, packets[1].Marker)
}

func TestPacketizer_Empty(t *testing.T) {
	p := NewPacketizer(config.RTPConfig{})
	assert.Nil(t, p.Packetize(nil))
	assert.Nil(t, p.Packetize(&codec.EncodedImage{}))
	assert.Equal(t, uint16(defaultMTU-rtpHeaderSize), p.mtu)
}

func TestRoundTrip(t *testing.T) {
	p := NewPacketizer(testRTPConfig(300))
	d := NewDepacketizer()

	sps := h264.BuildSPS(h264.SPSParams{Width: 320, Height: 240})
	pps := h264.BuildPPS()
	idr := filled(0x65, 2000)
	delta := filled(0x61, 50)

	var got []*codec.EncodedImage
	for _, img := range []*codec.EncodedImage{image(0, sps, pps), image(0, idr), image(3000, delta)} {
		for _, pkt := range p.Packetize(img) {
			out, err := d.Push(pkt)
			require.NoError(t, err)
			got = append(got, out...)
		}
	}

	require.Len(t, got, 2)
	key := got[0]
	assert.Equal(t, codec.FrameTypeKey, key.FrameType)
	assert.Equal(t, uint32(0), key.Timestamp)
	require.Len(t, key.Fragments, 3)
	assert.Equal(t, sps, key.NAL(0))
	assert.Equal(t, pps, key.NAL(1))
	assert.True(t, bytes.Equal(idr, key.NAL(2)))

	cfg, err := h264.MakeCodecConfig(key.Data)
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Width)

	assert.Equal(t, codec.FrameTypeDelta, got[1].FrameType)
	assert.Equal(t, uint32(3000), got[1].Timestamp)
	assert.Equal(t, delta, got[1].NAL(0))
}

func TestDepacketizer_TimestampChangeFlushes(t *testing.T) {
	d := NewDepacketizer()
	out, err := d.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1, Timestamp: 10}, Payload: []byte{0x61, 0x01}})
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = d.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2, Timestamp: 20, Marker: true}, Payload: []byte{0x61, 0x02}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint32(10), out[0].Timestamp)
	assert.Equal(t, uint32(20), out[1].Timestamp)
}

func TestDepacketizer_LossDiscardsFragmentedNAL(t *testing.T) {
	d := NewDepacketizer()
	fu := func(seq uint16, header byte, marker bool) *rtp.Packet {
		return &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: seq, Timestamp: 1, Marker: marker},
			Payload: []byte{0x7C, header, 0xAA, 0xBB},
		}
	}

	_, err := d.Push(fu(1, 0x85, false))
	require.NoError(t, err)
	// Sequence 2 is lost.
	out, err := d.Push(fu(3, 0x45, true))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = d.Push(fu(4, 0x85, false))
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = d.Push(fu(5, 0x45, true))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []byte{0x65, 0xAA, 0xBB, 0xAA, 0xBB}, out[0].NAL(0))
}

func TestDepacketizer_Errors(t *testing.T) {
	d := NewDepacketizer()

	_, err := d.Push(&rtp.Packet{})
	assert.ErrorIs(t, err, ErrPayloadTooShort)

	_, err = d.Push(&rtp.Packet{Payload: []byte{0x00}})
	assert.Error(t, err)

	_, err = d.Push(&rtp.Packet{Payload: []byte{nalTypeSTAPB, 0x00}})
	assert.Error(t, err)

	_, err = d.Push(&rtp.Packet{Payload: []byte{nalTypeSTAPA, 0x00, 0x09, 0x61}})
	assert.Error(t, err, "aggregated unit longer than the payload")

	d.Reset()
	assert.False(t, d.started)
}

type countingRequester struct{ n atomic.Int32 }

func (c *countingRequester) RequestKeyframe() { c.n.Add(1) }

func TestFeedbackListener_HandlePacket(t *testing.T) {
	req := &countingRequester{}
	l := NewFeedbackListener(0x1234, req, nil)

	buf, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 0x1234},
		&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 0x9999},
		&rtcp.FullIntraRequest{SenderSSRC: 1, FIR: []rtcp.FIREntry{{SSRC: 0x1234, SequenceNumber: 1}}},
		&rtcp.ReceiverReport{SSRC: 1},
	})
	require.NoError(t, err)

	n, err := l.HandlePacket(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), req.n.Load())

	_, err = l.HandlePacket([]byte{0x01})
	assert.Error(t, err)
}

func TestFeedbackListener_AnySSRC(t *testing.T) {
	req := &countingRequester{}
	l := NewFeedbackListener(0, req, nil)
	buf, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 42}})
	require.NoError(t, err)

	_, err = l.HandlePacket(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(1), req.n.Load())
}

func TestFeedbackListener_Serve(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	req := &countingRequester{}
	l := NewFeedbackListener(0x1234, req, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, conn) }()

	client, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	buf, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 0x1234}})
	require.NoError(t, err)
	_, err = client.Write([]byte{0xFF})
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return req.n.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
