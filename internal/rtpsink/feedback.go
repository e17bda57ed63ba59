package rtpsink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtcp"

	"github.com/zsiec/hwcodec/internal/logger"
	"github.com/zsiec/hwcodec/internal/metrics"
)

const maxRTCPPacketSize = 1500

// KeyframeRequester receives keyframe requests from remote receivers.
type KeyframeRequester interface {
	RequestKeyframe()
}

// FeedbackListener converts PLI and FIR feedback about one media SSRC into
// keyframe requests. A zero SSRC accepts feedback for any source.
type FeedbackListener struct {
	ssrc      uint32
	requester KeyframeRequester
	logger    *logger.SampledLogger
}

// NewFeedbackListener creates a listener forwarding to requester.
func NewFeedbackListener(ssrc uint32, requester KeyframeRequester, log logger.Logger) *FeedbackListener {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &FeedbackListener{
		ssrc:      ssrc,
		requester: requester,
		logger:    logger.NewCodecLogger(log.WithField("component", "rtcp_feedback")),
	}
}

// HandlePacket parses a compound RTCP packet and returns the number of
// keyframe requests it produced.
func (l *FeedbackListener) HandlePacket(buf []byte) (int, error) {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return 0, fmt.Errorf("unmarshal rtcp: %w", err)
	}

	requests := 0
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication:
			if l.matches(p.MediaSSRC) {
				l.request("pli", p.SenderSSRC)
				requests++
			}
		case *rtcp.FullIntraRequest:
			for _, entry := range p.FIR {
				if l.matches(entry.SSRC) {
					l.request("fir", p.SenderSSRC)
					requests++
					break
				}
			}
		}
	}
	return requests, nil
}

func (l *FeedbackListener) matches(mediaSSRC uint32) bool {
	return l.ssrc == 0 || mediaSSRC == l.ssrc
}

func (l *FeedbackListener) request(kind string, sender uint32) {
	metrics.RecordRTCPFeedback(kind)
	l.logger.InfoWithCategory(logger.CategoryRTCPFeedback, "Keyframe requested by receiver", map[string]interface{}{
		"type":        kind,
		"sender_ssrc": sender,
	})
	l.requester.RequestKeyframe()
}

// Serve reads RTCP datagrams from conn until ctx is cancelled or the
// connection fails. Malformed packets are logged and skipped.
func (l *FeedbackListener) Serve(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, maxRTCPPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read rtcp: %w", err)
		}
		if _, err := l.HandlePacket(buf[:n]); err != nil {
			l.logger.WarnWithCategory(logger.CategoryRTCPFeedback, "Discarding malformed RTCP packet", map[string]interface{}{
				"remote": addr.String(),
				"error":  err.Error(),
			})
		}
	}
}
