package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/zsiec/hwcodec/internal/errors"
	"github.com/zsiec/hwcodec/internal/h264"
	"github.com/zsiec/hwcodec/internal/logger"
)

const testDrainTimeout = 10 * time.Millisecond

type drainHarness struct {
	device *fakeEncoderDevice
	store  *FrameMetadataStore
	loop   *OutputDrainLoop
	images chan *EncodedImage
}

func newDrainHarness(t *testing.T) *drainHarness {
	t.Helper()
	h := &drainHarness{
		device: newFakeEncoderDevice(),
		store:  NewFrameMetadataStore(),
		images: make(chan *EncodedImage, 64),
	}
	h.loop = NewOutputDrainLoop(h.device, h.store, func(img *EncodedImage) {
		h.images <- img
	}, testDrainTimeout, logger.NewNullLogger())
	h.loop.Start()
	t.Cleanup(h.loop.Stop)
	return h
}

func (h *drainHarness) push(t *testing.T, tsUs int64, width, height int) {
	t.Helper()
	require.NoError(t, h.store.Push(tsUs, FrameMetadata{
		Width:        width,
		Height:       height,
		Timestamp:    uint32(tsUs * 9 / 100),
		RenderTimeMs: tsUs / 1000,
	}))
}

func (h *drainHarness) next(t *testing.T) *EncodedImage {
	t.Helper()
	select {
	case img := <-h.images:
		return img
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for encoded image")
		return nil
	}
}

func (h *drainHarness) expectNone(t *testing.T) {
	t.Helper()
	select {
	case img := <-h.images:
		t.Fatalf("unexpected encoded image at timestamp %d", img.Timestamp)
	case <-time.After(5 * testDrainTimeout):
	}
}

func TestDrainLoop_PairsMetadataByTimestamp(t *testing.T) {
	h := newDrainHarness(t)
	sps, pps := testParamSets(640, 480)

	h.push(t, 0, 640, 480)
	h.push(t, 33333, 641, 480)
	h.push(t, 66666, 642, 480)

	h.device.emit(h264.AnnexB(sps, pps, testIDR), 0, FlagSyncFrame)
	h.device.emit(h264.AnnexB(testDelta), 33333, 0)
	h.device.emit(h264.AnnexB(testDelta), 66666, 0)

	for i, want := range []int{640, 641, 642} {
		img := h.next(t)
		assert.Equal(t, want, img.Width, "image %d", i)
		assert.Equal(t, 480, img.Height)
		assert.True(t, img.Complete)
	}
	assert.Equal(t, 0, h.store.Len())
}

func TestDrainLoop_KeyframeFragments(t *testing.T) {
	h := newDrainHarness(t)
	sps, pps := testParamSets(320, 240)
	au := h264.AnnexB(sps, pps, testIDR)

	h.push(t, 0, 320, 240)
	h.device.emit(au, 0, FlagSyncFrame)

	img := h.next(t)
	assert.Equal(t, FrameTypeKey, img.FrameType)
	require.Len(t, img.Fragments, 3)
	assert.Equal(t, Fragment{Offset: 4, Length: len(sps)}, img.Fragments[0])
	assert.Equal(t, Fragment{Offset: 8 + len(sps), Length: len(pps)}, img.Fragments[1])
	assert.Equal(t, Fragment{Offset: 12 + len(sps) + len(pps), Length: len(testIDR)}, img.Fragments[2])
	assert.Equal(t, testIDR, img.NAL(2))
}

func TestDrainLoop_AbsentMetadataIsFatal(t *testing.T) {
	h := newDrainHarness(t)

	h.device.emit(h264.AnnexB(testDelta), 12345, 0)

	select {
	case <-h.loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("drain loop did not stop on missing metadata")
	}

	err := h.loop.Err()
	require.Error(t, err)
	assert.True(t, cerrors.IsType(err, cerrors.ErrorTypeProtocolViolation))
	assert.False(t, h.loop.Running())
	h.expectNone(t)
}

func TestDrainLoop_PrependsCachedParameterSets(t *testing.T) {
	h := newDrainHarness(t)
	sps, pps := testParamSets(320, 240)
	paramSets := h264.AnnexB(sps, pps)

	h.push(t, 0, 320, 240)
	h.push(t, 33333, 320, 240)
	h.push(t, 66666, 320, 240)

	// Separate SPS/PPS buffer stamped with the first frame's timestamp.
	h.device.emit(paramSets, 0, FlagCodecConfig)
	h.device.emit(h264.AnnexB(testIDR), 0, FlagSyncFrame)
	h.device.emit(h264.AnnexB(testDelta), 33333, 0)
	h.device.emit(h264.AnnexB(testIDR), 66666, FlagSyncFrame)

	ps := h.next(t)
	assert.Equal(t, FrameTypeKey, ps.FrameType)
	assert.Equal(t, paramSets, ps.Data)

	idr := h.next(t)
	assert.Equal(t, FrameTypeKey, idr.FrameType)
	assert.Len(t, idr.Fragments, 1, "no prepend right after a parameter-set-only unit")

	delta := h.next(t)
	assert.Equal(t, FrameTypeDelta, delta.FrameType)

	prepend := h.next(t)
	assert.Equal(t, paramSets, prepend.Data)
	require.Len(t, prepend.Fragments, 2)
	assert.Equal(t, sps, prepend.NAL(0))
	assert.Equal(t, pps, prepend.NAL(1))
	assert.Equal(t, idr.Width, prepend.Width)

	key := h.next(t)
	assert.Equal(t, FrameTypeKey, key.FrameType)
	assert.Equal(t, prepend.Timestamp, key.Timestamp)
	require.Len(t, key.Fragments, 1)
	assert.Equal(t, testIDR, key.NAL(0))

	h.expectNone(t)
	assert.Equal(t, uint64(1), h.loop.Stats().Prepends)
	assert.Equal(t, uint64(5), h.loop.Stats().Emitted)
	assert.Equal(t, 0, h.store.Len())
}

func TestDrainLoop_BundledKeyframesNotDuplicated(t *testing.T) {
	h := newDrainHarness(t)
	sps, pps := testParamSets(320, 240)

	h.push(t, 0, 320, 240)
	h.push(t, 1, 320, 240)
	h.push(t, 2, 320, 240)

	h.device.emit(h264.AnnexB(sps, pps, testIDR), 0, FlagSyncFrame)
	h.device.emit(h264.AnnexB(testDelta), 1, 0)
	h.device.emit(h264.AnnexB(sps, pps, testIDR), 2, FlagSyncFrame)

	for i := 0; i < 3; i++ {
		h.next(t)
	}
	h.expectNone(t)
	assert.Equal(t, uint64(0), h.loop.Stats().Prepends)
}

func TestDrainLoop_ReplacesCachedParameterSets(t *testing.T) {
	h := newDrainHarness(t)
	oldSPS, pps := testParamSets(320, 240)
	newSPS, _ := testParamSets(640, 480)

	h.push(t, 0, 320, 240)
	h.push(t, 1, 640, 480)
	h.push(t, 2, 640, 480)

	h.device.emit(h264.AnnexB(oldSPS, pps, testIDR), 0, FlagSyncFrame)
	h.device.emit(h264.AnnexB(newSPS, pps, testIDR), 1, FlagSyncFrame)
	h.device.emit(h264.AnnexB(testIDR), 2, FlagSyncFrame)

	h.next(t)
	h.next(t)
	prepend := h.next(t)
	assert.Equal(t, h264.AnnexB(newSPS, pps), prepend.Data)
	h.next(t)
}

func TestDrainLoop_DroppedFrame(t *testing.T) {
	h := newDrainHarness(t)

	h.push(t, 1, 320, 240)
	h.push(t, 2, 320, 240)

	h.device.fail(&FrameDropError{TimestampUs: 1})
	h.device.emit(h264.AnnexB(testDelta), 2, 0)

	img := h.next(t)
	assert.Equal(t, uint32(0), img.Timestamp)
	h.expectNone(t)

	assert.Equal(t, uint64(1), h.loop.Stats().Dropped)
	assert.Equal(t, 0, h.store.Len())
	assert.NoError(t, h.loop.Err())
}

func TestDrainLoop_TransientErrorContinues(t *testing.T) {
	h := newDrainHarness(t)
	h.push(t, 5, 320, 240)

	h.device.fail(errors.New("dequeue failed"))
	h.device.emit(h264.AnnexB(testDelta), 5, 0)

	h.next(t)
	assert.Equal(t, uint64(1), h.loop.Stats().TransientErrors)
	assert.True(t, h.loop.Running())
}

func TestDrainLoop_TransientErrorEvictsLostFrame(t *testing.T) {
	h := newDrainHarness(t)
	h.push(t, 5, 320, 240)
	h.push(t, 10, 320, 240)

	// Output for 5 is lost to an error that names no timestamp.
	h.device.fail(errors.New("dequeue failed"))
	h.device.emit(h264.AnnexB(testDelta), 10, 0)

	img := h.next(t)
	assert.Equal(t, FrameTypeDelta, img.FrameType)
	h.expectNone(t)

	stats := h.loop.Stats()
	assert.Equal(t, uint64(1), stats.TransientErrors)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 0, h.store.Len(), "no pending metadata left behind")
	assert.NoError(t, h.loop.Err())
}

func TestDrainLoop_ParameterSetsDoNotEvict(t *testing.T) {
	h := newDrainHarness(t)
	sps, pps := testParamSets(320, 240)

	h.push(t, 5, 320, 240)
	h.push(t, 10, 320, 240)

	h.device.emit(h264.AnnexB(sps, pps), 10, FlagCodecConfig)
	ps := h.next(t)
	assert.Equal(t, FrameTypeKey, ps.FrameType)
	assert.Equal(t, 2, h.store.Len())
	assert.Zero(t, h.loop.Stats().Dropped)
}

func TestDrainLoop_MalformedUnitSkipped(t *testing.T) {
	h := newDrainHarness(t)
	h.push(t, 5, 320, 240)

	h.device.emit([]byte{0x01, 0x02, 0x03}, 5, 0)

	h.expectNone(t)
	assert.Equal(t, uint64(1), h.loop.Stats().Malformed)
	assert.Equal(t, 0, h.store.Len())
	assert.True(t, h.loop.Running())
}

func TestDrainLoop_Stop(t *testing.T) {
	h := newDrainHarness(t)
	require.True(t, h.loop.Running())

	h.loop.Stop()
	h.loop.Stop()
	assert.False(t, h.loop.Running())

	h.push(t, 1, 320, 240)
	h.device.emit(h264.AnnexB(testDelta), 1, 0)
	h.expectNone(t)

	// A stopped loop cannot be restarted.
	h.loop.Start()
	assert.False(t, h.loop.Running())
}

func TestDrainLoop_StopWithoutStart(t *testing.T) {
	loop := NewOutputDrainLoop(newFakeEncoderDevice(), NewFrameMetadataStore(), nil, testDrainTimeout, nil)

	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a loop that never started")
	}
	assert.False(t, loop.Running())
}

func TestDrainLoop_LastActivity(t *testing.T) {
	h := newDrainHarness(t)
	before := h.loop.LastActivity()

	h.push(t, 1, 320, 240)
	time.Sleep(2 * time.Millisecond)
	h.device.emit(h264.AnnexB(testDelta), 1, 0)
	h.next(t)

	assert.True(t, h.loop.LastActivity().After(before))
}
