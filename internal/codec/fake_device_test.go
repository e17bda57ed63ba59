package codec

import (
	"errors"
	"sync"
	"time"

	"github.com/zsiec/hwcodec/internal/h264"
)

var (
	testIDR   = []byte{0x65, 0x88, 0x84, 0x21, 0xA0}
	testDelta = []byte{0x41, 0x9A, 0x02, 0x11}
)

func testParamSets(width, height int) ([]byte, []byte) {
	return h264.BuildSPS(h264.SPSParams{Width: width, Height: height}), h264.BuildPPS()
}

type fakeOutput struct {
	unit EncodedUnit
	err  error
}

type fakeEncoderDevice struct {
	out chan fakeOutput

	mu           sync.Mutex
	configs      []FormatParams
	frames       [][]byte
	timestamps   []int64
	refreshes    int
	bitrates     []int
	closes       int
	configureErr error
	encodeErr    error
}

func newFakeEncoderDevice() *fakeEncoderDevice {
	return &fakeEncoderDevice{out: make(chan fakeOutput, 64)}
}

func (f *fakeEncoderDevice) Configure(params FormatParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configureErr != nil {
		return f.configureErr
	}
	f.configs = append(f.configs, params)
	return nil
}

func (f *fakeEncoderDevice) Encode(frame []byte, width, height int, timestampUs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.encodeErr != nil {
		return f.encodeErr
	}
	f.frames = append(f.frames, frame)
	f.timestamps = append(f.timestamps, timestampUs)
	return nil
}

func (f *fakeEncoderDevice) GetNextEncodedFrame(timeout time.Duration) (EncodedUnit, error) {
	select {
	case o := <-f.out:
		return o.unit, o.err
	case <-time.After(timeout):
		return EncodedUnit{}, ErrNoOutput
	}
}

func (f *fakeEncoderDevice) RequestRefreshFrame() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeEncoderDevice) SetBitrate(kbps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bitrates = append(f.bitrates, kbps)
	return nil
}

func (f *fakeEncoderDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeEncoderDevice) emit(data []byte, tsUs int64, flags BufferFlag) {
	f.out <- fakeOutput{unit: EncodedUnit{Data: data, TimestampUs: tsUs, Flags: flags}}
}

func (f *fakeEncoderDevice) fail(err error) {
	f.out <- fakeOutput{err: err}
}

func (f *fakeEncoderDevice) configCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.configs)
}

func (f *fakeEncoderDevice) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakeEncoderDevice) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeEncoderDevice) lastTimestamp() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timestamps[len(f.timestamps)-1]
}

func (f *fakeEncoderDevice) setConfigureErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configureErr = err
}

type fakeInput struct {
	data         []byte
	isConfig     bool
	renderTimeMs int64
}

type fakeDecoderDevice struct {
	mu       sync.Mutex
	formats  []DecoderFormat
	inputs   []fakeInput
	closes   int
	cb       func(DecodedPicture)
	fillErr  error
	confErr  error
	lastSize [2]int
}

func (f *fakeDecoderDevice) Configure(format DecoderFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confErr != nil {
		return f.confErr
	}
	f.formats = append(f.formats, format)
	f.lastSize = [2]int{format.Width, format.Height}
	return nil
}

func (f *fakeDecoderDevice) FillInput(unit []byte, isConfig bool, renderTimeMs int64) error {
	f.mu.Lock()
	if f.fillErr != nil {
		f.mu.Unlock()
		return f.fillErr
	}
	f.inputs = append(f.inputs, fakeInput{data: unit, isConfig: isConfig, renderTimeMs: renderTimeMs})
	cb := f.cb
	size := f.lastSize
	f.mu.Unlock()

	if !isConfig && cb != nil {
		cb(DecodedPicture{Buffer: NewNV12Buffer(size[0], size[1]), RenderTimeMs: renderTimeMs})
	}
	return nil
}

func (f *fakeDecoderDevice) SetDecodedCallback(cb func(DecodedPicture)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeDecoderDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeDecoderDevice) inputCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

var errFakeDevice = errors.New("fake device failure")
