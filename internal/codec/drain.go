package codec

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	cerrors "github.com/zsiec/hwcodec/internal/errors"
	"github.com/zsiec/hwcodec/internal/h264"
	"github.com/zsiec/hwcodec/internal/logger"
	"github.com/zsiec/hwcodec/internal/metrics"
)

// DefaultDrainTimeout bounds each wait for device output.
const DefaultDrainTimeout = time.Second

// DrainStats is a snapshot of drain loop counters.
type DrainStats struct {
	Emitted         uint64 `json:"emitted"`
	Prepends        uint64 `json:"parameter_set_prepends"`
	Dropped         uint64 `json:"dropped"`
	TransientErrors uint64 `json:"transient_errors"`
	Malformed       uint64 `json:"malformed"`
}

// drainState is sequential state owned by the loop goroutine.
type drainState struct {
	prevParamSetsOnly bool
	paramSets         []byte
}

// OutputDrainLoop pulls encoded units from the device on its own goroutine,
// pairs them with the metadata recorded at submission and hands them to
// the encode-complete callback.
type OutputDrainLoop struct {
	device  EncoderDevice
	store   *FrameMetadataStore
	emit    EncodeCompleteCallback
	timeout time.Duration
	logger  *logger.SampledLogger

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	err     error

	lastActivity atomic.Int64

	emitted   atomic.Uint64
	prepends  atomic.Uint64
	dropped   atomic.Uint64
	transient atomic.Uint64
	malformed atomic.Uint64
}

// NewOutputDrainLoop creates a stopped loop. emit is called from the loop
// goroutine and must not call Stop.
func NewOutputDrainLoop(device EncoderDevice, store *FrameMetadataStore, emit EncodeCompleteCallback, timeout time.Duration, log logger.Logger) *OutputDrainLoop {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &OutputDrainLoop{
		device:  device,
		store:   store,
		emit:    emit,
		timeout: timeout,
		logger:  logger.NewCodecLogger(log.WithField("component", "drain_loop")),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the loop. Starting a running or stopped loop is a no-op.
func (l *OutputDrainLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started || l.stopped {
		return
	}
	l.started = true
	l.lastActivity.Store(time.Now().UnixNano())
	go l.run()
}

// Stop asks the loop to exit and waits until it has. No callback fires
// after Stop returns. Stop may be called any number of times.
func (l *OutputDrainLoop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.stopCh)
	}
	started := l.started
	l.mu.Unlock()

	if started {
		<-l.doneCh
	}
}

// Running reports whether the loop goroutine is alive.
func (l *OutputDrainLoop) Running() bool {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-l.doneCh:
		return false
	default:
		return true
	}
}

// Done is closed when the loop goroutine exits. It never closes for a loop
// that was not started.
func (l *OutputDrainLoop) Done() <-chan struct{} {
	return l.doneCh
}

// Err returns the integrity failure that terminated the loop, if any.
func (l *OutputDrainLoop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// LastActivity is the time the device last returned anything other than
// an empty wait.
func (l *OutputDrainLoop) LastActivity() time.Time {
	return time.Unix(0, l.lastActivity.Load())
}

// Stats returns the loop counters.
func (l *OutputDrainLoop) Stats() DrainStats {
	return DrainStats{
		Emitted:         l.emitted.Load(),
		Prepends:        l.prepends.Load(),
		Dropped:         l.dropped.Load(),
		TransientErrors: l.transient.Load(),
		Malformed:       l.malformed.Load(),
	}
}

func (l *OutputDrainLoop) stopRequested() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *OutputDrainLoop) run() {
	defer close(l.doneCh)

	metrics.DrainLoopStarted(metrics.RoleEncoder)
	defer metrics.DrainLoopStopped(metrics.RoleEncoder)

	l.logger.WithField("timeout", l.timeout).Debug("Drain loop started")

	var st drainState
	for !l.stopRequested() {
		unit, err := l.device.GetNextEncodedFrame(l.timeout)
		if l.stopRequested() {
			break
		}
		if err != nil {
			l.handlePollError(err)
			continue
		}

		l.lastActivity.Store(time.Now().UnixNano())
		if err := l.process(unit, &st); err != nil {
			l.fail(err)
			return
		}
	}

	l.logger.Debug("Drain loop stopped")
}

func (l *OutputDrainLoop) handlePollError(err error) {
	if errors.Is(err, ErrNoOutput) {
		return
	}

	l.lastActivity.Store(time.Now().UnixNano())

	var drop *FrameDropError
	if errors.As(err, &drop) {
		l.dropped.Add(1)
		metrics.RecordFrameDropped(metrics.RoleEncoder, "device")
		fields := map[string]interface{}{"timestamp_us": drop.TimestampUs, "error": err.Error()}
		if _, popErr := l.store.Pop(drop.TimestampUs); popErr != nil {
			fields["metadata"] = "absent"
		}
		metrics.SetPendingMetadata(metrics.RoleEncoder, l.store.Len())
		l.logger.WarnWithCategory(logger.CategoryFrameDrop, "Device dropped frame", fields)
		return
	}

	l.transient.Add(1)
	metrics.RecordDrainError(metrics.RoleEncoder, "transient")
	l.logger.WarnWithCategory(logger.CategoryDrainError, "Failed to retrieve encoder output", map[string]interface{}{
		"error": cerrors.NewTransientDrainError("drain.poll", err).Error(),
	})
}

func (l *OutputDrainLoop) process(unit EncodedUnit, st *drainState) error {
	nalus := h264.SplitNALUnits(unit.Data)
	if len(nalus) == 0 {
		l.malformed.Add(1)
		metrics.RecordDrainError(metrics.RoleEncoder, "malformed")
		_, _ = l.store.Pop(unit.TimestampUs)
		l.logger.WarnWithCategory(logger.CategoryDrainError, "Discarding encoder output without NAL units", map[string]interface{}{
			"timestamp_us": unit.TimestampUs,
			"size":         len(unit.Data),
		})
		return nil
	}

	bearsParamSets := h264.IsParameterSets(unit.Data)
	isSync := unit.Flags&FlagSyncFrame != 0 || h264.ContainsIDR(unit.Data)
	paramSetsOnly := bearsParamSets && !isSync

	// A parameter-set-only unit carries the timestamp of the frame it
	// precedes; that frame's unit removes the entry.
	var (
		md  FrameMetadata
		err error
	)
	if paramSetsOnly {
		md, err = l.store.Peek(unit.TimestampUs)
	} else {
		md, err = l.store.Pop(unit.TimestampUs)
	}
	if err != nil {
		return err
	}
	if !paramSetsOnly {
		l.evictStale(unit.TimestampUs)
	}

	frameType := FrameTypeDelta
	if bearsParamSets || isSync {
		frameType = FrameTypeKey
	}

	if isSync && !st.prevParamSetsOnly && !bearsParamSets && len(st.paramSets) > 0 {
		ps := make([]byte, len(st.paramSets))
		copy(ps, st.paramSets)
		l.deliver(&EncodedImage{
			Data:          ps,
			FrameType:     FrameTypeKey,
			Fragments:     fragmentsOf(h264.SplitNALUnits(ps)),
			Width:         md.Width,
			Height:        md.Height,
			Timestamp:     md.Timestamp,
			CaptureTimeMs: md.RenderTimeMs,
			Complete:      true,
		})
		l.prepends.Add(1)
		metrics.RecordParameterSetPrepend()
	}

	st.prevParamSetsOnly = paramSetsOnly
	if bearsParamSets {
		n := h264.ParameterSetLength(unit.Data)
		st.paramSets = append(st.paramSets[:0], unit.Data[:n]...)
	}

	l.deliver(&EncodedImage{
		Data:          unit.Data,
		FrameType:     frameType,
		Fragments:     fragmentsOf(nalus),
		Width:         md.Width,
		Height:        md.Height,
		Timestamp:     md.Timestamp,
		CaptureTimeMs: md.RenderTimeMs,
		Complete:      true,
	})
	metrics.SetPendingMetadata(metrics.RoleEncoder, l.store.Len())
	return nil
}

// evictStale drops entries for frames submitted before timestampUs. Their
// output was lost to a retrieval error that named no timestamp.
func (l *OutputDrainLoop) evictStale(timestampUs int64) {
	n := l.store.EvictBefore(timestampUs)
	if n == 0 {
		return
	}
	l.dropped.Add(uint64(n))
	for i := 0; i < n; i++ {
		metrics.RecordFrameDropped(metrics.RoleEncoder, "lost")
	}
	l.logger.WarnWithCategory(logger.CategoryFrameDrop, "Evicted metadata for frames without output", map[string]interface{}{
		"before_us": timestampUs,
		"count":     n,
	})
}

func (l *OutputDrainLoop) deliver(img *EncodedImage) {
	l.emitted.Add(1)
	metrics.RecordFrameEmitted(metrics.RoleEncoder, img.FrameType.String(), len(img.Data))
	l.logger.DebugWithCategory(logger.CategoryFrameEmitted, "Encoded frame emitted", map[string]interface{}{
		"frame_type": img.FrameType.String(),
		"size":       len(img.Data),
		"fragments":  len(img.Fragments),
		"timestamp":  img.Timestamp,
	})
	if l.emit != nil {
		l.emit(img)
	}
}

func (l *OutputDrainLoop) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()

	metrics.RecordDrainError(metrics.RoleEncoder, "fatal")
	l.logger.ErrorWithCategory(logger.CategoryDrainError, "Drain loop terminated on metadata mismatch", map[string]interface{}{
		"error": err.Error(),
	})
}

func fragmentsOf(nalus []h264.NALUnit) []Fragment {
	frags := make([]Fragment, len(nalus))
	for i, n := range nalus {
		frags[i] = Fragment{Offset: n.Offset, Length: n.Length}
	}
	return frags
}
