package timestamp

import "sync"

// VideoClockRate is the RTP clock rate for video.
const VideoClockRate = 90000

// Unwrapper extends 32-bit RTP timestamps into a monotonic 64-bit timeline
// and converts them to the microsecond timestamps the hardware codec expects.
type Unwrapper struct {
	clockRate uint32

	mu      sync.Mutex
	started bool
	last    int64 // highest unwrapped timestamp seen
	wraps   int
}

// NewUnwrapper creates an unwrapper for the given clock rate (90 kHz if 0).
func NewUnwrapper(clockRate uint32) *Unwrapper {
	if clockRate == 0 {
		clockRate = VideoClockRate
	}
	return &Unwrapper{clockRate: clockRate}
}

// Unwrap returns ts on the extended timeline. A step of more than half the
// 32-bit range is read as travel in the opposite direction, so a late
// timestamp from before a wrap resolves to the previous cycle and does not
// move the timeline.
func (u *Unwrapper) Unwrap(ts uint32) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.started {
		u.started = true
		u.last = int64(ts)
		return u.last
	}

	diff := int64(int32(ts - uint32(u.last)))
	unwrapped := u.last + diff
	if diff > 0 {
		if unwrapped>>32 != u.last>>32 {
			u.wraps++
		}
		u.last = unwrapped
	}
	return unwrapped
}

// Microseconds converts ts to device microseconds after unwrapping.
func (u *Unwrapper) Microseconds(ts uint32) int64 {
	return ToMicroseconds(u.Unwrap(ts), u.clockRate)
}

// WrapCount returns the number of forward wraps observed.
func (u *Unwrapper) WrapCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.wraps
}

// Reset forgets all state, e.g. when a new session starts.
func (u *Unwrapper) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.started = false
	u.last = 0
	u.wraps = 0
}

// ToMicroseconds converts clock ticks to microseconds. At 90 kHz this is
// ticks*1000/90.
func ToMicroseconds(ticks int64, clockRate uint32) int64 {
	return ticks * 1_000_000 / int64(clockRate)
}

// FromMicroseconds converts device microseconds back to a 32-bit RTP
// timestamp, truncating to the wire width.
func FromMicroseconds(us int64, clockRate uint32) uint32 {
	return uint32(us * int64(clockRate) / 1_000_000)
}
