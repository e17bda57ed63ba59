package health

import (
	"context"
	"fmt"
	"time"

	"github.com/zsiec/hwcodec/internal/codec"
	"github.com/zsiec/hwcodec/internal/reservation"
)

// ReservationChecker verifies the codec reservation backend is reachable.
type ReservationChecker struct {
	backend reservation.Backend
}

// NewReservationChecker creates a checker for backend.
func NewReservationChecker(backend reservation.Backend) *ReservationChecker {
	return &ReservationChecker{backend: backend}
}

// Name returns the name of the checker.
func (r *ReservationChecker) Name() string {
	return "reservation_" + r.backend.Name()
}

// Check pings the backend.
func (r *ReservationChecker) Check(ctx context.Context) error {
	if err := r.backend.Ping(ctx); err != nil {
		return fmt.Errorf("%s reservation backend unreachable: %w", r.backend.Name(), err)
	}
	return nil
}

// Details lists the current holder of each codec role.
func (r *ReservationChecker) Details(ctx context.Context) map[string]interface{} {
	holders, err := r.backend.Holders(ctx)
	if err != nil {
		return nil
	}
	details := map[string]interface{}{"backend": r.backend.Name()}
	for role, owner := range holders {
		details[string(role)] = owner
	}
	return details
}

// DrainSource is implemented by encoders exposing their drain loop state.
type DrainSource interface {
	DrainHealth() codec.DrainHealth
}

// DrainChecker reports on the encoder output drain loop. A loop that died
// with an error is down; one that has not polled the device within
// staleAfter is degraded. An encoder that has not started encoding is
// healthy.
type DrainChecker struct {
	source     DrainSource
	staleAfter time.Duration
	now        func() time.Time
}

// NewDrainChecker creates a drain liveness checker.
func NewDrainChecker(source DrainSource, staleAfter time.Duration) *DrainChecker {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}
	return &DrainChecker{source: source, staleAfter: staleAfter, now: time.Now}
}

// Name returns the name of the checker.
func (d *DrainChecker) Name() string {
	return "encoder_drain"
}

// Check inspects the drain loop.
func (d *DrainChecker) Check(ctx context.Context) error {
	h := d.source.DrainHealth()
	switch {
	case !h.Started:
		return nil
	case h.Err != nil:
		return fmt.Errorf("drain loop failed: %w", h.Err)
	case !h.Running:
		return fmt.Errorf("drain loop stopped")
	}
	if idle := d.now().Sub(h.LastActivity); idle > d.staleAfter {
		return Degraded(fmt.Sprintf("drain loop idle for %s", idle.Round(time.Millisecond)))
	}
	return nil
}

func (d *DrainChecker) Details(context.Context) map[string]interface{} {
	h := d.source.DrainHealth()
	details := map[string]interface{}{
		"started": h.Started,
		"running": h.Running,
	}
	if !h.LastActivity.IsZero() {
		details["idle_ms"] = d.now().Sub(h.LastActivity).Milliseconds()
	}
	return details
}
