package reservation

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zsiec/hwcodec/internal/logger"
	"github.com/zsiec/hwcodec/internal/metrics"
)

// MemoryBackend arbitrates roles within one process.
type MemoryBackend struct {
	mu      sync.Mutex
	holders map[Role]string
	logger  logger.Logger
}

var defaultBackend = NewMemoryBackend(logger.NewNullLogger())

// Default returns the process-wide in-memory backend.
func Default() *MemoryBackend {
	return defaultBackend
}

// NewMemoryBackend creates an isolated in-memory backend.
func NewMemoryBackend(log logger.Logger) *MemoryBackend {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &MemoryBackend{
		holders: make(map[Role]string),
		logger:  log,
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

// ForRole returns a new, unheld reservation for role.
func (b *MemoryBackend) ForRole(role Role) Reservation {
	return &memoryReservation{backend: b, role: role}
}

func (b *MemoryBackend) Holders(ctx context.Context) (map[Role]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[Role]string, len(b.holders))
	for role, token := range b.holders {
		out[role] = token
	}
	return out, nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (b *MemoryBackend) acquire(role Role, token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, held := b.holders[role]; held {
		return false
	}
	b.holders[role] = token
	return true
}

func (b *MemoryBackend) release(role Role, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.holders[role] == token {
		delete(b.holders, role)
	}
}

type memoryReservation struct {
	backend *MemoryBackend
	role    Role

	mu    sync.Mutex
	token string
}

func (r *memoryReservation) Role() Role { return r.role }

func (r *memoryReservation) Reserve(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" {
		return nil
	}

	token := uuid.New().String()
	if !r.backend.acquire(r.role, token) {
		metrics.RecordReservationAttempt(string(r.role), r.backend.Name(), "busy")
		r.backend.logger.WithField("role", r.role).Warn("Codec reservation refused, already held")
		return ErrReserved
	}

	r.token = token
	metrics.RecordReservationAttempt(string(r.role), r.backend.Name(), "acquired")
	metrics.SetReservationHeld(string(r.role), true)
	r.backend.logger.WithFields(map[string]interface{}{
		"role":  r.role,
		"owner": token,
	}).Debug("Codec reserved")
	return nil
}

func (r *memoryReservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token == "" {
		return nil
	}
	r.backend.release(r.role, r.token)
	r.token = ""
	metrics.SetReservationHeld(string(r.role), false)
	r.backend.logger.WithField("role", r.role).Debug("Codec reservation released")
	return nil
}

func (r *memoryReservation) Held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token != ""
}
