package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zsiec/hwcodec/internal/logger"
	"github.com/zsiec/hwcodec/internal/metrics"
)

var (
	// Deletes the key only if we still own it.
	releaseScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)

	// Extends the lease only if we still own it.
	heartbeatScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisBackend arbitrates roles across every process sharing a Redis
// instance. Leases expire after ttl unless the holder's heartbeat renews them,
// so a crashed process cannot wedge the device.
type RedisBackend struct {
	client            *redis.Client
	logger            logger.Logger
	prefix            string
	ttl               time.Duration
	heartbeatInterval time.Duration
}

// NewRedisBackend creates a Redis-backed reservation backend.
func NewRedisBackend(client *redis.Client, log logger.Logger, prefix string, ttl, heartbeatInterval time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if heartbeatInterval <= 0 || heartbeatInterval >= ttl {
		heartbeatInterval = ttl / 3
	}
	if prefix == "" {
		prefix = "hwcodec:reservation"
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RedisBackend{
		client:            client,
		logger:            log,
		prefix:            prefix,
		ttl:               ttl,
		heartbeatInterval: heartbeatInterval,
	}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) key(role Role) string {
	return b.prefix + ":" + string(role)
}

func (b *RedisBackend) ForRole(role Role) Reservation {
	return &redisReservation{backend: b, role: role}
}

func (b *RedisBackend) Holders(ctx context.Context) (map[Role]string, error) {
	out := make(map[Role]string)
	for _, role := range Roles {
		token, err := b.client.Get(ctx, b.key(role)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s reservation: %w", role, err)
		}
		out[role] = token
	}
	return out, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

type redisReservation struct {
	backend *RedisBackend
	role    Role

	mu     sync.Mutex
	token  string
	stopCh chan struct{}
	doneCh chan struct{}
	lost   atomic.Bool
}

func (r *redisReservation) Role() Role { return r.role }

func (r *redisReservation) Reserve(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" {
		return nil
	}

	token := uuid.New().String()
	ok, err := r.backend.client.SetNX(ctx, r.backend.key(r.role), token, r.backend.ttl).Result()
	if err != nil {
		metrics.RecordReservationAttempt(string(r.role), r.backend.Name(), "error")
		return fmt.Errorf("failed to reserve %s: %w", r.role, err)
	}
	if !ok {
		metrics.RecordReservationAttempt(string(r.role), r.backend.Name(), "busy")
		r.backend.logger.WithField("role", r.role).Warn("Codec reservation refused, already held")
		return ErrReserved
	}

	r.token = token
	r.lost.Store(false)
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.heartbeat(token, r.stopCh, r.doneCh)

	metrics.RecordReservationAttempt(string(r.role), r.backend.Name(), "acquired")
	metrics.SetReservationHeld(string(r.role), true)
	r.backend.logger.WithFields(map[string]interface{}{
		"role":  r.role,
		"owner": token,
		"ttl":   r.backend.ttl,
	}).Info("Codec reserved")
	return nil
}

// heartbeat renews the lease until stopped or until ownership is lost.
func (r *redisReservation) heartbeat(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.backend.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.backend.heartbeatInterval)
			renewed, err := heartbeatScript.Run(ctx, r.backend.client,
				[]string{r.backend.key(r.role)}, token, r.backend.ttl.Milliseconds()).Int()
			cancel()

			if err != nil {
				r.backend.logger.WithError(err).WithField("role", r.role).Warn("Failed to renew codec reservation")
				continue
			}
			if renewed == 0 {
				r.backend.logger.WithField("role", r.role).Error("Codec reservation lost to another holder")
				metrics.SetReservationHeld(string(r.role), false)
				r.lost.Store(true)
				return
			}
		}
	}
}

func (r *redisReservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token == "" {
		return nil
	}

	close(r.stopCh)
	<-r.doneCh

	token := r.token
	r.token = ""
	metrics.SetReservationHeld(string(r.role), false)

	if _, err := releaseScript.Run(ctx, r.backend.client, []string{r.backend.key(r.role)}, token).Int(); err != nil {
		// The lease still expires on its own after ttl.
		return fmt.Errorf("failed to release %s: %w", r.role, err)
	}

	r.backend.logger.WithField("role", r.role).Info("Codec reservation released")
	return nil
}

func (r *redisReservation) Held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token != "" && !r.lost.Load()
}
