// Package reservation arbitrates exclusive access to the hardware codec.
// At most one encode session and one decode session may hold the device at a
// time; a second attempt fails immediately rather than queueing.
package reservation

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/hwcodec/internal/config"
	"github.com/zsiec/hwcodec/internal/logger"
)

// Role identifies which half of the codec is reserved.
type Role string

const (
	RoleEncoder Role = "encoder"
	RoleDecoder Role = "decoder"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleEncoder, RoleDecoder}

// ErrReserved is returned by Reserve when another holder owns the role.
var ErrReserved = errors.New("codec already reserved")

// Reservation is one session's claim on a role.
type Reservation interface {
	Role() Role
	// Reserve acquires the role or fails with ErrReserved. Reserving a
	// reservation that is already held is a no-op.
	Reserve(ctx context.Context) error
	// Release gives the role up. Releasing twice is a no-op.
	Release(ctx context.Context) error
	Held() bool
}

// Backend hands out reservations and reports who holds what.
type Backend interface {
	Name() string
	ForRole(role Role) Reservation
	// Holders maps each held role to its owner token.
	Holders(ctx context.Context) (map[Role]string, error)
	Ping(ctx context.Context) error
}

// NewBackend builds the backend selected by cfg. client is only used by the
// redis backend.
func NewBackend(cfg config.ReservationConfig, client *redis.Client, log logger.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", config.ReservationBackendMemory:
		return Default(), nil
	case config.ReservationBackendRedis:
		if client == nil {
			return nil, errors.New("redis reservation backend requires a redis client")
		}
		return NewRedisBackend(client, log, cfg.KeyPrefix, cfg.TTL, cfg.HeartbeatInterval), nil
	default:
		return nil, fmt.Errorf("unknown reservation backend %q", cfg.Backend)
	}
}
