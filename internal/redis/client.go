package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mossy-p/call-relay/config"
	"github.com/mossy-p/call-relay/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	queueKey    = "callqueue:snapshot"
	presenceKey = "participants:online"
	snapshotTTL = 24 * time.Hour
	backlog     = 256
)

type op struct {
	queue         []models.QueueItem
	participantID string
	online        bool
}

// Mirror copies the call queue and participant presence into Redis so other
// services can read them. Writes are queued to a single worker and dropped
// when it falls behind.
type Mirror struct {
	client *redis.Client
	ops    chan op
	log    zerolog.Logger
}

// Connect initializes the Redis client and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Presence from a previous run is stale.
	if err := client.Del(ctx, presenceKey, queueKey).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to clear stale mirror keys")
	}

	return &Mirror{
		client: client,
		ops:    make(chan op, backlog),
		log:    log.With().Str("component", "redis").Logger(),
	}, nil
}

// Run applies queued writes until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-m.ops:
			if err := m.apply(ctx, o); err != nil {
				m.log.Warn().Err(err).Msg("Mirror write failed")
			}
		}
	}
}

func (m *Mirror) QueueChanged(items []models.QueueItem) {
	if items == nil {
		items = []models.QueueItem{}
	}
	m.push(op{queue: items})
}

func (m *Mirror) PresenceChanged(participantID string, online bool) {
	m.push(op{participantID: participantID, online: online})
}

// Online lists participants that currently hold a connection.
func (m *Mirror) Online(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, presenceKey).Result()
}

// Close closes the Redis connection
func (m *Mirror) Close() error {
	return m.client.Close()
}

func (m *Mirror) push(o op) {
	select {
	case m.ops <- o:
	default:
		m.log.Warn().Msg("Mirror backlog full, dropping write")
	}
}

func (m *Mirror) apply(ctx context.Context, o op) error {
	if o.queue != nil {
		data, err := json.Marshal(o.queue)
		if err != nil {
			return err
		}
		return m.client.Set(ctx, queueKey, data, snapshotTTL).Err()
	}
	if o.online {
		return m.client.SAdd(ctx, presenceKey, o.participantID).Err()
	}
	return m.client.SRem(ctx, presenceKey, o.participantID).Err()
}
