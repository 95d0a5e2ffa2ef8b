package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"playcode-backend/internal/models"
)

// PlayCountPublisher fans out play-count changes to live dashboards.
type PlayCountPublisher interface {
	PublishPlayCount(ctx context.Context, activityID uuid.UUID, playCount int64) error
}

// redisPublisher is satisfied by *redis.Client.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type RedisPlayCountPublisher struct {
	redis redisPublisher
}

func NewRedisPlayCountPublisher(redisClient redisPublisher) *RedisPlayCountPublisher {
	return &RedisPlayCountPublisher{redis: redisClient}
}

func (p *RedisPlayCountPublisher) PublishPlayCount(ctx context.Context, activityID uuid.UUID, playCount int64) error {
	data, err := json.Marshal(models.WSMessage{
		Type: "play_count",
		Payload: models.PlayCountEvent{
			ActivityID: activityID,
			PlayCount:  playCount,
		},
	})
	if err != nil {
		return fmt.Errorf("encode play count event: %w", err)
	}
	return p.redis.Publish(ctx, models.ActivityPlaysChannel(activityID), string(data)).Err()
}
