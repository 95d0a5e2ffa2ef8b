package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRedisPublisher struct {
	channel string
	message string
	err     error
}

func (s *stubRedisPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	s.channel = channel
	s.message, _ = message.(string)
	return redis.NewIntResult(1, s.err)
}

func TestRedisPlayCountPublisher(t *testing.T) {
	stub := &stubRedisPublisher{}
	p := NewRedisPlayCountPublisher(stub)
	activityID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	require.NoError(t, p.PublishPlayCount(context.Background(), activityID, 12))
	assert.Equal(t, "activity_plays:6ba7b810-9dad-11d1-80b4-00c04fd430c8", stub.channel)

	var msg struct {
		Type    string `json:"type"`
		Payload struct {
			ActivityID uuid.UUID `json:"activity_id"`
			PlayCount  int64     `json:"play_count"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(stub.message), &msg))
	assert.Equal(t, "play_count", msg.Type)
	assert.Equal(t, activityID, msg.Payload.ActivityID)
	assert.Equal(t, int64(12), msg.Payload.PlayCount)
}

func TestRedisPlayCountPublisher_Error(t *testing.T) {
	boom := errors.New("redis: connection pool timeout")
	p := NewRedisPlayCountPublisher(&stubRedisPublisher{err: boom})

	err := p.PublishPlayCount(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, boom)
}
