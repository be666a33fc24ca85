package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"studybuddy/internal/models"
	"studybuddy/internal/redis"
)

const keyPrefix = "studybuddy:memory:"

// Redis stores transcripts as capped lists so they survive restarts and
// expire when a session goes quiet.
type Redis struct {
	client *redis.Client
	window int
	ttl    time.Duration
}

func NewRedis(client *redis.Client, window int, ttl time.Duration) *Redis {
	return &Redis{client: client, window: window, ttl: ttl}
}

func (r *Redis) Append(ctx context.Context, sessionID string, turn models.Turn) error {
	raw, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	if err := r.client.PushCapped(ctx, keyPrefix+sessionID, r.window, r.ttl, raw); err != nil {
		return fmt.Errorf("append turn for %s: %w", sessionID, err)
	}
	return nil
}

func (r *Redis) Transcript(ctx context.Context, sessionID string) ([]models.Turn, error) {
	items, err := r.client.List(ctx, keyPrefix+sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript for %s: %w", sessionID, err)
	}
	turns := make([]models.Turn, 0, len(items))
	for _, item := range items {
		var turn models.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("decode turn for %s: %w", sessionID, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}
