package sharding

import (
	"context"
	"math"
	"time"
)

// Session is the one-shot session information of the upstream service.
type Session struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// ResetIn is the time until the start limit resets.
func (l SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// SessionProvider looks up the recommended shard count.
type SessionProvider interface {
	FetchSession(ctx context.Context) (Session, error)
}

// SessionProviderFunc adapts a function to SessionProvider.
type SessionProviderFunc func(ctx context.Context) (Session, error)

func (f SessionProviderFunc) FetchSession(ctx context.Context) (Session, error) { return f(ctx) }

// RecommendedShardCount scales the upstream recommendation, which assumes
// 1000 guilds per shard, to guildsPerShard.
func RecommendedShardCount(shards, guildsPerShard int) int {
	if guildsPerShard <= 0 {
		guildsPerShard = DefaultGuildsPerShard
	}
	return int(math.Ceil(float64(shards) * 1000 / float64(guildsPerShard)))
}
