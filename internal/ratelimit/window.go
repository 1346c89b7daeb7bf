package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "netspot:submit:"

// Window is a fixed-window submission counter per user, shared by every API
// instance through Redis.
type Window struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewWindow allows limit submissions per user in each window.
func NewWindow(client *redis.Client, limit int, window time.Duration) *Window {
	return &Window{client: client, limit: limit, window: window}
}

// Allow counts one submission for user. It returns whether the submission
// is allowed and how many remain in the current window.
func (w *Window) Allow(ctx context.Context, user string) (bool, int, error) {
	if user == "" {
		user = "anonymous"
	}
	res, err := windowScript.Run(ctx, w.client, []string{keyPrefix + user}, w.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	count := int(res[0])
	remaining := w.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= w.limit, remaining, nil
}

// Reset forgets the current window for user.
func (w *Window) Reset(ctx context.Context, user string) error {
	return w.client.Del(ctx, keyPrefix+user).Err()
}

// the expiry is set only by the first hit so the window does not slide
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)
