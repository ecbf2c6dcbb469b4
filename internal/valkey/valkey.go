// Package valkey opens the pub/sub and cache connection. Valkey speaks the
// Redis protocol, so the client is plain go-redis behind a URL-scheme shim.
package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect dials the server at rawURL and verifies it with a ping. Accepts
// both valkey:// and redis:// URLs; go-redis only parses the latter.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(normalizeScheme(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}

func normalizeScheme(rawURL string) string {
	const prefix = "valkey://"
	if len(rawURL) >= len(prefix) && strings.EqualFold(rawURL[:len(prefix)], prefix) {
		return "redis://" + rawURL[len(prefix):]
	}
	return rawURL
}
