package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

const (
	// DefaultCacheTTL bounds the staleness window of the read-side dispatch
	// filter when an invalidation is missed.
	DefaultCacheTTL = 5 * time.Minute

	// InvalidateChannel is the pub/sub channel for cache invalidation.
	InvalidateChannel = "parley.cache.invalidate"

	guildKeyPrefix   = "member-perms"
	channelKeyPrefix = "channel-perms"

	// scanBatchSize is the number of keys retrieved per SCAN iteration.
	scanBatchSize = 100
)

func guildKey(guildID, userID snowflake.ID) string {
	return fmt.Sprintf("%s:%s:%s", guildKeyPrefix, guildID, userID)
}

func channelKey(channelID, userID snowflake.ID) string {
	return fmt.Sprintf("%s:%s:%s", channelKeyPrefix, channelID, userID)
}

// Cache provides get/set/delete operations for computed permission entries.
type Cache interface {
	GetGuild(ctx context.Context, guildID, userID snowflake.ID) (Entry, bool, error)
	SetGuild(ctx context.Context, guildID, userID snowflake.ID, entry Entry) error
	GetChannel(ctx context.Context, channelID, userID snowflake.ID) (Entry, bool, error)
	SetChannel(ctx context.Context, channelID, userID snowflake.ID, entry Entry) error
	DeleteGuildUser(ctx context.Context, guildID, userID snowflake.ID) error
	DeleteGuild(ctx context.Context, guildID snowflake.ID) error
	DeleteChannel(ctx context.Context, channelID snowflake.ID) error
	DeleteChannelUser(ctx context.Context, channelID, userID snowflake.ID) error
}

// ValkeyCache implements Cache using Valkey/Redis, storing JSON-encoded
// entries with a TTL.
type ValkeyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewValkeyCache creates a new Valkey-backed permission cache. A zero ttl
// means DefaultCacheTTL.
func NewValkeyCache(client *redis.Client, ttl time.Duration) *ValkeyCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ValkeyCache{client: client, ttl: ttl}
}

func (c *ValkeyCache) GetGuild(ctx context.Context, guildID, userID snowflake.ID) (Entry, bool, error) {
	return c.get(ctx, guildKey(guildID, userID))
}

func (c *ValkeyCache) SetGuild(ctx context.Context, guildID, userID snowflake.ID, entry Entry) error {
	return c.set(ctx, guildKey(guildID, userID), entry)
}

func (c *ValkeyCache) GetChannel(ctx context.Context, channelID, userID snowflake.ID) (Entry, bool, error) {
	return c.get(ctx, channelKey(channelID, userID))
}

func (c *ValkeyCache) SetChannel(ctx context.Context, channelID, userID snowflake.ID, entry Entry) error {
	return c.set(ctx, channelKey(channelID, userID), entry)
}

// DeleteGuildUser removes the guild-level entry for one member. Channel
// entries under the guild are invalidated separately per channel.
func (c *ValkeyCache) DeleteGuildUser(ctx context.Context, guildID, userID snowflake.ID) error {
	return c.client.Del(ctx, guildKey(guildID, userID)).Err()
}

// DeleteGuild removes every guild-level entry of a guild.
func (c *ValkeyCache) DeleteGuild(ctx context.Context, guildID snowflake.ID) error {
	return c.scanAndDelete(ctx, fmt.Sprintf("%s:%s:*", guildKeyPrefix, guildID))
}

// DeleteChannel removes every cached entry of a channel.
func (c *ValkeyCache) DeleteChannel(ctx context.Context, channelID snowflake.ID) error {
	return c.scanAndDelete(ctx, fmt.Sprintf("%s:%s:*", channelKeyPrefix, channelID))
}

// DeleteChannelUser removes the entry of one user in one channel.
func (c *ValkeyCache) DeleteChannelUser(ctx context.Context, channelID, userID snowflake.ID) error {
	return c.client.Del(ctx, channelKey(channelID, userID)).Err()
}

func (c *ValkeyCache) get(ctx context.Context, key string) (Entry, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("parse cached entry: %w", err)
	}
	return entry, true, nil
}

func (c *ValkeyCache) set(ctx context.Context, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *ValkeyCache) scanAndDelete(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("scan keys %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
