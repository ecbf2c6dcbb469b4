package permission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// InvalidationMessage is published whenever a permission-relevant mutation
// lands: role edits, overwrite edits, membership changes, ownership transfer.
type InvalidationMessage struct {
	GuildID   *snowflake.ID `json:"guild_id,omitempty"`
	ChannelID *snowflake.ID `json:"channel_id,omitempty"`
	UserID    *snowflake.ID `json:"user_id,omitempty"`
}

// Publisher sends cache invalidation messages via Valkey pub/sub.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a new invalidation publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// InvalidateGuild invalidates every cached entry of a guild. Used after role
// permission edits and ownership transfer.
func (p *Publisher) InvalidateGuild(ctx context.Context, guildID snowflake.ID) error {
	return p.publish(ctx, InvalidationMessage{GuildID: &guildID})
}

// InvalidateGuildUser invalidates one member's guild-level entry. Used after
// role assignment changes and membership changes.
func (p *Publisher) InvalidateGuildUser(ctx context.Context, guildID, userID snowflake.ID) error {
	return p.publish(ctx, InvalidationMessage{GuildID: &guildID, UserID: &userID})
}

// InvalidateChannel invalidates every cached entry of a channel. Used after
// overwrite edits and channel deletion.
func (p *Publisher) InvalidateChannel(ctx context.Context, channelID snowflake.ID) error {
	return p.publish(ctx, InvalidationMessage{ChannelID: &channelID})
}

// InvalidateChannelUser invalidates one user's entry in one channel.
func (p *Publisher) InvalidateChannelUser(ctx context.Context, channelID, userID snowflake.ID) error {
	return p.publish(ctx, InvalidationMessage{ChannelID: &channelID, UserID: &userID})
}

func (p *Publisher) publish(ctx context.Context, msg InvalidationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	return p.client.Publish(ctx, InvalidateChannel, data).Err()
}

// Subscriber listens for invalidation messages and removes cached entries.
type Subscriber struct {
	cache  Cache
	client *redis.Client
	log    zerolog.Logger
}

// NewSubscriber creates a new invalidation subscriber.
func NewSubscriber(cache Cache, client *redis.Client, logger zerolog.Logger) *Subscriber {
	return &Subscriber{cache: cache, client: client, log: logger.With().Str("component", "perm-invalidate").Logger()}
}

// Run subscribes to the invalidation channel and processes messages until the
// context is cancelled. Blocks; run in a goroutine.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, payload string) {
	var msg InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.log.Warn().Err(err).Str("payload", payload).Msg("Invalid invalidation message")
		return
	}

	var err error
	switch {
	case msg.ChannelID != nil && msg.UserID != nil:
		err = s.cache.DeleteChannelUser(ctx, *msg.ChannelID, *msg.UserID)
	case msg.ChannelID != nil:
		err = s.cache.DeleteChannel(ctx, *msg.ChannelID)
	case msg.GuildID != nil && msg.UserID != nil:
		err = s.cache.DeleteGuildUser(ctx, *msg.GuildID, *msg.UserID)
	case msg.GuildID != nil:
		err = s.cache.DeleteGuild(ctx, *msg.GuildID)
	default:
		return
	}

	if err != nil {
		s.log.Warn().Err(err).Msg("Cache invalidation failed")
	}
}
