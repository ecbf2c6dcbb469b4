package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// eventsChannel is the Valkey pub/sub channel carrying dispatch events from
// mutating services to the gateway hub.
const eventsChannel = "parley.gateway.events"

// Publisher serialises dispatch events and publishes them on the broadcast
// channel. Mutating domain services hold a Publisher; the Hub consumes.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a gateway event publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger}
}

// Publish broadcasts an event targeted by guild membership. Events with a
// channel id additionally pass the per-connection can_view filter at
// dispatch time.
func (p *Publisher) Publish(ctx context.Context, eventType DispatchEvent, guildID, channelID snowflake.ID, data any) error {
	return p.publish(ctx, eventType, guildID, channelID, nil, data)
}

// PublishToUsers broadcasts an event delivered only to the named users'
// connections, regardless of guild subscriptions. Used when membership itself
// just changed and the guild index is not yet (or no longer) accurate.
func (p *Publisher) PublishToUsers(ctx context.Context, eventType DispatchEvent, users []snowflake.ID, data any) error {
	return p.publish(ctx, eventType, 0, 0, users, data)
}

// PublishGlobal broadcasts an event to every identified connection.
func (p *Publisher) PublishGlobal(ctx context.Context, eventType DispatchEvent, data any) error {
	return p.publish(ctx, eventType, 0, 0, nil, data)
}

func (p *Publisher) publish(ctx context.Context, eventType DispatchEvent, guildID, channelID snowflake.ID, users []snowflake.ID, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	env, err := json.Marshal(Event{
		Type:      eventType,
		GuildID:   guildID,
		ChannelID: channelID,
		Users:     users,
		Data:      payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, eventsChannel, env).Err(); err != nil {
		return fmt.Errorf("publish gateway event: %w", err)
	}
	return nil
}
