// Package presence provides ephemeral presence and typing state backed by
// Valkey. Presence keys expire on their own and are refreshed by each gateway
// heartbeat; typing indicators use SET NX to deduplicate rapid keystrokes.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

const (
	// presenceTTL is the lifetime of a presence key. Heartbeats refresh the
	// TTL so keys expire only when the client stops beating.
	presenceTTL = 120 * time.Second

	// typingTTL is the lifetime of a typing indicator key.
	typingTTL = 10 * time.Second

	// StatusOnline indicates the user is actively connected.
	StatusOnline = "online"
	// StatusIdle indicates the user is connected but inactive.
	StatusIdle = "idle"
	// StatusDND indicates the user does not want to be disturbed.
	StatusDND = "dnd"
	// StatusInvisible makes the user appear offline while staying connected.
	StatusInvisible = "invisible"
	// StatusOffline is the implicit status when no presence key exists. It is
	// never stored in Valkey.
	StatusOffline = "offline"
)

// State is the wire shape of one user's visible presence.
type State struct {
	UserID snowflake.ID `json:"user_id"`
	Status string       `json:"status"`
}

// Store reads and writes ephemeral presence and typing state in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a new presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Set stores the user's presence status with the standard TTL.
func (s *Store) Set(ctx context.Context, userID snowflake.ID, status string) error {
	if err := s.rdb.Set(ctx, presenceKey(userID), status, presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's current presence status. A missing key means
// offline.
func (s *Store) Get(ctx context.Context, userID snowflake.ID) (string, error) {
	val, err := s.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("get presence for %s: %w", userID, err)
	}
	return val, nil
}

// GetMany returns the visible presence state for each user. Invisible and
// offline users are omitted so they appear offline to other clients.
func (s *Store) GetMany(ctx context.Context, userIDs []snowflake.ID) ([]State, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	result := make([]State, 0, len(userIDs))
	for i, v := range vals {
		if v == nil {
			continue
		}
		status, ok := v.(string)
		if !ok || status == StatusInvisible {
			continue
		}
		result = append(result, State{UserID: userIDs[i], Status: status})
	}
	return result, nil
}

// Refresh extends the TTL of an existing presence key without changing the
// stored status.
func (s *Store) Refresh(ctx context.Context, userID snowflake.ID) error {
	if err := s.rdb.Expire(ctx, presenceKey(userID), presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// Delete removes the user's presence key. After deletion the user is
// considered offline.
func (s *Store) Delete(ctx context.Context, userID snowflake.ID) error {
	if err := s.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return nil
}

// SetTyping records that the user started typing in the channel. Returns true
// when the key was newly created and a TYPING_START dispatch should go out,
// false when a previous indicator is still live.
func (s *Store) SetTyping(ctx context.Context, channelID, userID snowflake.ID) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, typingKey(channelID, userID), 1, typingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set typing for %s in %s: %w", userID, channelID, err)
	}
	return ok, nil
}

// ClearTyping removes the typing indicator. Returns true when the key existed.
func (s *Store) ClearTyping(ctx context.Context, channelID, userID snowflake.ID) (bool, error) {
	n, err := s.rdb.Del(ctx, typingKey(channelID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("clear typing for %s in %s: %w", userID, channelID, err)
	}
	return n > 0, nil
}

// ValidStatus reports whether a client may set this status via presence
// update. StatusOffline is not settable; clients go offline by disconnecting.
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusIdle, StatusDND, StatusInvisible:
		return true
	default:
		return false
	}
}

func presenceKey(userID snowflake.ID) string {
	return "presence:" + userID.String()
}

func typingKey(channelID, userID snowflake.ID) string {
	return "typing:" + channelID.String() + ":" + userID.String()
}
