package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// sessionData is the JSON structure persisted in Valkey for a disconnected
// gateway session.
type sessionData struct {
	UserID         snowflake.ID `json:"user_id"`
	LastSeq        int64        `json:"last_seq"`
	DisconnectedAt int64        `json:"disconnected_at"`
}

// SessionStore persists disconnected gateway sessions and their replay rings
// in Valkey so a client can resume after a short network drop. Sessions are
// saved on disconnect and loaded on resume; both the session record and the
// ring expire together after the configured TTL.
type SessionStore struct {
	rdb      *redis.Client
	ttl      time.Duration
	ringSize int
}

// NewSessionStore creates a session store backed by the given Valkey client.
// ringSize caps how many dispatch frames are retained per session for replay.
func NewSessionStore(rdb *redis.Client, ttl time.Duration, ringSize int) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl, ringSize: ringSize}
}

func sessionKey(sessionID string) string { return "gwsession:" + sessionID }
func replayKey(sessionID string) string  { return "gwreplay:" + sessionID }

// Save persists a session when a client disconnects.
func (s *SessionStore) Save(ctx context.Context, sessionID string, userID snowflake.ID, lastSeq int64) error {
	data, err := json.Marshal(sessionData{
		UserID:         userID,
		LastSeq:        lastSeq,
		DisconnectedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, sessionKey(sessionID), data, s.ttl)
	pipe.Expire(ctx, replayKey(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadedSession contains the restored state for a resumed session.
type LoadedSession struct {
	UserID  snowflake.ID
	LastSeq int64
}

// Load retrieves a saved session. Returns ErrSessionNotFound if the session
// does not exist or has expired.
func (s *SessionStore) Load(ctx context.Context, sessionID string) (*LoadedSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sd sessionData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &LoadedSession{UserID: sd.UserID, LastSeq: sd.LastSeq}, nil
}

// Delete removes a session and its replay ring after a successful resume.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, sessionKey(sessionID), replayKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// replayEntry stores a serialised dispatch frame with its sequence number so
// Replay can filter without re-decoding the frame.
type replayEntry struct {
	Seq     int64           `json:"s"`
	Payload json.RawMessage `json:"p"`
}

// AppendReplay adds a serialised dispatch frame to the session's replay ring.
// The ring keeps only the newest ringSize entries (RPUSH + LTRIM) and its TTL
// is refreshed on each append.
func (s *SessionStore) AppendReplay(ctx context.Context, sessionID string, seq int64, payload json.RawMessage) error {
	entry, err := json.Marshal(replayEntry{Seq: seq, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal replay entry: %w", err)
	}

	key := replayKey(sessionID)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, int64(-s.ringSize), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append replay: %w", err)
	}
	return nil
}

// Replay returns all buffered dispatch frames with sequence numbers strictly
// greater than afterSeq, oldest first. Each element is a fully serialised
// frame ready to send.
func (s *SessionStore) Replay(ctx context.Context, sessionID string, afterSeq int64) ([]json.RawMessage, error) {
	raw, err := s.rdb.LRange(ctx, replayKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read replay ring: %w", err)
	}

	var result []json.RawMessage
	for _, item := range raw {
		var entry replayEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.Seq > afterSeq {
			result = append(result, entry.Payload)
		}
	}
	return result, nil
}

// NewSessionID generates a fresh gateway session identifier, distinct from
// any refresh-token session id.
func NewSessionID() string {
	return uuid.NewString()
}
