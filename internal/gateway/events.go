package gateway

import (
	"encoding/json"
	"time"

	"github.com/parley-chat/parley-server/internal/member"
	"github.com/parley-chat/parley-server/internal/snowflake"
	"github.com/parley-chat/parley-server/internal/user"
)

// Event is the envelope published on the broadcast channel by mutating
// services and consumed by the dispatcher. Routing is decided from the
// envelope alone: when Users is non-empty the event goes only to those users;
// otherwise a non-zero GuildID targets the guild's subscribed connections;
// otherwise the event is global. ChannelID drives the per-connection
// can_view filter for message and typing events.
type Event struct {
	Type      DispatchEvent   `json:"t"`
	GuildID   snowflake.ID    `json:"g,omitempty"`
	ChannelID snowflake.ID    `json:"c,omitempty"`
	Users     []snowflake.ID  `json:"u,omitempty"`
	Data      json.RawMessage `json:"d"`
}

// ReadyGuild is the per-guild entry in the READY payload.
type ReadyGuild struct {
	ID snowflake.ID `json:"id"`
}

// ReadyData is the payload of the first dispatch on a freshly identified
// connection.
type ReadyData struct {
	V         int          `json:"v"`
	User      user.User    `json:"user"`
	Guilds    []ReadyGuild `json:"guilds"`
	SessionID string       `json:"session_id"`
}

// PresenceUpdatePayload is the payload of a PRESENCE_UPDATE dispatch.
type PresenceUpdatePayload struct {
	UserID snowflake.ID `json:"user_id"`
	Status string       `json:"status"`
}

// TypingStartPayload is the payload of a TYPING_START dispatch.
type TypingStartPayload struct {
	GuildID   snowflake.ID `json:"guild_id"`
	ChannelID snowflake.ID `json:"channel_id"`
	UserID    snowflake.ID `json:"user_id"`
	Timestamp time.Time    `json:"timestamp"`
}

// GuildMembersChunkData is the payload answering an op 8
// RequestGuildMembers frame.
type GuildMembersChunkData struct {
	GuildID snowflake.ID    `json:"guild_id"`
	Members []member.Member `json:"members"`
}
