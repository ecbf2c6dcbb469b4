package gateway

// Opcode identifies the kind of a gateway frame. The numbering follows the
// Discord gateway convention; 4 and 5 are reserved for voice and are not
// handled by this server.
type Opcode int

const (
	OpcodeDispatch            Opcode = 0
	OpcodeHeartbeat           Opcode = 1
	OpcodeIdentify            Opcode = 2
	OpcodePresenceUpdate      Opcode = 3
	OpcodeVoiceState          Opcode = 4
	OpcodeResume              Opcode = 6
	OpcodeReconnect           Opcode = 7
	OpcodeRequestGuildMembers Opcode = 8
	OpcodeInvalidSession      Opcode = 9
	OpcodeHello               Opcode = 10
	OpcodeHeartbeatACK        Opcode = 11
)

// DispatchEvent is the event name carried in the `t` field of a Dispatch
// frame.
type DispatchEvent string

const (
	EventReady             DispatchEvent = "READY"
	EventResumed           DispatchEvent = "RESUMED"
	EventMessageCreate     DispatchEvent = "MESSAGE_CREATE"
	EventMessageUpdate     DispatchEvent = "MESSAGE_UPDATE"
	EventMessageDelete     DispatchEvent = "MESSAGE_DELETE"
	EventGuildCreate       DispatchEvent = "GUILD_CREATE"
	EventGuildUpdate       DispatchEvent = "GUILD_UPDATE"
	EventGuildDelete       DispatchEvent = "GUILD_DELETE"
	EventChannelCreate     DispatchEvent = "CHANNEL_CREATE"
	EventChannelUpdate     DispatchEvent = "CHANNEL_UPDATE"
	EventChannelDelete     DispatchEvent = "CHANNEL_DELETE"
	EventGuildMemberAdd    DispatchEvent = "GUILD_MEMBER_ADD"
	EventGuildMemberUpdate DispatchEvent = "GUILD_MEMBER_UPDATE"
	EventGuildMemberRemove DispatchEvent = "GUILD_MEMBER_REMOVE"
	EventPresenceUpdate    DispatchEvent = "PRESENCE_UPDATE"
	EventTypingStart       DispatchEvent = "TYPING_START"
	EventGuildMembersChunk DispatchEvent = "GUILD_MEMBERS_CHUNK"
)

// channelFiltered reports whether dispatch of this event must pass the
// per-channel can_view filter before delivery.
func channelFiltered(eventType DispatchEvent) bool {
	switch eventType {
	case EventMessageCreate, EventMessageUpdate, EventMessageDelete, EventTypingStart:
		return true
	default:
		return false
	}
}
