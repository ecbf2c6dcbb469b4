// Package permission implements the permission-evaluation engine: a 64-bit
// bitfield model with 41 defined bits, guild-level base permissions, channel
// overwrites, and role-hierarchy checks.
package permission

// Permission is a 64-bit permission bitfield.
type Permission int64

// Permission bits, in wire-stable order. The bit positions are part of the
// public API: integers stored in the database and sent to clients rely on
// this exact assignment.
const (
	CreateInstantInvite Permission = 1 << iota
	KickMembers
	BanMembers
	Administrator
	ManageChannels
	ManageGuild
	AddReactions
	ViewAuditLog
	PrioritySpeaker
	Stream
	ViewChannel
	SendMessages
	SendTTSMessages
	ManageMessages
	EmbedLinks
	AttachFiles
	ReadMessageHistory
	MentionEveryone
	UseExternalEmojis
	ViewGuildInsights
	Connect
	Speak
	MuteMembers
	DeafenMembers
	MoveMembers
	UseVAD
	ChangeNickname
	ManageNicknames
	ManageRoles
	ManageWebhooks
	ManageEmojisAndStickers
	UseApplicationCommands
	RequestToSpeak
	ManageEvents
	ManageThreads
	CreatePublicThreads
	CreatePrivateThreads
	UseExternalStickers
	SendMessagesInThreads
	UseEmbeddedActivities
	ModerateMembers
)

// All is every defined permission bit set: (1 << 41) - 1.
const All Permission = 1<<41 - 1

// Has reports whether every bit of p is set. Administrator acts as a
// wildcard.
func (perm Permission) Has(p Permission) bool {
	if perm&Administrator != 0 {
		return true
	}
	return perm&p == p
}

// HasRaw reports whether every bit of p is literally set, without the
// Administrator wildcard. Used internally by the overwrite algorithm.
func (perm Permission) HasRaw(p Permission) bool {
	return perm&p == p
}

// Add returns perm with all bits of p set.
func (perm Permission) Add(p Permission) Permission {
	return perm | p
}

// Remove returns perm with all bits of p cleared.
func (perm Permission) Remove(p Permission) Permission {
	return perm &^ p
}

// ApplyOverwrite applies an (allow, deny) pair: deny is cleared first, then
// allow is set, so allow wins when both name the same bit.
func (perm Permission) ApplyOverwrite(allow, deny Permission) Permission {
	return perm&^deny | allow
}

// Entry is a computed permission result together with the derived flags the
// dispatch filter and moderation surfaces consult most often.
type Entry struct {
	Permissions Permission `json:"permissions"`
	CanView     bool       `json:"can_view"`
	CanSend     bool       `json:"can_send"`
	CanManage   bool       `json:"can_manage"`
}

// NewEntry derives the flag set from a raw bitfield.
func NewEntry(p Permission) Entry {
	return Entry{
		Permissions: p,
		CanView:     p.Has(ViewChannel),
		CanSend:     p.Has(SendMessages),
		CanManage:   p.Has(ManageChannels),
	}
}
