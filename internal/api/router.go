package api

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/auth"
	"github.com/parley-chat/parley-server/internal/channel"
	"github.com/parley-chat/parley-server/internal/config"
	"github.com/parley-chat/parley-server/internal/gateway"
	"github.com/parley-chat/parley-server/internal/guild"
	"github.com/parley-chat/parley-server/internal/invite"
	"github.com/parley-chat/parley-server/internal/member"
	"github.com/parley-chat/parley-server/internal/message"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/presence"
	"github.com/parley-chat/parley-server/internal/role"
	"github.com/parley-chat/parley-server/internal/snowflake"
	"github.com/parley-chat/parley-server/internal/token"
	"github.com/parley-chat/parley-server/internal/user"
)

// Deps bundles everything the route tree needs. main assembles it once; the
// handlers own nothing but references.
type Deps struct {
	Config   *config.Config
	DB       *pgxpool.Pool
	Valkey   *redis.Client
	Node     *snowflake.Node
	Auth     *auth.Service
	Tokens   *token.Service
	Users    user.Repository
	Guilds   guild.Repository
	Channels channel.Repository
	Messages message.Repository
	Members  member.Repository
	Roles    role.Repository
	Invites  invite.Repository
	Presence *presence.Store
	Resolver *permission.Resolver
	PermPub  *permission.Publisher
	Gateway  *gateway.Publisher
	Hub      *gateway.Hub
	Log      zerolog.Logger
}

// RegisterRoutes mounts the full API surface under /api/v1.
func RegisterRoutes(app *fiber.App, d Deps) {
	health := NewHealthHandler(d.DB, d.Valkey)
	app.Get("/api/v1/health", health.Health)

	authHandler := NewAuthHandler(d.Auth, d.Log)

	// Credential endpoints get a stricter limiter than the global one.
	authGroup := app.Group("/api/v1/auth")
	authGroup.Use(limiter.New(limiter.Config{
		Max:        d.Config.RateLimitAuthCount,
		Expiration: time.Duration(d.Config.RateLimitAuthWindowSeconds) * time.Second,
	}))
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/refresh", authHandler.Refresh)
	authGroup.Post("/logout", authHandler.Logout)
	authGroup.Post("/logout-all", auth.RequireAuth(d.Tokens), authHandler.LogoutAll)

	// The gateway authenticates after the WebSocket upgrade via Identify.
	gatewayHandler := NewGatewayHandler(d.Hub)
	app.Get("/api/v1/gateway", gatewayHandler.Upgrade)

	registry := d.Hub.Registry()
	userHandler := NewUserHandler(d.Users, d.Log)
	guildHandler := NewGuildHandler(d.Guilds, d.Members, d.Resolver, d.Node, d.Gateway, d.PermPub, registry, d.Log)
	channelHandler := NewChannelHandler(d.Channels, d.Resolver, d.Node, d.Gateway, d.PermPub, d.Log)
	messageHandler := NewMessageHandler(d.Messages, d.Channels, d.Resolver, d.Node, d.Gateway, d.Config.MaxMessageLength, d.Log)
	memberHandler := NewMemberHandler(d.Members, d.Invites, d.Guilds, d.Roles, d.Resolver, d.PermPub, d.Gateway, registry, d.Log)
	roleHandler := NewRoleHandler(d.Roles, d.Resolver, d.Node, d.Gateway, d.PermPub, d.Log)
	inviteHandler := NewInviteHandler(d.Invites, d.Channels, d.Resolver, d.Log)
	typingHandler := NewTypingHandler(d.Presence, d.Channels, d.Resolver, d.Gateway, d.Log)

	v1 := app.Group("/api/v1", auth.RequireAuth(d.Tokens))

	v1.Get("/users/@me", userHandler.GetMe)
	v1.Patch("/users/@me", userHandler.UpdateMe)
	v1.Get("/users/@me/guilds", guildHandler.ListMyGuilds)
	v1.Get("/users/:userID", userHandler.GetUser)

	v1.Post("/guilds", guildHandler.CreateGuild)
	v1.Get("/guilds/:guildID", guildHandler.GetGuild)
	v1.Patch("/guilds/:guildID", guildHandler.UpdateGuild)
	v1.Delete("/guilds/:guildID", guildHandler.DeleteGuild)

	v1.Get("/guilds/:guildID/channels", channelHandler.ListChannels)
	v1.Post("/guilds/:guildID/channels", channelHandler.CreateChannel)

	v1.Get("/guilds/:guildID/members", memberHandler.ListMembers)
	v1.Patch("/guilds/:guildID/members/@me", memberHandler.UpdateSelf)
	v1.Delete("/guilds/:guildID/members/@me", memberHandler.Leave)
	v1.Patch("/guilds/:guildID/members/:userID", memberHandler.UpdateMember)
	v1.Delete("/guilds/:guildID/members/:userID", memberHandler.Kick)
	v1.Put("/guilds/:guildID/members/:userID/roles/:roleID", memberHandler.AddRole)
	v1.Delete("/guilds/:guildID/members/:userID/roles/:roleID", memberHandler.RemoveRole)

	v1.Get("/guilds/:guildID/roles", roleHandler.ListRoles)
	v1.Post("/guilds/:guildID/roles", roleHandler.CreateRole)
	v1.Patch("/guilds/:guildID/roles/:roleID", roleHandler.UpdateRole)
	v1.Delete("/guilds/:guildID/roles/:roleID", roleHandler.DeleteRole)

	v1.Get("/guilds/:guildID/invites", inviteHandler.ListInvites)

	v1.Get("/channels/:channelID", channelHandler.GetChannel)
	v1.Patch("/channels/:channelID", channelHandler.UpdateChannel)
	v1.Delete("/channels/:channelID", channelHandler.DeleteChannel)
	v1.Put("/channels/:channelID/permissions/:targetID", channelHandler.PutOverwrite)
	v1.Delete("/channels/:channelID/permissions/:targetID", channelHandler.DeleteOverwrite)

	v1.Get("/channels/:channelID/messages", messageHandler.ListMessages)
	v1.Post("/channels/:channelID/messages", messageHandler.CreateMessage)
	v1.Patch("/channels/:channelID/messages/:messageID", messageHandler.EditMessage)
	v1.Delete("/channels/:channelID/messages/:messageID", messageHandler.DeleteMessage)

	v1.Post("/channels/:channelID/typing", typingHandler.StartTyping)
	v1.Delete("/channels/:channelID/typing", typingHandler.StopTyping)
	v1.Post("/channels/:channelID/invites", inviteHandler.CreateInvite)

	v1.Get("/invites/:code", inviteHandler.GetInvite)
	v1.Delete("/invites/:code", inviteHandler.DeleteInvite)
	v1.Post("/invites/:code/join", memberHandler.Join)
}
