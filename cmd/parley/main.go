package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/parley-chat/parley-server/internal/api"
	"github.com/parley-chat/parley-server/internal/auth"
	"github.com/parley-chat/parley-server/internal/channel"
	"github.com/parley-chat/parley-server/internal/clock"
	"github.com/parley-chat/parley-server/internal/config"
	"github.com/parley-chat/parley-server/internal/gateway"
	"github.com/parley-chat/parley-server/internal/guild"
	"github.com/parley-chat/parley-server/internal/httputil"
	"github.com/parley-chat/parley-server/internal/invite"
	"github.com/parley-chat/parley-server/internal/member"
	"github.com/parley-chat/parley-server/internal/message"
	"github.com/parley-chat/parley-server/internal/permission"
	"github.com/parley-chat/parley-server/internal/postgres"
	"github.com/parley-chat/parley-server/internal/presence"
	"github.com/parley-chat/parley-server/internal/role"
	"github.com/parley-chat/parley-server/internal/session"
	"github.com/parley-chat/parley-server/internal/snowflake"
	"github.com/parley-chat/parley-server/internal/token"
	"github.com/parley-chat/parley-server/internal/user"
	"github.com/parley-chat/parley-server/internal/valkey"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Parley Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	node, err := snowflake.NewNode(int64(cfg.SnowflakeWorker), int64(cfg.SnowflakeProcess))
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}

	// Repositories
	userRepo := user.NewPGRepository(db)
	guildRepo := guild.NewPGRepository(db)
	channelRepo := channel.NewPGRepository(db)
	messageRepo := message.NewPGRepository(db)
	memberRepo := member.NewPGRepository(db)
	roleRepo := role.NewPGRepository(db)
	inviteRepo := invite.NewPGRepository(db)
	sessionRepo := session.NewPGRepository(db, log.Logger)

	// Identity
	tokens, err := token.NewService(cfg.JWTSecret, cfg.ServerURL, cfg.JWTAccessTTL, cfg.JWTRefreshTTL)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}
	authService := auth.NewService(userRepo, sessionRepo, tokens, node, cfg, log.Logger)

	// Permission engine
	permStore := permission.NewPGStore(db)
	permCache := permission.NewValkeyCache(rdb, cfg.PermissionCacheTTL)
	permResolver := permission.NewResolver(permStore, permCache, log.Logger)
	permPublisher := permission.NewPublisher(rdb)

	// Permission cache invalidation subscriber with reconnection.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	permSub := permission.NewSubscriber(permCache, rdb, log.Logger)
	go func() {
		for {
			if err := permSub.Run(subCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("Permission cache subscriber stopped, restarting in 5s")
				select {
				case <-subCtx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			return
		}
	}()

	// Gateway
	presenceStore := presence.NewStore(rdb)
	sessionStore := gateway.NewSessionStore(rdb, cfg.GatewayResumeTTL, cfg.GatewayResumeBufferSize)
	gatewayPub := gateway.NewPublisher(rdb, log.Logger)
	hub := gateway.NewHub(rdb, cfg, clock.System{}, sessionStore, tokens, permResolver,
		userRepo, memberRepo, presenceStore, gatewayPub, log.Logger)
	go func() {
		if err := hub.Run(subCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Gateway hub stopped")
		}
	}()
	go hub.RunHeartbeatSupervisor(subCtx)

	// Expired refresh session sweeper
	sweeper := session.NewSweeper(sessionRepo, cfg.SessionCleanupInterval, log.Logger)
	go func() {
		if err := sweeper.Run(subCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Session sweeper stopped")
		}
	}()

	// Fiber app
	app := fiber.New(fiber.Config{
		AppName: cfg.ServerName,
		// Catches errors that escape handler-level mapping, such as Fiber's
		// built-in 404/405.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := httputil.CodeInternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				apiCode = statusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    apiCode,
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  []string{cfg.CORSAllowOrigins},
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	api.RegisterRoutes(app, api.Deps{
		Config:   cfg,
		DB:       db,
		Valkey:   rdb,
		Node:     node,
		Auth:     authService,
		Tokens:   tokens,
		Users:    userRepo,
		Guilds:   guildRepo,
		Channels: channelRepo,
		Messages: messageRepo,
		Members:  memberRepo,
		Roles:    roleRepo,
		Invites:  inviteRepo,
		Presence: presenceStore,
		Resolver: permResolver,
		PermPub:  permPublisher,
		Gateway:  gatewayPub,
		Hub:      hub,
		Log:      log.Logger,
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.Shutdown()
		subCancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// statusToCode maps an HTTP status from Fiber's built-in errors to the
// closest API error code.
func statusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.CodeValidationError
	case status == fiber.StatusUnauthorized:
		return httputil.CodeUnauthorized
	case status == fiber.StatusTooManyRequests:
		return httputil.CodeRateLimited
	case status >= 400 && status < 500:
		return httputil.CodeValidationError
	default:
		return httputil.CodeInternalError
	}
}
