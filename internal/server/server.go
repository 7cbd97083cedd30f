package server

import (
	"context"

	"backend-runwith/internal/auth"
	"backend-runwith/internal/config"
	"backend-runwith/internal/db"
	"backend-runwith/internal/history"
	"backend-runwith/internal/logging"
	"backend-runwith/internal/presence"
	"backend-runwith/internal/profile"
	"backend-runwith/internal/stream"
	"backend-runwith/internal/tracking"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"
)

type Server struct {
	App        *fiber.App
	Cfg        config.Config
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Stream     *stream.Hub
	Presence   *presence.Sync
	Publisher  *presence.Publisher
	Tracking   *tracking.Service
	Supervisor *suture.Supervisor

	querier  db.Querier
	profiles *profile.Service
}

// NewServer wires the services. Without Redis the presence store is kept in
// memory; without Postgres history and profiles are not mounted and every
// runner counts as visible.
func NewServer(cfg config.Config, pg *pgxpool.Pool, redisClient *redis.Client) *Server {
	app := fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     pg,
		Redis:  redisClient,
		Stream: stream.NewHub(),
	}

	var store presence.Store
	var feed presence.Feed
	if redisClient != nil {
		rs := presence.NewRedisStore(redisClient, cfg.PresenceStaleAfter)
		store, feed = rs, rs
	} else {
		logging.Warn().Msg("redis not configured, presence is local to this instance")
		ms := presence.NewMemoryStore(cfg.PresenceStaleAfter)
		store, feed = ms, ms
	}

	var visibility presence.VisibilityResolver = presence.AllVisible{}
	if pg != nil {
		s.querier = pg
		s.profiles = profile.NewService(pg)
		visibility = s.profiles
	} else {
		logging.Warn().Msg("postgres not configured, history and profiles disabled")
	}

	s.Publisher = presence.NewPublisher(store, presence.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
	})
	s.Presence = presence.NewSync(store, feed, visibility)
	s.Presence.OnChange(func() { s.Stream.PushPresence(s.Presence) })

	s.Tracking = tracking.NewService(s.Publisher, s.Presence, history.NewFinalizer(s.querier, s.Publisher), tracking.Options{
		TickInterval:    cfg.TickInterval,
		SampleTimeout:   cfg.SampleTimeout,
		PresenceRefresh: cfg.PresenceRefresh,
	})

	s.Supervisor = newSupervisor()
	s.Supervisor.Add(s.Publisher)
	s.Supervisor.Add(s.Presence)

	registerRoutes(s)
	return s
}

// Shutdown cancels live runs and stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Tracking.Shutdown(ctx)
	return s.App.ShutdownWithContext(ctx)
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	tracking.RegisterRoutes(s.App.Group("/runs"), s.Tracking, jwtMiddleware)
	tracking.RegisterPresenceRoutes(s.App.Group("/presence"), s.Presence, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, s.Presence, jwtMiddleware)
	if s.querier != nil {
		history.RegisterRoutes(s.App.Group("/history"), history.NewService(s.querier), jwtMiddleware)
		profile.RegisterRoutes(s.App.Group("/profiles"), s.profiles, jwtMiddleware, s.Presence.Resync)
	}
}
