// Package server serves the site: visitor sessions, the feed and writes, over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"smallsite/internal/config"
	"smallsite/internal/observability"
	"smallsite/internal/remote"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
)

const sweepInterval = time.Minute

var (
	promOnce       sync.Once
	promMiddleware *fiberprometheus.FiberPrometheus
)

// initMetrics registers the HTTP metrics collectors once per process.
func initMetrics(service string) *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		promMiddleware = fiberprometheus.New(service)
	})
	return promMiddleware
}

// Server holds the visitor registry and its dependencies.
type Server struct {
	config         *config.Config
	redis          *redis.Client
	visitors       *Registry
	clientErr      error
	rateLimits     bool
	promMiddleware *fiberprometheus.FiberPrometheus

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// NewServer connects to Redis when configured and builds the remote client.
// A missing remote configuration is not an error: the site starts with data features disabled.
func NewServer(cfg *config.Config) (*Server, error) {
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
		client, err := remote.ConnectRedis(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			observability.GlobalLogger.Warn("redis unavailable, keeping sessions in memory",
				slog.String("error", err.Error()),
			)
		} else {
			rdb = client
		}
	}

	client, err := remote.New(remote.Options{
		URL:           cfg.SupabaseURL,
		APIKey:        cfg.SupabaseAnonKey,
		Timeout:       cfg.RequestTimeout(),
		RefreshMargin: cfg.RefreshMargin(),
	})
	if err != nil {
		if !errors.Is(err, remote.ErrNotConfigured) {
			return nil, err
		}
		observability.GlobalLogger.Warn("remote store not configured, data features disabled")
		s := NewServerWithDeps(cfg, rdb, nil)
		s.clientErr = err
		return s, nil
	}

	var storage remote.SessionStorage = remote.NewMemoryStorage()
	if rdb != nil {
		storage = remote.NewRedisStorage(rdb, "smallsite:session", 30*24*time.Hour)
	}
	return NewServerWithDeps(cfg, rdb, RemoteVisitorFactory(client, storage, cfg.SessionStorageKey)), nil
}

// NewServerWithDeps builds a Server from already-initialized dependencies.
// A nil factory means no remote store is available.
func NewServerWithDeps(cfg *config.Config, rdb *redis.Client, factory VisitorFactory) *Server {
	s := &Server{
		config:         cfg,
		redis:          rdb,
		rateLimits:     cfg.IsProduction(),
		promMiddleware: initMetrics("smallsite"),
	}
	if factory == nil {
		s.clientErr = remote.ErrNotConfigured
		return s
	}
	s.visitors = NewRegistry(factory, cfg.VisitorIdle(), cfg.RequestTimeout())

	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		s.visitors.Run(ctx, sweepInterval)
	}()
	return s
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(ContextMiddleware())
	app.Use(TracingMiddleware())
	if s.promMiddleware != nil {
		app.Use(s.promMiddleware.Middleware)
	}
	app.Use(StructuredLogger())

	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:3000,http://127.0.0.1:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || !s.rateLimits
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health", s.HealthCheck)
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api", s.VisitorMiddleware())
	api.Get("/session", s.GetSession)

	// Everything below needs the remote store.
	client := api.Group("", s.ClientRequired())

	auth := client.Group("/auth")
	auth.Post("/password", s.RateLimit(10, 5*time.Minute, "password"), s.SignInWithPassword)
	auth.Post("/magic-link", s.RateLimit(3, 10*time.Minute, "magic_link"), s.SendMagicLink)
	auth.Post("/signup", s.RateLimit(3, 10*time.Minute, "signup"), s.SignUp)
	auth.Post("/signout", s.SignOut)
	auth.Post("/reset", s.RateLimit(3, 10*time.Minute, "reset"), s.ResetPassword)

	client.Get("/feed", s.GetFeed)
	client.Post("/posts", s.CreatePost)
	client.Put("/profile", s.SaveProfile)
	client.Get("/favorites", s.GetFavorites)
	client.Post("/favorites", s.AddFavorite)
	client.Delete("/favorites/:id", s.DeleteFavorite)

	app.Get("/auth/confirm", s.VisitorMiddleware(), s.ClientRequired(), s.ConfirmEmailLink)
}

// HealthCheck reports liveness and whether the remote store and Redis are usable.
func (s *Server) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	redisStatus := "unavailable"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}
	remoteStatus := "unavailable"
	visitors := 0
	if s.visitors != nil {
		remoteStatus = "configured"
		visitors = s.visitors.Len()
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"checks": fiber.Map{
			"remote": remoteStatus,
			"redis":  redisStatus,
		},
		"visitors": visitors,
		"time":     time.Now(),
	})
}

// Shutdown stops the sweeper and releases visitors and Redis.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopSweep != nil {
		s.stopSweep()
		select {
		case <-s.sweepDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.visitors != nil {
		s.visitors.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
