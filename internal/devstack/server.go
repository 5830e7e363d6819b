// Package devstack is a local stand-in for the hosted auth and table services.
// It implements the subset of their HTTP API the site uses, with row ownership
// rules enforced the way the hosted policies enforce them.
package devstack

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"smallsite/internal/models"
	"smallsite/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"gorm.io/gorm"
)

// Options configures a Server.
type Options struct {
	APIKey    string
	JWTSecret string
	// SiteURL is the default redirect for emailed links.
	SiteURL string
	// AutoConfirm signs new accounts in immediately instead of emailing a confirmation link.
	AutoConfirm bool
	TokenTTL    time.Duration
	LinkTTL     time.Duration
	Now         func() time.Time
}

// Message is an email the auth service would have sent.
type Message struct {
	To        string
	Type      string
	TokenHash string
	Link      string
	SentAt    time.Time
}

// Server serves the local backend.
type Server struct {
	db   *gorm.DB
	opts Options
	app  *fiber.App

	tableSet map[models.EntityKind]restTable

	outboxMu sync.Mutex
	outbox   []Message
}

func New(db *gorm.DB, opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{db: db, opts: opts}
	s.tableSet = s.tables()
	s.app = fiber.New(fiber.Config{
		AppName:      "smallsite devstack",
		ErrorHandler: s.errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "apikey, authorization, content-type, prefer",
	}))
	s.app.Use(requestLogger)
	s.routes()
	return s
}

// App exposes the fiber app, for tests and embedding.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Outbox returns the emails sent so far.
func (s *Server) Outbox() []Message {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	return append([]Message(nil), s.outbox...)
}

func (s *Server) send(m Message) {
	m.SentAt = s.opts.Now()
	s.outboxMu.Lock()
	s.outbox = append(s.outbox, m)
	s.outboxMu.Unlock()
	observability.GlobalLogger.Info("devstack email",
		slog.String("to", m.To),
		slog.String("type", m.Type),
		slog.String("link", m.Link),
	)
}

func (s *Server) routes() {
	auth := s.app.Group("/auth/v1", s.requireAPIKey)
	auth.Post("/signup", s.signup)
	auth.Post("/token", s.token)
	auth.Post("/otp", s.otp)
	auth.Post("/verify", s.verifyPost)
	auth.Get("/verify", s.verifyRedirect)
	auth.Post("/recover", s.recoverPassword)
	auth.Post("/logout", s.requireUser, s.logout)
	auth.Get("/user", s.requireUser, s.getUser)
	auth.Put("/user", s.requireUser, s.updateUser)

	rest := s.app.Group("/rest/v1", s.requireAPIKey, s.resolveCaller)
	rest.Get("/:table", s.selectRows)
	rest.Post("/:table", s.insertRows)
	rest.Delete("/:table", s.deleteRows)

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"message": err.Error()})
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	observability.GlobalLogger.Debug("devstack request",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.Int("status", c.Response().StatusCode()),
		slog.Duration("latency", time.Since(start)),
	)
	return err
}

// authError writes the auth service's error shape.
func authError(c *fiber.Ctx, status int, code, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"code":       status,
		"error_code": code,
		"msg":        msg,
	})
}

// restError writes the table service's error shape.
func restError(c *fiber.Ctx, status int, code, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"code":    code,
		"message": msg,
		"details": nil,
		"hint":    nil,
	})
}

func (s *Server) requireAPIKey(c *fiber.Ctx) error {
	if c.Get("apikey") != s.opts.APIKey {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"message": "Invalid API key",
			"hint":    "Double check your apikey header.",
		})
	}
	return c.Next()
}

func bearer(c *fiber.Ctx) string {
	h := c.Get(fiber.HeaderAuthorization)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type caller struct {
	UserID string
	Email  string
}

func (c caller) anonymous() bool { return c.UserID == "" }

const callerKey = "devstack.caller"

// resolveCaller accepts the public key as an anonymous caller or a valid access token as a user.
func (s *Server) resolveCaller(c *fiber.Ctx) error {
	tok := bearer(c)
	if tok == "" || tok == s.opts.APIKey {
		c.Locals(callerKey, caller{})
		return c.Next()
	}
	claims, err := s.verifyAccessToken(tok)
	if err != nil {
		return restError(c, fiber.StatusUnauthorized, "PGRST301", "JWT "+err.Error())
	}
	c.Locals(callerKey, caller{UserID: claims.Subject, Email: claims.Email})
	return c.Next()
}

func (s *Server) requireUser(c *fiber.Ctx) error {
	claims, err := s.verifyAccessToken(bearer(c))
	if err != nil {
		return authError(c, fiber.StatusUnauthorized, "bad_jwt", "invalid JWT: "+err.Error())
	}
	c.Locals(callerKey, caller{UserID: claims.Subject, Email: claims.Email})
	return c.Next()
}

func callerFrom(c *fiber.Ctx) caller {
	if v, ok := c.Locals(callerKey).(caller); ok {
		return v
	}
	return caller{}
}

// tableFor maps a URL segment to a known table.
func tableFor(name string) (models.EntityKind, bool) {
	switch k := models.EntityKind(name); k {
	case models.KindPosts, models.KindProfiles, models.KindFavorites:
		return k, true
	}
	return "", false
}
