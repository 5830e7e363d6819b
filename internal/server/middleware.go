package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"smallsite/internal/models"
	"smallsite/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const (
	visitorCookie = "site_sid"
	visitorLocal  = "visitorID"
)

// ContextMiddleware copies the request id into the request context as the correlation id.
func ContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			ctx = observability.WithCorrelationID(ctx, rid)
		}
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// TracingMiddleware wraps each request in a server span tagged with the visitor.
func TracingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		span, ctx := observability.StartServerSpan(c.UserContext(), c.GetReqHeaders(), c.Method()+" "+c.Path(),
			attribute.String("http.method", c.Method()),
			attribute.String("http.path", c.Path()),
		)
		if id := span.TraceID(); id != "" {
			c.Set("X-Trace-ID", id)
		}
		c.SetUserContext(ctx)

		err := c.Next()

		status := c.Response().StatusCode()
		span.AddAttributes(attribute.Int("http.status_code", status))
		if id := observability.ExtractVisitorID(c.UserContext()); id != "" {
			span.AddAttributes(attribute.String("visitor.id", id))
		}
		spanErr := err
		if spanErr == nil && status >= fiber.StatusInternalServerError {
			spanErr = fmt.Errorf("request failed with status %d", status)
		}
		span.Finish(spanErr)
		return err
	}
}

// StructuredLogger logs each request through the global logger.
func StructuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		fields := []any{
			slog.Int("status", c.Response().StatusCode()),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
		}
		if err != nil {
			fields = append(fields, slog.String("error", err.Error()))
			observability.GlobalLogger.ErrorContext(c.UserContext(), "request failed", fields...)
		} else {
			observability.GlobalLogger.InfoContext(c.UserContext(), "request processed", fields...)
		}
		return err
	}
}

// VisitorMiddleware assigns each browser a stable visitor id kept in a cookie.
func (s *Server) VisitorMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// The id outlives the request as a registry key.
		id := utils.CopyString(c.Cookies(visitorCookie))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			c.Cookie(&fiber.Cookie{
				Name:     visitorCookie,
				Value:    id,
				Path:     "/",
				HTTPOnly: true,
				Secure:   s.config.CookieSecure,
				SameSite: fiber.CookieSameSiteLaxMode,
				MaxAge:   int((30 * 24 * time.Hour).Seconds()),
			})
		}
		c.Locals(visitorLocal, id)
		c.SetUserContext(observability.WithVisitorID(c.UserContext(), id))
		return c.Next()
	}
}

// ClientRequired answers 503 when no remote store is configured.
func (s *Server) ClientRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.visitors == nil {
			return models.RespondWithError(c, fiber.StatusServiceUnavailable,
				models.NewClientUnavailableError(s.clientErr))
		}
		return c.Next()
	}
}

// CheckRateLimit counts a hit for resource and id and reports whether it is within limit.
func CheckRateLimit(ctx context.Context, rdb *redis.Client, resource, id string, limit int, window time.Duration) (bool, error) {
	if rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	key := fmt.Sprintf("rl:%s:%s", resource, id)

	cnt, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if cnt == 1 {
		rdb.Expire(ctx, key, window)
	}
	return cnt <= int64(limit), nil
}

// RateLimit limits a route to limit requests per window for each visitor.
// Without Redis, or when Redis fails, requests pass.
func (s *Server) RateLimit(limit int, window time.Duration, resource string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !s.rateLimits || s.redis == nil {
			return c.Next()
		}
		id, _ := c.Locals(visitorLocal).(string)
		if id == "" {
			id = c.IP()
		}
		allowed, err := CheckRateLimit(c.UserContext(), s.redis, resource, id, limit, window)
		if err != nil {
			observability.GlobalLogger.WarnContext(c.UserContext(), "rate limit check failed",
				slog.String("resource", resource),
				slog.String("error", err.Error()),
			)
			return c.Next()
		}
		if !allowed {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}
		return c.Next()
	}
}
