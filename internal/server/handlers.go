package server

import (
	"errors"
	"net/http"
	"strings"

	"smallsite/internal/binder"
	"smallsite/internal/models"
	"smallsite/internal/remote"

	"github.com/gofiber/fiber/v2"
)

// visitor returns the caller's client state once its initial session is resolved.
func (s *Server) visitor(c *fiber.Ctx) (*Visitor, error) {
	id, _ := c.Locals(visitorLocal).(string)
	v := s.visitors.Get(c.UserContext(), id)
	select {
	case <-v.Store.Ready():
		return v, nil
	case <-c.UserContext().Done():
		return nil, models.NewInternalError(c.UserContext().Err())
	}
}

// respondError answers with the status mapped from err's code.
func respondError(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, models.StatusFor(err), err)
}

// authFailure maps an auth service rejection to an AppError.
func authFailure(action string, err error) error {
	if errors.Is(err, remote.ErrNoSession) {
		return models.NewUnauthenticatedError(action)
	}
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusUnprocessableEntity:
			return models.NewValidationError(apiErr.Message)
		case apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests:
			return &models.AppError{Code: models.CodeUnauthenticated, Message: apiErr.Message, Err: err}
		}
	}
	return models.NewRemoteError(action, err)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *credentialsRequest) validate(needPassword bool) error {
	r.Email = strings.TrimSpace(r.Email)
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		return models.NewValidationError("a valid email is required")
	}
	if needPassword && r.Password == "" {
		return models.NewValidationError("password is required")
	}
	return nil
}

func parseCredentials(c *fiber.Ctx, needPassword bool) (*credentialsRequest, error) {
	var req credentialsRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, models.NewValidationError("Invalid request body")
	}
	if err := req.validate(needPassword); err != nil {
		return nil, err
	}
	return &req, nil
}

// GetSession handles GET /api/session
func (s *Server) GetSession(c *fiber.Ctx) error {
	if s.visitors == nil {
		return c.JSON(fiber.Map{"available": false, "identity": nil})
	}
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"available": true, "identity": v.Identity()})
}

// SignInWithPassword handles POST /api/auth/password
func (s *Server) SignInWithPassword(c *fiber.Ctx) error {
	req, err := parseCredentials(c, true)
	if err != nil {
		return respondError(c, err)
	}
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	sess, err := v.Auth.SignInWithPassword(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return respondError(c, authFailure("sign in", err))
	}
	return c.JSON(fiber.Map{"identity": sess.Identity()})
}

// SendMagicLink handles POST /api/auth/magic-link
func (s *Server) SendMagicLink(c *fiber.Ctx) error {
	req, err := parseCredentials(c, false)
	if err != nil {
		return respondError(c, err)
	}
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := v.Auth.SignInWithOTP(c.UserContext(), req.Email, s.config.MagicLinkRedirect()); err != nil {
		return respondError(c, authFailure("send magic link", err))
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"sent": true})
}

// SignUp handles POST /api/auth/signup
func (s *Server) SignUp(c *fiber.Ctx) error {
	req, err := parseCredentials(c, true)
	if err != nil {
		return respondError(c, err)
	}
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	sess, err := v.Auth.SignUp(c.UserContext(), req.Email, req.Password, s.config.MagicLinkRedirect())
	if err != nil {
		return respondError(c, authFailure("sign up", err))
	}
	if sess == nil {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"confirmation_sent": true})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"identity": sess.Identity()})
}

// SignOut handles POST /api/auth/signout
func (s *Server) SignOut(c *fiber.Ctx) error {
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := v.Auth.SignOut(c.UserContext()); err != nil {
		return respondError(c, models.NewRemoteError("sign out", err))
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ResetPassword handles POST /api/auth/reset
func (s *Server) ResetPassword(c *fiber.Ctx) error {
	req, err := parseCredentials(c, false)
	if err != nil {
		return respondError(c, err)
	}
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := v.Auth.ResetPasswordForEmail(c.UserContext(), req.Email, s.config.MagicLinkRedirect()); err != nil {
		return respondError(c, authFailure("reset password", err))
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"sent": true})
}

// ConfirmEmailLink handles GET /auth/confirm, the landing page of emailed links.
func (s *Server) ConfirmEmailLink(c *fiber.Ctx) error {
	hash := c.Query("token_hash")
	if hash == "" {
		return respondError(c, models.NewValidationError("token_hash is required"))
	}
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	if _, err := v.Auth.VerifyOTP(c.UserContext(), hash, c.Query("type", "magiclink")); err != nil {
		return respondError(c, authFailure("confirm email link", err))
	}
	next := c.Query("next", "/")
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		next = "/"
	}
	return c.Redirect(next, fiber.StatusSeeOther)
}

// GetFeed handles GET /api/feed
func (s *Server) GetFeed(c *fiber.Ctx) error {
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	if v.Identity() == nil {
		return respondError(c, models.NewUnauthenticatedError("view the feed"))
	}
	snap := v.Binder.Snapshot()
	if snap.Loading || snap.Generation == 0 || c.QueryBool("refresh") {
		if err := v.Binder.Reload(c.UserContext()); err != nil && models.ErrorCode(err) == models.CodeUnauthenticated {
			return respondError(c, err)
		}
		snap = v.Binder.Snapshot()
	}
	return c.JSON(feedResponse(snap))
}

type feedPost struct {
	models.FeedPost
	Author string `json:"author"`
}

func feedResponse(snap binder.Snapshot) fiber.Map {
	posts := make([]feedPost, len(snap.Posts))
	for i, p := range snap.Posts {
		posts[i] = feedPost{FeedPost: p, Author: p.Name()}
	}
	return fiber.Map{
		"identity":   snap.Identity,
		"posts":      posts,
		"profile":    snap.Profile,
		"favorites":  snap.Favorites,
		"loading":    snap.Loading,
		"error":      snap.Error,
		"error_code": snap.ErrorCode,
	}
}

// CreatePost handles POST /api/posts
func (s *Server) CreatePost(c *fiber.Ctx) error {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	post, err := v.Gateway.CreatePost(c.UserContext(), v.Identity(), req.Content)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"post": post,
		"view": feedResponse(v.Binder.Snapshot()),
	})
}

// SaveProfile handles PUT /api/profile
func (s *Server) SaveProfile(c *fiber.Ctx) error {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	profile, err := v.Gateway.SaveDisplayName(c.UserContext(), v.Identity(), req.DisplayName)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"profile": profile})
}

// GetFavorites handles GET /api/favorites
func (s *Server) GetFavorites(c *fiber.Ctx) error {
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	favs, err := v.Feed.LoadFavorites(c.UserContext(), v.Identity())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"favorites": favs})
}

// AddFavorite handles POST /api/favorites
func (s *Server) AddFavorite(c *fiber.Ctx) error {
	var req struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	fav, err := v.Gateway.AddFavorite(c.UserContext(), v.Identity(), req.Title, req.URL)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"favorite": fav})
}

// DeleteFavorite handles DELETE /api/favorites/:id
func (s *Server) DeleteFavorite(c *fiber.Ctx) error {
	v, err := s.visitor(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := v.Gateway.DeleteFavorite(c.UserContext(), v.Identity(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
