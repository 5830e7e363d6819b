package devstack

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const minPasswordLength = 6

type credentials struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
	CreateUser   *bool  `json:"create_user"`
}

func (c *credentials) normalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(c.Email))
}

// redirectTarget returns the caller's redirect_to, or the site URL.
func (s *Server) redirectTarget(c *fiber.Ctx) string {
	if r := c.Query("redirect_to"); r != "" {
		return r
	}
	return s.opts.SiteURL
}

func linkFor(base, tokenHash, typ string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set("token_hash", tokenHash)
	q.Set("type", typ)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Server) findUser(tx *gorm.DB, email string) (*User, error) {
	var u User
	if err := tx.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Server) signup(c *fiber.Ctx) error {
	var body credentials
	if err := c.BodyParser(&body); err != nil {
		return authError(c, fiber.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
	}
	email := body.normalizedEmail()
	if email == "" || !strings.Contains(email, "@") {
		return authError(c, fiber.StatusBadRequest, "validation_failed", "Unable to validate email address: invalid format")
	}
	if len(body.Password) < minPasswordLength {
		return authError(c, fiber.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters.")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	var (
		sess    *sessionBody
		user    User
		link    string
		hashTok string
	)
	err = s.db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		if _, err := s.findUser(tx, email); err == nil {
			return errUserExists
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := s.opts.Now()
		user = User{ID: uuid.NewString(), Email: email, PasswordHash: string(hash), CreatedAt: now, UpdatedAt: now}
		if s.opts.AutoConfirm {
			user.ConfirmedAt = &now
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		if s.opts.AutoConfirm {
			sess, err = s.issueSession(tx, &user)
			return err
		}
		hashTok, err = s.newLinkToken(tx, &user, "signup")
		link = linkFor(s.redirectTarget(c), hashTok, "signup")
		return err
	})
	if errors.Is(err, errUserExists) {
		return authError(c, fiber.StatusUnprocessableEntity, "user_already_exists", "User already registered")
	}
	if err != nil {
		return err
	}
	if sess != nil {
		return c.JSON(sess)
	}
	s.send(Message{To: email, Type: "signup", TokenHash: hashTok, Link: link})
	return c.JSON(toUserBody(&user))
}

var errUserExists = errors.New("user exists")

func (s *Server) token(c *fiber.Ctx) error {
	var body credentials
	if err := c.BodyParser(&body); err != nil {
		return authError(c, fiber.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
	}
	switch c.Query("grant_type") {
	case "password":
		return s.passwordGrant(c, &body)
	case "refresh_token":
		return s.refreshGrant(c, &body)
	default:
		return authError(c, fiber.StatusBadRequest, "validation_failed", "unsupported_grant_type")
	}
}

func (s *Server) passwordGrant(c *fiber.Ctx, body *credentials) error {
	db := s.db.WithContext(c.UserContext())
	u, err := s.findUser(db, body.normalizedEmail())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return authError(c, fiber.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(body.Password)) != nil {
		return authError(c, fiber.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
	}
	if !u.confirmed() {
		return authError(c, fiber.StatusBadRequest, "email_not_confirmed", "Email not confirmed")
	}
	sess, err := s.issueSession(db, u)
	if err != nil {
		return err
	}
	return c.JSON(sess)
}

// refreshGrant rotates the refresh token: the presented one is revoked and a new one issued.
func (s *Server) refreshGrant(c *fiber.Ctx, body *credentials) error {
	if body.RefreshToken == "" {
		return authError(c, fiber.StatusBadRequest, "validation_failed", "Refresh Token is required")
	}
	var sess *sessionBody
	err := s.db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RefreshToken{}).
			Where("token = ? AND revoked = ?", body.RefreshToken, false).
			Update("revoked", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errInvalidRefresh
		}
		var rt RefreshToken
		if err := tx.First(&rt, "token = ?", body.RefreshToken).Error; err != nil {
			return err
		}
		var u User
		if err := tx.First(&u, "id = ?", rt.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errInvalidRefresh
			}
			return err
		}
		var err error
		sess, err = s.issueSession(tx, &u)
		return err
	})
	if errors.Is(err, errInvalidRefresh) {
		return authError(c, fiber.StatusBadRequest, "refresh_token_not_found", "Invalid Refresh Token: Refresh Token Not Found")
	}
	if err != nil {
		return err
	}
	return c.JSON(sess)
}

var errInvalidRefresh = errors.New("invalid refresh token")

// otp emails a magic link, creating the account first when allowed.
func (s *Server) otp(c *fiber.Ctx) error {
	var body credentials
	if err := c.BodyParser(&body); err != nil {
		return authError(c, fiber.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
	}
	email := body.normalizedEmail()
	if email == "" || !strings.Contains(email, "@") {
		return authError(c, fiber.StatusBadRequest, "validation_failed", "Unable to validate email address: invalid format")
	}
	create := body.CreateUser == nil || *body.CreateUser

	var hash string
	err := s.db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		u, err := s.findUser(tx, email)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound) && create:
			now := s.opts.Now()
			u = &User{ID: uuid.NewString(), Email: email, CreatedAt: now, UpdatedAt: now}
			if err := tx.Create(u).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			return errSignupsDisabled
		case err != nil:
			return err
		}
		hash, err = s.newLinkToken(tx, u, "magiclink")
		return err
	})
	if errors.Is(err, errSignupsDisabled) {
		return authError(c, fiber.StatusUnprocessableEntity, "otp_disabled", "Signups not allowed for otp")
	}
	if err != nil {
		return err
	}
	s.send(Message{To: email, Type: "magiclink", TokenHash: hash, Link: linkFor(s.redirectTarget(c), hash, "magiclink")})
	return c.JSON(fiber.Map{})
}

var errSignupsDisabled = errors.New("signups disabled")

// recoverPassword always answers 200 so callers cannot probe for accounts.
func (s *Server) recoverPassword(c *fiber.Ctx) error {
	var body credentials
	if err := c.BodyParser(&body); err != nil {
		return authError(c, fiber.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
	}
	email := body.normalizedEmail()
	db := s.db.WithContext(c.UserContext())
	u, err := s.findUser(db, email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.JSON(fiber.Map{})
	}
	if err != nil {
		return err
	}
	hash, err := s.newLinkToken(db, u, "recovery")
	if err != nil {
		return err
	}
	s.send(Message{To: email, Type: "recovery", TokenHash: hash, Link: linkFor(s.redirectTarget(c), hash, "recovery")})
	return c.JSON(fiber.Map{})
}

type verifyBody struct {
	TokenHash string `json:"token_hash"`
	Token     string `json:"token"`
	Type      string `json:"type"`
}

var errLinkInvalid = errors.New("link invalid or expired")

const linkInvalidMessage = "Email link is invalid or has expired"

// consumeLinkToken marks the token used, confirms the user and issues a session.
func (s *Server) consumeLinkToken(c *fiber.Ctx, hash, typ string) (*sessionBody, error) {
	var sess *sessionBody
	err := s.db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		var t OneTimeToken
		if err := tx.First(&t, "token_hash = ?", hash).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errLinkInvalid
			}
			return err
		}
		now := s.opts.Now()
		if t.UsedAt != nil || now.After(t.ExpiresAt) || !typeMatches(t.Type, typ) {
			return errLinkInvalid
		}
		if err := tx.Model(&t).Update("used_at", now).Error; err != nil {
			return err
		}
		var u User
		if err := tx.First(&u, "id = ?", t.UserID).Error; err != nil {
			return err
		}
		if !u.confirmed() {
			u.ConfirmedAt = &now
			if err := tx.Model(&u).Update("confirmed_at", now).Error; err != nil {
				return err
			}
		}
		var err error
		sess, err = s.issueSession(tx, &u)
		return err
	})
	return sess, err
}

// typeMatches treats "email" as accepting both magic-link and signup tokens.
func typeMatches(stored, requested string) bool {
	if requested == "" || requested == stored {
		return true
	}
	return requested == "email" && (stored == "magiclink" || stored == "signup")
}

func (s *Server) verifyPost(c *fiber.Ctx) error {
	var body verifyBody
	if err := c.BodyParser(&body); err != nil {
		return authError(c, fiber.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
	}
	hash := body.TokenHash
	if hash == "" {
		hash = body.Token
	}
	sess, err := s.consumeLinkToken(c, hash, body.Type)
	if errors.Is(err, errLinkInvalid) {
		return authError(c, fiber.StatusForbidden, "otp_expired", linkInvalidMessage)
	}
	if err != nil {
		return err
	}
	return c.JSON(sess)
}

// verifyRedirect completes an emailed link and redirects with the session in the fragment.
func (s *Server) verifyRedirect(c *fiber.Ctx) error {
	target := s.redirectTarget(c)
	hash := c.Query("token_hash", c.Query("token"))
	typ := c.Query("type")

	frag := url.Values{}
	sess, err := s.consumeLinkToken(c, hash, typ)
	switch {
	case errors.Is(err, errLinkInvalid):
		frag.Set("error", "access_denied")
		frag.Set("error_code", "otp_expired")
		frag.Set("error_description", linkInvalidMessage)
	case err != nil:
		return err
	default:
		frag.Set("access_token", sess.AccessToken)
		frag.Set("refresh_token", sess.RefreshToken)
		frag.Set("token_type", sess.TokenType)
		frag.Set("expires_in", strconv.FormatInt(sess.ExpiresIn, 10))
		frag.Set("expires_at", strconv.FormatInt(sess.ExpiresAt, 10))
		frag.Set("type", typ)
	}
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	return c.Redirect(target+"#"+frag.Encode(), fiber.StatusSeeOther)
}

// logout revokes every refresh token of the caller.
func (s *Server) logout(c *fiber.Ctx) error {
	who := callerFrom(c)
	err := s.db.WithContext(c.UserContext()).
		Model(&RefreshToken{}).
		Where("user_id = ? AND revoked = ?", who.UserID, false).
		Update("revoked", true).Error
	if err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getUser(c *fiber.Ctx) error {
	var u User
	err := s.db.WithContext(c.UserContext()).First(&u, "id = ?", callerFrom(c).UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return authError(c, fiber.StatusNotFound, "user_not_found", "User not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(toUserBody(&u))
}

func (s *Server) updateUser(c *fiber.Ctx) error {
	var body credentials
	if err := c.BodyParser(&body); err != nil {
		return authError(c, fiber.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
	}
	db := s.db.WithContext(c.UserContext())
	var u User
	if err := db.First(&u, "id = ?", callerFrom(c).UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return authError(c, fiber.StatusNotFound, "user_not_found", "User not found")
		}
		return err
	}
	if body.Password != "" {
		if len(body.Password) < minPasswordLength {
			return authError(c, fiber.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters.")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		u.PasswordHash = string(hash)
		u.UpdatedAt = s.opts.Now()
		if err := db.Model(&u).Updates(map[string]any{"password_hash": u.PasswordHash, "updated_at": u.UpdatedAt}).Error; err != nil {
			return err
		}
	}
	return c.JSON(toUserBody(&u))
}
