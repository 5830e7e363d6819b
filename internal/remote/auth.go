package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"smallsite/internal/models"
	"smallsite/internal/observability"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoSession is returned by operations that need a signed-in user.
	ErrNoSession = errors.New("no active session")
	// ErrSessionChanged is returned by RefreshSession when another transition
	// replaced the session while the refresh was in flight. The refresh result is dropped.
	ErrSessionChanged = errors.New("session changed during refresh")
)

// Auth holds one user's session against the remote auth service.
// Listeners registered with OnAuthStateChange are called in transition order.
type Auth struct {
	client  *Client
	storage SessionStorage
	key     string

	mu      sync.RWMutex
	session *models.Session
	loaded  bool
	// loadFailed records that listeners may have been told "no session"
	// because storage could not be read.
	loadFailed bool
	// epoch counts transitions; async results carry the epoch they started from.
	epoch uint64

	// transitionMu serializes state changes with their delivery.
	transitionMu sync.Mutex
	listenMu     sync.RWMutex
	listeners    map[uint64]func(models.AuthEvent, *models.Session)
	nextID       uint64

	refresh singleflight.Group
}

// NewAuth binds a session store to the shared transport. A nil storage keeps the
// session in memory only.
func (c *Client) NewAuth(storage SessionStorage, key string) *Auth {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &Auth{
		client:    c,
		storage:   storage,
		key:       key,
		listeners: make(map[uint64]func(models.AuthEvent, *models.Session)),
	}
}

// OnAuthStateChange registers fn for every later transition and returns its
// unsubscribe handle. fn must not call Auth methods that change the session.
func (a *Auth) OnAuthStateChange(fn func(event models.AuthEvent, s *models.Session)) (unsubscribe func()) {
	a.listenMu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.listenMu.Lock()
			delete(a.listeners, id)
			a.listenMu.Unlock()
		})
	}
}

// Session returns the held session without touching storage or the network.
func (a *Auth) Session() *models.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil
	}
	s := *a.session
	return &s
}

// current returns a copy of the held session and the transition epoch it belongs to.
func (a *Auth) current() (*models.Session, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil, a.epoch
	}
	s := *a.session
	return &s, a.epoch
}

// AccessToken returns a valid access token, refreshing it if needed, or "" when
// the caller should fall back to the public key.
func (a *Auth) AccessToken(ctx context.Context) string {
	s, err := a.GetSession(ctx)
	if err != nil || s == nil {
		return ""
	}
	return s.AccessToken
}

// GetSession returns the current session, loading it from storage on first use
// and refreshing it when it is about to expire. (nil, nil) means signed out.
func (a *Auth) GetSession(ctx context.Context) (*models.Session, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s, epoch := a.current()
	if s == nil {
		return nil, nil
	}
	if !s.Expired(a.client.now(), a.client.margin) {
		return s, nil
	}
	if s.RefreshToken == "" {
		a.transitionIf(ctx, epoch, nil, models.AuthSignedOut)
		return a.Session(), nil
	}
	refreshed, err := a.RefreshSession(ctx)
	if errors.Is(err, ErrSessionChanged) {
		return a.Session(), nil
	}
	return refreshed, err
}

func (a *Auth) ensureLoaded(ctx context.Context) error {
	a.mu.RLock()
	loaded := a.loaded
	a.mu.RUnlock()
	if loaded {
		return nil
	}

	stored, err := a.storage.Load(ctx, a.key)
	if err != nil {
		a.mu.Lock()
		a.loadFailed = true
		a.mu.Unlock()
		return fmt.Errorf("load stored session: %w", err)
	}
	if stored != nil && stored.AccessToken == "" {
		stored = nil
	}

	a.mu.Lock()
	if a.loaded {
		a.mu.Unlock()
		return nil
	}
	announce := a.loadFailed && stored != nil
	if !announce {
		a.session = stored
		a.loaded = true
	}
	epoch := a.epoch
	a.mu.Unlock()

	// An earlier failed load left listeners believing there is no session.
	if announce {
		a.transitionIf(ctx, epoch, stored, models.AuthInitialSession)
	}
	return nil
}

// transition installs s, persists it and notifies listeners.
func (a *Auth) transition(ctx context.Context, s *models.Session, event models.AuthEvent) {
	a.transitionMu.Lock()
	defer a.transitionMu.Unlock()
	a.install(ctx, s, event)
}

// transitionIf is transition for results computed from the session at epoch.
// It reports false, changing nothing, when another transition came first.
func (a *Auth) transitionIf(ctx context.Context, epoch uint64, s *models.Session, event models.AuthEvent) bool {
	a.transitionMu.Lock()
	defer a.transitionMu.Unlock()

	a.mu.RLock()
	stale := a.epoch != epoch
	a.mu.RUnlock()
	if stale {
		observability.GlobalLogger.DebugContext(ctx, "dropped superseded auth transition",
			slog.String("event", string(event)),
		)
		return false
	}
	a.install(ctx, s, event)
	return true
}

// install must be called with transitionMu held.
func (a *Auth) install(ctx context.Context, s *models.Session, event models.AuthEvent) {
	a.mu.Lock()
	a.session = s
	a.loaded = true
	a.loadFailed = false
	a.epoch++
	a.mu.Unlock()

	// Persistence is best effort; the in-memory session stays authoritative.
	var err error
	if s == nil {
		err = a.storage.Remove(ctx, a.key)
	} else {
		err = a.storage.Save(ctx, a.key, s)
	}
	if err != nil {
		observability.GlobalLogger.WarnContext(ctx, "session storage failed",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
	}

	a.listenMu.RLock()
	fns := make([]func(models.AuthEvent, *models.Session), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.listenMu.RUnlock()

	for _, fn := range fns {
		var cp *models.Session
		if s != nil {
			c := *s
			cp = &c
		}
		fn(event, cp)
	}
}

func (a *Auth) authRequest(operation, method, path string, body any) request {
	return request{
		service:   "auth",
		operation: operation,
		method:    method,
		path:      authPath + path,
		body:      body,
	}
}

func withRedirect(req request, redirectTo string) request {
	if redirectTo != "" {
		req.query = url.Values{"redirect_to": {redirectTo}}
	}
	return req
}

// SignInWithPassword exchanges email and password for a session.
func (a *Auth) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	req := a.authRequest("sign_in_password", http.MethodPost, "/token", map[string]string{
		"email":    email,
		"password": password,
	})
	req.query = url.Values{"grant_type": {"password"}}

	var tr tokenResponse
	if _, err := a.client.do(ctx, req, &tr); err != nil {
		return nil, err
	}
	s, err := tr.toSession(a.client.now())
	if err != nil {
		return nil, err
	}
	a.transition(ctx, s, models.AuthSignedIn)
	return s, nil
}

// SignInWithOTP asks the auth service to email a magic link that returns to redirectTo.
func (a *Auth) SignInWithOTP(ctx context.Context, email, redirectTo string) error {
	req := withRedirect(a.authRequest("sign_in_otp", http.MethodPost, "/otp", map[string]any{
		"email":       email,
		"create_user": true,
	}), redirectTo)
	_, err := a.client.do(ctx, req, nil)
	return err
}

// SignUp registers a new account. The returned session is nil when the account
// must be confirmed by email first.
func (a *Auth) SignUp(ctx context.Context, email, password, redirectTo string) (*models.Session, error) {
	req := withRedirect(a.authRequest("sign_up", http.MethodPost, "/signup", map[string]string{
		"email":    email,
		"password": password,
	}), redirectTo)

	var sr signUpResponse
	if _, err := a.client.do(ctx, req, &sr); err != nil {
		return nil, err
	}
	if sr.AccessToken == "" {
		return nil, nil
	}
	s, err := sr.toSession(a.client.now())
	if err != nil {
		return nil, err
	}
	a.transition(ctx, s, models.AuthSignedIn)
	return s, nil
}

// SignOut revokes the session remotely and always clears it locally.
func (a *Auth) SignOut(ctx context.Context) error {
	if err := a.ensureLoaded(ctx); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "sign out without stored session", slog.String("error", err.Error()))
	}
	s := a.Session()

	var remoteErr error
	if s != nil {
		req := a.authRequest("sign_out", http.MethodPost, "/logout", nil)
		req.query = url.Values{"scope": {"global"}}
		req.token = s.AccessToken
		if _, err := a.client.do(ctx, req, nil); err != nil && !ignorableSignOutError(err) {
			remoteErr = err
		}
	}

	a.transition(ctx, nil, models.AuthSignedOut)
	return remoteErr
}

func ignorableSignOutError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Unauthorized() || apiErr.Status == http.StatusNotFound
}

// ResetPasswordForEmail sends a password recovery email that returns to redirectTo.
func (a *Auth) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	req := withRedirect(a.authRequest("recover", http.MethodPost, "/recover", map[string]string{
		"email": email,
	}), redirectTo)
	_, err := a.client.do(ctx, req, nil)
	return err
}

// VerifyOTP completes a magic-link or recovery flow from the token hash in the emailed link.
func (a *Auth) VerifyOTP(ctx context.Context, tokenHash, otpType string) (*models.Session, error) {
	if otpType == "" {
		otpType = "magiclink"
	}
	req := a.authRequest("verify", http.MethodPost, "/verify", map[string]string{
		"token_hash": tokenHash,
		"type":       otpType,
	})

	var tr tokenResponse
	if _, err := a.client.do(ctx, req, &tr); err != nil {
		return nil, err
	}
	s, err := tr.toSession(a.client.now())
	if err != nil {
		return nil, err
	}
	a.transition(ctx, s, eventForOTPType(otpType))
	return s, nil
}

func eventForOTPType(t string) models.AuthEvent {
	if t == "recovery" {
		return models.AuthPasswordRecovery
	}
	return models.AuthSignedIn
}

// SetSessionFromURL completes an implicit-flow redirect whose fragment carries the tokens.
func (a *Auth) SetSessionFromURL(ctx context.Context, rawURL string) (*models.Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redirect url: %w", err)
	}
	params, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return nil, fmt.Errorf("parse redirect fragment: %w", err)
	}
	for _, src := range []url.Values{params, u.Query()} {
		if desc := src.Get("error_description"); desc != "" || src.Get("error") != "" {
			code := src.Get("error_code")
			if code == "" {
				code = src.Get("error")
			}
			if desc == "" {
				desc = src.Get("error")
			}
			return nil, &APIError{Status: http.StatusBadRequest, Code: code, Message: desc}
		}
	}

	tr := tokenResponse{
		AccessToken:  params.Get("access_token"),
		RefreshToken: params.Get("refresh_token"),
		TokenType:    params.Get("token_type"),
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, errors.New("redirect url carries no session")
	}
	tr.ExpiresAt, _ = strconv.ParseInt(params.Get("expires_at"), 10, 64)
	tr.ExpiresIn, _ = strconv.ParseInt(params.Get("expires_in"), 10, 64)

	user, err := a.getUser(ctx, tr.AccessToken)
	if err != nil {
		return nil, err
	}
	tr.User = user

	s, err := tr.toSession(a.client.now())
	if err != nil {
		return nil, err
	}
	a.transition(ctx, s, eventForOTPType(params.Get("type")))
	return s, nil
}

// RefreshSession trades the refresh token for a new session. Concurrent callers share one request.
// A rejected refresh token signs the user out.
func (a *Auth) RefreshSession(ctx context.Context) (*models.Session, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	v, err, _ := a.refresh.Do("refresh", func() (any, error) {
		cur, epoch := a.current()
		if cur == nil || cur.RefreshToken == "" {
			return nil, ErrNoSession
		}

		req := a.authRequest("refresh", http.MethodPost, "/token", map[string]string{
			"refresh_token": cur.RefreshToken,
		})
		req.query = url.Values{"grant_type": {"refresh_token"}}

		var tr tokenResponse
		if _, err := a.client.do(ctx, req, &tr); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
				a.transitionIf(ctx, epoch, nil, models.AuthSignedOut)
			}
			return nil, err
		}
		s, err := tr.toSession(a.client.now())
		if err != nil {
			return nil, err
		}
		if !a.transitionIf(ctx, epoch, s, models.AuthTokenRefreshed) {
			return nil, ErrSessionChanged
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s := *v.(*models.Session)
	return &s, nil
}

// GetUser fetches the signed-in user from the auth service.
func (a *Auth) GetUser(ctx context.Context) (*models.Identity, error) {
	s, err := a.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoSession
	}
	u, err := a.getUser(ctx, s.AccessToken)
	if err != nil {
		return nil, err
	}
	id := u.identity()
	return &id, nil
}

func (a *Auth) getUser(ctx context.Context, token string) (*userResponse, error) {
	req := a.authRequest("get_user", http.MethodGet, "/user", nil)
	req.token = token
	var u userResponse
	if _, err := a.client.do(ctx, req, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, errors.New("user response missing id")
	}
	return &u, nil
}

// UpdatePassword sets a new password for the signed-in user.
func (a *Auth) UpdatePassword(ctx context.Context, password string) (*models.Identity, error) {
	if _, err := a.GetSession(ctx); err != nil {
		return nil, err
	}
	s, epoch := a.current()
	if s == nil {
		return nil, ErrNoSession
	}

	req := a.authRequest("update_user", http.MethodPut, "/user", map[string]string{"password": password})
	req.token = s.AccessToken
	var u userResponse
	if _, err := a.client.do(ctx, req, &u); err != nil {
		return nil, err
	}
	if u.ID != "" {
		s.User = u.identity()
	}
	if !a.transitionIf(ctx, epoch, s, models.AuthUserUpdated) {
		return nil, ErrSessionChanged
	}
	id := s.User
	return &id, nil
}

// StartAutoRefresh refreshes the session shortly before it expires until ctx is
// cancelled or stop is called. A refresh that fails after the token has already
// expired signs the user out.
func (a *Auth) StartAutoRefresh(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.client.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.autoRefresh(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (a *Auth) autoRefresh(ctx context.Context) {
	if err := a.ensureLoaded(ctx); err != nil {
		observability.LogAsyncOperationError(ctx, "auth.auto_refresh", err, nil)
		return
	}
	s := a.Session()
	now := a.client.now()
	if s == nil || !s.Expired(now, a.client.margin) {
		return
	}
	if _, err := a.RefreshSession(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrSessionChanged) {
			return
		}
		observability.LogAsyncOperationError(ctx, "auth.auto_refresh", err, nil)
		if cur, epoch := a.current(); cur != nil && cur.Expired(a.client.now(), 0) {
			a.transitionIf(ctx, epoch, nil, models.AuthSignedOut)
		}
	}
}
