package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"smallsite/internal/binder"
	"smallsite/internal/models"
	"smallsite/internal/observability"
	"smallsite/internal/remote"
	"smallsite/internal/repository"
	"smallsite/internal/service"
	"smallsite/internal/session"
)

// AuthService is the per-visitor auth client the handlers drive.
type AuthService interface {
	session.AuthClient
	SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error)
	SignInWithOTP(ctx context.Context, email, redirectTo string) error
	SignUp(ctx context.Context, email, password, redirectTo string) (*models.Session, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	VerifyOTP(ctx context.Context, tokenHash, otpType string) (*models.Session, error)
}

// Visitor is one browser's client state: its auth session, identity store,
// bound view and write gateway.
type Visitor struct {
	ID      string
	Auth    AuthService
	Store   *session.Store
	Binder  *binder.Binder
	Gateway *service.MutationGateway
	Feed    *service.FeedService

	lastSeen time.Time
	stop     func()
}

// Identity returns the visitor's current identity, or nil when signed out.
func (v *Visitor) Identity() *models.Identity {
	return v.Store.Current()
}

// close must be called after v left the registry map.
func (v *Visitor) close(stop func()) {
	v.Binder.Close()
	v.Store.Close()
	if stop != nil {
		stop()
	}
}

// VisitorFactory builds the client state for a new visitor. The returned Visitor
// must have Auth, Store, Binder and Gateway set; Init and Start are the registry's job.
type VisitorFactory func(id string) *Visitor

// RemoteVisitorFactory wires a visitor to the shared remote transport.
func RemoteVisitorFactory(client *remote.Client, storage remote.SessionStorage, storageKey string) VisitorFactory {
	return func(id string) *Visitor {
		auth := client.NewAuth(storage, storageKey+"-"+id)
		rest := client.Rest(auth)
		posts := repository.NewPostRepository(rest)
		profiles := repository.NewProfileRepository(rest)
		favorites := repository.NewFavoriteRepository(rest)

		store := session.NewStore(auth)
		feed := service.NewFeedService(posts, profiles, favorites)
		b := binder.New(store, feed)
		return &Visitor{
			ID:      id,
			Auth:    auth,
			Store:   store,
			Binder:  b,
			Gateway: service.NewMutationGateway(posts, profiles, favorites, b),
			Feed:    feed,
		}
	}
}

// Registry holds live visitors and evicts idle ones.
type Registry struct {
	factory     VisitorFactory
	idle        time.Duration
	initTimeout time.Duration
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	visitors map[string]*Visitor
}

// NewRegistry builds a registry. Visitors unused for longer than idle are evicted by Sweep.
func NewRegistry(factory VisitorFactory, idle, initTimeout time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory:     factory,
		idle:        idle,
		initTimeout: initTimeout,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		visitors:    make(map[string]*Visitor),
	}
}

// Get returns the visitor for id, creating and initializing it on first use.
func (r *Registry) Get(ctx context.Context, id string) *Visitor {
	r.mu.Lock()
	v, ok := r.visitors[id]
	if ok {
		v.lastSeen = r.now()
		r.mu.Unlock()
		return v
	}
	v = r.factory(id)
	v.lastSeen = r.now()
	r.visitors[id] = v
	observability.ActiveVisitors.Set(float64(len(r.visitors)))
	r.mu.Unlock()

	r.start(ctx, v)
	return v
}

func (r *Registry) start(ctx context.Context, v *Visitor) {
	vctx := observability.WithVisitorID(r.ctx, v.ID)
	if cid := observability.ExtractCorrelationID(ctx); cid != "" {
		vctx = observability.WithCorrelationID(vctx, cid)
	}

	initCtx, cancel := context.WithTimeout(vctx, r.initTimeout)
	defer cancel()
	if err := v.Store.Init(initCtx); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "visitor session init failed",
			slog.String("visitor_id", v.ID),
			slog.String("error", err.Error()),
		)
	}
	v.Binder.Start(vctx)

	a, ok := v.Auth.(interface {
		StartAutoRefresh(ctx context.Context) (stop func())
	})
	if !ok {
		return
	}
	stop := a.StartAutoRefresh(vctx)
	r.mu.Lock()
	if r.visitors[v.ID] == v {
		v.stop = stop
		stop = nil
	}
	r.mu.Unlock()
	// Evicted while starting.
	if stop != nil {
		stop()
	}
}

// Len reports how many visitors are held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}

// Sweep evicts visitors idle for longer than the idle timeout and returns how many went.
func (r *Registry) Sweep() int {
	var (
		evicted []*Visitor
		stops   []func()
	)

	r.mu.Lock()
	cutoff := r.now().Add(-r.idle)
	for id, v := range r.visitors {
		if v.lastSeen.Before(cutoff) {
			evicted = append(evicted, v)
			stops = append(stops, v.stop)
			delete(r.visitors, id)
		}
	}
	observability.ActiveVisitors.Set(float64(len(r.visitors)))
	r.mu.Unlock()

	for i, v := range evicted {
		v.close(stops[i])
	}
	return len(evicted)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				observability.GlobalLogger.Info("evicted idle visitors", slog.Int("count", n))
			}
		}
	}
}

// Close releases every visitor.
func (r *Registry) Close() {
	r.cancel()
	r.mu.Lock()
	all := r.visitors
	r.visitors = make(map[string]*Visitor)
	stops := make(map[string]func(), len(all))
	for id, v := range all {
		stops[id] = v.stop
	}
	observability.ActiveVisitors.Set(0)
	r.mu.Unlock()

	for id, v := range all {
		v.close(stops[id])
	}
}
