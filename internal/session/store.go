// Package session tracks which user, if any, the site is acting for.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"smallsite/internal/models"
	"smallsite/internal/observability"

	"golang.org/x/sync/singleflight"
)

// AuthClient is the part of the remote auth client the store depends on.
type AuthClient interface {
	GetSession(ctx context.Context) (*models.Session, error)
	OnAuthStateChange(fn func(event models.AuthEvent, s *models.Session)) (unsubscribe func())
}

// Change is delivered to subscribers when the current identity changes.
type Change struct {
	Event    models.AuthEvent
	Identity *models.Identity
	Previous *models.Identity
}

// Store holds the current identity. Every update, whether from the initial
// session query or an auth event, goes through apply; each carries a ticket
// taken when the update started, and an update older than the last applied
// one is dropped.
type Store struct {
	auth AuthClient

	mu       sync.RWMutex
	identity *models.Identity
	session  *models.Session
	applied  uint64

	tickets atomic.Uint64

	// updateMu serializes apply with subscriber delivery so changes arrive in order.
	updateMu sync.Mutex

	subMu   sync.RWMutex
	subs    map[uint64]func(Change)
	nextSub uint64

	ready     chan struct{}
	readyOnce sync.Once

	listenOnce  sync.Once
	unlisten    func()
	initGroup   singleflight.Group
	initialized atomic.Bool
}

func NewStore(auth AuthClient) *Store {
	return &Store{
		auth:  auth,
		subs:  make(map[uint64]func(Change)),
		ready: make(chan struct{}),
	}
}

// Init registers the auth listener and resolves the existing session. The
// remote is queried once per store no matter how often or how concurrently Init
// is called. A failed query is logged and leaves the store ready with no identity;
// the error is returned for the caller's information.
func (s *Store) Init(ctx context.Context) error {
	if s.initialized.Load() {
		return nil
	}
	_, err, _ := s.initGroup.Do("init", func() (any, error) {
		if s.initialized.Load() {
			return nil, nil
		}
		defer s.initialized.Store(true)

		s.listen()

		ticket := s.tickets.Add(1)
		sess, err := s.auth.GetSession(ctx)
		if err != nil {
			observability.GlobalLogger.WarnContext(ctx, "initial session lookup failed",
				slog.String("error", err.Error()),
			)
			s.markReady()
			return nil, err
		}
		s.apply(ticket, models.AuthInitialSession, sess)
		return nil, nil
	})
	return err
}

func (s *Store) listen() {
	s.listenOnce.Do(func() {
		s.unlisten = s.auth.OnAuthStateChange(func(event models.AuthEvent, sess *models.Session) {
			s.apply(s.tickets.Add(1), event, sess)
		})
	})
}

func (s *Store) apply(ticket uint64, event models.AuthEvent, sess *models.Session) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	defer s.markReady()

	s.mu.Lock()
	if ticket < s.applied {
		s.mu.Unlock()
		observability.GlobalLogger.Debug("dropped superseded session update",
			slog.String("event", string(event)),
			slog.Uint64("ticket", ticket),
		)
		return
	}
	s.applied = ticket
	s.session = sess
	prev := s.identity
	next := sess.Identity()
	changed := !prev.Equal(next)
	if changed {
		s.identity = next
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	observability.SessionTransitions.WithLabelValues(string(event)).Inc()

	s.subMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(Change{Event: event, Identity: clone(next), Previous: clone(prev)})
	}
}

func (s *Store) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Ready is closed once the initial identity is known.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Current returns the current identity, or nil when signed out.
func (s *Store) Current() *models.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.identity)
}

// Session returns the session backing the current identity.
func (s *Store) Session() *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	return &cp
}

// Subscribe calls fn for every later identity change, in order. fn runs on the
// updating goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Close detaches the store from the auth client.
func (s *Store) Close() {
	s.listenOnce.Do(func() {})
	if s.unlisten != nil {
		s.unlisten()
	}
}

func clone(id *models.Identity) *models.Identity {
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}
