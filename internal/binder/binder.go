// Package binder keeps a view model in step with the signed-in identity.
package binder

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"smallsite/internal/models"
	"smallsite/internal/observability"
	"smallsite/internal/session"
)

// Loader builds the view model for an identity.
type Loader interface {
	LoadViewModel(ctx context.Context, identity *models.Identity) (*models.ViewModel, error)
}

// IdentitySource reports the current identity and its changes. *session.Store implements it.
type IdentitySource interface {
	Current() *models.Identity
	Subscribe(fn func(session.Change)) (unsubscribe func())
}

// Snapshot is a copy of the bound view.
type Snapshot struct {
	models.ViewModel
	Loading    bool   `json:"loading"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Generation uint64 `json:"generation"`
	Err        error  `json:"-"`
}

// Binder loads the view model whenever the identity changes and clears it on sign-out.
// Each load has a generation; starting one cancels the previous, and a load that
// finishes after a newer one started is discarded.
type Binder struct {
	source IdentitySource
	loader Loader

	mu      sync.Mutex
	vm      *models.ViewModel
	loading bool
	err     error
	gen     uint64
	cancel  context.CancelFunc
	closed  bool

	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup
	unsub    func()
}

func New(source IdentitySource, loader Loader) *Binder {
	return &Binder{
		source: source,
		loader: loader,
		vm:     models.EmptyViewModel(),
	}
}

// Start subscribes to identity changes and loads the view for the current identity, if any.
// Background loads run under ctx.
func (b *Binder) Start(ctx context.Context) {
	b.mu.Lock()
	if b.base != nil || b.closed {
		b.mu.Unlock()
		return
	}
	b.base, b.stopBase = context.WithCancel(ctx)
	b.mu.Unlock()

	unsub := b.source.Subscribe(b.onChange)
	b.mu.Lock()
	b.unsub = unsub
	b.mu.Unlock()

	if id := b.source.Current(); id != nil {
		b.loadAsync(id)
	}
}

func (b *Binder) onChange(c session.Change) {
	if c.Identity == nil {
		b.clear()
		return
	}
	b.loadAsync(c.Identity)
}

// begin supersedes any in-flight load and returns the new generation.
func (b *Binder) begin(parent context.Context, identity *models.Identity) (uint64, context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, nil, false
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.gen++
	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel
	b.loading = true
	if !b.vm.Identity.Equal(identity) {
		b.vm = models.EmptyViewModel()
		id := *identity
		b.vm.Identity = &id
	}
	return b.gen, ctx, true
}

func (b *Binder) loadAsync(identity *models.Identity) {
	b.mu.Lock()
	base := b.base
	b.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	gen, ctx, ok := b.begin(base, identity)
	if !ok {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		observability.LogAsyncOperationStart(ctx, "binder.load", map[string]interface{}{"generation": gen})
		if err := b.run(ctx, gen, identity); err != nil {
			observability.LogAsyncOperationError(ctx, "binder.load", err, map[string]interface{}{"generation": gen})
			return
		}
		observability.LogAsyncOperationEnd(ctx, "binder.load", map[string]interface{}{"generation": gen})
	}()
}

// run performs one load and applies it if gen is still the newest.
func (b *Binder) run(ctx context.Context, gen uint64, identity *models.Identity) error {
	vm, err := b.loader.LoadViewModel(ctx, identity)

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		observability.StaleLoadsDiscarded.Inc()
		observability.GlobalLogger.Debug("discarded stale view model load",
			slog.Uint64("generation", gen),
			slog.Uint64("current", b.gen),
		)
		return nil
	}
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.loading = false
	b.err = err
	if vm == nil {
		vm = models.EmptyViewModel()
	}
	if vm.Identity == nil {
		id := *identity
		vm.Identity = &id
	}
	b.vm = vm
	return err
}

func (b *Binder) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.gen++
	b.vm = models.EmptyViewModel()
	b.loading = false
	b.err = nil
}

// Reload runs a fresh load for the current identity and returns once it is applied.
// With no identity the view is cleared and UNAUTHENTICATED returned.
func (b *Binder) Reload(ctx context.Context) error {
	identity := b.source.Current()
	if identity == nil {
		b.clear()
		return models.NewUnauthenticatedError("load your feed")
	}
	gen, loadCtx, ok := b.begin(ctx, identity)
	if !ok {
		return errors.New("binder is closed")
	}
	return b.run(loadCtx, gen, identity)
}

// Snapshot returns a copy of the current view.
func (b *Binder) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		ViewModel:  *b.vm.Clone(),
		Loading:    b.loading,
		Generation: b.gen,
		Err:        b.err,
	}
	if b.err != nil {
		s.Error = b.err.Error()
		s.ErrorCode = models.ErrorCode(b.err)
	}
	return s
}

// Close stops listening, cancels the in-flight load and waits for background loads.
func (b *Binder) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.stopBase != nil {
		b.stopBase()
	}
	unsub := b.unsub
	b.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	b.wg.Wait()
}
