package binder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smallsite/internal/models"
	"smallsite/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	mu      sync.Mutex
	current *models.Identity
	fns     map[int]func(session.Change)
	next    int
}

func newFakeSource(id *models.Identity) *fakeSource {
	return &fakeSource{current: id, fns: map[int]func(session.Change){}}
}

func (f *fakeSource) Current() *models.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSource) Subscribe(fn func(session.Change)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.fns[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.fns, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) set(id *models.Identity) {
	f.mu.Lock()
	prev := f.current
	f.current = id
	fns := make([]func(session.Change), 0, len(f.fns))
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(session.Change{Event: models.AuthSignedIn, Identity: id, Previous: prev})
	}
}

type loaderFunc func(ctx context.Context, id *models.Identity) (*models.ViewModel, error)

func (f loaderFunc) LoadViewModel(ctx context.Context, id *models.Identity) (*models.ViewModel, error) {
	return f(ctx, id)
}

func vmWith(id *models.Identity, contents ...string) *models.ViewModel {
	vm := models.EmptyViewModel()
	cp := *id
	vm.Identity = &cp
	for i, c := range contents {
		vm.Posts = append(vm.Posts, models.FeedPost{Post: models.Post{ID: int64(i + 1), Content: c, AuthorID: id.ID}})
	}
	return vm
}

var (
	userA = &models.Identity{ID: "a"}
	userB = &models.Identity{ID: "b"}
)

func postContents(s Snapshot) []string {
	out := make([]string, len(s.Posts))
	for i, p := range s.Posts {
		out[i] = p.Content
	}
	return out
}

func TestBinder_LoadsOnStartAndClearsOnSignOut(t *testing.T) {
	src := newFakeSource(userA)
	b := New(src, loaderFunc(func(_ context.Context, id *models.Identity) (*models.ViewModel, error) {
		return vmWith(id, "hello"), nil
	}))
	b.Start(context.Background())
	defer b.Close()

	require.Eventually(t, func() bool {
		s := b.Snapshot()
		return !s.Loading && len(s.Posts) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", b.Snapshot().Identity.ID)

	src.set(nil)
	s := b.Snapshot()
	assert.Nil(t, s.Identity)
	assert.Empty(t, s.Posts)
	assert.False(t, s.Loading)
}

func TestBinder_StaleLoadIsDiscarded(t *testing.T) {
	releaseA := make(chan struct{})
	startedA := make(chan struct{})
	b := New(newFakeSource(nil), nil)
	src := b.source.(*fakeSource)
	b.loader = loaderFunc(func(ctx context.Context, id *models.Identity) (*models.ViewModel, error) {
		if id.ID == "a" {
			close(startedA)
			<-releaseA
			// Ignore cancellation to simulate a response already on the wire.
			return vmWith(id, "from a"), nil
		}
		return vmWith(id, "from b"), nil
	})
	b.Start(context.Background())
	defer b.Close()

	src.set(userA)
	<-startedA
	src.set(userB)

	require.Eventually(t, func() bool {
		s := b.Snapshot()
		return !s.Loading && len(s.Posts) == 1
	}, time.Second, 5*time.Millisecond)

	close(releaseA)
	b.Close()

	s := b.Snapshot()
	assert.Equal(t, "b", s.Identity.ID)
	assert.Equal(t, []string{"from b"}, postContents(s))
}

func TestBinder_SupersededLoadIsCancelled(t *testing.T) {
	cancelled := make(chan struct{})
	b := New(newFakeSource(nil), nil)
	src := b.source.(*fakeSource)
	b.loader = loaderFunc(func(ctx context.Context, id *models.Identity) (*models.ViewModel, error) {
		if id.ID == "a" {
			<-ctx.Done()
			close(cancelled)
			return models.EmptyViewModel(), ctx.Err()
		}
		return vmWith(id, "b"), nil
	})
	b.Start(context.Background())
	defer b.Close()

	src.set(userA)
	src.set(userB)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("superseded load was not cancelled")
	}
	require.Eventually(t, func() bool { return len(b.Snapshot().Posts) == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, b.Snapshot().Err)
}

func TestBinder_ReloadIsSynchronous(t *testing.T) {
	src := newFakeSource(userA)
	calls := 0
	var mu sync.Mutex
	b := New(src, loaderFunc(func(_ context.Context, id *models.Identity) (*models.ViewModel, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		contents := make([]string, calls)
		for i := range contents {
			contents[i] = "post"
		}
		return vmWith(id, contents...), nil
	}))

	require.NoError(t, b.Reload(context.Background()))
	assert.Len(t, b.Snapshot().Posts, 1)
	require.NoError(t, b.Reload(context.Background()))
	assert.Len(t, b.Snapshot().Posts, 2)
	assert.Equal(t, uint64(2), b.Snapshot().Generation)
}

func TestBinder_ReloadWithoutIdentity(t *testing.T) {
	b := New(newFakeSource(nil), loaderFunc(func(context.Context, *models.Identity) (*models.ViewModel, error) {
		t.Error("loader must not run without an identity")
		return nil, nil
	}))

	err := b.Reload(context.Background())
	assert.Equal(t, models.CodeUnauthenticated, models.ErrorCode(err))
	assert.Empty(t, b.Snapshot().Posts)
}

func TestBinder_LoadErrorIsExposed(t *testing.T) {
	src := newFakeSource(userA)
	b := New(src, loaderFunc(func(_ context.Context, id *models.Identity) (*models.ViewModel, error) {
		vm := models.EmptyViewModel()
		cp := *id
		vm.Identity = &cp
		return vm, models.NewRemoteError("load posts", errors.New("down"))
	}))

	err := b.Reload(context.Background())
	require.Error(t, err)

	s := b.Snapshot()
	assert.Equal(t, models.CodeRemote, s.ErrorCode)
	assert.NotEmpty(t, s.Error)
	assert.Empty(t, s.Posts)
	assert.Equal(t, "a", s.Identity.ID)
}

func TestBinder_CloseStopsListening(t *testing.T) {
	src := newFakeSource(nil)
	b := New(src, loaderFunc(func(_ context.Context, id *models.Identity) (*models.ViewModel, error) {
		return vmWith(id, "x"), nil
	}))
	b.Start(context.Background())
	b.Close()
	b.Close()

	src.set(userA)
	assert.Empty(t, b.Snapshot().Posts)
	assert.Error(t, b.Reload(context.Background()))
}
