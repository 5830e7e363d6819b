package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"smallsite/internal/models"
	"smallsite/internal/observability"

	"github.com/redis/go-redis/v9"
)

// SessionStorage persists a session between process restarts or requests.
// Load returns (nil, nil) when nothing is stored under key.
type SessionStorage interface {
	Load(ctx context.Context, key string) (*models.Session, error)
	Save(ctx context.Context, key string, s *models.Session) error
	Remove(ctx context.Context, key string) error
}

// MemoryStorage keeps sessions in process memory.
type MemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{sessions: make(map[string]models.Session)}
}

func (m *MemoryStorage) Load(_ context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStorage) Save(_ context.Context, key string, s *models.Session) error {
	if s == nil {
		return errors.New("cannot save nil session")
	}
	m.mu.Lock()
	m.sessions[key] = *s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	return nil
}

// RedisStorage keeps sessions in Redis so they survive server restarts.
type RedisStorage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStorage stores sessions under prefix:key. A zero ttl keeps entries until removed.
func NewRedisStorage(client *redis.Client, prefix string, ttl time.Duration) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStorage) key(key string) string {
	return r.prefix + ":" + key
}

func (r *RedisStorage) Load(ctx context.Context, key string) (*models.Session, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		observability.SessionStorageErrors.WithLabelValues("redis", "load").Inc()
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		// A corrupt entry is treated as absent so the visitor can sign in again.
		observability.SessionStorageErrors.WithLabelValues("redis", "decode").Inc()
		_ = r.client.Del(ctx, r.key(key)).Err()
		return nil, nil
	}
	return &s, nil
}

func (r *RedisStorage) Save(ctx context.Context, key string, s *models.Session) error {
	if s == nil {
		return errors.New("cannot save nil session")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), raw, r.ttl).Err(); err != nil {
		observability.SessionStorageErrors.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisStorage) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		observability.SessionStorageErrors.WithLabelValues("redis", "remove").Inc()
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileStorage keeps one JSON file per key in a directory, readable only by the owner.
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir}
}

// DefaultSessionDir is where the command-line client keeps its session.
func DefaultSessionDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "smallsite"), nil
}

func (f *FileStorage) path(key string) string {
	return filepath.Join(f.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

func (f *FileStorage) Load(_ context.Context, key string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, nil
	}
	return &s, nil
}

func (f *FileStorage) Save(_ context.Context, key string, s *models.Session) error {
	if s == nil {
		return errors.New("cannot save nil session")
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (f *FileStorage) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
