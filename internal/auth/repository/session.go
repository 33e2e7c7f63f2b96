package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"vdesk/internal/common/cache"
)

const (
	tokenPrefix     = "vdesk_"
	tokenBytes      = 32
	sessionKeyPref  = "vdesk:session:"
	userSessionPref = "vdesk:user_sessions:"
)

// ErrSessionNotFound is returned for unknown, revoked or expired tokens.
var ErrSessionNotFound = errors.New("session not found")

// Session binds an opaque bearer token to a user.
type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore issues and resolves bearer tokens.
type SessionStore interface {
	Create(ctx context.Context, username string, ttl time.Duration) (Session, error)
	Lookup(ctx context.Context, token string) (Session, error)
	Revoke(ctx context.Context, token string) error
	RevokeAll(ctx context.Context, username string) error
}

// NewToken returns a random opaque token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token failed: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session), now: time.Now}
}

func (s *MemorySessionStore) Create(ctx context.Context, username string, ttl time.Duration) (Session, error) {
	token, err := NewToken()
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session := Session{Token: token, Username: username, ExpiresAt: s.now().Add(ttl)}
	s.sessions[token] = session
	return session, nil
}

func (s *MemorySessionStore) Lookup(ctx context.Context, token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !s.now().Before(session.ExpiresAt) {
		delete(s.sessions, token)
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *MemorySessionStore) Revoke(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *MemorySessionStore) RevokeAll(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, session := range s.sessions {
		if session.Username == username {
			delete(s.sessions, token)
		}
	}
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *MemorySessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for token, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// RedisSessionStore keeps sessions in redis so several server processes can
// share them. Each token is a key with its own TTL; a per-user set indexes
// tokens for RevokeAll.
type RedisSessionStore struct {
	cache cache.Cache
	now   func() time.Time
}

// NewRedisSessionStore creates a redis-backed store.
func NewRedisSessionStore(cacheClient cache.Cache) *RedisSessionStore {
	return &RedisSessionStore{cache: cacheClient, now: time.Now}
}

func (s *RedisSessionStore) Create(ctx context.Context, username string, ttl time.Duration) (Session, error) {
	if s.cache == nil {
		return Session{}, errors.New("cache is nil")
	}
	token, err := NewToken()
	if err != nil {
		return Session{}, err
	}
	session := Session{Token: token, Username: username, ExpiresAt: s.now().Add(ttl)}
	data, err := json.Marshal(session)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session failed: %w", err)
	}

	err = s.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Set(sessionKeyPref+token, string(data), ttl); err != nil {
			return err
		}
		if err := pipe.SAdd(userSessionPref+username, token); err != nil {
			return err
		}
		return pipe.Expire(userSessionPref+username, ttl)
	})
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (s *RedisSessionStore) Lookup(ctx context.Context, token string) (Session, error) {
	if s.cache == nil {
		return Session{}, errors.New("cache is nil")
	}
	data, err := s.cache.Get(ctx, sessionKeyPref+token)
	if err != nil {
		return Session{}, err
	}
	if data == "" {
		return Session{}, ErrSessionNotFound
	}
	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return Session{}, fmt.Errorf("decode session failed: %w", err)
	}
	if !s.now().Before(session.ExpiresAt) {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *RedisSessionStore) Revoke(ctx context.Context, token string) error {
	if s.cache == nil {
		return errors.New("cache is nil")
	}
	session, err := s.Lookup(ctx, token)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	return s.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Del(sessionKeyPref + token); err != nil {
			return err
		}
		return pipe.SRem(userSessionPref+session.Username, token)
	})
}

func (s *RedisSessionStore) RevokeAll(ctx context.Context, username string) error {
	if s.cache == nil {
		return errors.New("cache is nil")
	}
	tokens, err := s.cache.SMembers(ctx, userSessionPref+username)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, sessionKeyPref+token)
	}
	keys = append(keys, userSessionPref+username)
	return s.cache.Del(ctx, keys...)
}

var (
	_ SessionStore = (*MemorySessionStore)(nil)
	_ SessionStore = (*RedisSessionStore)(nil)
)
