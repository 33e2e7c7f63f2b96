package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAdminUser     = "admin"
	defaultAdminPassword = "admin"
)

// ErrUserNotFound is returned for unknown users.
var ErrUserNotFound = errors.New("user not found")

// UserRepository stores operator credentials as bcrypt hashes in a JSON file
// (username -> hash).
type UserRepository struct {
	mu    sync.RWMutex
	path  string
	users map[string]string
	cost  int
	// compared against for unknown users so lookups cost the same
	dummy []byte
}

// NewUserRepository loads path. A missing file is seeded with the default
// admin account.
func NewUserRepository(path string, cost int) (*UserRepository, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("vdesk"), cost)
	if err != nil {
		return nil, fmt.Errorf("hash password failed: %w", err)
	}
	r := &UserRepository{path: path, users: make(map[string]string), cost: cost, dummy: dummy}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &r.users); err != nil {
			return nil, fmt.Errorf("decode users file failed: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		hash, err := bcrypt.GenerateFromPassword([]byte(defaultAdminPassword), cost)
		if err != nil {
			return nil, fmt.Errorf("hash default password failed: %w", err)
		}
		r.users[defaultAdminUser] = string(hash)
		if err := r.persist(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read users file failed: %w", err)
	}
	return r, nil
}

// Verify reports whether password matches the stored hash.
func (r *UserRepository) Verify(username, password string) bool {
	r.mu.RLock()
	hash, ok := r.users[username]
	r.mu.RUnlock()
	if !ok {
		_ = bcrypt.CompareHashAndPassword(r.dummy, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// SetPassword stores a new hash for username and persists the file.
func (r *UserRepository) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		return fmt.Errorf("hash password failed: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[username]; !ok {
		return ErrUserNotFound
	}
	previous := r.users[username]
	r.users[username] = string(hash)
	if err := r.persist(); err != nil {
		r.users[username] = previous
		return err
	}
	return nil
}

// Exists reports whether username is known.
func (r *UserRepository) Exists(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[username]
	return ok
}

// persist writes the table; callers hold the write lock or own r exclusively.
func (r *UserRepository) persist() error {
	data, err := json.MarshalIndent(r.users, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users file failed: %w", err)
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create users dir failed: %w", err)
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write users file failed: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace users file failed: %w", err)
	}
	return nil
}
