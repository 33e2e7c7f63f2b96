package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"vdesk/internal/auth/repository"
	"vdesk/internal/common/cache"
	pkgerrors "vdesk/pkg/errors"
	"vdesk/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultSessionTTL     = 12 * time.Hour
	defaultLoginFailTTL   = 15 * time.Minute
	defaultLoginFailLimit = 5

	unauthorizedMessage = "unauthorized"
	maxPasswordLength   = 128
)

// AuthServiceConfig holds configuration for AuthService.
type AuthServiceConfig struct {
	SessionTTL     time.Duration `yaml:"sessionTTL"`
	LoginFailTTL   time.Duration `yaml:"loginFailTTL"`
	LoginFailLimit int           `yaml:"loginFailLimit"`
}

// CredentialStore verifies and updates operator passwords.
type CredentialStore interface {
	Verify(username, password string) bool
	SetPassword(username, password string) error
}

// AuthService issues and checks bearer sessions.
type AuthService struct {
	users    CredentialStore
	sessions repository.SessionStore
	throttle *loginThrottle
	config   AuthServiceConfig
}

// NewAuthService creates a new AuthService. loginFailCache may be nil, which
// disables login throttling.
func NewAuthService(
	users CredentialStore,
	sessions repository.SessionStore,
	loginFailCache cache.BasicOps,
	cfg AuthServiceConfig,
) *AuthService {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.LoginFailTTL == 0 {
		cfg.LoginFailTTL = defaultLoginFailTTL
	}
	if cfg.LoginFailLimit == 0 {
		cfg.LoginFailLimit = defaultLoginFailLimit
	}
	return &AuthService{
		users:    users,
		sessions: sessions,
		throttle: newLoginThrottle(loginFailCache, cfg.LoginFailLimit, cfg.LoginFailTTL),
		config:   cfg,
	}
}

// LoginInput represents input for Authenticate.
type LoginInput struct {
	Username string
	Password string
	IP       string
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticate checks the credentials and opens a new session.
func (s *AuthService) Authenticate(ctx context.Context, input LoginInput) (LoginResult, error) {
	if input.Username == "" || input.Password == "" {
		return LoginResult{}, pkgerrors.AuthError()
	}
	subjects := loginSubjects(input.Username, input.IP)
	if err := s.throttle.Allow(ctx, subjects); err != nil {
		return LoginResult{}, err
	}
	if !s.users.Verify(input.Username, input.Password) {
		s.throttle.Fail(ctx, subjects)
		logger.Warn(ctx, "login rejected", zap.String("username", input.Username), zap.String("ip", input.IP))
		return LoginResult{}, pkgerrors.AuthError()
	}
	s.throttle.Reset(ctx, subjects)

	session, err := s.sessions.Create(ctx, input.Username, s.config.SessionTTL)
	if err != nil {
		return LoginResult{}, pkgerrors.Wrap(fmt.Errorf("create session failed: %w", err), pkgerrors.TokenGenerationFailed)
	}
	logger.Info(ctx, "login succeeded", zap.String("username", input.Username))
	return LoginResult{Token: session.Token, Username: session.Username, ExpiresAt: session.ExpiresAt}, nil
}

// Validate resolves token to its session.
func (s *AuthService) Validate(ctx context.Context, token string) (repository.Session, error) {
	if token == "" {
		return repository.Session{}, unauthorized()
	}
	session, err := s.sessions.Lookup(ctx, token)
	if err != nil {
		if stderrors.Is(err, repository.ErrSessionNotFound) {
			return repository.Session{}, unauthorized()
		}
		return repository.Session{}, pkgerrors.Wrap(fmt.Errorf("lookup session failed: %w", err), pkgerrors.CacheError)
	}
	return session, nil
}

// Logout revokes token. Unknown tokens are ignored.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return pkgerrors.Wrap(fmt.Errorf("revoke session failed: %w", err), pkgerrors.CacheError)
	}
	return nil
}

// InvalidateAllFor revokes every session of username.
func (s *AuthService) InvalidateAllFor(ctx context.Context, username string) error {
	if err := s.sessions.RevokeAll(ctx, username); err != nil {
		return pkgerrors.Wrap(fmt.Errorf("revoke sessions failed: %w", err), pkgerrors.CacheError)
	}
	logger.Info(ctx, "sessions revoked", zap.String("username", username))
	return nil
}

// ChangePasswordInput represents input for ChangePassword.
type ChangePasswordInput struct {
	Username    string
	OldPassword string
	NewPassword string
}

// ChangePassword replaces the password after checking the old one and then
// revokes all sessions of the user.
func (s *AuthService) ChangePassword(ctx context.Context, input ChangePasswordInput) error {
	if err := validateNewPassword(input.NewPassword); err != nil {
		return err
	}
	if !s.users.Verify(input.Username, input.OldPassword) {
		return pkgerrors.AuthError()
	}
	if err := s.users.SetPassword(input.Username, input.NewPassword); err != nil {
		if stderrors.Is(err, repository.ErrUserNotFound) {
			return pkgerrors.AuthError()
		}
		return pkgerrors.Wrap(fmt.Errorf("set password failed: %w", err), pkgerrors.CredentialStoreError)
	}
	logger.Info(ctx, "password changed", zap.String("username", input.Username))
	return s.InvalidateAllFor(ctx, input.Username)
}

func validateNewPassword(password string) error {
	if password == "" {
		return pkgerrors.ValidationError("new_password", "must not be empty")
	}
	if len(password) > maxPasswordLength {
		return pkgerrors.ValidationError("new_password", "too long")
	}
	for i := 0; i < len(password); i++ {
		if password[i] < 0x20 || password[i] > 0x7e {
			return pkgerrors.ValidationError("new_password", "must be printable ASCII")
		}
	}
	return nil
}

func unauthorized() error {
	return pkgerrors.AuthError().WithMessage(unauthorizedMessage)
}
