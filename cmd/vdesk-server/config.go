package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"vdesk/internal/auth/middleware"
	authservice "vdesk/internal/auth/service"
	"vdesk/internal/common/cache"
	"vdesk/internal/desktop/livepatch"
	"vdesk/internal/desktop/runtime"
	hostservice "vdesk/internal/host/service"
	"vdesk/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8000"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Minute
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultContainersDir = "containers"
	defaultTemplatePath  = "docker-compose.yml.template"
	defaultUsersFile     = "users.json"

	sessionStoreMemory = "memory"
	sessionStoreRedis  = "redis"
	sweepInterval      = 10 * time.Minute
	readyCheckTimeout  = 2 * time.Second

	envConfigPath  = "VDESK_CONFIG"
	envRegistryURL = "VDESK_REGISTRY_URL"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxHeaderBytes int           `yaml:"maxHeaderBytes"`
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	ContainersDir string `yaml:"containersDir"`
	TemplatePath  string `yaml:"templatePath"`
	UsersFile     string `yaml:"usersFile"`
	PatchScript   string `yaml:"patchScript"`
}

// LifecycleConfig controls provisioning.
type LifecycleConfig struct {
	Service       string        `yaml:"service"`
	ReadyInterval time.Duration `yaml:"readyInterval"`
	ReadyTimeout  time.Duration `yaml:"readyTimeout"`
}

// LivePatchConfig enables in-place reconfiguration.
type LivePatchConfig struct {
	Enabled          bool `yaml:"enabled"`
	livepatch.Config `yaml:",inline"`
	Daemon           livepatch.DaemonConfig `yaml:"daemon"`
}

// AuthConfig holds auth settings.
type AuthConfig struct {
	authservice.AuthServiceConfig `yaml:",inline"`
	SessionStore                  string `yaml:"sessionStore"`
	BcryptCost                    int    `yaml:"bcryptCost"`
}

// ExecConfig controls the exec channel.
type ExecConfig struct {
	MaxCaptureSize int `yaml:"maxCaptureSize"`
}

// HostConfig controls host probing.
type HostConfig struct {
	NvidiaSMI string `yaml:"nvidiaSMI"`
}

// AppConfig holds the vdesk-server configuration.
type AppConfig struct {
	Server    ServerConfig             `yaml:"server"`
	Logger    logger.Config            `yaml:"logger"`
	Paths     PathsConfig              `yaml:"paths"`
	Runtime   runtime.Config           `yaml:"runtime"`
	Lifecycle LifecycleConfig          `yaml:"lifecycle"`
	LivePatch LivePatchConfig          `yaml:"livepatch"`
	Exec      ExecConfig               `yaml:"exec"`
	Auth      AuthConfig               `yaml:"auth"`
	Redis     cache.RedisConfig        `yaml:"redis"`
	CORS      middleware.CORSConfig    `yaml:"cors"`
	Images    hostservice.ImagesConfig `yaml:"images"`
	Host      HostConfig               `yaml:"host"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	cfg := AppConfig{
		CORS:   middleware.DefaultCORSConfig(),
		Images: hostservice.DefaultImagesConfig(),
		Redis:  *cache.DefaultRedisConfig(),
	}
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Paths.ContainersDir == "" {
		cfg.Paths.ContainersDir = defaultContainersDir
	}
	if cfg.Paths.TemplatePath == "" {
		cfg.Paths.TemplatePath = defaultTemplatePath
	}
	if cfg.Paths.UsersFile == "" {
		cfg.Paths.UsersFile = defaultUsersFile
	}

	if cfg.LivePatch.Service == "" {
		cfg.LivePatch.Service = cfg.Lifecycle.Service
	}

	if registry := strings.TrimSpace(os.Getenv(envRegistryURL)); registry != "" {
		cfg.Images.RegistryURL = registry
	}

	switch cfg.Auth.SessionStore {
	case "":
		cfg.Auth.SessionStore = sessionStoreMemory
	case sessionStoreMemory:
	case sessionStoreRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis session store")
		}
	default:
		return fmt.Errorf("auth.sessionStore must be %q or %q", sessionStoreMemory, sessionStoreRedis)
	}
	return nil
}

// configPath resolves the config file: flag, then VDESK_CONFIG, then default.
func configPath(flagValue string, flagSet bool) string {
	if flagSet {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envConfigPath)); env != "" {
		return env
	}
	return flagValue
}
