package livepatch

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	appErr "vdesk/pkg/errors"
	"vdesk/pkg/utils/logger"

	"go.uber.org/zap"
)

// Daemon controls the host-wide container runtime daemon.
type Daemon interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// DaemonConfig holds the commands that stop and start the daemon.
type DaemonConfig struct {
	StopCommand  []string `yaml:"stopCommand"`
	StartCommand []string `yaml:"startCommand"`
}

// CommandDaemon runs service-manager commands.
type CommandDaemon struct {
	cfg DaemonConfig
}

// NewCommandDaemon fills systemd defaults.
func NewCommandDaemon(cfg DaemonConfig) *CommandDaemon {
	if len(cfg.StopCommand) == 0 {
		cfg.StopCommand = []string{"systemctl", "stop", "docker"}
	}
	if len(cfg.StartCommand) == 0 {
		cfg.StartCommand = []string{"systemctl", "start", "docker"}
	}
	return &CommandDaemon{cfg: cfg}
}

func (d *CommandDaemon) Stop(ctx context.Context) error {
	return runDaemonCommand(ctx, d.cfg.StopCommand)
}

func (d *CommandDaemon) Start(ctx context.Context) error {
	return runDaemonCommand(ctx, d.cfg.StartCommand)
}

func runDaemonCommand(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	line := strings.Join(argv, " ")
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	logger.Info(ctx, "daemon command",
		zap.String("command", line),
		zap.Int("exit_code", code),
		zap.String("stdout", stdout.String()),
		zap.String("stderr", stderr.String()),
	)
	if errors.Is(err, exec.ErrNotFound) {
		return appErr.ToolMissing(err, argv[0])
	}
	if err != nil {
		return appErr.Wrapf(err, appErr.ExecutionFailed, "%s exited with %d", line, code).
			WithDetail("stderr", stderr.String())
	}
	return nil
}
