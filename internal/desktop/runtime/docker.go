package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"strings"

	appErr "vdesk/pkg/errors"
	"vdesk/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config selects the runtime binaries.
type Config struct {
	Binary  string   `yaml:"binary"`
	Compose []string `yaml:"compose"`
	Shell   string   `yaml:"shell"`
}

// Docker runs the docker CLI.
type Docker struct {
	cfg Config
}

// NewDocker creates a docker adapter, filling defaults.
func NewDocker(cfg Config) *Docker {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if len(cfg.Compose) == 0 {
		cfg.Compose = []string{cfg.Binary, "compose"}
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	return &Docker{cfg: cfg}
}

func (d *Docker) Up(ctx context.Context, descriptorPath string, recreate bool) (Result, error) {
	args := append(d.composeArgs(descriptorPath), "up", "-d")
	if recreate {
		args = append(args, "--force-recreate")
	}
	return d.run(ctx, d.cfg.Compose[0], args...)
}

func (d *Docker) Down(ctx context.Context, descriptorPath string) (Result, error) {
	args := append(d.composeArgs(descriptorPath), "down")
	return d.run(ctx, d.cfg.Compose[0], args...)
}

func (d *Docker) RunScript(ctx context.Context, script string, args ...string) (Result, error) {
	return d.run(ctx, d.cfg.Shell, append([]string{script}, args...)...)
}

type psLine struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Status string `json:"Status"`
	State  string `json:"State"`
}

func (d *Docker) ListUnits(ctx context.Context) ([]Unit, error) {
	res, err := d.run(ctx, d.cfg.Binary, "ps", "-a", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		if appErr.GetCode(err) == appErr.ToolUnavailable {
			return nil, err
		}
		return nil, appErr.Wrapf(err, appErr.RuntimeListError, "list units failed")
	}
	return parseUnits(res.Stdout)
}

func parseUnits(out string) ([]Unit, error) {
	units := make([]Unit, 0)
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ps psLine
		if err := json.Unmarshal([]byte(line), &ps); err != nil {
			return nil, appErr.Wrapf(err, appErr.RuntimeListError, "decode unit listing failed")
		}
		units = append(units, Unit{ID: ps.ID, Name: ps.Names, Status: ps.Status, State: ps.State})
	}
	if err := scanner.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.RuntimeListError, "read unit listing failed")
	}
	return units, nil
}

func (d *Docker) Exec(ctx context.Context, unit string, argv []string, user string) (Process, error) {
	if len(argv) == 0 {
		return nil, appErr.New(appErr.ExecCommandMissing)
	}
	args := []string{"exec"}
	if user != "" {
		args = append(args, "-u", user)
	}
	args = append(args, unit)
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, d.cfg.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ExecStartFailed, "open stdout failed")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ExecStartFailed, "open stderr failed")
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, appErr.ToolMissing(err, d.cfg.Binary)
		}
		return nil, appErr.Wrapf(err, appErr.ExecStartFailed, "start exec failed")
	}
	logger.Info(ctx, "runtime exec started", zap.String("command", commandLine(d.cfg.Binary, args)))
	return &cmdProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type cmdProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *cmdProcess) Stdout() io.Reader { return p.stdout }
func (p *cmdProcess) Stderr() io.Reader { return p.stderr }

func (p *cmdProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}

func (d *Docker) composeArgs(descriptorPath string) []string {
	args := make([]string, 0, len(d.cfg.Compose)+4)
	args = append(args, d.cfg.Compose[1:]...)
	return append(args, "-f", descriptorPath)
}

// run executes a command to completion and records it in the log.
func (d *Docker) run(ctx context.Context, name string, args ...string) (Result, error) {
	res := Result{Command: commandLine(name, args)}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = exitCode(err, cmd)

	fields := []zap.Field{
		zap.String("command", res.Command),
		zap.Int("exit_code", res.ExitCode),
		zap.String("stdout", res.Stdout),
		zap.String("stderr", res.Stderr),
	}
	if errors.Is(err, exec.ErrNotFound) {
		logger.Error(ctx, "runtime command", append(fields, zap.Error(err))...)
		return res, appErr.ToolMissing(err, name).
			WithDetail("command", res.Command)
	}
	logger.Info(ctx, "runtime command", fields...)
	if err != nil {
		return res, appErr.Wrapf(err, appErr.ExecutionFailed, "command exited with %d", res.ExitCode).
			WithDetail("command", res.Command).
			WithDetail("exit_code", res.ExitCode).
			WithDetail("stdout", res.Stdout).
			WithDetail("stderr", res.Stderr)
	}
	return res, nil
}

func exitCode(err error, cmd *exec.Cmd) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func commandLine(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}
