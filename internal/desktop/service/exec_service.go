package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"vdesk/internal/desktop/repository"
	"vdesk/internal/desktop/runtime"
	appErr "vdesk/pkg/errors"
	"vdesk/pkg/utils/contextkey"
	"vdesk/pkg/utils/logger"

	"github.com/google/shlex"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	FrameStdout = "stdout"
	FrameStderr = "stderr"
	FrameExit   = "exit"
	FrameError  = "error"

	execUser              = "root"
	defaultMaxCaptureSize = 1 << 20
	maxLineSize           = 1 << 20
)

// Frame is one server-to-client message of an exec session.
type Frame struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Code    *int   `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorFrame converts err into an in-band error message.
func ErrorFrame(err error) Frame {
	kind := appErr.GetCode(err).Kind()
	msg := err.Error()
	if e := appErr.GetError(err); e != nil {
		msg = e.Message
	}
	return Frame{Type: FrameError, Error: kind, Message: msg}
}

// ExitFrame reports the exit code of a command.
func ExitFrame(code int) Frame {
	return Frame{Type: FrameExit, Code: &code}
}

// Emitter delivers frames to the client.
type Emitter func(Frame) error

// ExecRequest is one command for one environment.
type ExecRequest struct {
	EnvID   string
	User    string
	Command string
}

// ExecConfig controls exec sessions.
type ExecConfig struct {
	Service        string
	MaxCaptureSize int
}

// ExecService runs interactive commands and relays their output.
type ExecService struct {
	runtime     runtime.Runtime
	descriptors *repository.DescriptorRepository
	audits      *repository.AuditRepository
	cfg         ExecConfig
}

// NewExecService creates an exec service.
func NewExecService(rt runtime.Runtime, descriptors *repository.DescriptorRepository, audits *repository.AuditRepository, cfg ExecConfig) *ExecService {
	if cfg.Service == "" {
		cfg.Service = "my_ws"
	}
	if cfg.MaxCaptureSize <= 0 {
		cfg.MaxCaptureSize = defaultMaxCaptureSize
	}
	return &ExecService{runtime: rt, descriptors: descriptors, audits: audits, cfg: cfg}
}

// Run executes req and streams its output through emit until ctx is done.
// Cancelling ctx stops delivery only: the command keeps running, its output
// is still captured, and exactly one audit entry is written when it ends.
// Failures that happen before the command starts are emitted as an error
// frame and, once the environment is known to exist, audited with exit
// code -1.
func (s *ExecService) Run(ctx context.Context, req ExecRequest, emit Emitter) (repository.AuditEntry, error) {
	ctx = context.WithValue(ctx, contextkey.EnvID, req.EnvID)
	relay := newRelay(ctx, emit)

	if strings.TrimSpace(req.Command) == "" {
		return s.reject(ctx, relay, req, appErr.New(appErr.ExecCommandMissing).WithMessage("cmd is required"))
	}
	if err := s.locate(req.EnvID); err != nil {
		relay.send(ErrorFrame(err))
		return repository.AuditEntry{}, err
	}

	proc, err := s.start(ctx, req)
	if err != nil {
		return s.reject(ctx, relay, req, err)
	}
	entry := repository.AuditEntry{User: req.User, Command: req.Command}

	stdout := newCapture(s.cfg.MaxCaptureSize)
	stderr := newCapture(s.cfg.MaxCaptureSize)
	readers := pool.New().WithErrors()
	readers.Go(func() error { return relay.pump(proc.Stdout(), FrameStdout, stdout) })
	readers.Go(func() error { return relay.pump(proc.Stderr(), FrameStderr, stderr) })
	readErr := readers.Wait()

	code, waitErr := proc.Wait()
	entry.ExitCode = code
	entry.Stdout = stdout.String()
	entry.Stderr = stderr.String()
	if readErr != nil {
		logger.Warn(ctx, "exec output read failed", zap.Error(readErr))
	}
	if waitErr != nil {
		logger.Warn(ctx, "exec wait failed", zap.Error(waitErr))
	}
	relay.send(ExitFrame(code))
	s.audit(ctx, req.EnvID, &entry)

	logger.Info(ctx, "exec finished",
		zap.String("command", req.Command),
		zap.Int("exit_code", code),
		zap.Bool("delivered", relay.live()))
	return entry, nil
}

// Reject ends a session that failed before a command could run, such as an
// unreadable command frame. It emits cause and audits it like Run does.
func (s *ExecService) Reject(ctx context.Context, req ExecRequest, cause error, emit Emitter) (repository.AuditEntry, error) {
	ctx = context.WithValue(ctx, contextkey.EnvID, req.EnvID)
	return s.reject(ctx, newRelay(ctx, emit), req, cause)
}

// locate fails for sessions that have no environment to audit into.
func (s *ExecService) locate(id string) error {
	if err := validateName(id); err != nil {
		return err
	}
	if !s.descriptors.Exists(id) {
		return appErr.EnvNotFound(id)
	}
	return nil
}

func (s *ExecService) reject(ctx context.Context, relay *relay, req ExecRequest, cause error) (repository.AuditEntry, error) {
	relay.send(ErrorFrame(cause))
	if err := s.locate(req.EnvID); err != nil {
		return repository.AuditEntry{}, cause
	}
	entry := repository.AuditEntry{User: req.User, Command: req.Command, ExitCode: -1, Stderr: cause.Error()}
	s.audit(ctx, req.EnvID, &entry)
	return entry, cause
}

func (s *ExecService) start(ctx context.Context, req ExecRequest) (runtime.Process, error) {
	argv, err := shlex.Split(req.Command)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ValidationFailed, "cannot parse command: %v", err)
	}
	if len(argv) == 0 {
		return nil, appErr.New(appErr.ExecCommandMissing).WithMessage("cmd is required")
	}

	units, err := s.runtime.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	name := req.EnvID + "-" + s.cfg.Service + "-1"
	unit, ok := runtime.FindUnit(units, name)
	if !ok {
		return nil, appErr.Newf(appErr.UnitNotFound, "unit %s not found", name)
	}

	// the command outlives the client connection
	proc, err := s.runtime.Exec(context.WithoutCancel(ctx), unit.Name, argv, execUser)
	if err != nil {
		if appErr.GetCode(err) == appErr.InternalServerError {
			return nil, appErr.Wrapf(err, appErr.ExecStartFailed, "start command failed: %v", err)
		}
		return nil, err
	}
	return proc, nil
}

func (s *ExecService) audit(ctx context.Context, id string, entry *repository.AuditEntry) {
	if err := s.audits.Append(id, *entry); err != nil {
		logger.Error(ctx, "append exec audit failed", zap.Error(err))
	}
}

// relay serializes frame delivery. Once delivery fails or ctx ends it stops
// sending but callers keep draining their streams.
type relay struct {
	ctx    context.Context
	emit   Emitter
	mu     sync.Mutex
	closed atomic.Bool
}

func newRelay(ctx context.Context, emit Emitter) *relay {
	return &relay{ctx: ctx, emit: emit}
}

func (r *relay) live() bool {
	return !r.closed.Load() && r.ctx.Err() == nil
}

func (r *relay) send(frame Frame) {
	if !r.live() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return
	}
	if err := r.emit(frame); err != nil {
		r.closed.Store(true)
	}
}

func (r *relay) pump(src io.Reader, kind string, capture *capture) error {
	reader := bufio.NewReaderSize(src, 64*1024)
	for {
		line, err := readLine(reader)
		if len(line) > 0 || err == nil {
			capture.WriteLine(line)
			r.send(Frame{Type: kind, Data: line})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// readLine returns one line without its terminator. Lines longer than
// maxLineSize are split.
func readLine(reader *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := reader.ReadLine()
		sb.Write(chunk)
		if err != nil {
			return sb.String(), err
		}
		if !isPrefix || sb.Len() >= maxLineSize {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
	}
}

// capture keeps up to limit bytes of a stream.
type capture struct {
	mu        sync.Mutex
	sb        strings.Builder
	limit     int
	truncated bool
}

func newCapture(limit int) *capture {
	return &capture{limit: limit}
}

func (c *capture) WriteLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return
	}
	if c.sb.Len()+len(line)+1 > c.limit {
		c.truncated = true
		return
	}
	c.sb.WriteString(line)
	c.sb.WriteByte('\n')
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.sb.String() + "[output truncated]\n"
	}
	return c.sb.String()
}
