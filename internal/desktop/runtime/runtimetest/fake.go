// Package runtimetest provides an in-memory runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"vdesk/internal/desktop/runtime"
	appErr "vdesk/pkg/errors"
)

// Call is one recorded runtime invocation.
type Call struct {
	Op   string
	Args []string
}

// ExecFunc scripts the behavior of an exec'd command.
type ExecFunc func(unit string, argv []string) (stdout, stderr string, code int, err error)

// FakeRuntime simulates compose projects. Up registers a running unit named
// "<project>-<service>-1" where project is the descriptor's directory name.
type FakeRuntime struct {
	mu      sync.Mutex
	Service string
	units   map[string]runtime.Unit
	calls   []Call

	// Errors injected per operation ("up", "down", "list", "exec", "script").
	Errors map[string]error
	// ExecFn scripts exec; by default it echoes the argv on stdout.
	ExecFn ExecFunc
	// ProcessFn, when set, takes precedence over ExecFn.
	ProcessFn func(unit string, argv []string) (runtime.Process, error)
	// Ready controls whether Up registers a unit.
	Ready bool
}

// New returns a fake with the default service name.
func New() *FakeRuntime {
	return &FakeRuntime{
		Service: "my_ws",
		units:   make(map[string]runtime.Unit),
		Errors:  make(map[string]error),
		Ready:   true,
	}
}

// Calls returns a copy of the recorded invocations.
func (f *FakeRuntime) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallOps returns the operation names in call order.
func (f *FakeRuntime) CallOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		ops = append(ops, c.Op)
	}
	return ops
}

// SetUnit registers a unit directly.
func (f *FakeRuntime) SetUnit(unit runtime.Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[unit.Name] = unit
}

// Unit returns the unit registered under name.
func (f *FakeRuntime) Unit(name string) (runtime.Unit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unit, ok := f.units[name]
	return unit, ok
}

// UnitName returns the unit name for a project id.
func (f *FakeRuntime) UnitName(project string) string {
	return fmt.Sprintf("%s-%s-1", project, f.Service)
}

func (f *FakeRuntime) record(op string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Args: args})
	return f.Errors[op]
}

func projectOf(descriptorPath string) string {
	return filepath.Base(filepath.Dir(descriptorPath))
}

func (f *FakeRuntime) Up(ctx context.Context, descriptorPath string, recreate bool) (runtime.Result, error) {
	res := runtime.Result{Command: "compose -f " + descriptorPath + " up -d"}
	if recreate {
		res.Command += " --force-recreate"
	}
	if err := f.record("up", descriptorPath, fmt.Sprint(recreate)); err != nil {
		res.ExitCode = 1
		return res, err
	}
	if f.Ready {
		name := f.UnitName(projectOf(descriptorPath))
		f.SetUnit(runtime.Unit{ID: "id-" + name, Name: name, Status: "Up", State: "running"})
	}
	return res, nil
}

func (f *FakeRuntime) Down(ctx context.Context, descriptorPath string) (runtime.Result, error) {
	res := runtime.Result{Command: "compose -f " + descriptorPath + " down"}
	if err := f.record("down", descriptorPath); err != nil {
		res.ExitCode = 1
		return res, err
	}
	f.mu.Lock()
	delete(f.units, f.UnitName(projectOf(descriptorPath)))
	f.mu.Unlock()
	return res, nil
}

func (f *FakeRuntime) ListUnits(ctx context.Context) ([]runtime.Unit, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	units := make([]runtime.Unit, 0, len(f.units))
	for _, unit := range f.units {
		units = append(units, unit)
	}
	return units, nil
}

func (f *FakeRuntime) RunScript(ctx context.Context, script string, args ...string) (runtime.Result, error) {
	res := runtime.Result{Command: strings.Join(append([]string{"/bin/bash", script}, args...), " ")}
	if err := f.record("script", append([]string{script}, args...)...); err != nil {
		res.ExitCode = 1
		return res, err
	}
	return res, nil
}

func (f *FakeRuntime) Exec(ctx context.Context, unit string, argv []string, user string) (runtime.Process, error) {
	if err := f.record("exec", append([]string{unit, user}, argv...)...); err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, appErr.New(appErr.ExecCommandMissing)
	}
	if f.ProcessFn != nil {
		return f.ProcessFn(unit, argv)
	}
	fn := f.ExecFn
	if fn == nil {
		fn = func(unit string, argv []string) (string, string, int, error) {
			return strings.Join(argv, " ") + "\n", "", 0, nil
		}
	}
	stdout, stderr, code, err := fn(unit, argv)
	if err != nil {
		return nil, err
	}
	return &process{
		stdout: strings.NewReader(stdout),
		stderr: strings.NewReader(stderr),
		code:   code,
	}, nil
}

type process struct {
	stdout io.Reader
	stderr io.Reader
	code   int
}

func (p *process) Stdout() io.Reader  { return p.stdout }
func (p *process) Stderr() io.Reader  { return p.stderr }
func (p *process) Wait() (int, error) { return p.code, nil }

// PipeProcess is a process whose output is produced by the test.
type PipeProcess struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	exit             chan int
}

// NewPipeProcess creates a process that runs until Exit is called.
func NewPipeProcess() *PipeProcess {
	p := &PipeProcess{exit: make(chan int, 1)}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *PipeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *PipeProcess) Stderr() io.Reader { return p.stderrR }

// WriteStdout emits one line on stdout. It blocks until the line is read.
func (p *PipeProcess) WriteStdout(line string) error {
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

// WriteStderr emits one line on stderr.
func (p *PipeProcess) WriteStderr(line string) error {
	_, err := io.WriteString(p.stderrW, line+"\n")
	return err
}

// Exit closes both streams and completes Wait with code.
func (p *PipeProcess) Exit(code int) {
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
	p.exit <- code
}

func (p *PipeProcess) Wait() (int, error) {
	return <-p.exit, nil
}
