// Package runtime drives the container runtime that hosts environments.
package runtime

import (
	"context"
	"io"
	"strings"
)

// Unit is one container as reported by the runtime.
type Unit struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	State  string `json:"state"`
}

// Result is the outcome of a finished runtime command.
type Result struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Process is a command started inside a unit.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the command exits and returns its exit code.
	Wait() (int, error)
}

// Runtime is the capability the desktop service needs from the container
// runtime. Commands that exit nonzero return their Result together with an
// ExecutionFailed error; a missing binary is ToolUnavailable.
type Runtime interface {
	Up(ctx context.Context, descriptorPath string, recreate bool) (Result, error)
	Down(ctx context.Context, descriptorPath string) (Result, error)
	ListUnits(ctx context.Context) ([]Unit, error)
	Exec(ctx context.Context, unit string, argv []string, user string) (Process, error)
	RunScript(ctx context.Context, script string, args ...string) (Result, error)
}

// FindUnit returns the first unit whose name contains fragment.
func FindUnit(units []Unit, fragment string) (Unit, bool) {
	for _, unit := range units {
		if strings.Contains(unit.Name, fragment) {
			return unit, true
		}
	}
	return Unit{}, false
}
