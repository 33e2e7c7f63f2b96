package service

import (
	"context"
	"sync"

	"vdesk/pkg/utils/logger"

	"go.uber.org/zap"
)

// State is the in-process lifecycle state of an environment.
type State string

const (
	StateUnknown      State = ""
	StateAbsent       State = "absent"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

var transitions = map[State][]State{
	StateAbsent:       {StateProvisioning},
	StateProvisioning: {StateRunning, StateFailed},
	StateRunning:      {StateProvisioning, StateStopped, StateAbsent, StateFailed},
	StateStopped:      {StateProvisioning, StateRunning, StateAbsent, StateFailed},
}

// StateTracker records lifecycle states. Environments the process has not
// touched since start are unknown and accept any transition, as does failed.
type StateTracker struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewStateTracker creates an empty tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{states: make(map[string]State)}
}

// Get returns the recorded state.
func (t *StateTracker) Get(id string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[id]
}

// Set records a transition. Unexpected transitions are logged and applied.
func (t *StateTracker) Set(ctx context.Context, id string, to State) {
	t.mu.Lock()
	from := t.states[id]
	if to == StateAbsent {
		delete(t.states, id)
	} else {
		t.states[id] = to
	}
	t.mu.Unlock()

	if !allowed(from, to) {
		logger.Warn(ctx, "unexpected lifecycle transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
}

func allowed(from, to State) bool {
	if from == StateUnknown || from == StateFailed || from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
