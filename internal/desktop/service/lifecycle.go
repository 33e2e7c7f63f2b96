package service

import (
	"context"
	"fmt"
	"time"

	"vdesk/internal/desktop/runtime"
	appErr "vdesk/pkg/errors"
	"vdesk/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultReadyInterval = time.Second
	defaultReadyTimeout  = 30 * time.Second
)

// Action is a lifecycle operation.
type Action string

const (
	ActionCreate   Action = "create"
	ActionRecreate Action = "recreate"
	ActionStart    Action = "start"
	ActionStop     Action = "stop"
	ActionRestart  Action = "restart"
	ActionDelete   Action = "delete"
)

// ParseAction validates an action name accepted from callers.
func ParseAction(name string) (Action, error) {
	switch Action(name) {
	case ActionStart, ActionStop, ActionRestart, ActionDelete:
		return Action(name), nil
	}
	return "", appErr.Newf(appErr.InvalidAction, "invalid action %q", name).WithDetail("action", name)
}

// DescriptorLocator maps environments to descriptor paths.
type DescriptorLocator interface {
	Path(id string) string
	Remove(id string) error
}

// LifecycleConfig controls provisioning.
type LifecycleConfig struct {
	Service       string
	PatchScript   string
	ReadyInterval time.Duration
	ReadyTimeout  time.Duration
}

// Outcome reports what a lifecycle action ran.
type Outcome struct {
	Action    Action           `json:"action"`
	Results   []runtime.Result `json:"results"`
	Unit      string           `json:"unit,omitempty"`
	Ready     bool             `json:"ready"`
	Hook      *runtime.Result  `json:"hook,omitempty"`
	HookError string           `json:"hook_error,omitempty"`
	Error     string           `json:"error,omitempty"`
	State     State            `json:"state"`
}

// LifecycleExecutor drives environments through the container runtime.
type LifecycleExecutor struct {
	runtime     runtime.Runtime
	descriptors DescriptorLocator
	states      *StateTracker
	cfg         LifecycleConfig
}

// NewLifecycleExecutor creates an executor.
func NewLifecycleExecutor(rt runtime.Runtime, descriptors DescriptorLocator, states *StateTracker, cfg LifecycleConfig) *LifecycleExecutor {
	if cfg.Service == "" {
		cfg.Service = "my_ws"
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = defaultReadyInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if states == nil {
		states = NewStateTracker()
	}
	return &LifecycleExecutor{runtime: rt, descriptors: descriptors, states: states, cfg: cfg}
}

// UnitName returns the runtime unit name of an environment.
func (e *LifecycleExecutor) UnitName(id string) string {
	return fmt.Sprintf("%s-%s-1", id, e.cfg.Service)
}

// Apply runs action for environment id. Runtime failures return the outcome
// together with the coded error; delete always removes the storage even when
// stopping the unit failed, and reports that failure in the outcome.
func (e *LifecycleExecutor) Apply(ctx context.Context, id string, action Action) (Outcome, error) {
	out := Outcome{Action: action, Results: []runtime.Result{}, Unit: e.UnitName(id)}
	path := e.descriptors.Path(id)

	switch action {
	case ActionCreate, ActionRecreate, ActionStart:
		e.states.Set(ctx, id, StateProvisioning)
		res, err := e.runtime.Up(ctx, path, action == ActionRecreate)
		out.Results = append(out.Results, res)
		if err != nil {
			if action == ActionCreate {
				// the unit may exist partially; the hook is best effort
				e.runHook(ctx, &out)
			}
			return e.fail(ctx, id, out, err)
		}
		if action == ActionCreate {
			out.Ready = e.waitReady(ctx, out.Unit)
			e.runHook(ctx, &out)
		}
		return e.done(ctx, id, out, StateRunning), nil

	case ActionStop:
		res, err := e.runtime.Down(ctx, path)
		out.Results = append(out.Results, res)
		if err != nil {
			return e.fail(ctx, id, out, err)
		}
		return e.done(ctx, id, out, StateStopped), nil

	case ActionRestart:
		res, err := e.runtime.Down(ctx, path)
		out.Results = append(out.Results, res)
		if err != nil {
			return e.fail(ctx, id, out, err)
		}
		e.states.Set(ctx, id, StateProvisioning)
		res, err = e.runtime.Up(ctx, path, false)
		out.Results = append(out.Results, res)
		if err != nil {
			return e.fail(ctx, id, out, err)
		}
		return e.done(ctx, id, out, StateRunning), nil

	case ActionDelete:
		res, stopErr := e.runtime.Down(ctx, path)
		out.Results = append(out.Results, res)
		if stopErr != nil {
			out.Error = stopErr.Error()
			logger.Warn(ctx, "stop before delete failed", zap.String("unit", out.Unit), zap.Error(stopErr))
		}
		if err := e.descriptors.Remove(id); err != nil {
			return e.fail(ctx, id, out, err)
		}
		return e.done(ctx, id, out, StateAbsent), nil
	}
	return out, appErr.Newf(appErr.InvalidAction, "invalid action %q", action)
}

func (e *LifecycleExecutor) done(ctx context.Context, id string, out Outcome, state State) Outcome {
	e.states.Set(ctx, id, state)
	out.State = state
	return out
}

func (e *LifecycleExecutor) fail(ctx context.Context, id string, out Outcome, err error) (Outcome, error) {
	e.states.Set(ctx, id, StateFailed)
	out.State = StateFailed
	out.Error = err.Error()
	logger.Error(ctx, "lifecycle action failed",
		zap.String("action", string(out.Action)),
		zap.String("unit", out.Unit),
		zap.Error(err))
	return out, err
}

// waitReady polls the unit listing until unit shows up or the timeout passes.
// Not finding it is reported, never fatal.
func (e *LifecycleExecutor) waitReady(ctx context.Context, unit string) bool {
	start := time.Now()
	deadline := time.NewTimer(e.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.ReadyInterval)
	defer ticker.Stop()

	for {
		units, err := e.runtime.ListUnits(ctx)
		if err == nil {
			if _, ok := runtime.FindUnit(units, unit); ok {
				logger.Info(ctx, "unit appeared", zap.String("unit", unit), zap.Duration("after", time.Since(start)))
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			logger.Warn(ctx, "unit did not appear in time, running hook anyway",
				zap.String("unit", unit), zap.Duration("timeout", e.cfg.ReadyTimeout))
			return false
		case <-ticker.C:
		}
	}
}

func (e *LifecycleExecutor) runHook(ctx context.Context, out *Outcome) {
	if e.cfg.PatchScript == "" {
		return
	}
	res, err := e.runtime.RunScript(ctx, e.cfg.PatchScript, out.Unit)
	out.Hook = &res
	if err != nil {
		out.HookError = appErr.Wrapf(err, appErr.HookFailed, "post-provision hook failed: %v", err).Error()
	}
}
