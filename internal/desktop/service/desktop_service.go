package service

import (
	"context"
	"fmt"
	"strings"

	"vdesk/internal/desktop/compose"
	"vdesk/internal/desktop/livepatch"
	"vdesk/internal/desktop/port"
	"vdesk/internal/desktop/repository"
	"vdesk/internal/desktop/runtime"
	appErr "vdesk/pkg/errors"
	"vdesk/pkg/utils/contextkey"
	"vdesk/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	ModeRecreate = "recreate"
	ModeLive     = "live"

	minCPUs = 1
	maxCPUs = 32

	stateIdle = "idle"
)

// LivePatcher applies in-place resource changes.
type LivePatcher interface {
	Apply(ctx context.Context, id string, patch livepatch.Patch) (livepatch.Result, error)
}

// CreateRequest describes a new environment.
type CreateRequest struct {
	Name         string
	Image        string
	CPUs         int
	Memory       string
	ShmSize      string
	GPUs         []int
	Swap         string
	RootPassword string
	Comment      string
}

// ModifyRequest is a partial update. Mode selects recreate (default) or live.
type ModifyRequest struct {
	Mode         string
	CPUs         *int
	Memory       *string
	ShmSize      *string
	GPUs         *[]int
	Swap         *string
	RootPassword *string
	Comment      *string
}

// CreateResult is returned by Create.
type CreateResult struct {
	Name         string          `json:"name"`
	Port         int             `json:"port"`
	RootPassword string          `json:"root_password"`
	Compose      *runtime.Result `json:"compose_result,omitempty"`
	Patch        *runtime.Result `json:"patch_result,omitempty"`
	Ready        bool            `json:"ready"`
	Outcome      Outcome         `json:"outcome"`
}

// ModifyResult is returned by Modify.
type ModifyResult struct {
	Mode      string            `json:"mode"`
	Compose   *runtime.Result   `json:"compose_result,omitempty"`
	LivePatch *livepatch.Result `json:"live_patch,omitempty"`
}

// Environment is the listing view of one environment.
type Environment struct {
	Name string `json:"name"`
	compose.Descriptor
	Comment   string `json:"comment"`
	State     string `json:"state"`
	Lifecycle State  `json:"lifecycle,omitempty"`
}

// DesktopService orchestrates environments.
type DesktopService struct {
	descriptors *repository.DescriptorRepository
	audits      *repository.AuditRepository
	translator  *compose.Translator
	lifecycle   *LifecycleExecutor
	patcher     LivePatcher
	runtime     runtime.Runtime
	states      *StateTracker
}

// NewDesktopService wires the desktop service.
func NewDesktopService(
	descriptors *repository.DescriptorRepository,
	audits *repository.AuditRepository,
	translator *compose.Translator,
	lifecycle *LifecycleExecutor,
	patcher LivePatcher,
	rt runtime.Runtime,
	states *StateTracker,
) *DesktopService {
	if translator == nil {
		translator = compose.NewTranslator()
	}
	return &DesktopService{
		descriptors: descriptors,
		audits:      audits,
		translator:  translator,
		lifecycle:   lifecycle,
		patcher:     patcher,
		runtime:     rt,
		states:      states,
	}
}

// Create provisions a new environment and starts it.
func (s *DesktopService) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := validateCreate(req); err != nil {
		return CreateResult{}, err
	}
	ctx = context.WithValue(ctx, contextkey.EnvID, req.Name)
	if s.descriptors.Exists(req.Name) {
		return CreateResult{}, appErr.Newf(appErr.EnvironmentExists, "environment %s already exists", req.Name)
	}

	template, err := s.descriptors.Template()
	if err != nil {
		return CreateResult{}, err
	}
	doc, rootPassword, err := s.translator.Build(template, compose.CreateSpec{
		Name:         req.Name,
		Image:        req.Image,
		CPUs:         req.CPUs,
		Memory:       req.Memory,
		ShmSize:      req.ShmSize,
		GPUs:         req.GPUs,
		Swap:         req.Swap,
		RootPassword: req.RootPassword,
	})
	if err != nil {
		return CreateResult{}, err
	}
	if err := s.descriptors.Create(req.Name, doc, req.Comment); err != nil {
		return CreateResult{}, err
	}
	hostPort, _ := port.Derive(req.Name)
	logger.Info(ctx, "environment created", zap.Int("port", hostPort), zap.String("image", req.Image))

	result := CreateResult{Name: req.Name, Port: hostPort, RootPassword: rootPassword}
	outcome, err := s.lifecycle.Apply(ctx, req.Name, ActionCreate)
	result.Outcome = outcome
	if len(outcome.Results) > 0 {
		result.Compose = &outcome.Results[0]
	}
	result.Patch = outcome.Hook
	result.Ready = outcome.Ready
	if err != nil {
		return result, err
	}
	return result, nil
}

// List returns every environment with its runtime state.
func (s *DesktopService) List(ctx context.Context) ([]Environment, error) {
	ids, err := s.descriptors.List()
	if err != nil {
		return nil, err
	}
	units := s.units(ctx)

	envs := make([]Environment, 0, len(ids))
	for _, id := range ids {
		env, err := s.describe(id, units)
		if err != nil {
			logger.Warn(ctx, "skip unreadable descriptor", zap.String("env_id", id), zap.Error(err))
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Get returns one environment.
func (s *DesktopService) Get(ctx context.Context, id string) (Environment, error) {
	if err := validateName(id); err != nil {
		return Environment{}, err
	}
	return s.describe(id, s.units(ctx))
}

func (s *DesktopService) describe(id string, units []runtime.Unit) (Environment, error) {
	doc, comment, err := s.descriptors.Load(id)
	if err != nil {
		return Environment{}, err
	}
	desc, err := s.translator.Describe(doc)
	if err != nil {
		return Environment{}, err
	}
	env := Environment{Name: id, Descriptor: desc, Comment: comment, State: stateIdle}
	if unit, ok := runtime.FindUnit(units, id); ok && unit.Status != "" {
		env.State = unit.Status
	}
	if s.states != nil {
		env.Lifecycle = s.states.Get(id)
	}
	return env, nil
}

func (s *DesktopService) units(ctx context.Context) []runtime.Unit {
	if s.runtime == nil {
		return nil
	}
	units, err := s.runtime.ListUnits(ctx)
	if err != nil {
		logger.Warn(ctx, "list units failed", zap.Error(err))
		return nil
	}
	return units
}

// Modify merges a partial change into the descriptor, saves it, and applies
// it through either the recreate path or the live path.
func (s *DesktopService) Modify(ctx context.Context, id string, req ModifyRequest) (ModifyResult, error) {
	if err := validateName(id); err != nil {
		return ModifyResult{}, err
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeRecreate
	}
	if mode != ModeRecreate && mode != ModeLive {
		return ModifyResult{}, appErr.ValidationError("mode", "must be recreate or live")
	}
	if err := validateModify(req); err != nil {
		return ModifyResult{}, err
	}
	if mode == ModeLive && s.patcher == nil {
		return ModifyResult{}, appErr.New(appErr.ServiceUnavailable).WithMessage("live patching is not configured")
	}
	ctx = context.WithValue(ctx, contextkey.EnvID, id)

	doc, _, err := s.descriptors.Load(id)
	if err != nil {
		return ModifyResult{}, err
	}
	change := compose.Change{
		CPUs:         req.CPUs,
		Memory:       req.Memory,
		ShmSize:      req.ShmSize,
		GPUs:         req.GPUs,
		Swap:         req.Swap,
		RootPassword: req.RootPassword,
	}
	if err := s.translator.Merge(doc, change); err != nil {
		return ModifyResult{}, err
	}
	if err := s.descriptors.Save(id, doc, req.Comment); err != nil {
		return ModifyResult{}, err
	}

	result := ModifyResult{Mode: mode}
	if mode == ModeLive {
		patch := livepatch.Patch{
			CPUs:    req.CPUs,
			Memory:  nonEmpty(req.Memory),
			Swap:    nonEmpty(req.Swap),
			ShmSize: nonEmpty(req.ShmSize),
			GPUs:    req.GPUs,
		}
		if patch.Empty() {
			return result, nil
		}
		res, err := s.patcher.Apply(ctx, id, patch)
		result.LivePatch = &res
		return result, err
	}

	outcome, err := s.lifecycle.Apply(ctx, id, ActionRecreate)
	if len(outcome.Results) > 0 {
		result.Compose = &outcome.Results[0]
	}
	return result, err
}

// Action runs a caller-requested lifecycle action.
func (s *DesktopService) Action(ctx context.Context, id, name string) (Outcome, error) {
	if err := validateName(id); err != nil {
		return Outcome{}, err
	}
	action, err := ParseAction(name)
	if err != nil {
		return Outcome{}, err
	}
	if !s.descriptors.Exists(id) {
		return Outcome{}, appErr.EnvNotFound(id)
	}
	ctx = context.WithValue(ctx, contextkey.EnvID, id)
	return s.lifecycle.Apply(ctx, id, action)
}

// Delete stops and removes an environment.
func (s *DesktopService) Delete(ctx context.Context, id string) (Outcome, error) {
	return s.Action(ctx, id, string(ActionDelete))
}

// Audit returns the exec audit log of an environment.
func (s *DesktopService) Audit(ctx context.Context, id string) ([]repository.AuditEntry, error) {
	if err := validateName(id); err != nil {
		return nil, err
	}
	if !s.descriptors.Exists(id) {
		return nil, appErr.EnvNotFound(id)
	}
	return s.audits.List(id)
}

// nonEmpty drops empty strings, which the descriptor treats as "unchanged"
// or "remove" and the host config cannot express.
func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func validateName(id string) error {
	if !port.ValidIdentifier(id) {
		return appErr.New(appErr.InvalidIdentifier).
			WithMessagef("invalid environment id %q: must be 6 digits", id).
			WithDetail("name", id)
	}
	return nil
}

func validateCreate(req CreateRequest) error {
	if err := validateName(req.Name); err != nil {
		return err
	}
	if strings.TrimSpace(req.Image) == "" {
		return appErr.ValidationError("image", "required")
	}
	if err := validateCPUs(req.CPUs); err != nil {
		return err
	}
	if strings.TrimSpace(req.Memory) == "" {
		return appErr.ValidationError("memory", "required")
	}
	if err := validateSize("memory", req.Memory); err != nil {
		return err
	}
	if req.ShmSize != "" {
		if err := validateSize("shm_size", req.ShmSize); err != nil {
			return err
		}
	}
	if req.Swap != "" {
		if err := validateSize("swap", req.Swap); err != nil {
			return err
		}
	}
	return validateGPUs(req.GPUs)
}

func validateModify(req ModifyRequest) error {
	if req.CPUs != nil {
		if err := validateCPUs(*req.CPUs); err != nil {
			return err
		}
	}
	for field, value := range map[string]*string{"memory": req.Memory, "shm_size": req.ShmSize, "swap": req.Swap} {
		if value != nil && *value != "" {
			if err := validateSize(field, *value); err != nil {
				return err
			}
		}
	}
	if req.GPUs != nil {
		return validateGPUs(*req.GPUs)
	}
	return nil
}

func validateCPUs(cpus int) error {
	if cpus < minCPUs || cpus > maxCPUs {
		return appErr.ValidationError("cpus", fmt.Sprintf("must be between %d and %d", minCPUs, maxCPUs))
	}
	return nil
}

func validateSize(field, value string) error {
	if _, err := livepatch.ParseSize(value); err != nil {
		return appErr.ValidationError(field, fmt.Sprintf("invalid size %q", value))
	}
	return nil
}

func validateGPUs(gpus []int) error {
	seen := make(map[int]struct{}, len(gpus))
	for _, id := range gpus {
		if id < 0 {
			return appErr.ValidationError("gpus", "device ids must be non-negative")
		}
		if _, dup := seen[id]; dup {
			return appErr.ValidationError("gpus", fmt.Sprintf("duplicate device id %d", id))
		}
		seen[id] = struct{}{}
	}
	return nil
}
