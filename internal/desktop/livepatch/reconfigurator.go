// Package livepatch changes the resource limits of a running environment by
// editing the runtime's per-container host config while the daemon is down.
package livepatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"vdesk/internal/desktop/runtime"
	appErr "vdesk/pkg/errors"
	"vdesk/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	hostConfigFile = "hostconfig.json"

	StepResolve = "resolve"
	StepLock    = "lock"
	StepStop    = "stop"
	StepPatch   = "patch"
	StepStart   = "start"
)

// Patch lists the limits to change. Nil fields are left as they are; an empty
// GPU list removes every device request.
type Patch struct {
	CPUs    *int
	Memory  *string
	Swap    *string
	ShmSize *string
	GPUs    *[]int
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.CPUs == nil && p.Memory == nil && p.Swap == nil && p.ShmSize == nil && p.GPUs == nil
}

// Result describes what a live patch did.
type Result struct {
	Success    bool           `json:"success"`
	Unit       string         `json:"unit,omitempty"`
	Applied    map[string]any `json:"applied,omitempty"`
	FailedStep string         `json:"failed_step,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// UnitLister resolves environments to runtime units.
type UnitLister interface {
	ListUnits(ctx context.Context) ([]runtime.Unit, error)
}

// Config locates the runtime state.
type Config struct {
	DataRoot  string `yaml:"dataRoot"`
	LockFile  string `yaml:"lockFile"`
	Service   string `yaml:"service"`
	GPUDriver string `yaml:"gpuDriver"`
}

// Reconfigurator applies live patches. All patches on the host share lock.
type Reconfigurator struct {
	cfg    Config
	units  UnitLister
	daemon Daemon
	lock   *HostLock
}

// NewReconfigurator creates a reconfigurator.
func NewReconfigurator(cfg Config, units UnitLister, daemon Daemon, lock *HostLock) *Reconfigurator {
	if cfg.DataRoot == "" {
		cfg.DataRoot = "/var/lib/docker"
	}
	if cfg.Service == "" {
		cfg.Service = "my_ws"
	}
	if cfg.GPUDriver == "" {
		cfg.GPUDriver = "nvidia"
	}
	if lock == nil {
		lock = NewHostLock(cfg.LockFile)
	}
	return &Reconfigurator{cfg: cfg, units: units, daemon: daemon, lock: lock}
}

// HostConfigPath returns the state file of a unit.
func (r *Reconfigurator) HostConfigPath(fullID string) string {
	return filepath.Join(r.cfg.DataRoot, "containers", fullID, hostConfigFile)
}

// Apply patches environment id. Errors before the daemon is stopped are
// returned directly. Once the daemon has been stopped the sequence runs to
// completion, the daemon is always started again, and failures are reported
// in the Result together with a LivePatchFailed error.
func (r *Reconfigurator) Apply(ctx context.Context, id string, patch Patch) (Result, error) {
	result := Result{Applied: map[string]any{}}

	values, err := resolveValues(patch)
	if err != nil {
		result.FailedStep = StepResolve
		result.Error = err.Error()
		return result, err
	}

	units, err := r.units.ListUnits(ctx)
	if err != nil {
		result.FailedStep = StepResolve
		result.Error = err.Error()
		return result, err
	}
	unitName := fmt.Sprintf("%s-%s-1", id, r.cfg.Service)
	unit, ok := runtime.FindUnit(units, unitName)
	if !ok {
		err := appErr.Newf(appErr.UnitNotFound, "unit %s not found", unitName)
		result.FailedStep = StepResolve
		result.Error = err.Error()
		return result, err
	}
	result.Unit = unit.Name

	path := r.HostConfigPath(unit.ID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err := appErr.Newf(appErr.UnitConfigNotFound, "unit config %s not found", path)
			result.FailedStep = StepResolve
			result.Error = err.Error()
			return result, err
		}
		result.FailedStep = StepResolve
		result.Error = err.Error()
		return result, appErr.Wrapf(err, appErr.LivePatchFailed, "stat unit config failed")
	}

	unlock, err := r.lock.Lock(ctx)
	if err != nil {
		result.FailedStep = StepLock
		result.Error = err.Error()
		return result, appErr.Wrapf(err, appErr.LockFailed, "acquire host lock failed")
	}
	defer unlock()

	// the daemon is stopped from here on; the caller may no longer cancel
	return r.critical(context.WithoutCancel(ctx), path, values, result)
}

func (r *Reconfigurator) critical(ctx context.Context, path string, values patchValues, result Result) (res Result, err error) {
	res = result
	logger.Warn(ctx, "stopping runtime daemon for live patch", zap.String("unit", res.Unit))
	if stopErr := r.daemon.Stop(ctx); stopErr != nil {
		res.FailedStep = StepStop
		res.Error = stopErr.Error()
	}

	defer func() {
		if p := recover(); p != nil {
			res.Applied = map[string]any{}
			res.FailedStep = StepPatch
			res.Error = fmt.Sprintf("panic: %v", p)
		}
		if startErr := r.daemon.Start(ctx); startErr != nil {
			logger.Error(ctx, "runtime daemon restart failed", zap.Error(startErr))
			if res.FailedStep == "" {
				res.FailedStep = StepStart
				res.Error = startErr.Error()
			} else {
				res.Error += "; restart failed: " + startErr.Error()
			}
		} else {
			logger.Info(ctx, "runtime daemon restarted", zap.String("unit", res.Unit))
		}
		res.Success = res.FailedStep == ""
		if !res.Success {
			err = appErr.Newf(appErr.LivePatchFailed, "live patch failed at %s: %s", res.FailedStep, res.Error).
				WithDetail("failed_step", res.FailedStep)
		}
	}()

	if res.FailedStep != "" {
		return res, nil
	}
	applied, patchErr := r.patchFile(path, values)
	if patchErr != nil {
		res.FailedStep = StepPatch
		res.Error = patchErr.Error()
		return res, nil
	}
	res.Applied = applied
	return res, nil
}

type patchValues struct {
	nanoCPUs *int64
	memory   *int64
	swap     *int64
	shm      *int64
	gpus     *[]int
}

func resolveValues(patch Patch) (patchValues, error) {
	var v patchValues
	if patch.CPUs != nil {
		if *patch.CPUs <= 0 {
			return v, appErr.ValidationError("cpus", "must be positive")
		}
		n := int64(*patch.CPUs) * 1_000_000_000
		v.nanoCPUs = &n
	}
	sizes := []struct {
		in  *string
		out **int64
	}{
		{patch.Memory, &v.memory},
		{patch.Swap, &v.swap},
		{patch.ShmSize, &v.shm},
	}
	for _, s := range sizes {
		if s.in == nil {
			continue
		}
		n, err := ParseSize(*s.in)
		if err != nil {
			return v, err
		}
		*s.out = &n
	}
	v.gpus = patch.GPUs
	return v, nil
}

// patchFile rewrites only the supplied fields of the host config.
func (r *Reconfigurator) patchFile(path string, v patchValues) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var hostConfig map[string]any
	if err := dec.Decode(&hostConfig); err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigCorrupt, "decode %s failed", hostConfigFile)
	}
	if hostConfig == nil {
		return nil, appErr.Newf(appErr.ConfigCorrupt, "%s is empty", hostConfigFile)
	}

	applied := map[string]any{}
	set := func(key string, value any) {
		hostConfig[key] = value
		applied[key] = value
	}

	oldMemory := numberField(hostConfig, "Memory")
	oldMemorySwap := numberField(hostConfig, "MemorySwap")

	if v.nanoCPUs != nil {
		set("NanoCpus", *v.nanoCPUs)
	}
	memory := oldMemory
	if v.memory != nil {
		memory = *v.memory
		set("Memory", memory)
	}
	switch {
	case v.swap != nil:
		set("MemorySwap", memory+*v.swap)
	case v.memory != nil && oldMemory > 0 && oldMemorySwap > oldMemory:
		// keep the previous swap allowance on top of the new limit
		set("MemorySwap", memory+(oldMemorySwap-oldMemory))
	}
	if v.shm != nil {
		set("ShmSize", *v.shm)
	}
	if v.gpus != nil {
		set("DeviceRequests", r.deviceRequests(*v.gpus))
	}

	out, err := json.Marshal(hostConfig)
	if err != nil {
		return nil, fmt.Errorf("encode %s failed: %w", hostConfigFile, err)
	}
	if err := writeFileAtomic(path, out, info.Mode().Perm()); err != nil {
		return nil, err
	}
	return applied, nil
}

func (r *Reconfigurator) deviceRequests(gpus []int) []any {
	if len(gpus) == 0 {
		return []any{}
	}
	ids := make([]string, 0, len(gpus))
	for _, id := range gpus {
		ids = append(ids, strconv.Itoa(id))
	}
	return []any{map[string]any{
		"Driver":       r.cfg.GPUDriver,
		"Count":        0,
		"DeviceIDs":    ids,
		"Capabilities": [][]string{{"gpu"}},
		"Options":      map[string]string{},
	}}
}

func numberField(m map[string]any, key string) int64 {
	switch value := m[key].(type) {
	case json.Number:
		n, err := value.Int64()
		if err != nil {
			return 0
		}
		return n
	case int64:
		return value
	case float64:
		return int64(value)
	}
	return 0
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
