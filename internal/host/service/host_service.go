package service

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	appErr "vdesk/pkg/errors"
	"vdesk/pkg/utils/logger"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const defaultNvidiaSMI = "nvidia-smi"

// GPU is one accelerator reported by the driver.
type GPU struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HostInfo summarizes the resources of the host.
type HostInfo struct {
	CPUs        int    `json:"cpus"`
	MemoryBytes uint64 `json:"memory_bytes"`
	GPUs        []GPU  `json:"gpus"`
}

// HostService reports host resources for the create form.
type HostService struct {
	cpuCount func(ctx context.Context) (int, error)
	memTotal func(ctx context.Context) (uint64, error)
	gpuQuery func(ctx context.Context) (string, error)
}

// NewHostService probes the local machine. nvidiaSMI defaults to "nvidia-smi".
func NewHostService(nvidiaSMI string) *HostService {
	if nvidiaSMI == "" {
		nvidiaSMI = defaultNvidiaSMI
	}
	return &HostService{
		cpuCount: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
		memTotal: func(ctx context.Context) (uint64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.Total, nil
		},
		gpuQuery: func(ctx context.Context) (string, error) {
			out, err := exec.CommandContext(ctx, nvidiaSMI, "--query-gpu=index,name", "--format=csv,noheader").Output()
			return string(out), err
		},
	}
}

// Info collects the host summary. A host without nvidia-smi reports no GPUs.
func (s *HostService) Info(ctx context.Context) (HostInfo, error) {
	cpus, err := s.cpuCount(ctx)
	if err != nil {
		return HostInfo{}, appErr.Wrap(fmt.Errorf("count cpus failed: %w", err), appErr.InternalServerError)
	}
	memory, err := s.memTotal(ctx)
	if err != nil {
		return HostInfo{}, appErr.Wrap(fmt.Errorf("read memory failed: %w", err), appErr.InternalServerError)
	}

	info := HostInfo{CPUs: cpus, MemoryBytes: memory, GPUs: []GPU{}}
	out, err := s.gpuQuery(ctx)
	switch {
	case err == nil:
		info.GPUs = parseGPUs(out)
	case errors.Is(err, exec.ErrNotFound):
	default:
		logger.Warn(ctx, "gpu query failed", zap.Error(err))
	}
	return info, nil
}

// parseGPUs reads "index, name" CSV lines.
func parseGPUs(out string) []GPU {
	gpus := []GPU{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, name, _ := strings.Cut(line, ",")
		gpus = append(gpus, GPU{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name)})
	}
	return gpus
}
