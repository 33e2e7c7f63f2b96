package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vdesk/internal/desktop/compose"
	"vdesk/internal/desktop/livepatch"
	"vdesk/internal/desktop/repository"
	"vdesk/internal/desktop/runtime/runtimetest"
)

const serviceTemplate = `services:
  my_ws:
    image: placeholder
    ports:
      - "10000:22"
    environment:
      TZ: UTC
    deploy:
      resources:
        limits:
          cpus: "1"
          memory: 1g
        reservations:
          devices:
            - driver: nvidia
              device_ids: ["0"]
              capabilities: [gpu]
`

type fixture struct {
	rt          *runtimetest.FakeRuntime
	descriptors *repository.DescriptorRepository
	audits      *repository.AuditRepository
	states      *StateTracker
	lifecycle   *LifecycleExecutor
	patcher     *fakePatcher
	desktop     *DesktopService
	exec        *ExecService
}

type fakePatcher struct {
	calls  []livepatch.Patch
	ids    []string
	result livepatch.Result
	err    error
}

func (f *fakePatcher) Apply(ctx context.Context, id string, patch livepatch.Patch) (livepatch.Result, error) {
	f.calls = append(f.calls, patch)
	f.ids = append(f.ids, id)
	return f.result, f.err
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "docker-compose.yml.template")
	if err := os.WriteFile(tmpl, []byte(serviceTemplate), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	f := &fixture{
		rt:          runtimetest.New(),
		descriptors: repository.NewDescriptorRepository(filepath.Join(dir, "containers"), tmpl),
		audits:      repository.NewAuditRepository(filepath.Join(dir, "containers")),
		states:      NewStateTracker(),
		patcher:     &fakePatcher{result: livepatch.Result{Success: true}},
	}
	translator := compose.NewTranslator()
	translator.PasswordGen = func() (string, error) { return "generated-pw", nil }
	f.lifecycle = NewLifecycleExecutor(f.rt, f.descriptors, f.states, LifecycleConfig{
		PatchScript:   "/opt/vdesk/patches.sh",
		ReadyInterval: time.Millisecond,
		ReadyTimeout:  20 * time.Millisecond,
	})
	f.desktop = NewDesktopService(f.descriptors, f.audits, translator, f.lifecycle, f.patcher, f.rt, f.states)
	f.exec = NewExecService(f.rt, f.descriptors, f.audits, ExecConfig{})
	return f
}

func (f *fixture) create(t *testing.T, name string) CreateResult {
	t.Helper()
	res, err := f.desktop.Create(context.Background(), CreateRequest{
		Name:   name,
		Image:  "registry.local/desk:latest",
		CPUs:   2,
		Memory: "8g",
		GPUs:   []int{},
	})
	if err != nil {
		t.Fatalf("Create(%s) error = %v", name, err)
	}
	return res
}

func ptr[T any](v T) *T {
	return &v
}
