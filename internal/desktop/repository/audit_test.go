package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	appErr "vdesk/pkg/errors"
)

func TestAuditAppendList(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "123456"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	repo := NewAuditRepository(root)

	entries, err := repo.List("123456")
	if err != nil || len(entries) != 0 {
		t.Fatalf("List() on empty log = %v, %v", entries, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := repo.Append("123456", AuditEntry{User: "admin", Command: fmt.Sprintf("echo %d", i), ExitCode: 0}); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	entries, err = repo.List("123456")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("entries = %d, want 10", len(entries))
	}
	for _, entry := range entries {
		if entry.ID == "" || entry.Timestamp.IsZero() {
			t.Fatalf("entry not stamped: %+v", entry)
		}
	}
}

func TestAuditAppendMissingEnvironment(t *testing.T) {
	repo := NewAuditRepository(t.TempDir())
	err := repo.Append("123456", AuditEntry{Command: "ls"})
	if appErr.GetCode(err) != appErr.EnvironmentNotFound {
		t.Fatalf("code = %v, want EnvironmentNotFound", appErr.GetCode(err))
	}
}
