package repository

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	appErr "vdesk/pkg/errors"

	"github.com/google/uuid"
)

const AuditFile = "exec_audit.json"

// AuditEntry records one interactive command.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Command   string    `json:"command"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
}

// AuditRepository appends exec audit entries next to the descriptor.
type AuditRepository struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// NewAuditRepository creates a repository rooted at containersDir.
func NewAuditRepository(containersDir string) *AuditRepository {
	return &AuditRepository{root: containersDir, now: time.Now}
}

func (r *AuditRepository) path(id string) string {
	return filepath.Join(r.root, id, AuditFile)
}

// Append adds an entry to the environment's audit log. ID and Timestamp are
// filled when empty.
func (r *AuditRepository) Append(id string, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(filepath.Join(r.root, id)); err != nil {
		return appErr.EnvNotFound(id)
	}
	entries, err := r.read(id)
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return appErr.Wrapf(err, appErr.AuditLogError, "encode audit log failed")
	}
	if err := writeFileAtomic(r.path(id), data, 0o600); err != nil {
		return appErr.Wrapf(err, appErr.AuditLogError, "write audit log failed")
	}
	return nil
}

// List returns all entries in append order.
func (r *AuditRepository) List(id string) ([]AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(id)
}

func (r *AuditRepository) read(id string) ([]AuditEntry, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []AuditEntry{}, nil
		}
		return nil, appErr.Wrapf(err, appErr.AuditLogError, "read audit log failed")
	}
	if len(data) == 0 {
		return []AuditEntry{}, nil
	}
	var entries []AuditEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, appErr.Wrapf(err, appErr.AuditLogError, "decode audit log failed")
	}
	return entries, nil
}
