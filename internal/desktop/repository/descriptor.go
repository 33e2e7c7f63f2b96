package repository

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"vdesk/internal/desktop/compose"
	"vdesk/internal/desktop/port"
	appErr "vdesk/pkg/errors"
)

const (
	DescriptorFile = "docker-compose.yml"
	commentPrefix  = "# comment:"
)

// DescriptorRepository stores one descriptor per environment directory.
type DescriptorRepository struct {
	root         string
	templatePath string
}

// NewDescriptorRepository creates a repository rooted at containersDir.
func NewDescriptorRepository(containersDir, templatePath string) *DescriptorRepository {
	return &DescriptorRepository{root: containersDir, templatePath: templatePath}
}

// Root returns the containers directory.
func (r *DescriptorRepository) Root() string {
	return r.root
}

// Dir returns the environment directory.
func (r *DescriptorRepository) Dir(id string) string {
	return filepath.Join(r.root, id)
}

// Path returns the descriptor path used by the container runtime.
func (r *DescriptorRepository) Path(id string) string {
	return filepath.Join(r.root, id, DescriptorFile)
}

// Exists reports whether the environment directory exists.
func (r *DescriptorRepository) Exists(id string) bool {
	info, err := os.Stat(r.Dir(id))
	return err == nil && info.IsDir()
}

// Load reads and parses the descriptor and its comment line.
func (r *DescriptorRepository) Load(id string) (*compose.Document, string, error) {
	if !port.ValidIdentifier(id) {
		return nil, "", appErr.New(appErr.InvalidIdentifier).WithDetail("name", id)
	}
	data, err := os.ReadFile(r.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", appErr.EnvNotFound(id)
		}
		return nil, "", appErr.Wrapf(err, appErr.ConfigCorrupt, "read descriptor failed")
	}
	comment, line := parseComment(data)
	if line != "" {
		// The header is written by Save; parsing it would carry it into the document.
		_, data, _ = bytes.Cut(data, []byte("\n"))
	}
	doc, err := compose.Parse(data)
	if err != nil {
		return nil, "", err
	}
	return doc, comment, nil
}

// Comment returns the comment text of an environment, or "".
func (r *DescriptorRepository) Comment(id string) string {
	data, err := os.ReadFile(r.Path(id))
	if err != nil {
		return ""
	}
	comment, _ := parseComment(data)
	return comment
}

// Save replaces the descriptor. A nil comment keeps the current comment line
// verbatim; a non-nil comment replaces it.
func (r *DescriptorRepository) Save(id string, doc *compose.Document, comment *string) error {
	if !r.Exists(id) {
		return appErr.EnvNotFound(id)
	}
	header := ""
	if comment != nil {
		header = formatComment(*comment)
	} else if data, err := os.ReadFile(r.Path(id)); err == nil {
		if _, line := parseComment(data); line != "" {
			header = line + "\n"
		}
	}
	return r.write(id, doc, header)
}

// Create makes the environment directory and writes its first descriptor.
// The directory is removed again when the write fails.
func (r *DescriptorRepository) Create(id string, doc *compose.Document, comment string) error {
	if !port.ValidIdentifier(id) {
		return appErr.New(appErr.InvalidIdentifier).WithDetail("name", id)
	}
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return appErr.Wrapf(err, appErr.DescriptorWriteFail, "create containers dir failed")
	}
	if err := os.Mkdir(r.Dir(id), 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return appErr.Newf(appErr.EnvironmentExists, "environment %s already exists", id)
		}
		return appErr.Wrapf(err, appErr.DescriptorWriteFail, "create environment dir failed")
	}
	header := ""
	if comment != "" {
		header = formatComment(comment)
	}
	if err := r.write(id, doc, header); err != nil {
		_ = os.RemoveAll(r.Dir(id))
		return err
	}
	return nil
}

// Template reads the descriptor template.
func (r *DescriptorRepository) Template() (*compose.Document, error) {
	data, err := os.ReadFile(r.templatePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErr.Newf(appErr.TemplateMissing, "template %s not found", r.templatePath)
		}
		return nil, appErr.Wrapf(err, appErr.TemplateMissing, "read template failed")
	}
	return compose.Parse(data)
}

// List returns the identifiers of all directories holding a descriptor.
func (r *DescriptorRepository) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read containers dir failed: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(r.Path(entry.Name())); err != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes the environment directory with everything in it.
func (r *DescriptorRepository) Remove(id string) error {
	if !port.ValidIdentifier(id) {
		return appErr.New(appErr.InvalidIdentifier).WithDetail("name", id)
	}
	if err := os.RemoveAll(r.Dir(id)); err != nil {
		return fmt.Errorf("remove environment dir failed: %w", err)
	}
	return nil
}

func (r *DescriptorRepository) write(id string, doc *compose.Document, header string) error {
	body, err := doc.Bytes()
	if err != nil {
		return appErr.Wrapf(err, appErr.DescriptorWriteFail, "encode descriptor failed")
	}
	var buf bytes.Buffer
	buf.WriteString(header)
	buf.Write(body)
	if err := writeFileAtomic(r.Path(id), buf.Bytes(), 0o644); err != nil {
		return appErr.Wrapf(err, appErr.DescriptorWriteFail, "write descriptor failed")
	}
	return nil
}

// parseComment returns the comment text and the raw first line when the
// descriptor starts with a comment line.
func parseComment(data []byte) (string, string) {
	line, _, _ := bytes.Cut(data, []byte("\n"))
	text := strings.TrimRight(string(line), "\r")
	if !strings.HasPrefix(text, commentPrefix) {
		return "", ""
	}
	return strings.TrimSpace(strings.TrimPrefix(text, commentPrefix)), text
}

func formatComment(comment string) string {
	comment = strings.ReplaceAll(comment, "\r", " ")
	comment = strings.ReplaceAll(comment, "\n", " ")
	return commentPrefix + " " + comment + "\n"
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
	if err := tmp.Sync(); err != nil {
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
