package compose

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"vdesk/internal/desktop/port"
	pkgerrors "vdesk/pkg/errors"

	"gopkg.in/yaml.v3"
)

const (
	DefaultService       = "my_ws"
	DefaultContainerPort = "22"
	DefaultGPUDriver     = "nvidia"

	EnvRootPassword = "ROOTPASSWORD"
	EnvSwapSize     = "SWAP_SIZE"

	rootPasswordBytes = 11
)

// CreateSpec is a full environment creation request.
type CreateSpec struct {
	Name         string
	Image        string
	CPUs         int
	Memory       string
	ShmSize      string
	GPUs         []int
	Swap         string
	RootPassword string
}

// Change is a partial update. Nil fields leave the descriptor untouched.
// GPUs distinguishes "not specified" (nil) from "specified as empty".
type Change struct {
	CPUs         *int
	Memory       *string
	ShmSize      *string
	GPUs         *[]int
	Swap         *string
	RootPassword *string
}

// Descriptor is the read view of an environment descriptor.
type Descriptor struct {
	Image        string   `json:"image,omitempty"`
	Port         int      `json:"port,omitempty"`
	CPUs         string   `json:"cpus,omitempty"`
	Memory       string   `json:"memory,omitempty"`
	ShmSize      string   `json:"shm_size,omitempty"`
	GPUs         []string `json:"gpus"`
	Swap         string   `json:"swap,omitempty"`
	RootPassword string   `json:"root_password,omitempty"`
}

// Translator builds and merges descriptors for one compose service.
type Translator struct {
	Service       string
	ContainerPort string
	GPUDriver     string
	// PasswordGen generates root credentials when a request carries none.
	PasswordGen func() (string, error)
}

// NewTranslator returns a Translator with the default service layout.
func NewTranslator() *Translator {
	return &Translator{
		Service:       DefaultService,
		ContainerPort: DefaultContainerPort,
		GPUDriver:     DefaultGPUDriver,
		PasswordGen:   GeneratePassword,
	}
}

// GeneratePassword returns a URL-safe random credential.
func GeneratePassword() (string, error) {
	buf := make([]byte, rootPasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Build derives a new descriptor from the template. It returns the document
// and the effective root credential.
func (t *Translator) Build(template *Document, spec CreateSpec) (*Document, string, error) {
	if template == nil {
		return nil, "", pkgerrors.New(pkgerrors.TemplateMissing)
	}
	hostPort, err := port.Derive(spec.Name)
	if err != nil {
		return nil, "", err
	}

	doc := template.Clone()
	svc, err := doc.Service(t.Service)
	if err != nil {
		return nil, "", err
	}

	svc.SetString("image", spec.Image)
	containerPort := containerPortOf(svc.Get("ports"))
	if containerPort == "" {
		containerPort = t.ContainerPort
	}
	svc.Set("ports", newStrings([]string{fmt.Sprintf("%d:%s", hostPort, containerPort)}))
	if spec.ShmSize != "" {
		svc.SetString("shm_size", spec.ShmSize)
	}

	limits, err := ensurePath(svc, "deploy", "resources", "limits")
	if err != nil {
		return nil, "", err
	}
	limits.SetString("memory", spec.Memory)
	limits.SetString("cpus", strconv.Itoa(spec.CPUs))
	if err := t.setGPUs(svc, spec.GPUs); err != nil {
		return nil, "", err
	}

	rootPassword := spec.RootPassword
	if rootPassword == "" {
		gen := t.PasswordGen
		if gen == nil {
			gen = GeneratePassword
		}
		if rootPassword, err = gen(); err != nil {
			return nil, "", pkgerrors.Wrap(err, pkgerrors.InternalServerError)
		}
	}

	env, err := ReadEnv(svc.Get("environment"))
	if err != nil {
		return nil, "", err
	}
	env.Set(EnvRootPassword, rootPassword)
	if spec.Swap != "" {
		env.Set(EnvSwapSize, spec.Swap)
	}
	svc.Set("environment", env.Node())

	return doc, rootPassword, nil
}

// Merge applies a partial change to doc in place.
func (t *Translator) Merge(doc *Document, change Change) error {
	svc, err := doc.Service(t.Service)
	if err != nil {
		return err
	}

	if change.Memory != nil && *change.Memory != "" {
		limits, err := ensurePath(svc, "deploy", "resources", "limits")
		if err != nil {
			return err
		}
		limits.SetString("memory", *change.Memory)
	}
	if change.CPUs != nil {
		limits, err := ensurePath(svc, "deploy", "resources", "limits")
		if err != nil {
			return err
		}
		limits.SetString("cpus", strconv.Itoa(*change.CPUs))
	}
	if change.GPUs != nil {
		if err := t.setGPUs(svc, *change.GPUs); err != nil {
			return err
		}
	}
	if change.ShmSize != nil {
		if *change.ShmSize == "" {
			svc.Delete("shm_size")
		} else {
			svc.SetString("shm_size", *change.ShmSize)
		}
	}

	if change.RootPassword != nil || change.Swap != nil {
		env, err := ReadEnv(svc.Get("environment"))
		if err != nil {
			return err
		}
		if change.RootPassword != nil {
			env.Set(EnvRootPassword, *change.RootPassword)
		}
		if change.Swap != nil {
			env.Set(EnvSwapSize, *change.Swap)
		}
		svc.Set("environment", env.Node())
	}
	return nil
}

// Describe extracts the read view. Missing fields are left empty.
func (t *Translator) Describe(doc *Document) (Descriptor, error) {
	desc := Descriptor{GPUs: []string{}}
	svc, ok := doc.LookupService(t.Service)
	if !ok {
		return desc, nil
	}
	desc.Image, _ = svc.GetString("image")
	desc.Port = hostPortOf(svc.Get("ports"))
	desc.ShmSize, _ = svc.GetString("shm_size")

	if limits, ok := lookupPath(svc, "deploy", "resources", "limits"); ok {
		desc.Memory, _ = limits.GetString("memory")
		desc.CPUs, _ = limits.GetString("cpus")
	}
	if reservations, ok := lookupPath(svc, "deploy", "resources", "reservations"); ok {
		desc.GPUs = deviceIDsOf(reservations.Get("devices"))
	}

	env, err := ReadEnv(svc.Get("environment"))
	if err != nil {
		return desc, err
	}
	desc.RootPassword, _ = env.Get(EnvRootPassword)
	desc.Swap, _ = env.Get(EnvSwapSize)
	return desc, nil
}

// setGPUs replaces the device reservation; an empty list removes it.
func (t *Translator) setGPUs(svc Mapping, gpus []int) error {
	if len(gpus) == 0 {
		reservations, ok := lookupPath(svc, "deploy", "resources", "reservations")
		if !ok {
			return nil
		}
		if reservations.Delete("devices") && reservations.Len() == 0 {
			if resources, ok := lookupPath(svc, "deploy", "resources"); ok {
				resources.Delete("reservations")
			}
		}
		return nil
	}

	reservations, err := ensurePath(svc, "deploy", "resources", "reservations")
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(gpus))
	for _, id := range gpus {
		ids = append(ids, strconv.Itoa(id))
	}
	device := newMapping()
	device.Content = append(device.Content,
		newString("driver"), newString(t.GPUDriver),
		newString("device_ids"), newStrings(ids),
		newString("capabilities"), newStrings([]string{"gpu"}),
	)
	reservations.Set("devices", newSequence(device))
	return nil
}

func ensurePath(m Mapping, keys ...string) (Mapping, error) {
	current := m
	for _, key := range keys {
		next, err := current.Ensure(key)
		if err != nil {
			return Mapping{}, err
		}
		current = next
	}
	return current, nil
}

func lookupPath(m Mapping, keys ...string) (Mapping, bool) {
	current := m
	for _, key := range keys {
		next, ok := current.Child(key)
		if !ok {
			return Mapping{}, false
		}
		current = next
	}
	return current, true
}

// containerPortOf reads the container side of the first port entry, in either
// the short "HOST:CONTAINER[/proto]" or the long {target: N} syntax.
func containerPortOf(ports *yaml.Node) string {
	first := firstItem(ports)
	if first == nil {
		return ""
	}
	switch first.Kind {
	case yaml.ScalarNode:
		_, target := splitShortPort(first.Value)
		return target
	case yaml.MappingNode:
		m := Mapping{node: first}
		for _, key := range []string{"target", "container", "to"} {
			if value, ok := m.GetString(key); ok && value != "" {
				return value
			}
		}
	}
	return ""
}

func hostPortOf(ports *yaml.Node) int {
	first := firstItem(ports)
	if first == nil {
		return 0
	}
	var raw string
	switch first.Kind {
	case yaml.ScalarNode:
		raw, _ = splitShortPort(first.Value)
	case yaml.MappingNode:
		raw, _ = Mapping{node: first}.GetString("published")
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return value
}

// splitShortPort splits [IP:]HOST:CONTAINER[/proto] into its published and
// target ports. A bare port has no published part.
func splitShortPort(value string) (string, string) {
	value, _, _ = strings.Cut(strings.TrimSpace(value), "/")
	i := strings.LastIndex(value, ":")
	if i < 0 {
		return "", ""
	}
	published, target := value[:i], value[i+1:]
	if j := strings.LastIndex(published, ":"); j >= 0 {
		published = published[j+1:]
	}
	return published, target
}

func deviceIDsOf(devices *yaml.Node) []string {
	first := firstItem(devices)
	if first == nil || first.Kind != yaml.MappingNode {
		return []string{}
	}
	ids := Mapping{node: first}.Get("device_ids")
	if ids == nil || ids.Kind != yaml.SequenceNode {
		return []string{}
	}
	out := make([]string, 0, len(ids.Content))
	for _, item := range ids.Content {
		if item = resolve(item); item.Kind == yaml.ScalarNode {
			out = append(out, item.Value)
		}
	}
	return out
}

func firstItem(seq *yaml.Node) *yaml.Node {
	seq = resolve(seq)
	if seq == nil || seq.Kind != yaml.SequenceNode || len(seq.Content) == 0 {
		return nil
	}
	return resolve(seq.Content[0])
}
