// Package compose edits environment descriptors (compose documents) in place.
//
// Documents are kept as yaml.v3 node trees so that fields this package does not
// manage keep their position, style and content across rewrites.
package compose

import (
	"bytes"
	"fmt"

	pkgerrors "vdesk/pkg/errors"

	"gopkg.in/yaml.v3"
)

const (
	tagMap = "!!map"
	tagSeq = "!!seq"
	tagStr = "!!str"
)

// Document is a parsed descriptor.
type Document struct {
	root *yaml.Node
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{root: &yaml.Node{
		Kind:    yaml.DocumentNode,
		Content: []*yaml.Node{newMapping()},
	}}
}

// Parse decodes a descriptor. Anything other than a mapping at the top level
// is reported as ConfigCorrupt; an empty input yields an empty document.
func Parse(data []byte) (*Document, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ConfigCorrupt, "parse descriptor failed: %v", err)
	}
	if node.Kind == 0 || len(node.Content) == 0 {
		return NewDocument(), nil
	}
	top := node.Content[0]
	if top.Kind == yaml.ScalarNode && top.Tag == "!!null" {
		node.Content[0] = newMapping()
		return &Document{root: &node}, nil
	}
	if top.Kind != yaml.MappingNode {
		return nil, pkgerrors.Newf(pkgerrors.ConfigCorrupt, "descriptor root must be a mapping")
	}
	return &Document{root: &node}, nil
}

// Bytes encodes the document back to YAML.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.root); err != nil {
		return nil, fmt.Errorf("encode descriptor failed: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode descriptor failed: %w", err)
	}
	return buf.Bytes(), nil
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	return &Document{root: cloneNode(d.root)}
}

// Root returns the top-level mapping.
func (d *Document) Root() Mapping {
	return Mapping{node: d.root.Content[0]}
}

// Service returns services.<name>, creating intermediate mappings.
func (d *Document) Service(name string) (Mapping, error) {
	services, err := d.Root().Ensure("services")
	if err != nil {
		return Mapping{}, err
	}
	return services.Ensure(name)
}

// LookupService returns services.<name> without creating it.
func (d *Document) LookupService(name string) (Mapping, bool) {
	services, ok := d.Root().Child("services")
	if !ok {
		return Mapping{}, false
	}
	return services.Child(name)
}

// Mapping is a view over a YAML mapping node.
type Mapping struct {
	node *yaml.Node
}

// Get returns the value node for key, resolving aliases.
func (m Mapping) Get(key string) *yaml.Node {
	idx := m.index(key)
	if idx < 0 {
		return nil
	}
	return resolve(m.node.Content[idx+1])
}

// GetString returns the scalar value for key.
func (m Mapping) GetString(key string) (string, bool) {
	value := m.Get(key)
	if value == nil || value.Kind != yaml.ScalarNode || value.Tag == "!!null" {
		return "", false
	}
	return value.Value, true
}

// Set replaces or appends key.
func (m Mapping) Set(key string, value *yaml.Node) {
	if idx := m.index(key); idx >= 0 {
		m.node.Content[idx+1] = value
		return
	}
	m.node.Content = append(m.node.Content, newString(key), value)
}

// SetString sets key to a string scalar.
func (m Mapping) SetString(key, value string) {
	m.Set(key, newString(value))
}

// Delete removes key and reports whether it was present.
func (m Mapping) Delete(key string) bool {
	idx := m.index(key)
	if idx < 0 {
		return false
	}
	m.node.Content = append(m.node.Content[:idx], m.node.Content[idx+2:]...)
	return true
}

// Len returns the number of keys.
func (m Mapping) Len() int {
	return len(m.node.Content) / 2
}

// Child returns the mapping stored under key.
func (m Mapping) Child(key string) (Mapping, bool) {
	value := m.Get(key)
	if value == nil || value.Kind != yaml.MappingNode {
		return Mapping{}, false
	}
	return Mapping{node: value}, true
}

// Ensure returns the mapping under key, creating it when absent or null.
// A key holding any other kind of value is a corrupt document.
func (m Mapping) Ensure(key string) (Mapping, error) {
	value := m.Get(key)
	switch {
	case value == nil, value.Kind == yaml.ScalarNode && value.Tag == "!!null":
		child := newMapping()
		m.Set(key, child)
		return Mapping{node: child}, nil
	case value.Kind == yaml.MappingNode:
		return Mapping{node: value}, nil
	default:
		return Mapping{}, pkgerrors.Newf(pkgerrors.ConfigCorrupt, "descriptor field %q must be a mapping", key)
	}
}

func (m Mapping) index(key string) int {
	if m.node == nil {
		return -1
	}
	for i := 0; i+1 < len(m.node.Content); i += 2 {
		if m.node.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func newMapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: tagMap}
}

func newSequence(items ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.SequenceNode, Tag: tagSeq, Content: items}
}

func newString(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tagStr, Value: value}
}

func newStrings(values []string) *yaml.Node {
	items := make([]*yaml.Node, 0, len(values))
	for _, v := range values {
		items = append(items, newString(v))
	}
	return newSequence(items...)
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	out := *n
	if len(n.Content) > 0 {
		out.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			out.Content[i] = cloneNode(child)
		}
	}
	return &out
}
