package compose

import (
	"strings"

	pkgerrors "vdesk/pkg/errors"

	"gopkg.in/yaml.v3"
)

// EnvShape records how the environment block was written on disk.
type EnvShape int

const (
	EnvAbsent EnvShape = iota
	EnvMapping
	EnvList
)

type envEntry struct {
	key      string
	value    string
	hasValue bool
	// original node, reused on write while the entry is untouched
	keyNode  *yaml.Node
	original *yaml.Node
}

// Env is the normalized, ordered view of a service environment block.
// It accepts both the mapping form and the list-of-"KEY=VALUE" form and
// writes back whichever form it was read from.
type Env struct {
	shape   EnvShape
	entries []envEntry
	index   map[string]int
}

// ReadEnv normalizes an environment node. A nil or null node yields an empty
// Env that will be written as a mapping.
func ReadEnv(node *yaml.Node) (*Env, error) {
	env := &Env{index: make(map[string]int)}
	node = resolve(node)
	if node == nil || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return env, nil
	}

	switch node.Kind {
	case yaml.MappingNode:
		env.shape = EnvMapping
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode := node.Content[i]
			valueNode := resolve(node.Content[i+1])
			if valueNode.Kind != yaml.ScalarNode {
				return nil, pkgerrors.Newf(pkgerrors.ConfigCorrupt, "environment value for %q must be a scalar", keyNode.Value)
			}
			entry := envEntry{key: keyNode.Value, keyNode: keyNode, original: node.Content[i+1]}
			if valueNode.Tag != "!!null" {
				entry.value = valueNode.Value
				entry.hasValue = true
			}
			env.add(entry)
		}
	case yaml.SequenceNode:
		env.shape = EnvList
		for _, item := range node.Content {
			resolved := resolve(item)
			if resolved.Kind != yaml.ScalarNode {
				return nil, pkgerrors.Newf(pkgerrors.ConfigCorrupt, "environment list entries must be KEY=VALUE strings")
			}
			key, value, found := strings.Cut(resolved.Value, "=")
			env.add(envEntry{key: key, value: value, hasValue: found, original: item})
		}
	default:
		return nil, pkgerrors.Newf(pkgerrors.ConfigCorrupt, "environment must be a mapping or a list")
	}
	return env, nil
}

func (e *Env) add(entry envEntry) {
	if _, exists := e.index[entry.key]; !exists {
		e.index[entry.key] = len(e.entries)
	}
	e.entries = append(e.entries, entry)
}

// Shape returns the on-disk form the block was read from.
func (e *Env) Shape() EnvShape {
	return e.shape
}

// Get returns the value of key. Keys are case-sensitive.
func (e *Env) Get(key string) (string, bool) {
	idx, ok := e.index[key]
	if !ok || !e.entries[idx].hasValue {
		return "", false
	}
	return e.entries[idx].value, true
}

// Set upserts key. The first entry with a matching key is replaced in place,
// otherwise a new entry is appended.
func (e *Env) Set(key, value string) {
	if idx, ok := e.index[key]; ok {
		entry := &e.entries[idx]
		entry.value = value
		entry.hasValue = true
		entry.original = nil
		return
	}
	e.add(envEntry{key: key, value: value, hasValue: true})
}

// Keys returns the keys in document order, without duplicates.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.index))
	for i, entry := range e.entries {
		if e.index[entry.key] == i {
			keys = append(keys, entry.key)
		}
	}
	return keys
}

// Map returns a plain key->value copy.
func (e *Env) Map() map[string]string {
	out := make(map[string]string, len(e.index))
	for _, key := range e.Keys() {
		if value, ok := e.Get(key); ok {
			out[key] = value
		}
	}
	return out
}

// Node serializes the block back to YAML in its original shape. An absent
// block is written as a mapping.
func (e *Env) Node() *yaml.Node {
	if e.shape == EnvList {
		seq := newSequence()
		for _, entry := range e.entries {
			if entry.original != nil {
				seq.Content = append(seq.Content, entry.original)
				continue
			}
			text := entry.key
			if entry.hasValue {
				text += "=" + entry.value
			}
			seq.Content = append(seq.Content, newString(text))
		}
		return seq
	}

	mapping := newMapping()
	for _, entry := range e.entries {
		keyNode := entry.keyNode
		if keyNode == nil {
			keyNode = newString(entry.key)
		}
		valueNode := entry.original
		if valueNode == nil {
			if entry.hasValue {
				valueNode = newString(entry.value)
			} else {
				valueNode = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}
			}
		}
		mapping.Content = append(mapping.Content, keyNode, valueNode)
	}
	return mapping
}
