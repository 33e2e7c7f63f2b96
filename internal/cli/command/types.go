package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind controls how a field is prompted and encoded.
type Kind int

const (
	Text Kind = iota
	Number
	NumberList
	Secret
)

// Field is one key=value argument of a command.
type Field struct {
	Name     string
	Aliases  []string
	Prompt   string
	Kind     Kind
	Required bool
}

// Command binds "desk <verb>" to one API route. Route may contain :id.
type Command struct {
	Verb    string
	Summary string
	Method  string
	Route   string
	Auth    bool
	// Stream commands run over the exec websocket.
	Stream bool
	Fields []Field

	body func(Params) (map[string]interface{}, error)
	// query lists params copied into the query string.
	query []string
}

// Request is a command resolved against its params.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Params holds the key=value arguments of one input line. Keys are
// case-insensitive.
type Params map[string]string

// ParseParams reads key=value arguments.
func ParseParams(args []string) (Params, error) {
	p := Params{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", arg)
		}
		p[strings.ToLower(key)] = value
	}
	return p, nil
}

func (p Params) Lookup(key string) (string, bool) {
	v, ok := p[strings.ToLower(key)]
	return v, ok
}

func (p Params) Value(key string) string {
	return p[strings.ToLower(key)]
}

func (p Params) Set(key, value string) {
	p[strings.ToLower(key)] = value
}

// Resolve renames aliases to their field names.
func (p Params) Resolve(fields []Field) {
	for _, f := range fields {
		for _, alias := range f.Aliases {
			alias = strings.ToLower(alias)
			if v, ok := p[alias]; ok {
				p[strings.ToLower(f.Name)] = v
				delete(p, alias)
			}
		}
	}
}

// Missing returns the required fields without a value.
func (p Params) Missing(fields []Field) []Field {
	var out []Field
	for _, f := range fields {
		if f.Required && p.Value(f.Name) == "" {
			out = append(out, f)
		}
	}
	return out
}

func parseNumber(name, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %q", name, value)
	}
	return n, nil
}

// parseNumberList reads "0, 1,2". An empty value is an empty list.
func parseNumberList(name, value string) ([]int, error) {
	out := []int{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item == "" {
			continue
		}
		n, err := parseNumber(name, item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
