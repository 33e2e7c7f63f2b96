package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var (
	idField = Field{Name: "id", Aliases: []string{"name"}, Prompt: "environment id (6 digits)", Required: true}

	// resourceFields are shared by create and modify. Only fields the user
	// passes are sent, so modify stays a partial update.
	resourceFields = []Field{
		{Name: "cpus", Prompt: "cpus", Kind: Number},
		{Name: "memory", Aliases: []string{"mem"}, Prompt: "memory (e.g. 16g)"},
		{Name: "shm_size", Aliases: []string{"shm"}, Prompt: "shm_size"},
		{Name: "gpus", Aliases: []string{"gpu"}, Prompt: "gpus (comma-separated)", Kind: NumberList},
		{Name: "swap", Prompt: "swap"},
		{Name: "root_password", Aliases: []string{"password"}, Prompt: "root password", Kind: Secret},
		{Name: "comment", Prompt: "comment"},
	}
)

// Registry returns every desk command keyed by verb.
func Registry() map[string]Command {
	commands := []Command{
		{
			Verb: "login", Summary: "open a session", Method: "POST", Route: "/api/login",
			Fields: []Field{
				{Name: "username", Aliases: []string{"user"}, Prompt: "username", Required: true},
				{Name: "password", Prompt: "password", Kind: Secret, Required: true},
			},
			body: copyFields("username", "password"),
		},
		{Verb: "logout", Summary: "revoke the current session", Method: "POST", Route: "/api/logout", Auth: true},
		{
			Verb: "passwd", Summary: "change password and end all sessions", Method: "POST", Route: "/api/change-password", Auth: true,
			Fields: []Field{
				{Name: "old_password", Aliases: []string{"old"}, Prompt: "current password", Kind: Secret, Required: true},
				{Name: "new_password", Aliases: []string{"new"}, Prompt: "new password", Kind: Secret, Required: true},
			},
			body: copyFields("old_password", "new_password"),
		},
		{Verb: "host", Summary: "show host cpus, memory and gpus", Method: "GET", Route: "/api/host"},
		{Verb: "images", Summary: "list selectable images", Method: "GET", Route: "/api/images"},
		{Verb: "list", Summary: "list environments", Method: "GET", Route: "/api/containers", Auth: true},
		{Verb: "get", Summary: "show one environment", Method: "GET", Route: "/api/containers/:id", Auth: true, Fields: []Field{idField}},
		{
			Verb: "create", Summary: "provision an environment", Method: "POST", Route: "/api/containers", Auth: true,
			Fields: append([]Field{idField, {Name: "image", Prompt: "image", Required: true}}, required(resourceFields, "cpus", "memory")...),
			body: func(p Params) (map[string]interface{}, error) {
				payload, err := resources(p)
				if err != nil {
					return nil, err
				}
				payload["name"] = p.Value("id")
				payload["image"] = p.Value("image")
				return payload, nil
			},
		},
		{
			Verb: "modify", Summary: "change resources (mode=recreate|live)", Method: "PUT", Route: "/api/containers/:id", Auth: true,
			Fields: append([]Field{idField, {Name: "mode", Prompt: "mode"}}, resourceFields...),
			body: func(p Params) (map[string]interface{}, error) {
				payload, err := resources(p)
				if err != nil {
					return nil, err
				}
				if len(payload) == 0 {
					return nil, errors.New("nothing to modify")
				}
				if mode := p.Value("mode"); mode != "" {
					payload["mode"] = mode
				}
				return payload, nil
			},
		},
		{
			Verb: "action", Summary: "start|stop|restart|delete an environment", Method: "POST", Route: "/api/containers/:id/action", Auth: true,
			Fields: []Field{idField, {Name: "action", Aliases: []string{"do"}, Prompt: "action", Required: true}},
			query:  []string{"action"},
		},
		{Verb: "delete", Summary: "stop and remove an environment", Method: "DELETE", Route: "/api/containers/:id", Auth: true, Fields: []Field{idField}},
		{Verb: "audit", Summary: "show the exec audit log", Method: "GET", Route: "/api/containers/:id/audit", Auth: true, Fields: []Field{idField}},
		{
			Verb: "exec", Summary: "run a command and stream its output", Method: "GET", Route: "/api/containers/:id/exec", Auth: true, Stream: true,
			Fields: []Field{idField, {Name: "cmd", Aliases: []string{"command"}, Prompt: "command", Required: true}},
		},
	}

	out := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		out[cmd.Verb] = cmd
	}
	return out
}

// Verbs lists the registry keys in order.
func Verbs(reg map[string]Command) []string {
	verbs := make([]string, 0, len(reg))
	for verb := range reg {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)
	return verbs
}

// Build resolves cmd against p.
func Build(cmd Command, p Params) (Request, error) {
	p.Resolve(cmd.Fields)
	path := cmd.Route
	if strings.Contains(path, ":id") {
		id := p.Value("id")
		if id == "" {
			return Request{}, errors.New("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, ":id", url.PathEscape(id))
	}
	if len(cmd.query) > 0 {
		q := url.Values{}
		for _, key := range cmd.query {
			q.Set(key, p.Value(key))
		}
		path += "?" + q.Encode()
	}

	req := Request{Method: cmd.Method, Path: path}
	if cmd.body == nil {
		return req, nil
	}
	payload, err := cmd.body(p)
	if err != nil {
		return Request{}, err
	}
	if req.Body, err = json.Marshal(payload); err != nil {
		return Request{}, fmt.Errorf("encode request body failed: %w", err)
	}
	return req, nil
}

func required(fields []Field, names ...string) []Field {
	out := make([]Field, len(fields))
	copy(out, fields)
	for i := range out {
		for _, name := range names {
			if out[i].Name == name {
				out[i].Required = true
			}
		}
	}
	return out
}

func copyFields(names ...string) func(Params) (map[string]interface{}, error) {
	return func(p Params) (map[string]interface{}, error) {
		payload := make(map[string]interface{}, len(names))
		for _, name := range names {
			payload[name] = p.Value(name)
		}
		return payload, nil
	}
}

// resources encodes the resource fields present in p. "gpus=" clears the
// reservation.
func resources(p Params) (map[string]interface{}, error) {
	payload := map[string]interface{}{}
	for _, f := range resourceFields {
		value, ok := p.Lookup(f.Name)
		if !ok {
			continue
		}
		switch f.Kind {
		case Number:
			n, err := parseNumber(f.Name, value)
			if err != nil {
				return nil, err
			}
			payload[f.Name] = n
		case NumberList:
			list, err := parseNumberList(f.Name, value)
			if err != nil {
				return nil, err
			}
			payload[f.Name] = list
		default:
			payload[f.Name] = value
		}
	}
	return payload, nil
}
