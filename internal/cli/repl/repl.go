package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"vdesk/internal/cli/command"
	httpclient "vdesk/internal/cli/http"
	"vdesk/internal/cli/state"
	pkgerrors "vdesk/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const prompt = "vdesk> "

// Prompter asks the user for a field that was not given on the line.
type Prompter func(field command.Field) (string, error)

// Session is one operator console bound to a server and a token file.
type Session struct {
	client     *httpclient.Client
	commands   map[string]command.Command
	tokenState *state.TokenState
	statePath  string
	prettyJSON bool
	out        io.Writer
	errOut     io.Writer
	prompter   Prompter
	now        func() time.Time
}

func New(client *httpclient.Client, commands map[string]command.Command, tokenState *state.TokenState, statePath string, prettyJSON bool) *Session {
	return &Session{
		client:     client,
		commands:   commands,
		tokenState: tokenState,
		statePath:  statePath,
		prettyJSON: prettyJSON,
		out:        os.Stdout,
		errOut:     os.Stderr,
		now:        time.Now,
	}
}

func (s *Session) SetOutput(out, errOut io.Writer) {
	s.out = out
	s.errOut = errOut
}

func (s *Session) SetPrompter(p Prompter) {
	s.prompter = p
}

// Run reads lines until exit, EOF or ^C on an empty line.
func (s *Session) Run(ctx context.Context, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		AutoComplete:    s.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer func() { _ = rl.Close() }()

	s.out, s.errOut = rl.Stdout(), rl.Stderr()
	if s.prompter == nil {
		s.prompter = readlinePrompter(rl)
	}

	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("read input failed: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			fmt.Fprintln(s.out, "bye")
			return nil
		}
		if err := s.Execute(ctx, line); err != nil {
			fmt.Fprintf(s.errOut, "error: %v\n", err)
		}
	}
}

func readlinePrompter(rl *readline.Instance) Prompter {
	return func(field command.Field) (string, error) {
		var value string
		if field.Kind == command.Secret {
			raw, err := rl.ReadPassword(field.Prompt + ": ")
			if err != nil {
				return "", fmt.Errorf("read %s failed: %w", field.Name, err)
			}
			value = string(raw)
		} else {
			rl.SetPrompt(field.Prompt + ": ")
			line, err := rl.Readline()
			rl.SetPrompt(prompt)
			if err != nil {
				return "", fmt.Errorf("read %s failed: %w", field.Name, err)
			}
			value = line
		}
		return strings.TrimSpace(value), nil
	}
}

func (s *Session) completer() *readline.PrefixCompleter {
	verbs := command.Verbs(s.commands)
	items := make([]readline.PrefixCompleterInterface, 0, len(verbs))
	for _, verb := range verbs {
		items = append(items, readline.PcItem(verb))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("desk", items...),
		readline.PcItem("set", readline.PcItem("base"), readline.PcItem("timeout"), readline.PcItem("token")),
		readline.PcItem("show", readline.PcItem("token"), readline.PcItem("config")),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

// Execute runs one input line.
func (s *Session) Execute(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "help":
		s.help()
		return nil
	case "set":
		return s.set(args[1:])
	case "show":
		return s.show(args[1:])
	case "desk":
		if len(args) < 2 {
			return errors.New("usage: desk <verb> key=value ...")
		}
		return s.desk(ctx, args[1], args[2:])
	}
	return fmt.Errorf("unknown command %q, try help", args[0])
}

func (s *Session) set(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: set base <url> | set timeout <duration> | set token <token>")
	}
	switch args[0] {
	case "base":
		s.client.SetBaseURL(args[1])
	case "timeout":
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		s.client.SetTimeout(d)
	case "token":
		*s.tokenState = state.TokenState{Token: args[1]}
		if err := state.Save(s.statePath, *s.tokenState); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown setting %q", args[0])
	}
	fmt.Fprintf(s.out, "%s updated\n", args[0])
	return nil
}

func (s *Session) show(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: show token|config")
	}
	switch args[0] {
	case "token":
		st := s.tokenState
		if st.Token == "" {
			fmt.Fprintln(s.out, "token: <none>")
			return nil
		}
		fmt.Fprintf(s.out, "token: %s (user %s)\n", mask(st.Token), st.Username)
		if !st.ExpiresAt.IsZero() {
			fmt.Fprintf(s.out, "expires: %s\n", st.ExpiresAt.Local().Format(time.RFC3339))
		}
	case "config":
		fmt.Fprintf(s.out, "token state: %s\n", s.statePath)
	default:
		return fmt.Errorf("unknown item %q", args[0])
	}
	return nil
}

func mask(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func (s *Session) desk(ctx context.Context, verb string, args []string) error {
	cmd, ok := s.commands[verb]
	if !ok {
		return fmt.Errorf("unknown verb %q, try help", verb)
	}
	params, err := command.ParseParams(args)
	if err != nil {
		return err
	}
	params.Resolve(cmd.Fields)
	for _, field := range params.Missing(cmd.Fields) {
		if s.prompter == nil {
			return fmt.Errorf("missing required param: %s", field.Name)
		}
		value, err := s.prompter(field)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	if cmd.Auth && s.tokenState.Expired(s.now()) {
		fmt.Fprintln(s.errOut, "warning: stored token expired, run desk login")
	}

	req, err := command.Build(cmd, params)
	if err != nil {
		return err
	}
	if cmd.Stream {
		return s.stream(ctx, req.Path, params.Value("cmd"))
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, nil, req.Body)
	if err != nil {
		return err
	}
	s.render(resp)
	s.track(cmd, resp)
	return nil
}

func (s *Session) stream(ctx context.Context, path, cmd string) error {
	result, err := s.client.Stream(ctx, path, cmd, func(frame httpclient.Frame) {
		switch frame.Type {
		case "stdout":
			fmt.Fprintln(s.out, frame.Data)
		case "stderr":
			fmt.Fprintln(s.errOut, frame.Data)
		case "error":
			fmt.Fprintf(s.errOut, "%s: %s\n", frame.Error, frame.Message)
		}
	})
	if err != nil {
		return err
	}
	if result.ExitCode != nil {
		fmt.Fprintf(s.out, "[exit %d]\n", *result.ExitCode)
	}
	return nil
}

func (s *Session) render(resp httpclient.ResponseInfo) {
	fmt.Fprintf(s.out, "HTTP %d (%s)\n", resp.StatusCode, resp.Duration.Round(time.Millisecond))
	if len(resp.Body) == 0 {
		return
	}
	body := resp.Body
	if s.prettyJSON {
		var v interface{}
		if json.Unmarshal(resp.Body, &v) == nil {
			body, _ = json.MarshalIndent(v, "", "  ")
		}
	}
	fmt.Fprintln(s.out, string(body))
}

// track keeps the token file in step with session-changing commands.
func (s *Session) track(cmd command.Command, resp httpclient.ResponseInfo) {
	var env struct {
		Code pkgerrors.ErrorCode `json:"code"`
		Data state.TokenState    `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return
	}
	ok := env.Code == pkgerrors.Success
	switch cmd.Verb {
	case "login":
		if !ok || env.Data.Token == "" {
			return
		}
		*s.tokenState = env.Data
		if err := state.Save(s.statePath, env.Data); err != nil {
			fmt.Fprintf(s.errOut, "save token failed: %v\n", err)
		}
	case "logout", "passwd":
		// passwd revokes every session. A rejected logout means ours is
		// already gone.
		gone := cmd.Verb == "logout" && env.Code == pkgerrors.AuthFailed
		if !ok && !gone {
			return
		}
		*s.tokenState = state.TokenState{}
		if err := state.Clear(s.statePath); err != nil {
			fmt.Fprintf(s.errOut, "clear token failed: %v\n", err)
		}
	}
}

func (s *Session) help() {
	fmt.Fprintln(s.out, "usage: desk <verb> key=value ...")
	for _, verb := range command.Verbs(s.commands) {
		fmt.Fprintf(s.out, "  %-8s %s\n", verb, s.commands[verb].Summary)
	}
	fmt.Fprintln(s.out, "console: help | exit | set base|timeout|token <value> | show token|config")
	fmt.Fprintln(s.out, `example: desk create id=044123 image=ubuntu:22.04 cpus=8 memory=16g gpus=0,1`)
	fmt.Fprintln(s.out, `example: desk exec id=044123 cmd="nvidia-smi -L"`)
}
