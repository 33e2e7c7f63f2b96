package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vdesk/internal/cli/command"
	"vdesk/internal/cli/config"
	httpclient "vdesk/internal/cli/http"
	"vdesk/internal/cli/repl"
	"vdesk/internal/cli/state"

	"github.com/spf13/pflag"
)

const defaultConfigPath = "configs/cli.yaml"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("vdesk-cli", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", defaultConfigPath, "Path to config file")
	baseURL := flags.StringP("base", "b", "", "Override server base URL")
	timeout := flags.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	token := flags.String("token", "", "Override session token")
	statePath := flags.String("state", "", "Override token state path")
	pretty := flags.Bool("pretty", false, "Pretty print JSON response")
	execLine := flags.StringP("exec", "e", "", "Run one command and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *statePath != "" {
		cfg.TokenStatePath = *statePath
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	tokenState, err := state.Load(cfg.TokenStatePath)
	if err != nil {
		return fmt.Errorf("load token state failed: %w", err)
	}
	if *token != "" {
		tokenState.Token = *token
	}

	client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string {
		return tokenState.Token
	})
	session := repl.New(client, command.Registry(), &tokenState, cfg.TokenStatePath, *cfg.PrettyJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if *execLine != "" {
		return session.Execute(ctx, *execLine)
	}
	return session.Run(ctx, cfg.HistoryFile)
}
