package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/basket/ccmob/internal/client"
	"github.com/basket/ccmob/internal/config"
	"github.com/basket/ccmob/internal/credential"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1.0-dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ccmob:", err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every command.
type rootOptions struct {
	Home string
	Port int
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ccmob",
		Short: "Answer your coding agent's prompts from your phone",
		Long: `ccmob relays permission prompts and questions from a coding agent to a
phone browser and returns the human's answer to the waiting agent.

  ccmob serve          start the gateway
  ccmob mcp            run the ask_user MCP server on stdio
  ccmob status         probe a running gateway
  ccmob token show     print the access token
  ccmob token rotate   rotate the access token
  ccmob notify <msg>   push a message to connected phones
  ccmob doctor         diagnose the local installation`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Home, "home", "", "relay home directory (default $CC_MOB_HOME or ~/.cc-mob)")
	cmd.PersistentFlags().IntVar(&opts.Port, "port", 0, "gateway port (default $PORT or 3456)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMCPCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newNotifyCommand(opts))
	cmd.AddCommand(newDoctorCommand(opts))

	return cmd
}

func (o *rootOptions) homeDir() string {
	if o.Home != "" {
		return o.Home
	}
	return config.HomeDir()
}

// load opens the credential file and settings in the same order serve does,
// so the file's keys act as environment overrides.
func (o *rootOptions) load() (config.Config, *credential.Manager, error) {
	home := o.homeDir()
	creds, err := credential.Open(credential.Config{
		Path:   config.CredentialPath(home),
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("open credential: %w", err)
	}
	cfg, err := config.Load(home)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Apply(config.Overrides{Port: o.Port}); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, creds, nil
}

// gatewayClient returns a client for the local gateway carrying the current
// token.
func (o *rootOptions) gatewayClient() (*client.Client, *credential.Manager, error) {
	cfg, creds, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	return client.New(cfg.LocalURL(), creds.Current()), creds, nil
}
