package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/basket/ccmob/internal/client"
	"github.com/basket/ccmob/internal/credential"
)

func newTokenCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Show or rotate the access token",
	}
	cmd.AddCommand(newTokenShowCommand(rootOpts))
	cmd.AddCommand(newTokenRotateCommand(rootOpts))
	return cmd
}

func newTokenShowCommand(rootOpts *rootOptions) *cobra.Command {
	var withURL bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the access token, creating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, creds, err := rootOpts.load()
			if err != nil {
				return err
			}
			if withURL {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/?token=%s\n", cfg.LocalURL(), creds.Current())
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), creds.Current())
			return nil
		},
	}
	cmd.Flags().BoolVar(&withURL, "url", false, "print the sign-in link instead of the bare token")
	return cmd
}

func newTokenRotateCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the access token and disconnect every phone",
		Long: `Ask the running gateway to rotate the token. Connected phones are
disconnected and must sign in again with the new token. When no gateway is
running the token file is rewritten directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, creds, err := rootOpts.gatewayClient()
			if err != nil {
				return err
			}
			return runTokenRotate(cmd.Context(), c, creds, cmd.OutOrStdout())
		},
	}
}

func runTokenRotate(ctx context.Context, c *client.Client, creds *credential.Manager, out io.Writer) error {
	msg, err := c.RotateToken(ctx)
	var apiErr *client.APIError
	switch {
	case err == nil:
		if _, _, err := creds.Reload(); err != nil {
			return fmt.Errorf("reread token: %w", err)
		}
		fmt.Fprintln(out, msg)
	case errors.As(err, &apiErr):
		return fmt.Errorf("gateway refused rotation: %w", err)
	default:
		if _, _, err := creds.Rotate(); err != nil {
			return fmt.Errorf("rotate token on disk: %w", err)
		}
		fmt.Fprintf(out, "Gateway not running at %s; token rotated on disk.\n", c.BaseURL())
	}
	fmt.Fprintln(out, creds.Current())
	return nil
}
