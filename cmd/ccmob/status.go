package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/ccmob/internal/client"
)

const probeTimeout = 3 * time.Second

func newStatusCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the local gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := rootOpts.gatewayClient()
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), c, cmd.OutOrStdout())
		},
	}
}

func runStatus(ctx context.Context, c *client.Client, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("gateway at %s is not reachable: %w", c.BaseURL(), err)
	}
	fmt.Fprintf(out, "gateway: up (%s)\n", c.BaseURL())

	listing, err := c.ListRequests(ctx)
	switch {
	case client.IsUnauthorized(err):
		fmt.Fprintln(out, "token:   rejected (rotated by another process?)")
		return err
	case err != nil:
		return fmt.Errorf("list requests: %w", err)
	}
	fmt.Fprintln(out, "token:   accepted")
	fmt.Fprintf(out, "pending: %d\n", len(listing.Pending))
	fmt.Fprintf(out, "tracked: %d\n", len(listing.All))
	return nil
}
