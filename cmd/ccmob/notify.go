package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newNotifyCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notify <message>",
		Short: "Push a one-way message to every connected phone",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := rootOpts.gatewayClient()
			if err != nil {
				return err
			}
			if err := c.Notify(cmd.Context(), strings.Join(args, " ")); err != nil {
				return fmt.Errorf("notify: %w", err)
			}
			return nil
		},
	}
}
