package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

type RefreshCmd struct{}

func NewRefreshCmd() *RefreshCmd {
	return &RefreshCmd{}
}

func (c *RefreshCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <graph>",
		Short: "Reload a graph's schema from its database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			resp, err := client.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !resp.Success {
				return errors.New(resp.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

type ResetCmd struct{}

func NewResetCmd() *ResetCmd {
	return &ResetCmd{}
}

func (c *ResetCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session>",
		Short: "Cancel a session's in-flight run and discard its pending confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			reset, err := client.Reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if reset {
				fmt.Fprintln(cmd.OutOrStdout(), "session reset")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to reset")
			}
			return nil
		},
	}
}
