package cli

import (
	"errors"
	"fmt"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/FalkorDB/QueryWeaver/api/handlers"
	"github.com/spf13/cobra"
)

type ConfirmCmd struct{}

func NewConfirmCmd() *ConfirmCmd {
	return &ConfirmCmd{}
}

func (c *ConfirmCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <graph>",
		Short: "Confirm or cancel a pending destructive statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := cmd.Flags().GetString("id")
			if err != nil {
				return fmt.Errorf("failed to get id flag: %w", err)
			}
			sql, err := cmd.Flags().GetString("sql")
			if err != nil {
				return fmt.Errorf("failed to get sql flag: %w", err)
			}
			cancel, err := cmd.Flags().GetBool("cancel")
			if err != nil {
				return fmt.Errorf("failed to get cancel flag: %w", err)
			}
			if sql == "" {
				return errors.New("--sql is required")
			}

			decision := pipeline.DecisionConfirm
			if cancel {
				decision = pipeline.DecisionCancel
			}

			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			return confirm(cmd.Context(), client, &printer{out: cmd.OutOrStdout()}, args[0], handlers.ConfirmRequest{
				Confirmation:   string(decision),
				SQLQuery:       sql,
				ConfirmationID: token,
			})
		},
	}

	cmd.Flags().String("id", "", "confirmation_id of the destructive_confirmation event")
	cmd.Flags().String("sql", "", "sql_query of the destructive_confirmation event")
	cmd.Flags().Bool("cancel", false, "cancel the statement instead of executing it")

	return cmd
}
