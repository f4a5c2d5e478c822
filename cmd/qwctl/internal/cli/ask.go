package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/FalkorDB/QueryWeaver/api/handlers"
	"github.com/spf13/cobra"
)

type AskCmd struct{}

func NewAskCmd() *AskCmd {
	return &AskCmd{}
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <graph> <question...>",
		Short: "Ask a question and stream the answer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := cmd.Flags().GetStringArray("history")
			if err != nil {
				return fmt.Errorf("failed to get history flag: %w", err)
			}
			instructions, err := cmd.Flags().GetString("instructions")
			if err != nil {
				return fmt.Errorf("failed to get instructions flag: %w", err)
			}
			yes, err := cmd.Flags().GetBool("yes")
			if err != nil {
				return fmt.Errorf("failed to get yes flag: %w", err)
			}

			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return ask(ctx, client, askOptions{
				Graph:        args[0],
				Question:     strings.Join(args[1:], " "),
				History:      history,
				Instructions: instructions,
				AutoConfirm:  yes,
				In:           cmd.InOrStdin(),
				Out:          cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringArray("history", nil, "a previous question of the conversation, oldest first (repeatable)")
	cmd.Flags().String("instructions", "", "extra instructions for SQL generation")
	cmd.Flags().Bool("yes", false, "confirm destructive statements without prompting")

	return cmd
}

type askOptions struct {
	Graph        string
	Question     string
	History      []string
	Instructions string
	AutoConfirm  bool
	In           io.Reader
	Out          io.Writer
}

// ask streams the answer to a question. When the run asks for confirmation
// of a destructive statement, the decision is sent once the stream ends.
func ask(ctx context.Context, client *Client, opts askOptions) error {
	p := &printer{out: opts.Out}
	chat := append(append([]string(nil), opts.History...), opts.Question)

	dec, body, err := client.Ask(ctx, opts.Graph, handlers.QueryRequest{
		Chat:         chat,
		Instructions: opts.Instructions,
	})
	if err != nil {
		return err
	}
	sum, err := p.printStream(dec)
	body.Close()
	if err != nil {
		return err
	}
	if sum.Failed {
		return errRunFailed
	}
	if sum.Confirmation == nil {
		return nil
	}

	decision := pipeline.DecisionConfirm
	if !opts.AutoConfirm {
		if decision, err = promptDecision(opts.In, opts.Out); err != nil {
			return err
		}
	}
	return confirm(ctx, client, p, opts.Graph, handlers.ConfirmRequest{
		Confirmation:   string(decision),
		SQLQuery:       sum.Confirmation.SQLQuery,
		ConfirmationID: sum.Confirmation.ConfirmationID,
		Chat:           chat,
	})
}

func confirm(ctx context.Context, client *Client, p *printer, graph string, req handlers.ConfirmRequest) error {
	dec, body, err := client.Confirm(ctx, graph, req)
	if err != nil {
		return err
	}
	defer body.Close()
	sum, err := p.printStream(dec)
	if err != nil {
		return err
	}
	if sum.Failed {
		return errRunFailed
	}
	return nil
}
