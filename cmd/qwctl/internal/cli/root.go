package cli

import (
	"fmt"
	"os"

	qwlogger "github.com/FalkorDB/QueryWeaver/pkg/logger"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1

	defaultServerURL = "http://localhost:5000"
)

func Run() ExitCode {
	if err := NewRootCmd().Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "qwctl",
		Short:         "Ask questions of your databases in plain language.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	server := defaultServerURL
	if env := os.Getenv("QW_SERVER"); env != "" {
		server = env
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().StringP("server", "s", server, "QueryWeaver API base URL (or set QW_SERVER env var)")
	rootCmd.PersistentFlags().String("session", "", "session id sent as X-Session-ID (server default when empty)")

	rootCmd.AddCommand(
		NewAskCmd().Command(),
		NewConfirmCmd().Command(),
		NewRefreshCmd().Command(),
		NewResetCmd().Command(),
	)
	return rootCmd
}

// clientFromFlags builds the API client from the root's persistent flags.
func clientFromFlags(cmd *cobra.Command) (*Client, error) {
	flags := cmd.Root().PersistentFlags()
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	server, err := flags.GetString("server")
	if err != nil {
		return nil, fmt.Errorf("failed to get server flag: %w", err)
	}
	session, err := flags.GetString("session")
	if err != nil {
		return nil, fmt.Errorf("failed to get session flag: %w", err)
	}
	return NewClient(ClientConfig{
		Logger:    qwlogger.NewWithWriter(cmd.ErrOrStderr(), verbose),
		BaseURL:   server,
		SessionID: session,
	})
}
