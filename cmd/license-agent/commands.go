package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chaingate/internal/app"
	"chaingate/internal/config"
	apperrors "chaingate/internal/errors"
	"chaingate/internal/infrastructure"
	"chaingate/internal/licensesync"
	"chaingate/pkg/contracts"
)

type globalFlags struct {
	configPath string
	email      string
	noMirror   bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "license-agent",
		Short:         "ChainGate license agent",
		Long:          `license-agent verifies a ChainGate license against the license server, falling back to the remote store when the server cannot answer. The last verified decision is kept in a local mirror so watch starts from it.`,
		Version:       contracts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.email, "email", "", "license email (defaults to agent.email)")
	rootCmd.PersistentFlags().BoolVar(&flags.noMirror, "no-mirror", false, "keep the last decision in memory only")

	rootCmd.AddCommand(newVerifyCmd(flags), newWatchCmd(flags), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), contracts.GetFullVersionString())
		},
	}
}

func newVerifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the license once and print the resolved access",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := newAgent(cmd, flags)
			if err != nil {
				return err
			}
			defer agent.Close(cmd.Context())

			access := agent.Verify(cmd.Context())
			return writeJSON(cmd.OutOrStdout(), access)
		},
	}
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the license synchronized and serve the local UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			agent, err := newAgent(cmd, flags)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printEvent := func(ev licensesync.Event) {
				if err := writeJSON(out, ev); err != nil {
					agent.Logger.Warn("failed to print sync event", slog.String("error", err.Error()))
				}
			}
			if err := agent.Start(ctx, printEvent); err != nil {
				agent.Close(ctx)
				return err
			}
			if addr := agent.UIAddr(); addr != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "local UI at http://%s\n", addr)
			}

			<-ctx.Done()
			return agent.Stop(context.WithoutCancel(ctx))
		},
	}
}

// newAgent loads configuration and builds the agent. Logs go to stderr so
// stdout carries only JSON.
func newAgent(cmd *cobra.Command, flags *globalFlags) (*app.Agent, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, apperrors.NewConfigError("failed to load configuration", err)
	}

	logger, err := infrastructure.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, apperrors.NewConfigError("failed to initialize logger", err)
	}

	email := flags.email
	if email == "" {
		email = cfg.Agent.Email
	}

	var opts []app.AgentOption
	if flags.noMirror {
		opts = append(opts, app.WithoutMirror())
	}
	return app.NewAgent(cmd.Context(), cfg, logger, email, opts...)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
