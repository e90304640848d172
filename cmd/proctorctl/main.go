// Command proctorctl inspects a running interview server from the terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"proctor/internal/backend"
	"proctor/internal/bootstrap"
	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/logging"
	"proctor/internal/usecase"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type cliOptions struct {
	backendURL string
	timeout    time.Duration
	asJSON     bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:          "proctorctl",
		Short:        "Inspect an interview server",
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.backendURL, "backend", "", "interview server base URL (defaults to PROCTOR_BACKEND_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "request timeout (defaults to PROCTOR_BACKEND_TIMEOUT)")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of text")

	root.AddCommand(newStatusCmd(opts), newWarningsCmd(opts), newWatchCmd(opts))
	return root
}

func loadClient(opts *cliOptions) (*backend.Client, config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, zerolog.Logger{}, err
	}
	if opts.backendURL != "" {
		cfg.Backend.BaseURL = opts.backendURL
	}
	if opts.timeout > 0 {
		cfg.Backend.RequestTimeout = opts.timeout
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	return bootstrap.NewBackendClient(cfg, logger), cfg, logger, nil
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the interview status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, _, err := loadClient(opts)
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch status: %w", err)
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newWarningsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "warnings",
		Short: "List integrity warnings recorded by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, _, err := loadClient(opts)
			if err != nil {
				return err
			}
			warnings, err := client.Warnings(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch warnings: %w", err)
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), warnings)
			}
			printWarnings(cmd.OutOrStdout(), warnings)
			return nil
		},
	}
}

func newWatchCmd(opts *cliOptions) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the server and print every change until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, cfg, logger, err := loadClient(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			printer := &watchPrinter{out: cmd.OutOrStdout(), asJSON: opts.asJSON}
			poller := usecase.NewBackendSync(client, printer, bootstrap.SyncConfig(cfg), logger)
			poller.OnStatus(printer.status)
			poller.Start(ctx)
			<-ctx.Done()
			poller.Stop()
			poller.Wait()
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func printStatus(out io.Writer, status domain.InterviewStatus) {
	fmt.Fprintf(out, "active:    %t\n", status.Active)
	fmt.Fprintf(out, "stage:     %s\n", status.Stage)
	if status.Status != "" {
		fmt.Fprintf(out, "status:    %s\n", status.Status)
	}
	if status.CurrentDomain != "" {
		fmt.Fprintf(out, "domain:    %s\n", status.CurrentDomain)
	}
	fmt.Fprintf(out, "questions: %d skill, %d coding\n", status.SkillQuestionsAsked, status.CodingQuestionsAsked)
	if status.CurrentQuestion != "" {
		fmt.Fprintf(out, "current:   %s\n", status.CurrentQuestion)
	}
}

func printWarnings(out io.Writer, warnings []domain.Warning) {
	if len(warnings) == 0 {
		fmt.Fprintln(out, "no warnings")
		return
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "%s  %-20s %s\n", w.Timestamp, w.Type, w.Message)
	}
}
