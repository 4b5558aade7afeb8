package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"graphrag.dev/graph-chat/internal/chat"
	"graphrag.dev/graph-chat/internal/client"
	"graphrag.dev/graph-chat/internal/config"
	"graphrag.dev/graph-chat/internal/tui"
)

var (
	backendURL string
	timeout    time.Duration
	logFile    string

	// closeLog releases the interactive log file once the command is done.
	closeLog = func() error { return nil }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if cerr := closeLog(); cerr != nil {
		fmt.Fprintln(os.Stderr, "Error: closing log file:", cerr)
	}
	if err != nil {
		// Failed questions were already reported with the session's message.
		var chatErr *chat.Error
		if !errors.As(err, &chatErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	config.LoadConfig()

	root := &cobra.Command{
		Use:   "graph-chat",
		Short: "Ask questions about your infrastructure graph",
		Long: `An interactive terminal chat that sends each question to the answering
backend and shows the conversation so far. Use "graph-chat ask" for a
single question without the interactive view.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			closer, err := setupLogging(cmd.Name() == "graph-chat")
			if err != nil {
				return err
			}
			closeLog = closer
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
				return errors.New("interactive mode needs a terminal; use \"graph-chat ask\" instead")
			}
			session := chat.NewSession(client.New(backendURL, timeout))
			log.Info().Str("backend", backendURL).Msg("starting chat")
			return tui.Run(cmd.Context(), session)
		},
	}

	root.PersistentFlags().StringVar(&backendURL, "backend-url", config.AppConfig.BackendURL, "Base URL of the answering backend")
	root.PersistentFlags().DurationVar(&timeout, "timeout", config.AppConfig.RequestTimeout, "Per-question request timeout")
	root.PersistentFlags().StringVar(&logFile, "log-file", "~/.graph-chat/graph-chat.log", "Log file used by the interactive view")

	root.AddCommand(newAskCmd())
	return root
}

func newAskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask QUESTION...",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := chat.NewSession(client.New(backendURL, timeout))
			session.UpdateDraft(strings.Join(args, " "))

			turn, err := session.Submit(cmd.Context())
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), session.Snapshot().LastError)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), turn.Answer)
			return nil
		},
	}
}

// setupLogging sends logs to a file while the interactive view owns the
// terminal, and to stderr otherwise. The returned closer releases the file.
func setupLogging(interactive bool) (func() error, error) {
	zerolog.SetGlobalLevel(config.AppConfig.ZerologLevel())

	if !interactive {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return func() error { return nil }, nil
	}

	path, err := homedir.Expand(logFile)
	if err != nil {
		return nil, errors.Wrap(err, "could not expand log file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "could not create log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "could not open log file")
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	return f.Close, nil
}
