// Command grimoire runs the spell server and talks to it from the terminal.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casualjim/grimoire/config"
	"github.com/casualjim/grimoire/pkg/slogx"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var log zerolog.Logger

func init() {
	setupLogging(os.Stderr, "console", slog.LevelWarn)
}

// setupLogging routes slog through zerolog. The console format is meant for
// people, json for log collectors.
func setupLogging(w io.Writer, format string, level slog.Level) {
	var output io.Writer = w
	if format != "json" {
		output = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}
	}
	log = zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: level}),
	))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("grimoire failed", slogx.Error(err))
		os.Exit(1)
	}
}

type app struct {
	envFile   string
	projectID string
	cfg       config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "grimoire",
		Short:         "Spell server and command line client",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "environment file to load instead of .env")
	root.PersistentFlags().StringVarP(&a.projectID, "project", "p", "", "project id, defaults to PROJECT_ID")

	root.AddCommand(
		newServeCmd(a),
		newSpellCmd(a),
		newRunCmd(a),
		newDiffCmd(),
		newWatchCmd(a),
	)
	return root
}

func (a *app) load(logs io.Writer) error {
	var files []string
	if a.envFile != "" {
		files = append(files, a.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	setupLogging(logs, cfg.LogFormat, level)

	if a.projectID == "" {
		a.projectID = cfg.ProjectID
	}
	a.cfg = cfg
	return nil
}
