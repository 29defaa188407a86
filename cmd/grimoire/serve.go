package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/casualjim/grimoire/config"
	"github.com/casualjim/grimoire/internal/broker"
	"github.com/casualjim/grimoire/pkg/metrics"
	"github.com/casualjim/grimoire/pkg/natsx"
	"github.com/casualjim/grimoire/pkg/slogx"
	"github.com/casualjim/grimoire/pkg/uuidx"
	"github.com/casualjim/grimoire/provider/openai"
	"github.com/casualjim/grimoire/runner"
	"github.com/casualjim/grimoire/server"
	"github.com/casualjim/grimoire/spells"
	"github.com/casualjim/grimoire/store"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the spell server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), a.cfg)
		},
	}
}

type spellStore interface {
	store.Store
	store.RequestLog
}

// services is the wired server stack. close releases everything it opened.
type services struct {
	server  *server.Server
	runner  *runner.Manager
	store   spellStore
	metrics metrics.Recorder
	closers []func() error
}

func (s *services) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func openStore(cfg config.Config) (spellStore, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL is not set, spells are kept in memory")
		return store.NewMemory(), nil
	}
	return store.NewSQLite(cfg.DatabaseURL)
}

func openBroker(cfg config.Config) (broker.Broker, func() error, error) {
	if cfg.NATSURL == "" {
		return broker.Local(), func() error { return nil }, nil
	}
	conn, err := natsx.NewClient(cfg.NATSURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}
	return broker.NATS(conn), func() error { conn.Close(); return nil }, nil
}

func newServices(ctx context.Context, cfg config.Config) (_ *services, err error) {
	svcs := &services{}
	defer func() {
		if err != nil {
			_ = svcs.close()
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	svcs.store = st
	svcs.closers = append(svcs.closers, st.Close)

	b, closeBroker, err := openBroker(cfg)
	if err != nil {
		return nil, err
	}
	svcs.closers = append(svcs.closers, closeBroker)

	meterProvider, err := metrics.Setup(metrics.Options{
		Exporter: cfg.MetricsExporter,
		Interval: cfg.MetricsInterval,
	})
	if err != nil {
		return nil, err
	}
	recorder := metrics.New()
	if meterProvider != nil {
		recorder = metrics.ForProvider(meterProvider)
		svcs.closers = append(svcs.closers, func() error {
			return meterProvider.Shutdown(context.Background())
		})
	}
	svcs.metrics = recorder
	spellService, err := spells.New(st,
		spells.WithBroker(b),
		spells.WithMetrics(recorder),
		spells.WithOrigin(uuidx.NewString()),
	)
	if err != nil {
		return nil, err
	}

	completions := openai.New(
		openai.WithAPIKey(cfg.OpenAIAPIKey),
		openai.WithEndpoint(cfg.OpenAIEndpoint),
		openai.WithRequestLog(st),
		openai.WithMetrics(recorder),
	)

	mgr, err := runner.NewManager(st,
		runner.WithProvider(completions),
		runner.WithBroker(b),
		runner.WithMetrics(recorder),
	)
	if err != nil {
		return nil, err
	}
	sub, err := mgr.Listen(ctx)
	if err != nil {
		return nil, fmt.Errorf("listen for spell events: %w", err)
	}
	svcs.runner = mgr
	svcs.closers = append(svcs.closers, func() error { sub.Unsubscribe(); return nil })

	srv, err := server.New(spellService,
		server.WithRunner(mgr),
		server.WithProvider(completions),
		server.WithRequestLog(st),
		server.WithProjectID(cfg.ProjectID),
	)
	if err != nil {
		return nil, err
	}
	svcs.server = srv
	return svcs, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	svcs, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svcs.close(); err != nil {
			slog.Error("failed to release resources", slogx.Error(err))
		}
	}()

	slog.Info("spell server listening", slog.String("addr", cfg.Addr()), slog.String("api_root", cfg.APIRootURL))
	return svcs.server.ListenAndServe(ctx, cfg.Addr())
}
