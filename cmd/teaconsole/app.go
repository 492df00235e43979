package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teahouse-ops/teaconsole/internal/console/config"
	"github.com/teahouse-ops/teaconsole/internal/console/credstore"
	"github.com/teahouse-ops/teaconsole/internal/console/logging"
	"github.com/teahouse-ops/teaconsole/internal/console/pipeline"
	"github.com/teahouse-ops/teaconsole/internal/console/session"
	"github.com/teahouse-ops/teaconsole/internal/console/telemetry"
)

// app is everything one command invocation needs, built from config.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *credstore.Store
	client   *pipeline.Client
	session  *session.Controller
	registry *prometheus.Registry
	shutdown func(context.Context) error

	out    io.Writer
	errOut io.Writer
	output string
}

func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(config.ResolvePath(o.configPath))
	if err != nil {
		return nil, err
	}
	if o.baseURL != "" {
		cfg.API.BaseURL = o.baseURL
	}
	if o.debug {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Driver != config.DriverMemory {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := credstore.Open(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	shutdown, err := telemetry.InitTraceProvider(cmd.Context(), cfg.Telemetry.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}

	registry := prometheus.NewRegistry()
	printer := pipeline.NewWriterNotifier(cmd.ErrOrStderr())
	notify := pipeline.NotifierFunc(func(n pipeline.Notification) {
		o.notified.Add(1)
		printer.Notify(n)
	})
	client := pipeline.NewClient(store, pipeline.Options{
		BaseURL:  cfg.API.BaseURL,
		Timeout:  cfg.API.Timeout,
		Notifier: notify,
		Metrics:  pipeline.NewMetrics(registry),
		Logger:   logger,
	})
	controller := session.NewController(client, store, session.Options{
		Logger:         logger,
		ResendCooldown: cfg.OTP.ResendCooldown,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		client:   client,
		session:  controller,
		registry: registry,
		shutdown: shutdown,
		out:      cmd.OutOrStdout(),
		errOut:   cmd.ErrOrStderr(),
		output:   o.output,
	}, nil
}

// Close flushes metrics and traces and releases the credential store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if err := a.shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	a.session.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// withApp opens the app, runs fn and closes the app again.
func (o *rootOptions) withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := o.open(cmd)
		if err != nil {
			return err
		}
		runErr := fn(cmd, a, args)
		closeErr := a.Close(context.WithoutCancel(cmd.Context()))
		if runErr != nil {
			return runErr
		}
		return closeErr
	}
}

// requireSession verifies the stored token. The verify call itself is
// silent, so a failure is reported here.
func (a *app) requireSession(ctx context.Context) error {
	if err := a.session.Start(ctx); err != nil {
		return errors.New("your session could not be verified; run 'teaconsole login'")
	}
	if !a.session.Snapshot().Authenticated() {
		return errors.New("not logged in; run 'teaconsole login'")
	}
	return nil
}
