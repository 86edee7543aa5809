package main

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bodhya/bodhya/pkg/agents"
	"github.com/bodhya/bodhya/pkg/config"
	"github.com/bodhya/bodhya/pkg/controller"
	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/models"
	"github.com/bodhya/bodhya/pkg/sandbox"
	"github.com/bodhya/bodhya/pkg/storage"
	"github.com/bodhya/bodhya/pkg/telemetry"
	"github.com/bodhya/bodhya/pkg/tools"
)

// app holds the components one command invocation needs. Components are
// built on first use and released by close.
type app struct {
	opts     *globalOptions
	cfg      *config.Config
	logger   *slog.Logger
	shutdown telemetry.ShutdownFunc

	workspace *sandbox.Sandbox
	tools     *tools.Registry
	models    *models.Registry
	history   storage.HistoryStore
	providers *tools.LoadReport
	events    core.EventEmitter
}

func newApp(opts *globalOptions, stderr io.Writer) (*app, error) {
	cfg, err := config.LoadWithProfile(opts.ConfigPath, opts.Profile)
	if err != nil {
		return nil, NewConfigError(err, opts.ConfigPath)
	}
	if opts.WorkDir != "" {
		cfg.Tools.WorkDir = opts.WorkDir
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger := telemetry.ConfigureSlog(stderr, level, cfg.Log.Format)

	shutdown, err := telemetry.InitWithConfig("bodhya", version, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return nil, NewConfigError(errors.New(errors.CodeConfig, "init telemetry", err), opts.ConfigPath)
	}
	return &app{opts: opts, cfg: cfg, logger: logger, shutdown: shutdown}, nil
}

// sandbox returns the shared workspace rooted at tools.work_dir, creating
// the directory when missing.
func (a *app) sandbox() (*sandbox.Sandbox, error) {
	if a.workspace != nil {
		return a.workspace, nil
	}
	dir := a.cfg.Tools.WorkDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.CodeConfig, "create working directory", err).WithContext("path", dir)
	}
	sb, err := sandbox.New(dir,
		sandbox.WithLimits(sandbox.LimitsFrom(a.cfg.ExecutionLimits())),
		sandbox.WithShellTimeout(a.cfg.Tools.ShellTimeout),
		sandbox.WithLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}
	a.workspace = sb
	return sb, nil
}

// toolRegistry returns the registry with the built-in tools and, when
// withProviders is set, the tools of every enabled external provider.
func (a *app) toolRegistry(ctx context.Context, withProviders bool) (*tools.Registry, error) {
	if a.tools != nil {
		return a.tools, nil
	}
	sb, err := a.sandbox()
	if err != nil {
		return nil, err
	}
	reg := tools.NewRegistry(tools.WithLogger(a.logger))
	if err := tools.RegisterBuiltins(reg, sb); err != nil {
		return nil, err
	}
	if withProviders && len(a.cfg.Tools.MCPServers) > 0 {
		report := tools.LoadProviders(ctx, reg, a.cfg.Tools.MCPServers, tools.WithLoadLogger(a.logger))
		a.providers = report
		a.logger.Debug("cli.providers.loaded",
			"tools", report.ToolCount(), "failed", len(report.Failed), "skipped", len(report.Skipped))
	}
	a.tools = reg
	return reg, nil
}

// modelRegistry returns the model registry, or nil without error when no
// manifest is configured.
func (a *app) modelRegistry(opts ...models.Option) (*models.Registry, error) {
	if a.models != nil {
		return a.models, nil
	}
	path := a.cfg.Models.ManifestPath
	if path == "" {
		return nil, nil
	}
	m, err := models.LoadManifest(path)
	if err != nil {
		return nil, err
	}
	base := []models.Option{
		models.WithLogger(a.logger),
		models.WithEngagement(a.cfg.Engagement()),
		models.WithGenerationDefaults(a.cfg.Models.DefaultTemperature, a.cfg.Models.DefaultMaxTokens),
	}
	reg, err := models.NewRegistry(m, a.cfg.Paths.Models, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	a.models = reg
	return reg, nil
}

// requireModels is modelRegistry for commands that cannot work without one.
func (a *app) requireModels(opts ...models.Option) (*models.Registry, error) {
	reg, err := a.modelRegistry(opts...)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		ke := errors.Newf(errors.CodeConfig, "no model manifest configured")
		return nil, NewCLIError(ke, "set models.manifest_path in the config file or BODHYA_MODELS_MANIFEST_PATH")
	}
	return reg, nil
}

func (a *app) historyStore() (storage.HistoryStore, error) {
	if a.history != nil {
		return a.history, nil
	}
	path := a.cfg.Paths.HistoryDB
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.New(errors.CodeConfig, "create history directory", err).WithContext("path", path)
	}
	store, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	a.history = store
	return store, nil
}

// controller wires every component and registers the built-in agents.
func (a *app) controller(ctx context.Context) (*controller.Controller, error) {
	reg, err := a.toolRegistry(ctx, true)
	if err != nil {
		return nil, err
	}
	history, err := a.historyStore()
	if err != nil {
		return nil, err
	}
	opts := []controller.Option{
		controller.WithConfig(a.cfg),
		controller.WithTools(reg),
		controller.WithWorkspace(a.workspace),
		controller.WithHistory(history),
		controller.WithLogger(a.logger),
		controller.WithEvents(a.events),
	}
	mr, err := a.modelRegistry()
	if err != nil {
		return nil, err
	}
	if mr != nil {
		opts = append(opts, controller.WithModels(mr))
	}

	ctrl := controller.New(opts...)
	for _, agent := range agents.Builtin() {
		if err := ctrl.Register(agent); err != nil {
			return nil, err
		}
	}
	return ctrl, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.tools != nil {
		errs = append(errs, a.tools.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(context.WithoutCancel(ctx)))
	}
	return stderrors.Join(errs...)
}

// withApp builds the app, runs fn and releases the app.
func withApp(ctx context.Context, opts *globalOptions, stderr io.Writer, fn func(*app) error) error {
	a, err := newApp(opts, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(ctx); cerr != nil {
			a.logger.Warn("cli.close", "error", cerr)
		}
	}()
	return fn(a)
}
