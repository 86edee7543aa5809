package tools

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/bodhya/bodhya/pkg/bridge"
	"github.com/bodhya/bodhya/pkg/config"
)

// ConnectFunc connects one provider.
type ConnectFunc func(ctx context.Context, cfg config.MCPServerConfig) (bridge.Provider, error)

// ProviderFailure records a provider that could not be loaded.
type ProviderFailure struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// LoadReport summarizes LoadProviders.
type LoadReport struct {
	Connected map[string][]string `json:"connected"` // provider -> registered tool names
	Skipped   []string            `json:"skipped,omitempty"`
	Failed    []ProviderFailure   `json:"failed,omitempty"`
}

// ToolCount returns the number of registered external tools.
func (r *LoadReport) ToolCount() int {
	n := 0
	for _, names := range r.Connected {
		n += len(names)
	}
	return n
}

type loadOptions struct {
	connect     ConnectFunc
	logger      *slog.Logger
	concurrency int
}

// LoadOption configures LoadProviders.
type LoadOption func(*loadOptions)

// WithConnector replaces bridge.Connect.
func WithConnector(fn ConnectFunc) LoadOption {
	return func(o *loadOptions) { o.connect = fn }
}

// WithLoadLogger sets the logger used for skipped and failed providers.
func WithLoadLogger(l *slog.Logger) LoadOption {
	return func(o *loadOptions) { o.logger = l }
}

// WithConcurrency bounds parallel connection attempts.
func WithConcurrency(n int) LoadOption {
	return func(o *loadOptions) { o.concurrency = n }
}

// LoadProviders connects the enabled providers and registers their tools.
// Loading is best effort: a provider that fails to connect or register is
// logged and reported, and never stops the others. Disabled providers are
// never connected. Connected providers are closed by r.Close.
func LoadProviders(ctx context.Context, r *Registry, cfgs []config.MCPServerConfig, opts ...LoadOption) *LoadReport {
	o := loadOptions{
		logger:      r.logger,
		concurrency: 4,
		connect: func(ctx context.Context, cfg config.MCPServerConfig) (bridge.Provider, error) {
			return bridge.Connect(ctx, cfg, bridge.WithLogger(r.logger))
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	report := &LoadReport{Connected: map[string][]string{}}
	var enabled []config.MCPServerConfig
	for _, cfg := range cfgs {
		if !cfg.IsEnabled() {
			o.logger.Info("tools.provider.skipped", "provider", cfg.Name, "reason", "disabled")
			report.Skipped = append(report.Skipped, cfg.Name)
			continue
		}
		enabled = append(enabled, cfg)
	}

	providers := make([]bridge.Provider, len(enabled))
	errs := make([]error, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}
	for i, cfg := range enabled {
		g.Go(func() error {
			providers[i], errs[i] = o.connect(gctx, cfg)
			return nil
		})
	}
	_ = g.Wait()

	// Register in configuration order so conflicts resolve deterministically.
	for i, cfg := range enabled {
		if errs[i] != nil {
			o.logger.Warn("tools.provider.failed", "provider", cfg.Name, "error", errs[i])
			report.Failed = append(report.Failed, ProviderFailure{Name: cfg.Name, Err: errs[i]})
			continue
		}
		p := providers[i]
		names, err := RegisterProvider(r, p)
		if err != nil {
			_ = p.Close()
			o.logger.Warn("tools.provider.failed", "provider", cfg.Name, "error", err)
			report.Failed = append(report.Failed, ProviderFailure{Name: cfg.Name, Err: err})
			continue
		}
		r.AddCloser(p)
		report.Connected[cfg.Name] = names
		o.logger.Info("tools.provider.loaded", "provider", cfg.Name, "tools", len(names))
	}
	return report
}
