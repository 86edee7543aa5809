package models

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/resilience"
	"github.com/bodhya/bodhya/pkg/telemetry"
)

// BackendHandle is the result of resolving a role to a backend.
type BackendHandle struct {
	Entry       Entry         `json:"entry"`
	BackendName string        `json:"backend_name"`
	Backend     BackendConfig `json:"backend"`
	LocalPath   string        `json:"local_path"`
	Installed   bool          `json:"installed"`
}

// Status is the installed state of one manifest entry.
type Status struct {
	Entry     Entry  `json:"entry"`
	Location  string `json:"location"`
	Path      string `json:"path"`
	Installed bool   `json:"installed"`
}

// Registry resolves roles to backends and manages local model files.
type Registry struct {
	manifest  *Manifest
	dir       string
	backends  map[string]Backend
	factories map[string]BackendFactory
	overrides map[string]Backend
	client    *http.Client
	retry     resilience.RetryConfig
	progress  ProgressFunc
	mode      core.EngagementMode

	temperature float64
	maxTokens   int

	downloads singleflight.Group
	flightMu  sync.Mutex
	flights   map[string]*flight
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *telemetry.EngineMetrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithHTTPClient sets the client used for downloads and HTTP backends.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// WithRetry sets the retry policy for download connection setup and
// backend calls.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(r *Registry) { r.retry = rc }
}

// WithProgress sets a download progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(r *Registry) { r.progress = fn }
}

// WithBackend installs a backend instance for a manifest backend name,
// bypassing the factory.
func WithBackend(name string, b Backend) Option {
	return func(r *Registry) { r.overrides[name] = b }
}

// WithFactory registers a constructor for a backend type.
func WithFactory(typ string, f BackendFactory) Option {
	return func(r *Registry) { r.factories[typ] = f }
}

// WithEngagement sets the engagement mode used by Generate.
func WithEngagement(mode core.EngagementMode) Option {
	return func(r *Registry) { r.mode = mode }
}

// WithGenerationDefaults sets the temperature and token limit of requests.
func WithGenerationDefaults(temperature float64, maxTokens int) Option {
	return func(r *Registry) {
		r.temperature = temperature
		r.maxTokens = maxTokens
	}
}

// NewRegistry builds the backends of every enabled manifest backend. Local
// model files live in dir as <id>.gguf.
func NewRegistry(m *Manifest, dir string, opts ...Option) (*Registry, error) {
	if m == nil {
		return nil, errors.Newf(errors.CodeConfig, "model manifest is required")
	}
	r := &Registry{
		manifest:    m,
		dir:         dir,
		backends:    map[string]Backend{},
		factories:   DefaultFactories(),
		overrides:   map[string]Backend{},
		flights:     map[string]*flight{},
		client:      http.DefaultClient,
		retry:       resilience.DefaultRetryConfig(),
		mode:        core.EngagementMinimum,
		temperature: 0.7,
		maxTokens:   2048,
		logger:      slog.Default(),
		tracer:      otel.Tracer("bodhya/models"),
		metrics:     telemetry.Metrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = telemetry.Component(r.logger, "models")

	for name, cfg := range m.Backends {
		if b, ok := r.overrides[name]; ok {
			r.backends[name] = b
			continue
		}
		if !cfg.IsEnabled() {
			continue
		}
		factory, ok := r.factories[cfg.Type]
		if !ok {
			return nil, errors.Newf(errors.CodeConfig, "backend %q has unknown type %q", name, cfg.Type)
		}
		b, err := factory(name, cfg, r.client)
		if err != nil {
			return nil, err
		}
		r.backends[name] = b
	}
	return r, nil
}

// Manifest returns the loaded manifest.
func (r *Registry) Manifest() *Manifest { return r.manifest }

// Dir returns the model cache directory.
func (r *Registry) Dir() string { return r.dir }

// Path returns the install path of a model.
func (r *Registry) Path(id string) string {
	return filepath.Join(r.dir, id+".gguf")
}

// IsInstalled reports whether the model file exists.
func (r *Registry) IsInstalled(id string) bool {
	info, err := os.Stat(r.Path(id))
	return err == nil && info.Mode().IsRegular()
}

// List returns every manifest entry with its installed state, in manifest
// order.
func (r *Registry) List() []Status {
	out := make([]Status, 0, len(r.manifest.Models))
	for _, e := range r.manifest.Models {
		out = append(out, Status{
			Entry:     e,
			Location:  r.manifest.BackendFor(e).Location,
			Path:      r.Path(e.ID),
			Installed: r.IsInstalled(e.ID),
		})
	}
	return out
}

// Remove deletes an installed model file.
func (r *Registry) Remove(id string) error {
	if _, ok := r.manifest.Get(id); !ok {
		return errors.Newf(errors.CodeNotFound, "unknown model %q", id)
	}
	if !r.IsInstalled(id) {
		return errors.Newf(errors.CodeNotFound, "model %q is not installed", id)
	}
	if err := os.Remove(r.Path(id)); err != nil {
		return errors.New(errors.CodeInternal, "remove model", err).WithContext("model", id)
	}
	r.logger.Info("models.removed", telemetry.AttrModelID, id)
	return nil
}

// Candidates returns every eligible backend for role and domain in manifest
// order, local ones first. Under Minimum engagement only local backends are
// eligible; the result is never widened to remote ones.
func (r *Registry) Candidates(role core.ModelRole, domain string, mode core.EngagementMode) ([]BackendHandle, error) {
	var local, remote []BackendHandle
	matched := 0
	for _, e := range r.manifest.Models {
		if e.Role != role || !strings.EqualFold(e.Domain, domain) {
			continue
		}
		matched++
		cfg := r.manifest.BackendFor(e)
		if !cfg.IsEnabled() {
			continue
		}
		if _, ok := r.backends[e.Backend]; !ok {
			continue
		}
		h := BackendHandle{
			Entry:       e,
			BackendName: e.Backend,
			Backend:     cfg,
			LocalPath:   r.Path(e.ID),
			Installed:   r.IsInstalled(e.ID),
		}
		switch {
		case cfg.IsLocal():
			local = append(local, h)
		case mode.AllowsRemote():
			remote = append(remote, h)
		}
	}
	out := append(local, remote...)
	if len(out) == 0 {
		return nil, errors.Newf(errors.CodeNoEligibleBackend, "no eligible backend for role %q in domain %q", role, domain).
			WithContext("engagement", mode.String()).
			WithContext("matched_entries", matched)
	}
	return out, nil
}

// Resolve returns the first eligible backend for role and domain.
func (r *Registry) Resolve(role core.ModelRole, domain string, mode core.EngagementMode) (*BackendHandle, error) {
	hs, err := r.Candidates(role, domain, mode)
	if err != nil {
		return nil, err
	}
	return &hs[0], nil
}

// Generate resolves role and domain under the registry engagement mode and
// runs the prompt.
func (r *Registry) Generate(ctx context.Context, role core.ModelRole, domain, prompt string) (string, error) {
	return r.GenerateWith(ctx, r.mode, role, domain, prompt)
}

// For returns a generator bound to an engagement mode.
func (r *Registry) For(mode core.EngagementMode) core.ModelGenerator {
	return &boundGenerator{r: r, mode: mode}
}

// Pinned returns a generator bound to mode that tries the pinned model id of
// a role before the other candidates. Pins naming ineligible models are
// ignored.
func (r *Registry) Pinned(mode core.EngagementMode, pins map[core.ModelRole]string) core.ModelGenerator {
	return &boundGenerator{r: r, mode: mode, pins: pins}
}

type boundGenerator struct {
	r    *Registry
	mode core.EngagementMode
	pins map[core.ModelRole]string
}

func (g *boundGenerator) Generate(ctx context.Context, role core.ModelRole, domain, prompt string) (string, error) {
	hs, err := g.r.Candidates(role, domain, g.mode)
	if err != nil {
		return "", err
	}
	if id := g.pins[role]; id != "" {
		hs = pinFirst(hs, id)
	}
	return g.r.generateFrom(ctx, hs, prompt)
}

func pinFirst(hs []BackendHandle, id string) []BackendHandle {
	for i, h := range hs {
		if h.Entry.ID == id {
			out := make([]BackendHandle, 0, len(hs))
			out = append(out, h)
			out = append(out, hs[:i]...)
			return append(out, hs[i+1:]...)
		}
	}
	return hs
}

// GenerateWith resolves under mode. Candidates are tried in order while the
// previous one reports MODEL_UNAVAILABLE.
func (r *Registry) GenerateWith(ctx context.Context, mode core.EngagementMode, role core.ModelRole, domain, prompt string) (string, error) {
	hs, err := r.Candidates(role, domain, mode)
	if err != nil {
		return "", err
	}
	return r.generateFrom(ctx, hs, prompt)
}

func (r *Registry) generateFrom(ctx context.Context, hs []BackendHandle, prompt string) (string, error) {
	var lastErr error
	for _, h := range hs {
		out, err := r.generate(ctx, h, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !errors.HasCode(err, errors.CodeModelUnavailable) || ctx.Err() != nil {
			break
		}
		r.logger.WarnContext(ctx, "models.backend.unavailable",
			telemetry.AttrModelID, h.Entry.ID, telemetry.AttrBackend, h.BackendName, "error", err)
	}
	return "", lastErr
}

func (r *Registry) generate(ctx context.Context, h BackendHandle, prompt string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "models.generate",
		trace.WithAttributes(telemetry.ModelAttributes(h.Entry.ID, string(h.Entry.Role), h.BackendName)...))
	defer span.End()

	req := Request{
		Model:       h.Entry.ModelName,
		Role:        h.Entry.Role,
		Prompt:      prompt,
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	}
	if req.Model == "" {
		req.Model = h.Backend.Model
	}
	if req.Model == "" {
		req.Model = h.Entry.ID
	}
	if h.Installed {
		req.ModelPath = h.LocalPath
	}

	backend := r.backends[h.BackendName]
	var out string
	policy := r.retry.WithIsRecoverable(func(err error) bool {
		return errors.HasCode(err, errors.CodeModelUnavailable) && resilience.IsRecoverable(err)
	})
	policy.OnRetry = func(attempt int, err error) {
		r.logger.WarnContext(ctx, "models.generate.retry", telemetry.AttrModelID, h.Entry.ID, "attempt", attempt, "error", err)
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = backend.Generate(ctx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e, ok := errors.As(err); ok {
			return "", e.WithContext("model", h.Entry.ID).WithContext("backend", h.BackendName)
		}
		return "", errors.New(errors.CodeModelUnavailable, "generate", err).WithContext("model", h.Entry.ID)
	}
	r.logger.DebugContext(ctx, "models.generate", telemetry.AttrModelID, h.Entry.ID, telemetry.AttrBackend, h.BackendName, "chars", len(out))
	return out, nil
}

var _ core.ModelGenerator = (*Registry)(nil)
