package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/resilience"
	"github.com/bodhya/bodhya/pkg/telemetry"
)

var weights = []byte("GGUF fake model weights for testing")

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func testManifestYAML(sourceURL, checksum string) string {
	return `
models:
  - id: m1
    role: coder
    domain: code
    display_name: Local Coder
    backend: local
    source_url: ` + sourceURL + `
    checksum: "` + checksum + `"
    size_bytes: 35
  - id: m2
    role: coder
    domain: Code
    display_name: Remote Coder
    backend: cloud
  - id: w1
    role: writer
    domain: mail
    display_name: Writer
    backend: cloud
backends:
  local:
    type: static
    location: local
  cloud:
    type: static
    location: remote
`
}

func fastRetry() resilience.RetryConfig {
	return resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond)
}

func newTestRegistry(t *testing.T, manifest string, opts ...Option) *Registry {
	t.Helper()
	m, err := ParseYAML([]byte(manifest))
	if err != nil {
		t.Fatalf("ParseYAML error: %v", err)
	}
	opts = append([]Option{WithLogger(telemetry.Discard()), WithRetry(fastRetry())}, opts...)
	r, err := NewRegistry(m, t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	return r
}

func TestParseManifestForms(t *testing.T) {
	sum := "sha256:" + digestOf(weights)
	list, err := ParseYAML([]byte(testManifestYAML("https://example.com/m1.gguf", sum)))
	if err != nil {
		t.Fatalf("list form: %v", err)
	}

	mapped, err := ParseYAML([]byte(`
models:
  zeta:
    role: planner
    domain: code
    display_name: Z
    backend: cloud
  alpha:
    role: Planner
    domain: code
    display_name: A
    backend: cloud
backends:
  cloud: {type: static, location: remote}
`))
	if err != nil {
		t.Fatalf("map form: %v", err)
	}
	var ids []string
	for _, e := range mapped.Models {
		ids = append(ids, e.ID)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha"}, ids); diff != "" {
		t.Fatalf("map form order mismatch (-want +got):\n%s", diff)
	}
	if mapped.Models[1].Role != core.RolePlanner {
		t.Fatalf("role not normalized: %q", mapped.Models[1].Role)
	}

	tomlManifest, err := ParseTOML([]byte(`
[backends.local]
type = "static"
location = "local"

[models.m1]
role = "coder"
domain = "code"
display_name = "Local Coder"
backend = "local"
source_url = "https://example.com/m1.gguf"
checksum = "` + sum + `"
size_gb = 1.5
`))
	if err != nil {
		t.Fatalf("toml form: %v", err)
	}
	e, ok := tomlManifest.Get("m1")
	if !ok || e.SizeBytes != 1_500_000_000 || e.Digest() != digestOf(weights) {
		t.Fatalf("toml entry = %+v", e)
	}
	if got, _ := list.Get("m2"); got.DisplayName != "Remote Coder" {
		t.Fatalf("Get(m2) = %+v", got)
	}
}

func TestLoadManifestByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.toml")
	data := "[[models]]\nid = \"r\"\nrole = \"general\"\ndomain = \"x\"\ndisplay_name = \"R\"\nbackend = \"cloud\"\n\n[backends.cloud]\ntype = \"static\"\nlocation = \"remote\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest error: %v", err)
	}
	if len(m.Models) != 1 || m.Models[0].ID != "r" {
		t.Fatalf("models = %+v", m.Models)
	}
	if _, err := LoadManifest(filepath.Join(dir, "missing.yaml")); !errors.HasCode(err, errors.CodeConfig) {
		t.Fatalf("missing file error = %v", err)
	}
}

func TestManifestValidationFailsFast(t *testing.T) {
	good := digestOf(weights)
	entry := func(fields string) string {
		return "models:\n  - " + fields + "\nbackends:\n  local: {type: static, location: local}\n  cloud: {type: static, location: remote}\n"
	}
	local := "{id: m, role: coder, domain: code, display_name: M, backend: local, source_url: http://x, size_bytes: 1, checksum: %s}"
	tests := []struct {
		name     string
		manifest string
	}{
		{"empty display name", entry("{id: m, role: coder, domain: code, display_name: '', backend: cloud}")},
		{"unknown role", entry("{id: m, role: poet, domain: code, display_name: M, backend: cloud}")},
		{"unknown backend", entry("{id: m, role: coder, domain: code, display_name: M, backend: gpu}")},
		{"missing source url", entry("{id: m, role: coder, domain: code, display_name: M, backend: local, size_bytes: 1, checksum: " + good + "}")},
		{"non-positive size", entry("{id: m, role: coder, domain: code, display_name: M, backend: local, source_url: http://x, size_bytes: 0, checksum: " + good + "}")},
		{"bad checksum", entry(strings.Replace(local, "%s", "md5:abc", 1))},
		{"non-hex checksum", entry(strings.Replace(local, "%s", "sha256:xyz", 1))},
		{"empty digest", entry(strings.Replace(local, "%s", "sha256:", 1))},
		{"unknown field", entry("{id: m, role: coder, domain: code, display_name: M, backend: cloud, colour: red}")},
		{"duplicate id", "models:\n  - {id: m, role: coder, domain: c, display_name: M, backend: cloud}\n  - {id: m, role: coder, domain: c, display_name: M, backend: cloud}\nbackends:\n  cloud: {type: static, location: remote}\n"},
		{"bad location", "models:\n  - {id: m, role: coder, domain: c, display_name: M, backend: b}\nbackends:\n  b: {type: static, location: moon}\n"},
		{"no models", "backends:\n  b: {type: static, location: local}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseYAML([]byte(tt.manifest)); !errors.HasCode(err, errors.CodeConfig) {
				t.Fatalf("ParseYAML error = %v, want CONFIG_ERROR", err)
			}
		})
	}

	if _, err := ParseYAML([]byte(entry(strings.Replace(local, "%s", good, 1)))); err != nil {
		t.Fatalf("bare hex checksum rejected: %v", err)
	}
}

func TestResolveMinimumNeverRemote(t *testing.T) {
	r := newTestRegistry(t, testManifestYAML("http://x/m1", digestOf(weights)))

	for i := 0; i < 3; i++ {
		h, err := r.Resolve(core.RoleCoder, "CODE", core.EngagementMinimum)
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
		if h.Entry.ID != "m1" || !h.Backend.IsLocal() {
			t.Fatalf("Resolve = %s (%s), want local m1", h.Entry.ID, h.Backend.Location)
		}
	}

	_, err := r.Resolve(core.RoleWriter, "mail", core.EngagementMinimum)
	if !errors.HasCode(err, errors.CodeNoEligibleBackend) {
		t.Fatalf("writer under minimum error = %v, want NO_ELIGIBLE_BACKEND", err)
	}
	h, err := r.Resolve(core.RoleWriter, "mail", core.EngagementMedium)
	if err != nil || h.Entry.ID != "w1" {
		t.Fatalf("writer under medium = %+v, %v", h, err)
	}

	hs, err := r.Candidates(core.RoleCoder, "code", core.EngagementMaximum)
	if err != nil {
		t.Fatal(err)
	}
	if len(hs) != 2 || hs[0].Entry.ID != "m1" || hs[1].Entry.ID != "m2" {
		t.Fatalf("candidates = %+v", hs)
	}
}

func TestResolveSkipsDisabledBackends(t *testing.T) {
	r := newTestRegistry(t, `
models:
  - {id: a, role: general, domain: x, display_name: A, backend: paused}
backends:
  paused: {type: static, location: remote, enabled: false}
`)
	if _, err := r.Resolve(core.RoleGeneral, "x", core.EngagementMaximum); !errors.HasCode(err, errors.CodeNoEligibleBackend) {
		t.Fatalf("disabled backend resolved: %v", err)
	}
}

func TestGenerateFallsBackOnUnavailable(t *testing.T) {
	local := NewStatic().FailWith(errors.Newf(errors.CodeModelUnavailable, "down"))
	cloud := NewStatic("remote answer")
	r := newTestRegistry(t, testManifestYAML("http://x/m1", digestOf(weights)),
		WithBackend("local", local), WithBackend("cloud", cloud))

	out, err := r.For(core.EngagementMedium).Generate(context.Background(), core.RoleCoder, "code", "write a function")
	if err != nil || out != "remote answer" {
		t.Fatalf("Generate = %q, %v", out, err)
	}
	if calls := cloud.Calls(); len(calls) != 1 || calls[0].Prompt != "write a function" || calls[0].Model != "m2" {
		t.Fatalf("cloud calls = %+v", calls)
	}

	_, err = r.Generate(context.Background(), core.RoleCoder, "code", "x")
	if !errors.HasCode(err, errors.CodeModelUnavailable) {
		t.Fatalf("minimum Generate error = %v, want MODEL_UNAVAILABLE without remote fallback", err)
	}
}

func TestPinnedPrefersRoleModel(t *testing.T) {
	local := NewStatic("local answer")
	cloud := NewStatic("remote answer")
	r := newTestRegistry(t, testManifestYAML("http://x/m1", digestOf(weights)),
		WithBackend("local", local), WithBackend("cloud", cloud))

	pins := map[core.ModelRole]string{core.RoleCoder: "m2"}
	out, err := r.Pinned(core.EngagementMaximum, pins).Generate(context.Background(), core.RoleCoder, "code", "x")
	if err != nil || out != "remote answer" {
		t.Fatalf("pinned Generate = %q, %v", out, err)
	}
	// Minimum engagement never reaches the remote pin.
	out, err = r.Pinned(core.EngagementMinimum, pins).Generate(context.Background(), core.RoleCoder, "code", "x")
	if err != nil || out != "local answer" {
		t.Fatalf("minimum pinned Generate = %q, %v", out, err)
	}
}

func TestDownloadInstallsVerifiedFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(weights)
	}))
	defer srv.Close()

	var last Progress
	r := newTestRegistry(t, testManifestYAML(srv.URL+"/m1.gguf", "sha256:"+digestOf(weights)),
		WithProgress(func(p Progress) { last = p }))

	plan, err := r.EnsureInstalled("m1")
	if err != nil || plan.AlreadyInstalled || plan.Destination != filepath.Join(r.Dir(), "m1.gguf") {
		t.Fatalf("EnsureInstalled = %+v, %v", plan, err)
	}
	if _, err := r.Download(context.Background(), "m1"); err != nil {
		t.Fatalf("Download error: %v", err)
	}
	got, err := os.ReadFile(r.Path("m1"))
	if err != nil || string(got) != string(weights) {
		t.Fatalf("installed content = %q, %v", got, err)
	}
	if last.Downloaded != int64(len(weights)) {
		t.Fatalf("progress = %+v", last)
	}
	if _, err := os.Stat(r.Path("m1") + partSuffix); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	plan, _ = r.EnsureInstalled("m1")
	if !plan.AlreadyInstalled {
		t.Fatalf("plan not marked installed")
	}

	statuses := r.List()
	if len(statuses) != 3 || !statuses[0].Installed || statuses[1].Installed {
		t.Fatalf("List = %+v", statuses)
	}
	if err := r.Remove("m1"); err != nil || r.IsInstalled("m1") {
		t.Fatalf("Remove error = %v, installed = %v", err, r.IsInstalled("m1"))
	}
	if err := r.Remove("m1"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("second Remove error = %v", err)
	}
}

func TestDownloadChecksumMismatchLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	r := newTestRegistry(t, testManifestYAML(srv.URL, digestOf(weights)))
	_, err := r.Download(context.Background(), "m1")
	if !errors.HasCode(err, errors.CodeChecksumMismatch) {
		t.Fatalf("Download error = %v, want CHECKSUM_MISMATCH", err)
	}
	assertNoFiles(t, r)
}

func TestDownloadShortChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	manifest := `
models:
  - id: m1
    role: coder
    domain: code
    display_name: M1
    backend: local
    source_url: ` + srv.URL + `/m1
    checksum: deadbeef
    size_bytes: 100
backends:
  local: {type: static, location: local}
`
	r := newTestRegistry(t, manifest)
	_, err := r.Download(context.Background(), "m1")
	if !errors.HasCode(err, errors.CodeChecksumMismatch) {
		t.Fatalf("Download error = %v, want CHECKSUM_MISMATCH", err)
	}
	assertNoFiles(t, r)
}

func TestDownloadSurvivesOneCallerCanceling(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		_, _ = w.Write(weights[:10])
		w.(http.Flusher).Flush()
		select {
		case <-req.Context().Done():
			return
		case <-release:
		}
		_, _ = w.Write(weights[10:])
	}))
	defer srv.Close()

	r := newTestRegistry(t, testManifestYAML(srv.URL, digestOf(weights)))

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() {
		_, err := r.Download(ctxA, "m1")
		errA <- err
	}()
	<-started
	go func() {
		_, err := r.Download(context.Background(), "m1")
		errB <- err
	}()
	waitForWaiters(t, r, "m1", 2)

	cancelA()
	if err := <-errA; !errors.HasCode(err, errors.CodeCanceled) {
		t.Fatalf("canceled caller error = %v, want CANCELED", err)
	}
	close(release)
	if err := <-errB; err != nil {
		t.Fatalf("remaining caller error = %v", err)
	}
	if !r.IsInstalled("m1") {
		t.Fatalf("m1 not installed")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want one shared transfer", hits.Load())
	}
}

func waitForWaiters(t *testing.T, r *Registry, id string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.flightMu.Lock()
		f := r.flights[id]
		got := 0
		if f != nil {
			got = f.waiters
		}
		r.flightMu.Unlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %s", n, id)
}

func TestDownloadInterruptedLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(weights[:10])
		// Returning short of Content-Length makes the client see an unexpected EOF.
	}))
	defer srv.Close()

	r := newTestRegistry(t, testManifestYAML(srv.URL, digestOf(weights)))
	_, err := r.Download(context.Background(), "m1")
	if !errors.HasCode(err, errors.CodeNetwork) {
		t.Fatalf("Download error = %v, want NETWORK_ERROR", err)
	}
	assertNoFiles(t, r)
}

func TestDownloadCanceledRemovesTemp(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(weights[:10])
		w.(http.Flusher).Flush()
		close(started)
		select {
		case <-req.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	r := newTestRegistry(t, testManifestYAML(srv.URL, digestOf(weights)))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := r.Download(ctx, "m1")
	if !errors.HasCode(err, errors.CodeCanceled) {
		t.Fatalf("Download error = %v, want CANCELED", err)
	}
	assertNoFiles(t, r)
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(weights)
	}))
	defer srv.Close()

	r := newTestRegistry(t, testManifestYAML(srv.URL, digestOf(weights)))
	if _, err := r.Download(context.Background(), "m1"); err != nil {
		t.Fatalf("Download error: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}

	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	r = newTestRegistry(t, testManifestYAML(notFound.URL, digestOf(weights)))
	if _, err := r.Download(context.Background(), "m1"); !errors.HasCode(err, errors.CodeNetwork) {
		t.Fatalf("404 error = %v, want NETWORK_ERROR", err)
	}
	if _, err := r.EnsureInstalled("m2"); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("remote model plan error = %v", err)
	}
}

func assertNoFiles(t *testing.T, r *Registry) {
	t.Helper()
	entries, err := os.ReadDir(r.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("model directory not empty: %v", entries)
	}
	if r.IsInstalled("m1") {
		t.Fatalf("m1 reported installed")
	}
}

func TestOllamaBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/generate" {
			http.NotFound(w, req)
			return
		}
		var body ollamaRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Stream || body.Model != "qwen" {
			t.Errorf("request = %+v", body)
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: "echo: " + body.Prompt, Done: true})
	}))
	defer srv.Close()

	b := NewOllama(srv.URL, srv.Client())
	out, err := b.Generate(context.Background(), Request{Model: "qwen", Prompt: "hi", Temperature: 0.2})
	if err != nil || out != "echo: hi" {
		t.Fatalf("Generate = %q, %v", out, err)
	}

	srv.Close()
	_, err = b.Generate(context.Background(), Request{Model: "qwen", Prompt: "hi"})
	if !errors.HasCode(err, errors.CodeModelUnavailable) {
		t.Fatalf("closed server error = %v, want MODEL_UNAVAILABLE", err)
	}
}

func TestOpenAIBackend(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		auth = req.Header.Get("Authorization")
		var body chatRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		content := ""
		if body.Messages[0].Content != "blank" {
			content = "ok from " + body.Model
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"` + content + `"}}]}`))
	}))
	defer srv.Close()

	b := NewOpenAI("cloud", srv.URL, "gpt-test", "secret", srv.Client())
	out, err := b.Generate(context.Background(), Request{Prompt: "hi"})
	if err != nil || out != "ok from gpt-test" {
		t.Fatalf("Generate = %q, %v", out, err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("Authorization = %q", auth)
	}
	if _, err := b.Generate(context.Background(), Request{Prompt: "blank"}); !errors.HasCode(err, errors.CodeInvalidOutput) {
		t.Fatalf("empty output error = %v, want INVALID_OUTPUT", err)
	}
}

func TestStaticBackendFromManifest(t *testing.T) {
	r := newTestRegistry(t, `
models:
  - {id: g, role: general, domain: x, display_name: G, backend: canned}
backends:
  canned:
    type: static
    location: remote
    config:
      responses: [first, second]
`)
	gen := r.For(core.EngagementMaximum)
	var got []string
	for i := 0; i < 3; i++ {
		out, err := gen.Generate(context.Background(), core.RoleGeneral, "x", "p")
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, out)
	}
	if diff := cmp.Diff([]string{"first", "second", "second"}, got); diff != "" {
		t.Fatalf("responses mismatch (-want +got):\n%s", diff)
	}
}
