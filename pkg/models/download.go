package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/telemetry"
)

// partSuffix marks the temporary sibling a download streams into.
const partSuffix = ".part"

// Progress reports streamed bytes for one download.
type Progress struct {
	ModelID    string
	Downloaded int64
	Total      int64
}

// ProgressFunc receives download progress. It is called from the
// downloading goroutine.
type ProgressFunc func(Progress)

// DownloadPlan describes what Download would fetch, for confirmation.
type DownloadPlan struct {
	ModelID          string `json:"model_id"`
	DisplayName      string `json:"display_name"`
	SourceURL        string `json:"source_url"`
	Checksum         string `json:"checksum"`
	SizeBytes        int64  `json:"size_bytes"`
	Destination      string `json:"destination"`
	AlreadyInstalled bool   `json:"already_installed"`
}

// EnsureInstalled returns the download plan for a model without fetching
// anything.
func (r *Registry) EnsureInstalled(id string) (*DownloadPlan, error) {
	e, ok := r.manifest.Get(id)
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown model %q", id)
	}
	if e.SourceURL == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "model %q has no downloadable weights", id).
			WithContext("backend", e.Backend)
	}
	return &DownloadPlan{
		ModelID:          e.ID,
		DisplayName:      e.DisplayName,
		SourceURL:        e.SourceURL,
		Checksum:         e.Checksum,
		SizeBytes:        e.SizeBytes,
		Destination:      r.Path(e.ID),
		AlreadyInstalled: r.IsInstalled(e.ID),
	}, nil
}

// Download fetches, verifies and installs a model. The file streams into
// "<dest>.part" and is renamed into place only after the SHA-256 digest
// matches; on any failure the partial file is removed. Concurrent calls for
// the same model share one download, which keeps running while any caller
// still waits on it.
func (r *Registry) Download(ctx context.Context, id string) (*DownloadPlan, error) {
	plan, err := r.EnsureInstalled(id)
	if err != nil {
		return nil, err
	}
	if plan.AlreadyInstalled {
		return plan, nil
	}
	e, _ := r.manifest.Get(id)
	for {
		f, ch := r.join(ctx, e, plan.Destination)
		select {
		case res := <-ch:
			r.leave(f)
			// The shared transfer was canceled by callers that left while this
			// one was joining; start a fresh one.
			if errors.HasCode(res.Err, errors.CodeCanceled) && ctx.Err() == nil {
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			plan.AlreadyInstalled = true
			return plan, nil
		case <-ctx.Done():
			if r.leave(f) {
				<-ch
			}
			return nil, contextError(ctx.Err())
		}
	}
}

// flight is one shared transfer. It runs detached from any single caller
// and is canceled when its last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (r *Registry) join(ctx context.Context, e Entry, dest string) (*flight, <-chan singleflight.Result) {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	f := r.flights[e.ID]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		r.flights[e.ID] = f
	}
	f.waiters++
	ch := r.downloads.DoChan(e.ID, func() (any, error) {
		defer r.forget(e.ID, f)
		return nil, r.download(f.ctx, e, dest)
	})
	return f, ch
}

// leave drops one waiter and reports whether it was the last.
func (r *Registry) leave(f *flight) bool {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return false
	}
	f.cancel()
	for id, cur := range r.flights {
		if cur == f {
			delete(r.flights, id)
		}
	}
	return true
}

func (r *Registry) forget(id string, f *flight) {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	if r.flights[id] == f {
		delete(r.flights, id)
	}
}

func (r *Registry) download(ctx context.Context, e Entry, dest string) (err error) {
	ctx, span := r.tracer.Start(ctx, "models.download", trace.WithAttributes(
		attribute.String(telemetry.AttrModelID, e.ID),
		attribute.Int64("bodhya.model.size_bytes", e.SizeBytes)))
	defer func() {
		r.metrics.RecordDownload(ctx, e.ID, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.logger.WarnContext(ctx, "models.download.failed", telemetry.AttrModelID, e.ID, "error", err)
		}
		span.End()
	}()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return errors.New(errors.CodeInternal, "create model directory", err).WithContext("dir", r.dir)
	}
	r.logger.InfoContext(ctx, "models.download.start", telemetry.AttrModelID, e.ID, "url", e.SourceURL, "size_bytes", e.SizeBytes)

	resp, err := r.open(ctx, e)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	total := e.SizeBytes
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	tmp := dest + partSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.New(errors.CodeInternal, "create temporary file", err).WithContext("path", tmp)
	}
	discard := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	digest := sha256.New()
	pw := &progressWriter{ctx: ctx, r: r, id: e.ID, total: total}
	n, err := io.Copy(io.MultiWriter(f, digest, pw), resp.Body)
	if err != nil {
		discard()
		if ctx.Err() != nil {
			return contextError(ctx.Err())
		}
		return errors.New(errors.CodeNetwork, "download interrupted", err).
			WithContext("model", e.ID).
			WithContext("bytes", n)
	}

	if err := verify(e, digest); err != nil {
		discard()
		return err
	}
	if err := f.Sync(); err != nil {
		discard()
		return errors.New(errors.CodeInternal, "sync downloaded file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.CodeInternal, "close downloaded file", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.CodeInternal, "install downloaded file", err).WithContext("path", dest)
	}
	r.logger.InfoContext(ctx, "models.download.done", telemetry.AttrModelID, e.ID, "bytes", n, "path", dest)
	return nil
}

// open performs the GET, retrying connection failures and 5xx responses
// before any byte has been written.
func (r *Registry) open(ctx context.Context, e Entry) (*http.Response, error) {
	var resp *http.Response
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.SourceURL, nil)
		if err != nil {
			return errors.New(errors.CodeInvalidInput, "invalid source url", err).WithContext("url", e.SourceURL)
		}
		res, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return contextError(ctx.Err())
			}
			return errors.New(errors.CodeNetwork, "connect to model source", err).
				WithContext("url", e.SourceURL).
				WithRecoverable(true)
		}
		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			nerr := errors.Newf(errors.CodeNetwork, "model source returned status %d", res.StatusCode).
				WithContext("url", e.SourceURL).
				WithContext("status", res.StatusCode)
			if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
				nerr.WithRecoverable(true)
			}
			return nerr
		}
		resp = res
		return nil
	})
	return resp, err
}

func verify(e Entry, digest hash.Hash) error {
	got := hex.EncodeToString(digest.Sum(nil))
	if got != e.Digest() {
		return errors.New(errors.CodeChecksumMismatch,
			fmt.Sprintf("checksum mismatch for model %q", e.ID), nil).
			WithContext("expected", e.Digest()).
			WithContext("actual", got)
	}
	return nil
}

type progressWriter struct {
	ctx   context.Context
	r     *Registry
	id    string
	total int64
	done  int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n := len(b)
	p.done += int64(n)
	p.r.metrics.RecordDownloadBytes(p.ctx, p.id, int64(n))
	if p.r.progress != nil {
		p.r.progress(Progress{ModelID: p.id, Downloaded: p.done, Total: p.total})
	}
	return n, nil
}
