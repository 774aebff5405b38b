// Package archive downloads release archives and extracts them under quota
// into private sandbox directories with bounded concurrency.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/Sumatoshi-tech/releaseminer/pkg/apiclient"
	"github.com/Sumatoshi-tech/releaseminer/pkg/github"
	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
	"github.com/Sumatoshi-tech/releaseminer/pkg/retry"
)

const (
	tracerName = "releaseminer/archive"

	// DefaultPermits bounds simultaneous fetches process-wide.
	DefaultPermits = 5000

	downloadName = "archive.zip"
	treeName     = "src"

	downloadAttempts = 5
	downloadBackoff  = 3 * time.Second
)

// Source opens archive streams.
type Source interface {
	DownloadZipball(ctx context.Context, repo github.RepositoryRef, ref string) (io.ReadCloser, error)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLimits overrides DefaultLimits.
func WithLimits(limits Limits) Option {
	return func(f *Fetcher) {
		f.limits = limits
	}
}

// WithPermits sets the number of simultaneous fetches.
func WithPermits(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithLogger sets the fetch logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithMetrics records extracted bytes and rejections.
func WithMetrics(mm *observability.MiningMetrics) Option {
	return func(f *Fetcher) {
		f.metrics = mm
	}
}

// WithRetryPolicy rewrites the download retry policy.
func WithRetryPolicy(adjust func(retry.Policy) retry.Policy) Option {
	return func(f *Fetcher) {
		f.policy = adjust(f.policy)
	}
}

// Fetcher downloads and extracts archives. One Fetcher is shared by every
// repository in a run so its permit pool is process-wide.
type Fetcher struct {
	source  Source
	sandbox *Sandbox
	sem     *semaphore.Weighted
	limits  Limits
	policy  retry.Policy
	logger  *slog.Logger
	metrics *observability.MiningMetrics
}

// NewFetcher creates a Fetcher writing into sandbox.
func NewFetcher(source Source, sandbox *Sandbox, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:  source,
		sandbox: sandbox,
		sem:     semaphore.NewWeighted(DefaultPermits),
		limits:  DefaultLimits(),
	}

	f.policy = retry.Policy{
		MaxAttempts: downloadAttempts,
		Backoff:     retry.Exponential(downloadBackoff),
		Retryable:   apiclient.IsTimeout,
	}

	for _, opt := range opts {
		opt(f)
	}

	f.logger = observability.OrDiscard(f.logger)

	notify := f.policy.Notify
	f.policy.Notify = func(attempt int, err error, delay time.Duration) {
		f.logger.Warn("archive download timed out, retrying",
			"attempt", attempt+1, "delay", delay.String(), "error", err)

		if notify != nil {
			notify(attempt, err, delay)
		}
	}

	return f
}

// Sandbox returns the registry the fetcher writes into.
func (f *Fetcher) Sandbox() *Sandbox {
	return f.sandbox
}

// Fetch downloads the archive of repo at ref and extracts it into a fresh
// private directory. It returns the extraction root. The directory stays
// registered in the sandbox on failure so the caller can release it.
func (f *Fetcher) Fetch(ctx context.Context, repo github.RepositoryRef, ref, label string) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "archive.Fetch")
	defer span.End()

	span.SetAttributes(
		attribute.String("repo", repo.String()),
		attribute.String("ref", ref),
	)

	acquireErr := f.sem.Acquire(ctx, 1)
	if acquireErr != nil {
		return "", fmt.Errorf("acquire fetch permit: %w", acquireErr)
	}
	defer f.sem.Release(1)

	dir, err := f.sandbox.NewDir(label)
	if err != nil {
		return "", err
	}

	zipPath := filepath.Join(dir, downloadName)

	size, err := retry.DoValue(ctx, f.policy, func(int) (int64, error) {
		return f.download(ctx, repo, ref, zipPath)
	})
	if err != nil {
		f.fail(ctx, span, err)

		return "", fmt.Errorf("fetch %s@%s: %w", repo, ref, err)
	}

	root := filepath.Join(dir, treeName)

	state, err := ExtractFile(zipPath, root, f.limits, f.logger)

	f.metrics.RecordArchive(ctx, state.TotalBytes)

	if err != nil {
		f.fail(ctx, span, err)

		return "", fmt.Errorf("extract %s@%s: %w", repo, ref, err)
	}

	removeErr := os.Remove(zipPath)
	if removeErr != nil {
		f.logger.WarnContext(ctx, "could not remove downloaded archive", "path", zipPath, "error", removeErr)
	}

	f.logger.InfoContext(ctx, "release archive extracted",
		"repo", repo.String(),
		"ref", ref,
		"download", humanize.IBytes(uint64(size)), //nolint:gosec // never negative.
		"extracted", humanize.IBytes(uint64(state.TotalBytes)), //nolint:gosec // never negative.
		"entries", state.Entries,
		"skipped", state.Skipped,
	)

	return root, nil
}

func (f *Fetcher) fail(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "fetch failed")

	if errors.Is(err, ErrSecurityViolation) {
		reason := "containment"
		if errors.Is(err, ErrQuotaExceeded) {
			reason = "quota"
		}

		f.metrics.RecordArchiveRejected(ctx, reason)
	}
}

// download streams the archive into path, truncating any earlier attempt.
func (f *Fetcher) download(ctx context.Context, repo github.RepositoryRef, ref, path string) (int64, error) {
	body, err := f.source.DownloadZipball(ctx, repo, ref)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return 0, fmt.Errorf("create download file: %w", err)
	}

	n, copyErr := io.Copy(out, io.LimitReader(body, f.limits.MaxTotalBytes+1))
	closeErr := out.Close()

	if copyErr != nil {
		return n, fmt.Errorf("download body: %w", copyErr)
	}

	if n > f.limits.MaxTotalBytes {
		return n, fmt.Errorf("%w: download larger than %s", ErrQuotaExceeded,
			humanize.IBytes(uint64(f.limits.MaxTotalBytes))) //nolint:gosec // positive limit.
	}

	if closeErr != nil {
		return n, fmt.Errorf("close download file: %w", closeErr)
	}

	return n, nil
}
