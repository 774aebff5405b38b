package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
)

// DefaultConcurrency is the number of repositories mined at once.
const DefaultConcurrency = 2

// Batch mines many repositories with failure isolation: one repository's
// failure is recorded in its Result and never affects another.
type Batch struct {
	deps        Deps
	opts        Options
	concurrency int
	logger      *slog.Logger
}

// NewBatch creates a Batch. concurrency <= 0 selects DefaultConcurrency.
func NewBatch(deps Deps, opts Options, concurrency int) *Batch {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	return &Batch{
		deps:        deps,
		opts:        opts,
		concurrency: concurrency,
		logger:      observability.OrDiscard(deps.Logger),
	}
}

// Run mines projects and returns one Result per project in input order.
// The error is non-nil only when the run was interrupted.
func (b *Batch) Run(ctx context.Context, projects []Project) ([]Result, error) {
	results := make([]Result, len(projects))

	var g errgroup.Group

	g.SetLimit(b.concurrency)

	for i, project := range projects {
		g.Go(func() error {
			if stop := interrupted(ctx); stop != nil {
				results[i] = Result{Project: project, Err: stop}

				return stop
			}

			res, err := NewRepository(project, b.deps, b.opts).Run(ctx)
			results[i] = res

			if errors.Is(err, ErrInterrupted) {
				return err
			}

			if err != nil {
				b.logger.ErrorContext(ctx, "repository skipped", "project", project.String(), "error", err)
			}

			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return results, err
	}

	if stop := interrupted(ctx); stop != nil {
		return results, stop
	}

	return results, nil
}
