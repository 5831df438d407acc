// Package parallel runs independent per-response-column work with bounded
// concurrency. A failing column never stops its neighbours.
package parallel

import (
	"context"
	"fmt"

	"fedreg/domain/regression"
	"fedreg/internal/errors"

	"golang.org/x/sync/errgroup"
)

// ColumnFunc computes one column. It must only write state owned by that column.
type ColumnFunc func(ctx context.Context, column int) error

// Executor fans column work out over a fixed number of workers.
type Executor struct {
	workers int
}

// NewExecutor creates an executor; workers below one are treated as one.
func NewExecutor(workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{workers: workers}
}

// Run calls fn for every column in [0, n). The returned slice holds the
// per-column error (nil on success). The second result is non-nil only when
// ctx was cancelled before every column ran.
func (e *Executor) Run(ctx context.Context, n int, fn ColumnFunc) ([]error, error) {
	errs := make([]error, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			errs[i] = call(gctx, i, fn)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return errs, err
	}
	return errs, ctx.Err()
}

func call(ctx context.Context, column int, fn ColumnFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(fmt.Sprintf("column %d panicked: %v", column, r))
		}
	}()
	return fn(ctx, column)
}

// Failures converts per-column errors into a report, in column order.
func Failures(errs []error, labels []string, site string) []regression.ColumnFailure {
	var out []regression.ColumnFailure
	for i, err := range errs {
		if err == nil {
			continue
		}
		f := regression.ColumnFailure{
			Column:  i,
			Site:    site,
			Code:    errors.GetCode(err),
			Message: err.Error(),
		}
		if i < len(labels) {
			f.Label = labels[i]
		}
		out = append(out, f)
	}
	return out
}
