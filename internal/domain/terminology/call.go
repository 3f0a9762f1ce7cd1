package terminology

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/termserver/internal/platform/telemetry"
)

// caller runs store calls under the engine's timeout and retry policy.
type caller struct {
	opts Options
}

// do runs fn with a per-attempt timeout, retrying failures with exponential
// backoff. ErrNotFound is returned unchanged; exhausted retries and caller
// cancellation become Transient errors.
func (c caller) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "store."+method)
	defer span.End()

	start := time.Now()
	attempts := 0
	op := func() error {
		if attempts > 0 {
			telemetry.StoreRetriesTotal.WithLabelValues(method).Inc()
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
		defer cancel()

		err := fn(callCtx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound), ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.StoreMaxRetries)), ctx)

	err := backoff.Retry(op, policy)
	switch {
	case err == nil:
		telemetry.ObserveStoreCall(method, "ok", time.Since(start))
		return nil
	case errors.Is(err, ErrNotFound):
		telemetry.ObserveStoreCall(method, "not_found", time.Since(start))
		return err
	}
	telemetry.ObserveStoreCall(method, "error", time.Since(start))
	span.RecordError(err)
	return transient(method, err)
}

// drain follows cursors until the store reports the last page.
func drain[T any](ctx context.Context, c caller, method string, fetch func(ctx context.Context, p Page) ([]T, string, error)) ([]T, error) {
	var all []T
	cursor := ""
	for {
		var items []T
		var next string
		err := c.do(ctx, method, func(ctx context.Context) error {
			var err error
			items, next, err = fetch(ctx, Page{Cursor: cursor, Size: c.opts.PageSize})
			return err
		})
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

// chunk splits ids into slices of at most size elements.
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

// mapChunks runs fn over MaxTermsPerQuery sized chunks of ids with bounded
// concurrency. Results are concatenated in chunk order so the output does not
// depend on scheduling.
func mapChunks[T any](ctx context.Context, opts Options, ids []string, fn func(ctx context.Context, ids []string) ([]T, error)) ([]T, error) {
	chunks := chunk(ids, opts.MaxTermsPerQuery)
	if len(chunks) == 0 {
		return nil, nil
	}
	if len(chunks) == 1 {
		return fn(ctx, chunks[0])
	}

	slots := make([][]T, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.BatchConcurrency)
	for i, ids := range chunks {
		g.Go(func() error {
			out, err := fn(gctx, ids)
			if err != nil {
				return err
			}
			slots[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []T
	for _, s := range slots {
		merged = append(merged, s...)
	}
	return merged, nil
}
