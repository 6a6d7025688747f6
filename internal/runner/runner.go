// Package runner fans shuffle fetch work out over a bounded pool of
// fetchers.
package runner

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/quarrylab/shufflefetch/internal/fetcher"
	"github.com/quarrylab/shufflefetch/internal/id/uuid"
	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

// Work is one host's batch of attempts for one partition.
type Work struct {
	Host      string
	Port      int
	Partition int
	Batch     []shuffle.AttemptID
}

// Runner consumes Work items and drives one fetcher per item, at most
// Parallelism at a time. A context cancellation propagates as Shutdown
// to every in-flight fetcher.
type Runner struct {
	builder     *fetcher.Builder
	parallelism int
	runID       string
	log         *zap.Logger

	mu      sync.Mutex
	active  map[int]*fetcher.Fetcher
	results []shuffle.FetchResult
}

// New creates a Runner. parallelism must be >= 1.
func New(builder *fetcher.Builder, parallelism int, log *zap.Logger) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	runID, err := uuid.NewUUIDGenerator().NewID()
	if err != nil {
		return nil, err
	}
	return &Runner{
		builder:     builder,
		parallelism: parallelism,
		runID:       runID,
		log:         log.With(zap.String("run_id", runID)),
	}, nil
}

// RunID identifies this runner instance in logs.
func (r *Runner) RunID() string { return r.runID }

// Run consumes the work channel until it closes, then returns every
// fetch result. When ctx is canceled the in-flight fetchers are shut
// down and Run returns after they unwind; queued work is returned as
// fully-unfetched results.
func (r *Runner) Run(ctx context.Context, work <-chan Work) []shuffle.FetchResult {
	r.mu.Lock()
	r.active = make(map[int]*fetcher.Fetcher, r.parallelism)
	r.results = nil
	r.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.shutdownActive()
		case <-stop:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < r.parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.consume(ctx, work)
		}()
	}
	wg.Wait()
	close(stop)

	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.results
	r.results = nil
	return out
}

func (r *Runner) consume(ctx context.Context, work <-chan Work) {
	for w := range work {
		if ctx.Err() != nil {
			r.record(shuffle.FetchResult{
				Host:      w.Host,
				Port:      w.Port,
				Partition: w.Partition,
				Remaining: w.Batch,
			})
			continue
		}
		r.runOne(ctx, w)
	}
}

func (r *Runner) runOne(ctx context.Context, w Work) {
	f := r.builder.AssignWork(w.Host, w.Port, w.Partition, w.Batch).Build()

	r.mu.Lock()
	r.active[f.ID()] = f
	canceled := ctx.Err() != nil
	r.mu.Unlock()
	if canceled {
		// Registration raced the shutdown fan-out; make sure this
		// fetcher sees it too.
		f.Shutdown()
	}

	res, err := f.Call(ctx)
	if err != nil {
		r.log.Error("fetch finished inconsistently",
			zap.String("host", w.Host),
			zap.Int("partition", w.Partition),
			zap.Error(err))
	}

	r.mu.Lock()
	delete(r.active, f.ID())
	r.mu.Unlock()

	r.record(res)
}

func (r *Runner) record(res shuffle.FetchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *Runner) shutdownActive() {
	r.mu.Lock()
	fetchers := make([]*fetcher.Fetcher, 0, len(r.active))
	for _, f := range r.active {
		fetchers = append(fetchers, f)
	}
	r.mu.Unlock()

	r.log.Info("shutting down in-flight fetchers", zap.Int("count", len(fetchers)))
	for _, f := range fetchers {
		f.Shutdown()
	}
}
