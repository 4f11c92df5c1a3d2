package orchestrator

import (
	"context"
	"sync"

	"github.com/specfactory/specfactory/model"
)

// Fleet runs multiple product loops in parallel, bounded by Concurrency.
// Products share the globals the loop carries (storage, rate limiter, LLM
// cache, event log); everything else is per-product state.
type Fleet struct {
	Loop        *Loop
	Concurrency int
}

// Outcome pairs one job with its run result or error.
type Outcome struct {
	Job    model.ProductJob
	Result *RunResult
	Err    error
}

// Run drains jobs through a bounded worker pool and returns outcomes in
// completion order.
func (f *Fleet) Run(ctx context.Context, jobs []model.ProductJob) []Outcome {
	workers := f.Concurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan model.ProductJob)
	outCh := make(chan Outcome, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				result, err := f.Loop.Run(ctx, job)
				outCh <- Outcome{Job: job, Result: result, Err: err}
			}
		}()
	}

	for _, job := range jobs {
		select {
		case jobCh <- job:
		case <-ctx.Done():
		}
	}
	close(jobCh)
	wg.Wait()
	close(outCh)

	out := make([]Outcome, 0, len(jobs))
	for o := range outCh {
		out = append(out, o)
	}
	return out
}
