// Package engine runs independent pipeline jobs on a bounded worker
// pool. Parsing, extraction and tool downloads all go through it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Job is one independently runnable unit of work.
type Job interface {
	// Info identifies the job in logs and error messages.
	Info() string

	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	Name string
	Fn   func(ctx context.Context) error
}

func (j JobFunc) Info() string                  { return j.Name }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Engine executes jobs with bounded concurrency. Once the context is
// cancelled no new jobs are started; in-flight jobs see the cancelled
// context and abort on their own.
type Engine struct {
	concurrency int
	jobs        []Job
}

// New returns an engine over the given jobs. A concurrency of zero or
// less means one worker per CPU.
func New(concurrency int, jobs []Job) *Engine {
	return &Engine{concurrency: concurrency, jobs: jobs}
}

// Execute runs all jobs and returns the joined errors of every failed
// job. A cancelled context stops job issuance but already collected
// results remain valid.
func (e *Engine) Execute(ctx context.Context, logger zerolog.Logger) error {
	if len(e.jobs) == 0 {
		return nil
	}

	concurrency := e.concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	traceID := uuid.New().String()
	poolLogger := logger.With().
		Str("trace_id", traceID).
		Int("concurrency", concurrency).
		Int("total_jobs", len(e.jobs)).
		Logger()
	poolLogger.Debug().Msg("starting worker pool")

	sem := make(chan struct{}, concurrency)
	errCh := make(chan error, len(e.jobs))
	var wg sync.WaitGroup

	for i, jb := range e.jobs {
		if ctx.Err() != nil {
			errCh <- fmt.Errorf("job %d|%s: not started: %w", i, jb.Info(), ctx.Err())
			continue
		}

		i, jb := i, jb
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}        // acquire
			defer func() { <-sem }() // release

			if ctx.Err() != nil {
				errCh <- fmt.Errorf("job %d|%s: not started: %w", i, jb.Info(), ctx.Err())
				return
			}

			jobLogger := poolLogger.With().
				Int("job_index", i).
				Str("job_info", jb.Info()).
				Logger()
			start := time.Now()

			if err := jb.Run(ctx); err != nil {
				jobLogger.Warn().Err(err).
					Dur("duration", time.Since(start)).
					Msg("job failed")
				errCh <- fmt.Errorf("job %d|%s: %w", i, jb.Info(), err)
				return
			}
			jobLogger.Debug().
				Dur("duration", time.Since(start)).
				Msg("job completed")
		}()
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
