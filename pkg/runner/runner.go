// Package runner fires the automation ticks every minute inside the server
// process, for deployments without an external scheduler.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// EveryMinute is the tick cadence.
const EveryMinute = "* * * * *"

// Job is one periodic tick.
type Job struct {
	Name string
	Run  func(ctx context.Context, now time.Time) error
}

// Runner schedules jobs on a UTC cron. A job whose previous run is still in
// flight is skipped for that minute.
type Runner struct {
	cron    *cron.Cron
	ctx     context.Context
	timeout time.Duration
}

// New registers jobs to run every minute. Each run gets a context derived from
// ctx bounded by timeout.
func New(ctx context.Context, timeout time.Duration, jobs ...Job) (*Runner, error) {
	logger := slogLogger{}
	r := &Runner{
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		ctx:     ctx,
		timeout: timeout,
	}
	for _, job := range jobs {
		if _, err := r.cron.AddFunc(EveryMinute, func() { r.run(job, time.Now()) }); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	return r, nil
}

func (r *Runner) run(job Job, now time.Time) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(ctx, now.UTC()); err != nil {
		slog.Error("Scheduled tick failed", "job", job.Name, "error", err)
		return
	}
	slog.Debug("Scheduled tick finished", "job", job.Name, "duration", time.Since(start))
}

// Start begins firing jobs in the background.
func (r *Runner) Start() {
	slog.Info("Starting in-process tick runner", "jobs", len(r.cron.Entries()))
	r.cron.Start()
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Tick runner did not stop in time")
	}
}

// slogLogger adapts the default slog logger to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug(msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error(msg, append(keysAndValues, "error", err)...)
}
