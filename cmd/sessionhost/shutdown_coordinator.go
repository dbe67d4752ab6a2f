package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sessionhost/internal/logging"
)

// teardownStep is one part of process shutdown. A positive timeout bounds the
// step on its own; otherwise it inherits the caller's deadline.
type teardownStep struct {
	name    string
	timeout time.Duration
	run     func(context.Context) error
}

// StepError reports a teardown step that failed or ran out of time.
type StepError struct {
	Step    string
	Elapsed time.Duration
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("shutdown %s after %s: %v", e.Step, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// teardown runs every step once, in order. A step that fails or overruns its
// budget is abandoned and the next one still runs.
type teardown struct {
	logger *logging.Logger

	mu    sync.Mutex
	steps []teardownStep
	ran   bool
	err   error
}

func newTeardown(logger *logging.Logger) *teardown {
	return &teardown{logger: logging.OrDiscard(logger).Named("shutdown")}
}

func (t *teardown) Step(name string, timeout time.Duration, run func(context.Context) error) {
	if t == nil || run == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, teardownStep{name: name, timeout: timeout, run: run})
}

// Run executes the steps on the first call. Later calls return the first
// call's result without running anything.
func (t *teardown) Run(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ran {
		return t.err
	}
	t.ran = true

	var errs []error
	for _, step := range t.steps {
		if err := t.runStep(ctx, step); err != nil {
			errs = append(errs, err)
		}
	}
	t.err = errors.Join(errs...)
	return t.err
}

func (t *teardown) runStep(ctx context.Context, step teardownStep) error {
	stepCtx := ctx
	if step.timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.timeout)
		defer cancel()
	}

	started := time.Now()
	result := make(chan error, 1)
	go func() { result <- step.run(stepCtx) }()

	var err error
	select {
	case err = <-result:
	case <-stepCtx.Done():
		select {
		case err = <-result:
		default:
			err = stepCtx.Err()
		}
	}

	elapsed := time.Since(started)
	fields := logging.Fields{
		"step":    step.name,
		"elapsed": elapsed.Round(time.Millisecond).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		t.logger.Warn("shutdown step failed", fields)
		return &StepError{Step: step.name, Elapsed: elapsed, Err: err}
	}
	t.logger.Debug("shutdown step done", fields)
	return nil
}
