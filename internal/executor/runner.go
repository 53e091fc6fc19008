package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os/exec"
	"sync"

	"pipeviz/internal/logging"
	"pipeviz/internal/pipeline"
)

// ErrRunnerClosed is returned by Execute once Close has been called.
var ErrRunnerClosed = errors.New("step runner is shut down")

// Applier is the part of *pipeline.Registry the runner drives.
type Applier interface {
	ApplyTransition(ctx context.Context, t pipeline.Transition) (pipeline.StepRecord, error)
}

// Runner marks a step in_progress, runs it in the background and applies
// the reported outcome. Step runs outlive the request that started them;
// Close cancels whatever is still running.
type Runner struct {
	reg    Applier
	exec   StepExecutor
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewRunner(reg Applier, exec StepExecutor, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		reg:    reg,
		exec:   exec,
		logger: logging.OrDiscard(logger).With("component", "step_runner"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Execute returns once the step is in_progress. The result is applied
// later and reaches clients as a regular step event.
func (r *Runner) Execute(ctx context.Context, pipelineID, stepID string) (pipeline.StepRecord, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return pipeline.StepRecord{}, ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	started := "Started executing " + stepID
	rec, err := r.reg.ApplyTransition(ctx, pipeline.Transition{
		PipelineID: pipelineID,
		StepID:     stepID,
		Status:     pipeline.StatusInProgress,
		Message:    &started,
	})
	if err != nil {
		r.wg.Done()
		return pipeline.StepRecord{}, err
	}

	go func() {
		defer r.wg.Done()
		r.finish(pipelineID, stepID)
	}()
	return rec, nil
}

func (r *Runner) finish(pipelineID, stepID string) {
	res, err := r.exec.Run(r.ctx, pipelineID, stepID)
	if err != nil {
		r.logger.Error("step execution failed", "pipeline_id", pipelineID, "step_id", stepID, "err", err)
		res = failure(err)
	}

	status, perr := pipeline.ParseRequestedStatus(res.Status)
	if perr != nil {
		r.logger.Warn("step reported unknown status", "pipeline_id", pipelineID, "step_id", stepID, "status", res.Status)
		status = pipeline.StatusFailed
	}
	msg := res.Message
	t := pipeline.Transition{
		PipelineID: pipelineID,
		StepID:     stepID,
		Status:     status,
		Message:    &msg,
		Data:       res.Data,
	}
	if t.Data == nil {
		t.Data = json.RawMessage(`{}`)
	}
	if _, err := r.reg.ApplyTransition(r.ctx, t); err != nil {
		r.logger.Error("step result rejected", "pipeline_id", pipelineID, "step_id", stepID, "status", status, "err", err)
		return
	}
	r.logger.Info("step finished", "pipeline_id", pipelineID, "step_id", stepID, "status", status)
}

// failure describes an execution error the way step programs describe
// their own failures.
func failure(err error) Result {
	kind := "execution_error"
	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, ErrEmptyOutput):
		kind = "empty_output"
	case errors.As(err, &exitErr):
		kind = "exit_status"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = "cancelled"
	}
	data, _ := json.Marshal(map[string]string{
		"error_type":    kind,
		"error_details": err.Error(),
	})
	return Result{Status: "failed", Message: kind + ": " + err.Error(), Data: data}
}

// Wait blocks until every started step has been applied.
func (r *Runner) Wait() { r.wg.Wait() }

// Close cancels running steps and waits for them. Later calls to Execute
// fail with ErrRunnerClosed.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
