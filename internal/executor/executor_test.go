package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pipeviz/internal/clock"
	"pipeviz/internal/pipeline"
	"pipeviz/internal/stepgraph"
)

func TestParseOutputPureJSON(t *testing.T) {
	res, err := ParseOutput([]byte(`{"status":"success","message":"ok","data":{"score":3}}`))
	require.NoError(t, err)
	require.Equal(t, "success", res.Status)
	require.Equal(t, "ok", res.Message)
	require.JSONEq(t, `{"score":3}`, string(res.Data))
}

func TestParseOutputMixedLogs(t *testing.T) {
	out := "loading model...\n{\"status\":\"completed\",\"message\":\"done\"}\nbye\n"
	res, err := ParseOutput([]byte(out))
	require.NoError(t, err)
	require.Equal(t, "completed", res.Status)
	require.Equal(t, "done", res.Message)
}

func TestParseOutputPicksObjectWithStatus(t *testing.T) {
	out := `progress {"pct": 50} then {"status":"error","message":"boom"} trailing }`
	res, err := ParseOutput([]byte(out))
	require.NoError(t, err)
	require.Equal(t, "error", res.Status)
	require.Equal(t, "boom", res.Message)
}

func TestParseOutputUnparseable(t *testing.T) {
	res, err := ParseOutput([]byte("no json here"))
	require.NoError(t, err)
	require.Equal(t, "failed", res.Status)
	require.JSONEq(t, `{"raw_output":"no json here"}`, string(res.Data))

	_, err = ParseOutput([]byte("   \n"))
	require.ErrorIs(t, err, ErrEmptyOutput)
}

func TestParseOutputDefaults(t *testing.T) {
	res, err := ParseOutput([]byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "failed", res.Status)
	require.Equal(t, "No message provided", res.Message)
}

func TestCommandRunsStepProgram(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	// sh -c script name args...: $0 is "step", the flags follow.
	cmd := &Command{Path: sh, Args: []string{"-c", `echo "log line"; echo "{\"status\":\"success\",\"message\":\"$4 for $6\"}"`, "step"}}
	res, err := cmd.Run(context.Background(), "p1", "analysis")
	require.NoError(t, err)
	require.Equal(t, "success", res.Status)
	require.Equal(t, "analysis for p1", res.Message)

	failing := &Command{Path: sh, Args: []string{"-c", "echo broken >&2; exit 3", "step"}}
	_, err = failing.Run(context.Background(), "p1", "analysis")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Contains(t, err.Error(), "broken")
}

func TestParseCommandLine(t *testing.T) {
	cmd, err := ParseCommandLine("  python3 agent/client.py ")
	require.NoError(t, err)
	require.Equal(t, "python3", cmd.Path)
	require.Equal(t, []string{"agent/client.py"}, cmd.Args)

	_, err = ParseCommandLine("   ")
	require.Error(t, err)
}

type stubExecutor struct {
	res     Result
	err     error
	release chan struct{}
}

func (s *stubExecutor) Run(ctx context.Context, _, _ string) (Result, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return s.res, s.err
}

func newRegistry(t *testing.T) (*pipeline.Registry, string) {
	t.Helper()
	g := stepgraph.MustNew(
		stepgraph.Definition{ID: "a"},
		stepgraph.Definition{ID: "b", Dependencies: []string{"a"}},
	)
	reg, err := pipeline.NewRegistry(g, pipeline.WithClock(clock.Fake(time.Unix(1700000000, 0))))
	require.NoError(t, err)
	snap, err := reg.Register(context.Background(), "agent", 0)
	require.NoError(t, err)
	return reg, snap.ID
}

func TestRunnerAppliesResult(t *testing.T) {
	reg, id := newRegistry(t)
	stub := &stubExecutor{
		res:     Result{Status: "success", Message: "analysed", Data: json.RawMessage(`{"n":1}`)},
		release: make(chan struct{}),
	}
	r := NewRunner(reg, stub, nil)
	defer r.Close()

	rec, err := r.Execute(context.Background(), id, "a")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusInProgress, rec.Status)
	require.Equal(t, "Started executing a", rec.Message)

	close(stub.release)
	r.Wait()

	snap, err := reg.Snapshot(id)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, snap.StatusOf("a"))
	require.Equal(t, "analysed", snap.Steps["a"].Message)
	require.JSONEq(t, `{"n":1}`, string(snap.Steps["a"].Data))
}

func TestRunnerRecordsExecutionFailure(t *testing.T) {
	reg, id := newRegistry(t)
	r := NewRunner(reg, &stubExecutor{err: errors.New("agent missing")}, nil)
	defer r.Close()

	_, err := r.Execute(context.Background(), id, "a")
	require.NoError(t, err)
	r.Wait()

	snap, _ := reg.Snapshot(id)
	rec := snap.Steps["a"]
	require.Equal(t, pipeline.StatusFailed, rec.Status)
	var data map[string]string
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	require.Equal(t, "execution_error", data["error_type"])
	require.Equal(t, "agent missing", data["error_details"])
}

func TestRunnerRejectsBlockedStep(t *testing.T) {
	reg, id := newRegistry(t)
	r := NewRunner(reg, &stubExecutor{res: Result{Status: "success"}}, nil)
	defer r.Close()

	_, err := r.Execute(context.Background(), id, "b")
	require.ErrorIs(t, err, pipeline.ErrDependencyNotMet)
	r.Wait()

	snap, _ := reg.Snapshot(id)
	require.Equal(t, pipeline.StatusPending, snap.StatusOf("b"))
}

func TestRunnerRefusesExecuteAfterClose(t *testing.T) {
	reg, id := newRegistry(t)
	r := NewRunner(reg, &stubExecutor{res: Result{Status: "success"}}, nil)
	r.Close()

	_, err := r.Execute(context.Background(), id, "a")
	require.ErrorIs(t, err, ErrRunnerClosed)
	r.Wait()

	snap, _ := reg.Snapshot(id)
	require.Equal(t, pipeline.StatusPending, snap.StatusOf("a"))
}
