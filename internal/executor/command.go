// Package executor runs step programs on behalf of the registry. Step
// logic itself is opaque: a step program is any command that prints a JSON
// result document on stdout.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"pipeviz/internal/util/jsonutil"
)

var ErrEmptyOutput = errors.New("empty output from step")

// Result is the document a step program prints. Status uses the step
// vocabulary ("success", "error", "completed", "failed", ...).
type Result struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StepExecutor runs one step to completion. A returned error means the
// step could not be run or its output could not be read.
type StepExecutor interface {
	Run(ctx context.Context, pipelineID, stepID string) (Result, error)
}

// Command runs Path with Args followed by
// "--mode step --step <id> --pipeline-id <id>".
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// ParseCommandLine splits a STEP_COMMAND value on whitespace.
func ParseCommandLine(line string) (*Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.New("step command is empty")
	}
	return &Command{Path: fields[0], Args: fields[1:]}, nil
}

func (c *Command) Run(ctx context.Context, pipelineID, stepID string) (Result, error) {
	args := append(append([]string(nil), c.Args...), "--mode", "step", "--step", stepID, "--pipeline-id", pipelineID)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(os.Environ(), c.Env...), "AGENT_API_MODE=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Result{}, fmt.Errorf("step %s: %w: %s", stepID, err, msg)
		}
		return Result{}, fmt.Errorf("step %s: %w", stepID, err)
	}
	return ParseOutput(stdout.Bytes())
}

// ParseOutput reads a step's stdout. Step programs may log around their
// result, so when stdout is not a single JSON document the outermost
// braces are tried, then every embedded object carrying a status. Output
// with no usable object becomes a failed result holding the raw text.
func ParseOutput(stdout []byte) (Result, error) {
	text := strings.TrimSpace(string(stdout))
	if text == "" {
		return Result{}, ErrEmptyOutput
	}

	var res Result
	if err := jsonutil.UnmarshalFlex([]byte(text), &res); err == nil {
		return normalize(res), nil
	}
	if obj, ok := jsonutil.Outermost(text); ok {
		if res, ok := decode([]byte(obj)); ok {
			return res, nil
		}
	}
	if raw, err := jsonutil.FindObject(text, "status"); err == nil {
		if res, ok := decode(raw); ok {
			return res, nil
		}
	}

	raw, _ := json.Marshal(map[string]string{"raw_output": text})
	return Result{Status: "failed", Message: "could not parse JSON output from step", Data: raw}, nil
}

func decode(raw []byte) (Result, bool) {
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, false
	}
	return normalize(res), true
}

func normalize(res Result) Result {
	if strings.TrimSpace(res.Status) == "" {
		res.Status = "failed"
	}
	if res.Message == "" {
		res.Message = "No message provided"
	}
	return res
}
