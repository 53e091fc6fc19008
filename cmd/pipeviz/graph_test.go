package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGraphValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	raw := "steps:\n  - id: collect\n  - id: review\n    dependencies: [collect]\n    requiresUserInput: true\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"graph", "validate", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "2 steps") || !strings.Contains(got, "review <- collect [acknowledgment]") {
		t.Fatalf("unexpected output:\n%s", got)
	}
}

func TestGraphValidateRejectsCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.json")
	raw := `{"steps":[{"id":"a","dependencies":["b"]},{"id":"b","dependencies":["a"]}]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"graph", "validate", path})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Execute() error = %v, want cycle error", err)
	}
}
