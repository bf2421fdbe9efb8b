package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
name: triage
flowDefinition:
  - id: start
    type: start
    outputs: [classify]
  - id: classify
    type: agent
    inputs: [start]
    config:
      agentId: echo
`

const cyclicYAML = `
name: loop
flowDefinition:
  - id: start
    type: start
    outputs: [a]
  - id: a
    type: agent
    inputs: [start, b]
    outputs: [b]
  - id: b
    type: agent
    inputs: [a]
    outputs: [a]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRun(t *testing.T) {
	t.Run("valid yaml passes", func(t *testing.T) {
		path := writeFile(t, "app.yaml", validYAML)
		out := &bytes.Buffer{}
		if err := run(out, []string{path}); err != nil {
			t.Fatalf("run() error = %v, output:\n%s", err, out)
		}
		if !strings.Contains(out.String(), path+": ok") {
			t.Errorf("expected ok line, got %q", out)
		}
	})

	t.Run("cycle is reported", func(t *testing.T) {
		path := writeFile(t, "loop.yml", cyclicYAML)
		out := &bytes.Buffer{}
		err := run(out, []string{path})
		if !errors.Is(err, errInvalid) {
			t.Fatalf("run() error = %v, want errInvalid", err)
		}
		if !strings.Contains(out.String(), "cycle") {
			t.Errorf("expected cycle violation, got %q", out)
		}
	})

	t.Run("schema errors in json", func(t *testing.T) {
		path := writeFile(t, "bad.json", `{"flowDefinition": []}`)
		out := &bytes.Buffer{}
		if err := run(out, []string{path}); !errors.Is(err, errInvalid) {
			t.Fatalf("run() error = %v, want errInvalid", err)
		}
	})

	t.Run("unparseable yaml", func(t *testing.T) {
		path := writeFile(t, "broken.yaml", "name: [unclosed")
		out := &bytes.Buffer{}
		if err := run(out, []string{path}); !errors.Is(err, errInvalid) {
			t.Fatalf("run() error = %v, want errInvalid", err)
		}
		if !strings.Contains(out.String(), "parse yaml") {
			t.Errorf("expected parse error, got %q", out)
		}
	})

	t.Run("json report", func(t *testing.T) {
		good := writeFile(t, "good.yaml", validYAML)
		bad := writeFile(t, "loop.yaml", cyclicYAML)
		out := &bytes.Buffer{}
		if err := run(out, []string{"-json", good, bad}); !errors.Is(err, errInvalid) {
			t.Fatalf("run() error = %v, want errInvalid", err)
		}
		var reports []fileReport
		if err := json.Unmarshal(out.Bytes(), &reports); err != nil {
			t.Fatalf("decode report: %v\n%s", err, out)
		}
		if len(reports) != 2 {
			t.Fatalf("expected 2 reports, got %d", len(reports))
		}
		if !reports[0].Valid || reports[1].Valid {
			t.Errorf("unexpected validity: %+v", reports)
		}
	})

	t.Run("no files", func(t *testing.T) {
		out := &bytes.Buffer{}
		if err := run(out, nil); err == nil {
			t.Fatal("expected error without input files")
		}
		if !strings.Contains(out.String(), "Usage:") {
			t.Errorf("expected usage text, got %q", out)
		}
	})

	t.Run("help", func(t *testing.T) {
		out := &bytes.Buffer{}
		if err := run(out, []string{"-h"}); err != nil {
			t.Fatalf("run(-h) error = %v", err)
		}
	})
}
