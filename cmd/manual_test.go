package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"applytrail/internal/config"
	"applytrail/internal/importer"
	"applytrail/internal/reminder"
	"applytrail/internal/sweeper"
)

func TestRunSweepOnce(t *testing.T) {
	t.Parallel()

	stub := &stubTasks{swept: sweeper.Report{Claimed: 3}}
	builds := 0

	rep, err := runSweepOnce(context.Background(), config.Config{}, func(context.Context, config.Config) (appDeps, func(), error) {
		builds++
		return appDeps{sched: stub}, func() {}, nil
	})
	if err != nil {
		t.Fatalf("runSweepOnce error: %v", err)
	}
	if rep.Claimed != 3 {
		t.Fatalf("expected claimed=3, got %d", rep.Claimed)
	}
	if builds != 1 {
		t.Fatalf("expected builder called once, got %d", builds)
	}
	if stub.sweepCalls != 1 {
		t.Fatalf("expected RunSweep called once, got %d", stub.sweepCalls)
	}
}

func TestRunRemindOnce(t *testing.T) {
	t.Parallel()

	stub := &stubTasks{reminded: reminder.Report{Sent: 2}}
	cleaned := false

	rep, err := runRemindOnce(context.Background(), config.Config{}, func(context.Context, config.Config) (appDeps, func(), error) {
		return appDeps{sched: stub}, func() { cleaned = true }, nil
	})
	if err != nil {
		t.Fatalf("runRemindOnce error: %v", err)
	}
	if rep.Sent != 2 {
		t.Fatalf("expected sent=2, got %d", rep.Sent)
	}
	if !cleaned {
		t.Fatalf("expected cleanup to run")
	}
}

func TestRunOnceBuilderError(t *testing.T) {
	t.Parallel()

	_, err := runSweepOnce(context.Background(), config.Config{}, func(context.Context, config.Config) (appDeps, func(), error) {
		return appDeps{}, func() {}, errors.New("build fail")
	})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestParseEvents(t *testing.T) {
	t.Parallel()

	list, err := parseEvents([]byte(`
- jobTitle: SRE
  company: Acme
  appliedAt: 2024-01-10
- title: Data Engineer
  company: Initech
  email:
    subject: Thanks for applying
`))
	if err != nil {
		t.Fatalf("parse yaml list: %v", err)
	}
	if len(list) != 2 || list[0]["company"] != "Acme" {
		t.Fatalf("unexpected events %+v", list)
	}
	if _, ok := list[1]["email"].(map[string]any); !ok {
		t.Fatalf("expected nested email map, got %T", list[1]["email"])
	}

	wrapped, err := parseEvents([]byte(`{"items": [{"jobTitle": "SRE", "company": "Acme"}]}`))
	if err != nil {
		t.Fatalf("parse json object: %v", err)
	}
	if len(wrapped) != 1 {
		t.Fatalf("expected 1 event, got %d", len(wrapped))
	}

	if _, err := parseEvents([]byte(`[]`)); err == nil {
		t.Fatalf("expected error for empty list")
	}
	if _, err := parseEvents([]byte(`not: [valid`)); err == nil {
		t.Fatalf("expected error for broken input")
	}
}

func TestImportCommandEndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APPLYTRAIL_DATABASE_PATH", filepath.Join(dir, "cli.db"))
	t.Setenv("APPLYTRAIL_LOG_LEVEL", "error")

	file := filepath.Join(dir, "events.yaml")
	if err := os.WriteFile(file, []byte(`
- jobTitle: SRE
  company: Acme
  externalId: cli-1
- jobTitle: SRE
  company: Acme
  externalId: cli-1
`), 0o600); err != nil {
		t.Fatalf("write events: %v", err)
	}

	var out bytes.Buffer
	root := newRootCommand(buildDeps)
	root.SetOut(&out)
	root.SetArgs([]string{"import", "--config", filepath.Join(dir, "missing.yaml"), "--user", "u1", "--file", file})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("import command: %v", err)
	}

	var report struct {
		Items []importer.BulkItem `json:"items"`
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out.String())
	}
	if len(report.Items) != 2 || !report.Items[0].OK || !report.Items[1].Result.Deduped {
		t.Fatalf("unexpected report %s", out.String())
	}

	out.Reset()
	root = newRootCommand(buildDeps)
	root.SetOut(&out)
	root.SetArgs([]string{"sweep", "--config", filepath.Join(dir, "missing.yaml")})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("sweep command: %v", err)
	}
	var swept sweeper.Report
	if err := json.Unmarshal(out.Bytes(), &swept); err != nil {
		t.Fatalf("decode sweep report: %v", err)
	}
	if swept.Claimed != 0 {
		t.Fatalf("expected nothing to expire, got %d", swept.Claimed)
	}
}

// --- stubs ---

type stubTasks struct {
	swept      sweeper.Report
	reminded   reminder.Report
	sweepCalls int
}

func (s *stubTasks) RunSweep(context.Context) (sweeper.Report, error) {
	s.sweepCalls++
	return s.swept, nil
}

func (s *stubTasks) RunReminders(context.Context) (reminder.Report, error) {
	return s.reminded, nil
}

func (s *stubTasks) Start(context.Context) error {
	return nil
}
