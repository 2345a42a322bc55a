package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd.Execute()
}

func TestRejectsInvalidFormat(t *testing.T) {
	err := execute(t, "--format", "xml", "simulate", "--steps", "1")
	if err == nil {
		t.Fatal("invalid format accepted")
	}
}

func TestSimulateCommandRuns(t *testing.T) {
	err := execute(t, "--format", "json", "simulate",
		"--scenario", "steady", "--steps", "5", "--seed", "1", "--noise", "0.005")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	if err := execute(t, "simulate", "--scenario", "bogus", "--steps", "5"); err == nil {
		t.Fatal("unknown scenario accepted")
	}
	if err := execute(t, "simulate", "--steps", "0"); err == nil {
		t.Fatal("zero steps accepted")
	}
}

func TestReplayCommandRunsFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	body := `
description: steady state
steps:
  - {omega: 0.95, psi: 0.97, beta: 1.20, cpu: 0.70, latency: 0.10, throughput: 800}
  - {omega: 0.95, psi: 0.97, beta: 1.20, cpu: 0.70, latency: 0.10, throughput: 810}
expected:
  - {step: 1, action: noop}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := execute(t, "replay", path); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if err := execute(t, "replay", filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing fixture accepted")
	}
}

func TestInspectCommandOnFreshJournal(t *testing.T) {
	db := filepath.Join(t.TempDir(), "autonomy.db")
	if err := execute(t, "inspect", "--db", db, "--target", "svc"); err != nil {
		t.Fatalf("inspect: %v", err)
	}
}
