package replay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matverse/autonomy/internal/policy"
)

// #region fixture-tests

// TestFixture_OverloadRecovery loads the overload_recovery fixture and
// checks each pinned action. This is the primary regression test: if
// estimator tolerances or gain behavior drift, this catches it.
func TestFixture_OverloadRecovery(t *testing.T) {
	fixturePath := filepath.Join("testdata", "overload_recovery.yaml")
	f, err := LoadFixture(fixturePath)
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	if f.Description == "" {
		t.Fatal("fixture missing description")
	}

	results, err := ReplayFixture(f)
	if err != nil {
		t.Fatalf("replay fixture: %v", err)
	}
	if len(results) != len(f.Steps) {
		t.Fatalf("results = %d, steps = %d", len(results), len(f.Steps))
	}

	sum := Summarize(results)
	if sum.Actions[policy.ActionScaleUp] == 0 {
		t.Fatal("overload phase produced no scale_up")
	}
	if sum.Actions[policy.ActionScaleDown] == 0 {
		t.Fatal("recovery phase produced no scale_down")
	}
}

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadFixtureRejectsEmptyAndMalformed(t *testing.T) {
	if _, err := LoadFixture(writeFixture(t, "description: empty\nsteps: []\n")); err == nil {
		t.Fatal("fixture without steps accepted")
	}
	if _, err := LoadFixture(writeFixture(t, "steps: [\n")); err == nil {
		t.Fatal("malformed fixture accepted")
	}
	if _, err := LoadFixture(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing fixture accepted")
	}
}

func TestFixtureConfigRejectsShortBelief(t *testing.T) {
	fc := FixtureConfig{InitialBelief: []float64{0.9, 0.9}}
	if _, err := fc.ToPolicyConfig(); err == nil {
		t.Fatal("short initial belief accepted")
	}
}

func TestReplayFixtureFlagsDivergentExpectation(t *testing.T) {
	f, err := LoadFixture(writeFixture(t, `
steps:
  - {omega: 0.95, psi: 0.97, beta: 1.20, cpu: 0.70, latency: 0.10, throughput: 800}
expected:
  - {step: 0, action: scale_up}
`))
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	// A sample already at target yields noop, not the pinned scale_up.
	if _, err := ReplayFixture(f); err == nil {
		t.Fatal("divergent expectation not flagged")
	}

	f.Expected = []ExpectedStep{{Step: 7, Action: "noop"}}
	if _, err := ReplayFixture(f); err == nil {
		t.Fatal("out-of-range expectation not flagged")
	}
}

// #endregion fixture-tests
