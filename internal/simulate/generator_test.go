package simulate

import (
	"testing"
	"time"

	"github.com/matverse/autonomy/internal/policy"
	"github.com/matverse/autonomy/internal/replay"
)

func TestGeneratorDeterministicPerSeed(t *testing.T) {
	a, err := NewGenerator(ScenarioOverload, 42, 0.01)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	b, _ := NewGenerator(ScenarioOverload, 42, 0.01)

	for i := 0; i < 20; i++ {
		sa, sb := a.Next(), b.Next()
		sa.Timestamp = time.Time{}
		sb.Timestamp = time.Time{}
		if sa != sb {
			t.Fatalf("step %d diverged: %+v vs %+v", i, sa, sb)
		}
	}
}

func TestGeneratorSamplesAlwaysValidate(t *testing.T) {
	for _, sc := range Scenarios {
		g, err := NewGenerator(sc, 7, 0.05)
		if err != nil {
			t.Fatalf("new generator %s: %v", sc, err)
		}
		for i := 0; i < 100; i++ {
			if s := g.Next(); s.Validate() != nil {
				t.Fatalf("scenario %s emitted invalid sample at step %d: %+v", sc, i, s)
			}
		}
	}
}

func TestOverloadScenarioDrivesScaleUp(t *testing.T) {
	g, err := NewGenerator(ScenarioOverload, 1, 0.005)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	results, err := replay.Replay(policy.DefaultConfig(), g.Trajectory(30))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	sum := replay.Summarize(results)
	if sum.Actions[policy.ActionScaleUp] == 0 {
		t.Fatalf("overload ramp never requested capacity: %v", sum.Actions)
	}
}

func TestQualityCollapseDrivesRetune(t *testing.T) {
	g, err := NewGenerator(ScenarioQualityCollapse, 1, 0.005)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	results, err := replay.Replay(policy.DefaultConfig(), g.Trajectory(40))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	sum := replay.Summarize(results)
	if sum.Actions[policy.ActionRetune] == 0 {
		t.Fatalf("quality collapse never requested a retune: %v", sum.Actions)
	}
}

func TestNewGeneratorRejectsBadInputs(t *testing.T) {
	if _, err := NewGenerator("chaos-monkey", 1, 0.01); err == nil {
		t.Fatal("unknown scenario accepted")
	}
	if _, err := NewGenerator(ScenarioSteady, 1, 0.5); err == nil {
		t.Fatal("excessive noise accepted")
	}
}
