package gates

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dagbolade/rollout-control-plane/internal/kpi"
)

func floatPtr(v float64) *float64 { return &v }

func snapshotWith(metrics map[string]kpi.Stat) kpi.Snapshot {
	return kpi.Snapshot{
		VenueID:     "venue-1",
		PeriodStart: time.Now().Add(-time.Hour),
		PeriodEnd:   time.Now(),
		Metrics:     metrics,
	}
}

func TestEvaluateSnapshotThresholds(t *testing.T) {
	e := NewStaticEvaluator([]Gate{
		{
			ID:       "stability",
			Required: true,
			Thresholds: []Threshold{
				{Metric: "error_rate", Category: kpi.CategoryReliability, Max: floatPtr(0.05)},
				{Metric: "order_success_rate", Category: kpi.CategoryBusiness, Min: floatPtr(0.9)},
			},
		},
	}, nil, nil)

	tests := []struct {
		name     string
		metrics  map[string]kpi.Stat
		passed   bool
		blockers []string
	}{
		{
			name: "all within bounds",
			metrics: map[string]kpi.Stat{
				"error_rate":         {Mean: 0.01},
				"order_success_rate": {Mean: 0.97},
			},
			passed: true,
		},
		{
			name: "max exceeded",
			metrics: map[string]kpi.Stat{
				"error_rate":         {Mean: 0.2},
				"order_success_rate": {Mean: 0.97},
			},
			passed:   false,
			blockers: []string{"error_rate"},
		},
		{
			name: "min not reached",
			metrics: map[string]kpi.Stat{
				"error_rate":         {Mean: 0.01},
				"order_success_rate": {Mean: 0.5},
			},
			passed:   false,
			blockers: []string{"order_success_rate"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.EvaluateSnapshot("stability", snapshotWith(tt.metrics))
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if result.Passed != tt.passed {
				t.Errorf("passed = %v, want %v", result.Passed, tt.passed)
			}
			if len(result.Blockers) != len(tt.blockers) {
				t.Fatalf("blockers = %v, want %v", result.Blockers, tt.blockers)
			}
			for i, b := range tt.blockers {
				if result.Blockers[i] != b {
					t.Errorf("blocker[%d] = %q, want %q", i, result.Blockers[i], b)
				}
			}
		})
	}
}

func TestMissingMetricCountsAsFailing(t *testing.T) {
	e := NewStaticEvaluator([]Gate{
		{
			ID:       "stability",
			Required: true,
			Thresholds: []Threshold{
				{Metric: "error_rate", Category: kpi.CategoryReliability, Max: floatPtr(0.05)},
			},
		},
	}, nil, nil)

	result, err := e.EvaluateSnapshot("stability", snapshotWith(nil))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Passed {
		t.Error("a gate with no data for its metric must not pass")
	}
	if len(result.Blockers) != 1 || result.Blockers[0] != "error_rate" {
		t.Errorf("blockers = %v, want [error_rate]", result.Blockers)
	}
}

func TestEvaluateSnapshotUnknownGate(t *testing.T) {
	e := NewStaticEvaluator(nil, nil, nil)

	if _, err := e.EvaluateSnapshot("nope", snapshotWith(nil)); err == nil {
		t.Error("expected error for unknown gate id")
	}
}

func TestEvaluateTests(t *testing.T) {
	e := NewStaticEvaluator([]Gate{
		{ID: "core", Required: true, Tests: []string{"t1", "t2"}},
		{ID: "extras", Required: false, Tests: []string{"t3"}},
	}, nil, nil)

	tests := []struct {
		name     string
		results  map[string]bool
		expectGo bool
		blocking []string
	}{
		{
			name:     "all passing",
			results:  map[string]bool{"t1": true, "t2": true, "t3": true},
			expectGo: true,
		},
		{
			name:     "required test failing",
			results:  map[string]bool{"t1": true, "t2": false, "t3": true},
			expectGo: false,
			blocking: []string{"core"},
		},
		{
			name:     "required test missing",
			results:  map[string]bool{"t1": true, "t3": true},
			expectGo: false,
			blocking: []string{"core"},
		},
		{
			name:     "only optional failing",
			results:  map[string]bool{"t1": true, "t2": true, "t3": false},
			expectGo: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := e.EvaluateTests(tt.results)
			if verdict.Go != tt.expectGo {
				t.Errorf("go = %v, want %v", verdict.Go, tt.expectGo)
			}
			if len(verdict.BlockingGates) != len(tt.blocking) {
				t.Fatalf("blocking = %v, want %v", verdict.BlockingGates, tt.blocking)
			}
			for i, id := range tt.blocking {
				if verdict.BlockingGates[i] != id {
					t.Errorf("blocking[%d] = %q, want %q", i, verdict.BlockingGates[i], id)
				}
			}
		})
	}
}

func TestOptionalGateFailureStillReported(t *testing.T) {
	e := NewStaticEvaluator([]Gate{
		{ID: "extras", Required: false, Tests: []string{"t3"}},
	}, nil, nil)

	verdict := e.EvaluateTests(map[string]bool{})
	if !verdict.Go {
		t.Error("optional gate failure must not block the verdict")
	}
	if len(verdict.Results) != 1 || verdict.Results[0].Passed {
		t.Errorf("expected the optional gate's own failure reported, got %+v", verdict.Results)
	}
}

const validGatesYAML = `
gates:
  - id: shadow_exit
    description: Leave shadow mode
    required: true
    thresholds:
      - metric: error_rate
        category: reliability
        max: 0.05
  - id: assisted_floor
    description: Stay in assisted mode
    required: true
    thresholds:
      - metric: error_rate
        category: reliability
        max: 0.1

promotion_gates:
  shadow_ui: shadow_exit

demotion_gates:
  assisted: assisted_floor
`

func writeGatesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gates.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write gates file: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	e, err := NewEvaluator(writeGatesFile(t, validGatesYAML))
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	if _, ok := e.Gate("shadow_exit"); !ok {
		t.Error("expected shadow_exit loaded")
	}

	id, ok := e.PromotionGate("shadow_ui")
	if !ok || id != "shadow_exit" {
		t.Errorf("promotion gate = %q/%v, want shadow_exit", id, ok)
	}

	id, ok = e.DemotionGate("assisted")
	if !ok || id != "assisted_floor" {
		t.Errorf("demotion gate = %q/%v, want assisted_floor", id, ok)
	}

	if _, ok := e.DemotionGate("full"); ok {
		t.Error("expected no demotion gate for full")
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty gate id", "gates:\n  - description: no id\n"},
		{"duplicate id", "gates:\n  - id: a\n  - id: a\n"},
		{"dangling promotion ref", "gates:\n  - id: a\npromotion_gates:\n  shadow_ui: missing\n"},
		{"dangling demotion ref", "gates:\n  - id: a\ndemotion_gates:\n  assisted: missing\n"},
		{"not yaml", "{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEvaluator(writeGatesFile(t, tt.content)); err == nil {
				t.Error("expected load error")
			}
		})
	}
}
