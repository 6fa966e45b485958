package gates

import "github.com/dagbolade/rollout-control-plane/internal/kpi"

// Threshold bounds one snapshot metric. Max and Min are inclusive limits;
// either may be absent.
type Threshold struct {
	Metric   string       `yaml:"metric" json:"metric"`
	Category kpi.Category `yaml:"category" json:"category"`
	Max      *float64     `yaml:"max,omitempty" json:"max,omitempty"`
	Min      *float64     `yaml:"min,omitempty" json:"min,omitempty"`
}

// Gate is a named pass/fail criterion. A gate passes iff every constituent
// threshold and test is present and passing; absence counts as failing.
type Gate struct {
	ID          string      `yaml:"id" json:"id"`
	Description string      `yaml:"description" json:"description"`
	Required    bool        `yaml:"required" json:"required"`
	Thresholds  []Threshold `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	Tests       []string    `yaml:"tests,omitempty" json:"tests,omitempty"`
}

// Result is a single gate's evaluation against one snapshot or test set.
type Result struct {
	GateID   string   `json:"gate_id"`
	Passed   bool     `json:"passed"`
	Blockers []string `json:"blockers,omitempty"`
}

// Verdict is the overall go/no-go for a full acceptance run.
type Verdict struct {
	Go            bool     `json:"go"`
	BlockingGates []string `json:"blocking_gates,omitempty"`
	Results       []Result `json:"results"`
}
