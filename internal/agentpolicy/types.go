package agentpolicy

import "github.com/dagbolade/rollout-control-plane/internal/rollout"

// PolicyEntry is the static allow-list for one agent type. Any tool name
// absent from the list is blocked regardless of mode.
type PolicyEntry struct {
	Tools []string `yaml:"tools"`
}

// policyFile is the on-disk shape of policies.yaml.
type policyFile struct {
	Agents map[string]PolicyEntry `yaml:"agents"`
	// Tool name -> minimum rollout mode required to use it.
	ToolModes map[string]string `yaml:"tool_modes"`
}

// Decision is the outcome of one policy check. CorrelationID ties the
// decision to its audit entry.
type Decision struct {
	Allowed       bool         `json:"allowed"`
	Reason        string       `json:"reason"`
	CorrelationID string       `json:"correlation_id"`
	MinimumMode   rollout.Mode `json:"minimum_mode,omitempty"`
}
