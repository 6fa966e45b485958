package flags

import (
	"encoding/json"
	"fmt"
)

type Scope string

const (
	ScopeCohort Scope = "cohort"
	ScopeVenue  Scope = "venue"
	ScopeTenant Scope = "tenant"
)

// Flag is a registered key with its global default.
type Flag struct {
	Key            string          `json:"key"`
	DefaultEnabled bool            `json:"default_enabled"`
	DefaultPayload json.RawMessage `json:"default_payload,omitempty"`
}

// Override pins a flag's value for one scope. The most specific matching
// scope wins entirely; overrides never merge.
type Override struct {
	Key     string          `json:"key"`
	Scope   Scope           `json:"scope"`
	ScopeID string          `json:"scope_id"`
	Enabled bool            `json:"enabled"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Value is a resolved flag. Source names the scope that supplied it.
type Value struct {
	Enabled bool            `json:"enabled"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Source  string          `json:"source"`
}

// ConfigurationError covers unknown keys and malformed overrides. Callers
// treat the flag as disabled.
type ConfigurationError struct {
	Key    string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("flag configuration error for %q: %s", e.Key, e.Detail)
}

func validScope(s Scope) bool {
	return s == ScopeCohort || s == ScopeVenue || s == ScopeTenant
}
