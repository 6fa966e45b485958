package killswitch

import "time"

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeTenant Scope = "tenant"
	ScopeVenue  Scope = "venue"
)

// Switch is an emergency halt. While active it wins over every other
// signal, including an otherwise valid rollout mode.
type Switch struct {
	ID          int64      `json:"id"`
	Scope       Scope      `json:"scope"`
	TenantID    string     `json:"tenant_id,omitempty"`
	VenueID     string     `json:"venue_id,omitempty"`
	Reason      string     `json:"reason"`
	ActivatedBy string     `json:"activated_by"`
	ActivatedAt time.Time  `json:"activated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Verdict is the outcome of a blockage check.
type Verdict struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

func (s Switch) active(now time.Time) bool {
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

func (s Switch) matches(tenantID, venueID string) bool {
	switch s.Scope {
	case ScopeGlobal:
		return true
	case ScopeTenant:
		return s.TenantID == tenantID
	case ScopeVenue:
		return s.VenueID == venueID
	}
	return false
}
