package audit

import (
	"context"
	"time"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Entry is one authorization or admin decision. Append-only: a security
// reviewer must be able to reconstruct, for any action, exactly which
// policy and mode permitted or blocked it.
type Entry struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	VenueID       string    `json:"venue_id,omitempty"`
	Decision      Decision  `json:"decision"`
	Mode          string    `json:"mode,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Query filters audit reads. Zero values mean "no filter".
type Query struct {
	VenueID       string
	CorrelationID string
	From          time.Time
	To            time.Time
	Limit         int
}

type Store interface {
	Log(ctx context.Context, e Entry) error
	Find(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}
