package kpi

import (
	"errors"
	"time"
)

type Category string

const (
	CategoryReliability Category = "reliability"
	CategorySecurity    Category = "security"
	CategoryBusiness    Category = "business"
	CategoryUX          Category = "ux"
)

// ErrNoData means the requested window holds no events. Gate evaluation
// treats it as a failing signal, never as a pass.
var ErrNoData = errors.New("no kpi data in window")

// Event is a single recorded measurement. Immutable once written.
type Event struct {
	VenueID   string    `json:"venue_id"`
	Category  Category  `json:"category"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Stat is the per-metric aggregate inside a snapshot.
type Stat struct {
	Category Category `json:"category"`
	Count    int      `json:"count"`
	Sum      float64  `json:"sum"`
	Mean     float64  `json:"mean"`
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
	P95      float64  `json:"p95"`
}

// Snapshot is derived data: recomputable from the event window, never
// hand-edited.
type Snapshot struct {
	VenueID     string          `json:"venue_id"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Metrics     map[string]Stat `json:"metrics"`
}

// Metric reports whether the snapshot holds data for the named metric.
func (s Snapshot) Metric(name string) (Stat, bool) {
	st, ok := s.Metrics[name]
	return st, ok
}

func ValidCategory(c Category) bool {
	switch c {
	case CategoryReliability, CategorySecurity, CategoryBusiness, CategoryUX:
		return true
	}
	return false
}
