package cohort

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dagbolade/rollout-control-plane/internal/gates"
	"github.com/dagbolade/rollout-control-plane/internal/kpi"
	"github.com/dagbolade/rollout-control-plane/internal/rollout"
)

const defaultConcurrency = 8

// Params come from the external scheduler. Empty VenueIDs means every venue
// currently in an active (non-off) mode.
type Params struct {
	VenueIDs      []string `json:"venueIds,omitempty"`
	PeriodMinutes int      `json:"periodMinutes"`
	CheckGates    bool     `json:"checkGates"`
	CheckFallback bool     `json:"checkFallback"`
	DryRun        bool     `json:"dryRun"`
}

// Outcome is one venue's result inside a reconciliation report.
type Outcome struct {
	VenueID   string       `json:"venue_id"`
	Mode      rollout.Mode `json:"mode"`
	GateID    string       `json:"gate_id,omitempty"`
	Passed    bool         `json:"passed"`
	Blockers  []string     `json:"blockers,omitempty"`
	Demoted   bool         `json:"demoted"`
	DemotedTo rollout.Mode `json:"demoted_to,omitempty"`
	Skipped   string       `json:"skipped,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`
	Processed  int       `json:"processed"`
	Demotions  int       `json:"demotions"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Reconciler runs the periodic fallback loop: snapshot KPIs per venue,
// evaluate the demotion gate for the venue's current mode, and demote on
// breach. Venues are independent; one venue's failure never aborts the
// batch.
type Reconciler struct {
	venues      *rollout.SQLiteStore
	manager     *rollout.Manager
	tracker     *kpi.Tracker
	evaluator   *gates.Evaluator
	concurrency int
}

func NewReconciler(venues *rollout.SQLiteStore, manager *rollout.Manager, tracker *kpi.Tracker, evaluator *gates.Evaluator) *Reconciler {
	return &Reconciler{
		venues:      venues,
		manager:     manager,
		tracker:     tracker,
		evaluator:   evaluator,
		concurrency: defaultConcurrency,
	}
}

// Run processes the batch. Idempotent: a venue already at off, or already
// demoted inside the current period, is a no-op.
func (r *Reconciler) Run(ctx context.Context, params Params) (Report, error) {
	if params.PeriodMinutes <= 0 {
		return Report{}, fmt.Errorf("periodMinutes must be positive")
	}

	report := Report{StartedAt: time.Now(), DryRun: params.DryRun}

	venues, err := r.targetVenues(ctx, params)
	if err != nil {
		return Report{}, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, v := range venues {
		v := v
		g.Go(func() error {
			outcome := r.reconcileVenue(gctx, v, params)

			mu.Lock()
			report.Outcomes = append(report.Outcomes, outcome)
			if outcome.Demoted {
				report.Demotions++
			}
			mu.Unlock()

			// Per-venue errors are recorded in the outcome, never
			// propagated: one bad venue must not abort the run.
			return nil
		})
	}

	_ = g.Wait()

	report.Processed = len(report.Outcomes)
	report.FinishedAt = time.Now()

	log.Info().
		Int("processed", report.Processed).
		Int("demotions", report.Demotions).
		Bool("dry_run", report.DryRun).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("reconciliation run complete")

	return report, nil
}

func (r *Reconciler) targetVenues(ctx context.Context, params Params) ([]rollout.Venue, error) {
	if len(params.VenueIDs) == 0 {
		return r.venues.ActiveVenues(ctx)
	}

	venues := make([]rollout.Venue, 0, len(params.VenueIDs))
	for _, id := range params.VenueIDs {
		v, err := r.venues.Venue(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("venue", id).Msg("skipping unknown venue in reconcile request")
			continue
		}
		venues = append(venues, v)
	}
	return venues, nil
}

func (r *Reconciler) reconcileVenue(ctx context.Context, v rollout.Venue, params Params) Outcome {
	outcome := Outcome{VenueID: v.ID, Mode: v.Mode}

	if v.Mode == rollout.ModeOff {
		outcome.Skipped = "at floor mode"
		return outcome
	}

	period := time.Duration(params.PeriodMinutes) * time.Minute

	demotedAlready, err := r.demotedThisPeriod(ctx, v.ID, period)
	if err != nil {
		outcome.Error = err.Error()
		log.Error().Err(err).Str("venue", v.ID).Msg("reconcile: history check failed")
		return outcome
	}
	if demotedAlready {
		outcome.Skipped = "already demoted this period"
		return outcome
	}

	gateID, ok := r.evaluator.DemotionGate(string(v.Mode))
	if !ok {
		outcome.Skipped = "no demotion gate for mode"
		return outcome
	}
	outcome.GateID = gateID

	if !params.CheckGates && !params.CheckFallback {
		outcome.Skipped = "nothing to check"
		return outcome
	}

	snap, err := r.tracker.Snapshot(ctx, v.ID, period)
	if err != nil && !errors.Is(err, kpi.ErrNoData) {
		outcome.Error = err.Error()
		log.Error().Err(err).Str("venue", v.ID).Msg("reconcile: snapshot failed")
		return outcome
	}
	if errors.Is(err, kpi.ErrNoData) {
		log.Warn().Str("venue", v.ID).Msg("reconcile: no kpi data in window")
	}

	result, err := r.evaluator.EvaluateSnapshot(gateID, snap)
	if err != nil {
		outcome.Error = err.Error()
		log.Error().Err(err).Str("venue", v.ID).Str("gate", gateID).Msg("reconcile: gate evaluation failed")
		return outcome
	}

	outcome.Passed = result.Passed
	outcome.Blockers = result.Blockers

	if result.Passed || !params.CheckFallback {
		return outcome
	}

	reason := rollout.TriggerKPIBreach + ":" + firstBlocker(result.Blockers)

	if params.DryRun {
		if prev, ok := v.Mode.Prev(); ok {
			outcome.Demoted = true
			outcome.DemotedTo = prev
		}
		return outcome
	}

	tr, err := r.manager.Fallback(ctx, v.ID, reason, "reconciler", reason)
	if err != nil {
		if errors.Is(err, rollout.ErrAtFloor) {
			outcome.Skipped = "at floor mode"
			return outcome
		}
		outcome.Error = err.Error()
		log.Error().Err(err).Str("venue", v.ID).Msg("reconcile: fallback failed")
		return outcome
	}

	outcome.Demoted = true
	outcome.DemotedTo = tr.Next
	return outcome
}

// demotedThisPeriod looks for a fallback already committed inside the
// trailing window, so re-running the loop cannot stack demotions.
func (r *Reconciler) demotedThisPeriod(ctx context.Context, venueID string, period time.Duration) (bool, error) {
	history, err := r.manager.History(ctx, venueID, 5)
	if err != nil {
		return false, err
	}

	cutoff := time.Now().Add(-period)
	for _, tr := range history {
		if tr.At.Before(cutoff) {
			break
		}
		if tr.Next.Rank() < tr.Prev.Rank() {
			return true, nil
		}
	}
	return false, nil
}

func firstBlocker(blockers []string) string {
	if len(blockers) == 0 {
		return "no_data"
	}
	return blockers[0]
}
