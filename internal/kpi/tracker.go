package kpi

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultBufferSize = 1024

// Tracker records metric events without blocking the caller and computes
// per-venue snapshots from the trailing window.
type Tracker struct {
	store   *SQLiteStore
	events  chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

func NewTracker(store *SQLiteStore) *Tracker {
	t := &Tracker{
		store:   store,
		events:  make(chan Event, defaultBufferSize),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// Record is fire-and-forget. A full buffer drops the event and counts the
// drop; the request path never waits on the event store.
func (t *Tracker) Record(venueID string, category Category, metric string, value float64) {
	if venueID == "" || metric == "" || !ValidCategory(category) {
		log.Warn().Str("venue", venueID).Str("metric", metric).Str("category", string(category)).
			Msg("invalid kpi event dropped")
		return
	}

	ev := Event{
		VenueID:   venueID,
		Category:  category,
		Metric:    metric,
		Value:     value,
		Timestamp: time.Now(),
	}

	select {
	case t.events <- ev:
	default:
		if n := t.dropped.Add(1); n%100 == 1 {
			log.Warn().Int64("dropped_total", n).Msg("kpi event buffer full")
		}
	}
}

// Dropped reports how many events were lost to buffer pressure.
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}

// Snapshot aggregates all events in the trailing window. Deterministic for
// a fixed window; safe to recompute.
func (t *Tracker) Snapshot(ctx context.Context, venueID string, period time.Duration) (Snapshot, error) {
	end := time.Now()
	return t.SnapshotRange(ctx, venueID, end.Add(-period), end)
}

func (t *Tracker) SnapshotRange(ctx context.Context, venueID string, start, end time.Time) (Snapshot, error) {
	events, err := t.store.window(ctx, venueID, start, end)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		VenueID:     venueID,
		PeriodStart: start,
		PeriodEnd:   end,
		Metrics:     make(map[string]Stat),
	}

	if len(events) == 0 {
		return snap, ErrNoData
	}

	// Events arrive ordered by (metric, value); aggregate one run at a time.
	i := 0
	for i < len(events) {
		j := i
		for j < len(events) && events[j].Metric == events[i].Metric {
			j++
		}
		snap.Metrics[events[i].Metric] = aggregate(events[i:j])
		i = j
	}

	return snap, nil
}

// Close stops the writer after draining buffered events.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		<-t.drained
	})
}

func (t *Tracker) writeLoop() {
	defer close(t.drained)

	ctx := context.Background()
	for {
		select {
		case ev := <-t.events:
			t.persist(ctx, ev)
		case <-t.done:
			for {
				select {
				case ev := <-t.events:
					t.persist(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) persist(ctx context.Context, ev Event) {
	if err := t.store.Insert(ctx, ev); err != nil {
		log.Error().Err(err).Str("venue", ev.VenueID).Str("metric", ev.Metric).Msg("kpi event write failed")
	}
}

// aggregate assumes events share one metric and are sorted by value.
func aggregate(events []Event) Stat {
	st := Stat{
		Category: events[0].Category,
		Count:    len(events),
		Min:      events[0].Value,
		Max:      events[len(events)-1].Value,
	}

	for _, ev := range events {
		st.Sum += ev.Value
	}
	st.Mean = st.Sum / float64(st.Count)

	// Nearest-rank p95 over the pre-sorted run.
	rank := int(math.Ceil(0.95*float64(st.Count))) - 1
	if rank < 0 {
		rank = 0
	}
	st.P95 = events[rank].Value

	return st
}
