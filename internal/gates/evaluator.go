package gates

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/dagbolade/rollout-control-plane/internal/confwatch"
	"github.com/dagbolade/rollout-control-plane/internal/kpi"
)

// Evaluator holds gate definitions loaded from a YAML file and evaluates
// them against KPI snapshots or acceptance test results. The file
// hot-reloads on change.
type Evaluator struct {
	mu        sync.RWMutex
	gates     map[string]Gate
	promotion map[string]string
	demotion  map[string]string
	watcher   *confwatch.FileWatcher
}

type gatesFile struct {
	Gates []Gate `yaml:"gates"`
	// Mode name -> gate id. Promotion gates guard the step out of the
	// named mode; demotion gates hold the floor for staying in it.
	PromotionGates map[string]string `yaml:"promotion_gates"`
	DemotionGates  map[string]string `yaml:"demotion_gates"`
}

func NewEvaluator(path string) (*Evaluator, error) {
	e := &Evaluator{gates: make(map[string]Gate)}

	if err := e.load(path); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}

	watcher, err := confwatch.New(path, e.handleChange)
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	e.watcher = watcher

	return e, nil
}

// NewStaticEvaluator builds an evaluator from in-memory definitions, with
// no file backing. Used by tests and embedded callers.
func NewStaticEvaluator(defs []Gate, promotion, demotion map[string]string) *Evaluator {
	gates := make(map[string]Gate, len(defs))
	for _, g := range defs {
		gates[g.ID] = g
	}
	return &Evaluator{gates: gates, promotion: promotion, demotion: demotion}
}

func (e *Evaluator) Close() error {
	if e.watcher != nil {
		return e.watcher.Close()
	}
	return nil
}

// Gate returns a definition by id.
func (e *Evaluator) Gate(id string) (Gate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.gates[id]
	return g, ok
}

// PromotionGate names the gate guarding promotion out of the given mode.
func (e *Evaluator) PromotionGate(mode string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.promotion[mode]
	return id, ok
}

// DemotionGate names the gate a venue must keep satisfying to stay at the
// given mode.
func (e *Evaluator) DemotionGate(mode string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.demotion[mode]
	return id, ok
}

// EvaluateSnapshot checks one gate's thresholds against a snapshot. A
// metric missing from the snapshot is a blocker, never a silent pass: a
// venue with no data in the window must not clear a gate during an outage.
func (e *Evaluator) EvaluateSnapshot(gateID string, snap kpi.Snapshot) (Result, error) {
	e.mu.RLock()
	gate, ok := e.gates[gateID]
	e.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("unknown gate: %s", gateID)
	}

	result := Result{GateID: gateID, Passed: true}

	for _, th := range gate.Thresholds {
		stat, ok := snap.Metric(th.Metric)
		if !ok {
			log.Warn().Str("gate", gateID).Str("metric", th.Metric).Str("venue", snap.VenueID).
				Msg("no kpi data for gate metric, counting as failing")
			result.Passed = false
			result.Blockers = append(result.Blockers, th.Metric)
			continue
		}

		if !th.satisfied(stat) {
			result.Passed = false
			result.Blockers = append(result.Blockers, th.Metric)
		}
	}

	return result, nil
}

// EvaluateTests is the pre-launch acceptance check. Every test id a
// required gate references must be present and passing; partial credit is
// not awarded. Non-required gates report their own failures but do not
// affect the overall verdict.
func (e *Evaluator) EvaluateTests(testResults map[string]bool) Verdict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	verdict := Verdict{Go: true}

	ids := make([]string, 0, len(e.gates))
	for id := range e.gates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		gate := e.gates[id]
		result := Result{GateID: id, Passed: true}

		for _, testID := range gate.Tests {
			passed, present := testResults[testID]
			if !present || !passed {
				result.Passed = false
				result.Blockers = append(result.Blockers, testID)
			}
		}

		verdict.Results = append(verdict.Results, result)

		if gate.Required && !result.Passed {
			verdict.Go = false
			verdict.BlockingGates = append(verdict.BlockingGates, id)
		}
	}

	return verdict
}

func (th Threshold) satisfied(stat kpi.Stat) bool {
	if th.Max != nil && stat.Mean > *th.Max {
		return false
	}
	if th.Min != nil && stat.Mean < *th.Min {
		return false
	}
	return true
}

func (e *Evaluator) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read gates file: %w", err)
	}

	var file gatesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse gates file: %w", err)
	}

	gates := make(map[string]Gate, len(file.Gates))
	for _, g := range file.Gates {
		if g.ID == "" {
			return fmt.Errorf("gate with empty id in %s", path)
		}
		if _, dup := gates[g.ID]; dup {
			return fmt.Errorf("duplicate gate id: %s", g.ID)
		}
		gates[g.ID] = g
	}

	for mode, id := range file.PromotionGates {
		if _, ok := gates[id]; !ok {
			return fmt.Errorf("promotion gate for %s references unknown gate %s", mode, id)
		}
	}
	for mode, id := range file.DemotionGates {
		if _, ok := gates[id]; !ok {
			return fmt.Errorf("demotion gate for %s references unknown gate %s", mode, id)
		}
	}

	e.mu.Lock()
	e.gates = gates
	e.promotion = file.PromotionGates
	e.demotion = file.DemotionGates
	e.mu.Unlock()

	log.Info().Int("count", len(gates)).Str("path", path).Msg("gates loaded")
	return nil
}

func (e *Evaluator) handleChange(path string) {
	log.Info().Str("path", path).Msg("gates file change detected")

	if err := e.load(path); err != nil {
		// Keep serving the previous definitions on a bad reload.
		log.Error().Err(err).Msg("failed to reload gates")
	}
}
