package agentpolicy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/dagbolade/rollout-control-plane/internal/audit"
	"github.com/dagbolade/rollout-control-plane/internal/confwatch"
	"github.com/dagbolade/rollout-control-plane/internal/rollout"
)

// Engine maps agent type to allowed tool names, deny-by-default, and gates
// each tool behind its minimum rollout mode. Allow-lists load from a YAML
// file and hot-reload on change.
type Engine struct {
	mu        sync.RWMutex
	agents    map[string]map[string]struct{}
	toolModes map[string]rollout.Mode
	watcher   *confwatch.FileWatcher
	auditLog  audit.Store
}

func NewEngine(path string, auditLog audit.Store) (*Engine, error) {
	e := &Engine{
		agents:    make(map[string]map[string]struct{}),
		toolModes: make(map[string]rollout.Mode),
		auditLog:  auditLog,
	}

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

// NewStaticEngine builds an engine from in-memory entries, for tests.
func NewStaticEngine(agents map[string]PolicyEntry, toolModes map[string]rollout.Mode, auditLog audit.Store) *Engine {
	e := &Engine{
		agents:    make(map[string]map[string]struct{}),
		toolModes: toolModes,
		auditLog:  auditLog,
	}
	for agentType, entry := range agents {
		e.agents[agentType] = toolSet(entry.Tools)
	}
	return e
}

func (e *Engine) Close() error {
	if e.watcher != nil {
		return e.watcher.Close()
	}
	return nil
}

// Check decides whether agentType may call toolName at the venue's current
// effective mode. Every decision, allow or deny, is audited under a fresh
// correlation id. Internal failures deny.
func (e *Engine) Check(ctx context.Context, agentType, toolName, venueID string, effectiveMode rollout.Mode) Decision {
	decision := e.decide(agentType, toolName, effectiveMode)
	decision.CorrelationID = uuid.New().String()

	entry := audit.Entry{
		CorrelationID: decision.CorrelationID,
		Actor:         agentType,
		Action:        "tool:" + toolName,
		VenueID:       venueID,
		Decision:      audit.DecisionDeny,
		Mode:          string(effectiveMode),
		Detail:        decision.Reason,
	}
	if decision.Allowed {
		entry.Decision = audit.DecisionAllow
	}

	if err := e.auditLog.Log(ctx, entry); err != nil {
		log.Error().Err(err).Str("correlation_id", decision.CorrelationID).Msg("audit write failed for policy decision")
	}

	return decision
}

func (e *Engine) decide(agentType, toolName string, effectiveMode rollout.Mode) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tools, ok := e.agents[agentType]
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown agent type %q", agentType)}
	}

	if _, ok := tools[toolName]; !ok {
		return Decision{Reason: fmt.Sprintf("tool %q not in allow-list for %q", toolName, agentType)}
	}

	minMode, ok := e.toolModes[toolName]
	if !ok {
		// A tool in an allow-list but missing a mode requirement is a
		// configuration gap; fail closed rather than guessing.
		return Decision{Reason: fmt.Sprintf("no minimum mode configured for tool %q", toolName)}
	}

	if !effectiveMode.AtLeast(minMode) {
		return Decision{
			Reason:      fmt.Sprintf("tool %q requires at least %s, venue is %s", toolName, minMode, effectiveMode),
			MinimumMode: minMode,
		}
	}

	return Decision{Allowed: true, Reason: "allowed", MinimumMode: minMode}
}

func (e *Engine) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	agents := make(map[string]map[string]struct{}, len(file.Agents))
	for agentType, entry := range file.Agents {
		agents[agentType] = toolSet(entry.Tools)
	}

	toolModes := make(map[string]rollout.Mode, len(file.ToolModes))
	for tool, modeStr := range file.ToolModes {
		mode, err := rollout.ParseMode(modeStr)
		if err != nil {
			return fmt.Errorf("tool %q: %w", tool, err)
		}
		toolModes[tool] = mode
	}

	e.mu.Lock()
	e.agents = agents
	e.toolModes = toolModes
	e.mu.Unlock()

	log.Info().Int("agents", len(agents)).Int("tools", len(toolModes)).Str("path", path).Msg("policies loaded")
	return nil
}

func (e *Engine) handleChange(path string) {
	log.Info().Str("path", path).Msg("policy change detected")

	if err := e.load(path); err != nil {
		// Keep the previous allow-lists on a bad reload.
		log.Error().Err(err).Msg("failed to reload policies")
	}
}

func toolSet(tools []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		set[t] = struct{}{}
	}
	return set
}
