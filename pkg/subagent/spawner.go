package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/martin/aria/pkg/llm"
	"github.com/martin/aria/pkg/orchestrator"
	"github.com/martin/aria/pkg/session"
	"github.com/martin/aria/pkg/tool"
)

// RunStatus tracks the execution state of a spawned session
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// RunRecord describes one ephemeral specialist session
type RunRecord struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	ParentTurnID string    `json:"parent_turn_id"`
	Status       RunStatus `json:"status"`
	StartedAt    int64     `json:"started_at"`
	CompletedAt  *int64    `json:"completed_at,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Config holds spawner configuration
type Config struct {
	Provider       llm.Provider
	Registry       *tool.Registry
	Logger         zerolog.Logger
	Model          string
	Temperature    float64
	MaxTokens      int
	DelegationTool string
	ToolTimeout    time.Duration
}

// Spawner creates short-lived, whitelisted specialist sessions. It
// implements orchestrator.Delegator.
type Spawner struct {
	cfg  Config
	runs map[string]*RunRecord
	mu   sync.RWMutex
}

// NewSpawner creates a spawner
func NewSpawner(cfg Config) (*Spawner, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}

	return &Spawner{
		cfg:  cfg,
		runs: make(map[string]*RunRecord),
	}, nil
}

// Spawn runs a bounded, isolated sub-orchestration for a named role and
// returns its summary. The parent context is not inherited: the child
// session starts from the role prompt and the instructions alone.
func (s *Spawner) Spawn(ctx context.Context, roleName, instructions, parentTurnID string) (string, error) {
	role, ok := Roles[roleName]
	if !ok {
		return "", fmt.Errorf("unknown role: %s", roleName)
	}

	runID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate run id: %w", err)
	}

	record := &RunRecord{
		ID:           runID,
		Role:         roleName,
		ParentTurnID: parentTurnID,
		Status:       StatusRunning,
		StartedAt:    time.Now().UnixMilli(),
	}
	s.mu.Lock()
	s.runs[runID] = record
	s.mu.Unlock()

	logger := s.cfg.Logger.With().Str("run", runID).Str("role", roleName).Logger()
	logger.Info().Str("parentTurn", parentTurnID).Msg("Spawning specialist session")

	summary, err := s.execute(ctx, role, instructions, parentTurnID, runID, logger)

	s.mu.Lock()
	now := time.Now().UnixMilli()
	record.CompletedAt = &now
	if err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
	} else {
		record.Status = StatusCompleted
	}
	s.mu.Unlock()

	if err != nil {
		logger.Warn().Err(err).Msg("Specialist session failed")
		return "", err
	}

	logger.Info().Msg("Specialist session completed")
	return summary, nil
}

func (s *Spawner) execute(ctx context.Context, role Role, instructions, parentTurnID, runID string, logger zerolog.Logger) (string, error) {
	engine, err := orchestrator.NewEngine(orchestrator.Options{
		Provider: s.cfg.Provider,
		Registry: s.cfg.Registry,
		Store:    newEphemeralStore(),
		Policy:   PolicyFor(role, s.cfg.DelegationTool),
		// No Delegator: a spawned session can never delegate further.
		Logger: logger,
		Config: orchestrator.Config{
			Model:         s.cfg.Model,
			Temperature:   s.cfg.Temperature,
			MaxTokens:     s.cfg.MaxTokens,
			SystemPrompt:  role.SystemPrompt,
			MaxIterations: role.MaxIterations,
			ToolTimeout:   s.cfg.ToolTimeout,
		},
	})
	if err != nil {
		return "", err
	}

	turn := orchestrator.NewDelegatedTask(parentTurnID, role.Name, instructions)
	reply, err := engine.ProcessTurn(ctx, "subagent-"+runID, turn)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// ActiveRuns counts sessions still executing
func (s *Spawner) ActiveRuns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.runs {
		if r.Status == StatusRunning {
			count++
		}
	}
	return count
}

// GetRun returns the record for a run id
func (s *Spawner) GetRun(runID string) *RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[runID]
}

// ephemeralStore is the in-memory context store for spawned sessions.
// It dies with the session; specialist conversations are never persisted.
type ephemeralStore struct {
	entries map[string][]session.Entry
	mu      sync.Mutex
}

func newEphemeralStore() *ephemeralStore {
	return &ephemeralStore{entries: make(map[string][]session.Entry)}
}

func (m *ephemeralStore) Load(ctx context.Context, key string) ([]session.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Entry, len(m.entries[key]))
	copy(out, m.entries[key])
	return out, nil
}

func (m *ephemeralStore) Append(ctx context.Context, key string, entries ...session.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append(m.entries[key], entries...)
	return nil
}
