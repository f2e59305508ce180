package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/martin/aria/pkg/session"
)

// TurnKind discriminates the three ways work enters a lane
type TurnKind string

const (
	TurnUserMessage   TurnKind = "user_message"
	TurnSystemTrigger TurnKind = "system_trigger"
	TurnDelegatedTask TurnKind = "delegated_task"
)

// Turn is one unit of orchestration work. Immutable once created and
// consumed exactly once by the engine.
type Turn struct {
	ID   string
	Kind TurnKind

	// TurnUserMessage
	Text string

	// TurnSystemTrigger
	JobID   string
	Payload string

	// TurnDelegatedTask
	ParentTurnID string
	Role         string
	Instructions string
}

// NewUserMessage creates a turn from an inbound chat message
func NewUserMessage(text string) Turn {
	return Turn{ID: uuid.New().String(), Kind: TurnUserMessage, Text: text}
}

// NewSystemTrigger creates a synthetic turn fired by the scheduler
func NewSystemTrigger(jobID, payload string) Turn {
	return Turn{ID: uuid.New().String(), Kind: TurnSystemTrigger, JobID: jobID, Payload: payload}
}

// NewDelegatedTask creates a turn for a spawned specialist session
func NewDelegatedTask(parentTurnID, role, instructions string) Turn {
	return Turn{
		ID:           uuid.New().String(),
		Kind:         TurnDelegatedTask,
		ParentTurnID: parentTurnID,
		Role:         role,
		Instructions: instructions,
	}
}

// seed returns the transcript content a turn contributes
func (t Turn) seed() string {
	switch t.Kind {
	case TurnSystemTrigger:
		return fmt.Sprintf("[Scheduled trigger %s] %s", t.JobID, t.Payload)
	case TurnDelegatedTask:
		return t.Instructions
	default:
		return t.Text
	}
}

// Reply is the terminal, user-visible outcome of a turn
type Reply struct {
	Text     string
	TurnID   string
	Degraded bool // iteration budget was exhausted
}

// ToolResultKind classifies a tool result fed back to the model
type ToolResultKind string

const (
	ResultOK         ToolResultKind = "ok"
	ResultValidation ToolResultKind = "validation_error"
	ResultExecution  ToolResultKind = "execution_error"
	ResultTimeout    ToolResultKind = "timeout"
)

// ToolResult is the outcome of one proposal, tagged with its correlation
// id and re-injected into the transcript before the loop continues.
type ToolResult struct {
	CorrelationID string
	Tool          string
	Kind          ToolResultKind
	Content       string
}

// IsError reports whether the result represents a failure
func (r ToolResult) IsError() bool {
	return r.Kind != ResultOK
}

// ErrBudgetExceeded marks a turn that hit its iteration cap. It never
// surfaces raw to the user; the engine degrades to a final no-tools reply.
var ErrBudgetExceeded = errors.New("iteration budget exceeded")

// ContextStore is the memory collaborator owning conversation context
// between turns.
type ContextStore interface {
	Load(ctx context.Context, key string) ([]session.Entry, error)
	Append(ctx context.Context, key string, entries ...session.Entry) error
}

// Delegator runs a bounded sub-orchestration for a specialist role and
// returns its summary. Implemented by the agent spawner.
type Delegator interface {
	Spawn(ctx context.Context, role, instructions, parentTurnID string) (string, error)
}
