package subagent

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martin/aria/pkg/llm"
	"github.com/martin/aria/pkg/tool"
)

type scriptedProvider struct {
	responses []*llm.Response
	requests  []llm.Request
	mu        sync.Mutex
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &llm.Response{Content: "report complete"}, nil
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	return r, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func subagentRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()

	for _, name := range []string{"web_search", "search_notes", "current_time", "delegate_task"} {
		require.NoError(t, r.Register(tool.Contract{
			Name:        name,
			Description: "Test tool " + name,
			Parameters:  []tool.Parameter{},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return "ok", nil
			},
		}))
	}
	return r
}

func newTestSpawner(t *testing.T, provider llm.Provider) *Spawner {
	t.Helper()
	s, err := NewSpawner(Config{
		Provider:       provider,
		Registry:       subagentRegistry(t),
		Logger:         zerolog.Nop(),
		Model:          "test-model",
		DelegationTool: "delegate_task",
	})
	require.NoError(t, err)
	return s
}

func TestSpawner_UnknownRoleRejected(t *testing.T) {
	s := newTestSpawner(t, &scriptedProvider{})

	_, err := s.Spawn(context.Background(), "astronaut", "fly to the moon", "turn-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestSpawner_SuccessfulRun(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		{Content: "research findings: three options"},
	}}
	s := newTestSpawner(t, provider)

	summary, err := s.Spawn(context.Background(), "researcher", "compare flight prices", "turn-1")
	require.NoError(t, err)
	assert.Equal(t, "research findings: three options", summary)
	assert.Equal(t, 0, s.ActiveRuns())

	// The child session starts from the role prompt and the instructions
	// alone, never the parent's conversation.
	provider.mu.Lock()
	req := provider.requests[0]
	provider.mu.Unlock()

	require.NotEmpty(t, req.Messages)
	assert.Equal(t, Roles["researcher"].SystemPrompt, req.Messages[0].Content)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, "compare flight prices", last.Content)
}

func TestSpawner_ChildCannotDelegate(t *testing.T) {
	// The child proposes a recursive delegation; the role policy denies
	// the delegation tool, so it comes back as a validation error instead
	// of spawning anything.
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.RawToolCall{
			{ID: "c1", Name: "delegate_task", Arguments: map[string]interface{}{
				"role": "coder", "instructions": "do it for me",
			}},
		}},
		{Content: "fine, I did it myself"},
	}}
	s := newTestSpawner(t, provider)

	summary, err := s.Spawn(context.Background(), "researcher", "research something", "turn-1")
	require.NoError(t, err)
	assert.Equal(t, "fine, I did it myself", summary)

	provider.mu.Lock()
	second := provider.requests[1]
	provider.mu.Unlock()

	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "not allowed")
}

func TestSpawner_RunRecordLifecycle(t *testing.T) {
	s := newTestSpawner(t, &scriptedProvider{})

	_, err := s.Spawn(context.Background(), "writer", "draft an email", "turn-9")
	require.NoError(t, err)

	s.mu.RLock()
	defer s.mu.RUnlock()
	require.Len(t, s.runs, 1)
	for _, record := range s.runs {
		assert.Equal(t, StatusCompleted, record.Status)
		assert.Equal(t, "writer", record.Role)
		assert.Equal(t, "turn-9", record.ParentTurnID)
		assert.NotNil(t, record.CompletedAt)
	}
}

func TestPolicyFor(t *testing.T) {
	policy := PolicyFor(Roles["researcher"], "delegate_task")

	assert.True(t, policy.Allows("web_search"))
	assert.True(t, policy.Allows("current_time"))
	assert.False(t, policy.Allows("delegate_task"))
	assert.False(t, policy.Allows("write_file"))
}

func TestRoles_CatalogInvariants(t *testing.T) {
	require.NotEmpty(t, Roles)
	for name, role := range Roles {
		assert.Equal(t, name, role.Name)
		assert.NotEmpty(t, role.SystemPrompt)
		assert.NotEmpty(t, role.ToolAllowlist)
		assert.Greater(t, role.MaxIterations, 0)
		assert.NotContains(t, role.ToolAllowlist, "delegate_task")
	}
}

func TestEphemeralStore(t *testing.T) {
	store := newEphemeralStore()
	ctx := context.Background()

	entries, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, store.Append(ctx, "run-1"))
}
