package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martin/aria/pkg/llm"
	"github.com/martin/aria/pkg/session"
	"github.com/martin/aria/pkg/tool"
)

// fakeProvider replays scripted responses and records every request
type fakeProvider struct {
	responses []fakeStep
	requests  []llm.Request
	mu        sync.Mutex
}

type fakeStep struct {
	response *llm.Response
	err      error
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return &llm.Response{Content: "default"}, nil
	}
	step := f.responses[0]
	f.responses = f.responses[1:]
	return step.response, step.err
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeProvider) request(i int) llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// memStore is an in-memory ContextStore for tests
type memStore struct {
	entries map[string][]session.Entry
	mu      sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]session.Entry)}
}

func (m *memStore) Load(ctx context.Context, key string) ([]session.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Entry, len(m.entries[key]))
	copy(out, m.entries[key])
	return out, nil
}

func (m *memStore) Append(ctx context.Context, key string, entries ...session.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append(m.entries[key], entries...)
	return nil
}

// fakeDelegator records spawns and returns a fixed summary
type fakeDelegator struct {
	calls []string
	mu    sync.Mutex
}

func (f *fakeDelegator) Spawn(ctx context.Context, role, instructions, parentTurnID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, role)
	return "delegated summary for " + role, nil
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()

	require.NoError(t, r.Register(tool.Contract{
		Name:        "current_time",
		Description: "Get the current time.",
		Parameters:  []tool.Parameter{},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "2026-08-30T10:00:00Z", nil
		},
	}))

	require.NoError(t, r.Register(tool.Contract{
		Name:        "failing_tool",
		Description: "Always fails.",
		Parameters:  []tool.Parameter{},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("device unreachable")
		},
	}))

	require.NoError(t, r.Register(tool.Contract{
		Name:        "slow_tool",
		Description: "Takes too long.",
		Parameters:  []tool.Parameter{},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		},
	}))

	require.NoError(t, r.Register(tool.Contract{
		Name:        "save_note",
		Description: "Save a note.",
		Parameters: []tool.Parameter{
			{Name: "title", Type: "string", Description: "Title", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "saved", nil
		},
	}))

	require.NoError(t, r.Register(tool.Contract{
		Name:        "delegate_task",
		Description: "Delegate to a specialist.",
		Parameters: []tool.Parameter{
			{Name: "role", Type: "string", Description: "Role", Required: true},
			{Name: "instructions", Type: "string", Description: "Instructions", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("should be intercepted")
		},
	}))

	return r
}

func newTestEngine(t *testing.T, provider llm.Provider, store ContextStore, delegator Delegator, cfg Config) *Engine {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}

	engine, err := NewEngine(Options{
		Provider:  provider,
		Registry:  testRegistry(t),
		Store:     store,
		Delegator: delegator,
		Logger:    zerolog.Nop(),
		Config:    cfg,
	})
	require.NoError(t, err)
	return engine
}

func TestEngine_PlainReply(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{response: &llm.Response{Content: "hello!"}},
	}}
	store := newMemStore()
	engine := newTestEngine(t, provider, store, nil, Config{})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello!", reply.Text)
	assert.False(t, reply.Degraded)

	// Turn seed and reply are both persisted
	entries, err := store.Load(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "assistant", entries[1].Role)
}

func TestEngine_ToolCallLoop(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{response: &llm.Response{ToolCalls: []llm.RawToolCall{
			{ID: "c1", Name: "current_time", Arguments: map[string]interface{}{}},
		}}},
		{response: &llm.Response{Content: "it is ten o'clock"}},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("what time is it?"))
	require.NoError(t, err)
	assert.Equal(t, "it is ten o'clock", reply.Text)

	// The second request must carry the tool result keyed to the call id
	require.Equal(t, 2, provider.requestCount())
	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, "2026-08-30")
}

func TestEngine_MalformedProposalContinuesLoop(t *testing.T) {
	// One malformed call (null arguments) alongside a valid one: the
	// malformed call becomes a validation-error result, the valid one
	// executes, and the loop proceeds.
	provider := &fakeProvider{responses: []fakeStep{
		{response: &llm.Response{ToolCalls: []llm.RawToolCall{
			{ID: "bad", Name: "save_note", Arguments: nil},
			{ID: "good", Name: "current_time", Arguments: map[string]interface{}{}},
		}}},
		{response: &llm.Response{Content: "done"}},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("note the time"))
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Text)

	second := provider.request(1)
	messages := second.Messages

	// Results come back in proposal order: bad first, good second
	badResult := messages[len(messages)-2]
	goodResult := messages[len(messages)-1]
	assert.Equal(t, "bad", badResult.ToolCallID)
	assert.Contains(t, badResult.Content, "Invalid tool call")
	assert.Equal(t, "good", goodResult.ToolCallID)
	assert.NotContains(t, goodResult.Content, "Invalid")
}

func TestEngine_UnknownToolBecomesValidationResult(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{response: &llm.Response{ToolCalls: []llm.RawToolCall{
			{ID: "c1", Name: "launch_rocket", Arguments: map[string]interface{}{}},
		}}},
		{response: &llm.Response{Content: "sorry"}},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("launch"))
	require.NoError(t, err)
	assert.Equal(t, "sorry", reply.Text)

	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "unknown tool")
}

func TestEngine_PolicyDeniedTool(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{response: &llm.Response{ToolCalls: []llm.RawToolCall{
			{ID: "c1", Name: "save_note", Arguments: map[string]interface{}{"title": "x"}},
		}}},
		{response: &llm.Response{Content: "understood"}},
	}}

	engine, err := NewEngine(Options{
		Provider: provider,
		Registry: testRegistry(t),
		Store:    newMemStore(),
		Policy:   &tool.Policy{Allow: []string{"current_time"}},
		Logger:   zerolog.Nop(),
		Config:   Config{Model: "test-model", RetryBaseDelay: time.Millisecond},
	})
	require.NoError(t, err)

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("save this"))
	require.NoError(t, err)
	assert.Equal(t, "understood", reply.Text)

	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "not allowed")
}

func TestEngine_ToolFailureFeedsBack(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{response: &llm.Response{ToolCalls: []llm.RawToolCall{
			{ID: "c1", Name: "failing_tool", Arguments: map[string]interface{}{}},
		}}},
		{response: &llm.Response{Content: "the device is unreachable"}},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("check the device"))
	require.NoError(t, err)
	assert.Equal(t, "the device is unreachable", reply.Text)

	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "failed")
	assert.Contains(t, last.Content, "device unreachable")
}

func TestEngine_ToolTimeout(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{response: &llm.Response{ToolCalls: []llm.RawToolCall{
			{ID: "c1", Name: "slow_tool", Arguments: map[string]interface{}{}},
		}}},
		{response: &llm.Response{Content: "that took too long"}},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{
		ToolTimeout: 50 * time.Millisecond,
	})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("do the slow thing"))
	require.NoError(t, err)
	assert.Equal(t, "that took too long", reply.Text)
}

func TestEngine_BudgetExhaustionDegrades(t *testing.T) {
	// Every scripted response asks for another tool call; with
	// MaxIterations 2, the engine must degrade to a final no-tools call.
	toolStep := fakeStep{response: &llm.Response{ToolCalls: []llm.RawToolCall{
		{ID: "c", Name: "current_time", Arguments: map[string]interface{}{}},
	}}}
	provider := &fakeProvider{responses: []fakeStep{
		toolStep,
		toolStep,
		{response: &llm.Response{Content: "partial progress summary"}},
	}}
	store := newMemStore()
	engine := newTestEngine(t, provider, store, nil, Config{MaxIterations: 2})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("loop forever"))
	require.NoError(t, err)
	assert.True(t, reply.Degraded)
	assert.Equal(t, "partial progress summary", reply.Text)

	// The degraded call carries no tools and no raw tool-role messages
	final := provider.request(provider.requestCount() - 1)
	assert.Empty(t, final.Tools)
	for _, msg := range final.Messages {
		assert.NotEqual(t, "tool", msg.Role)
		assert.Empty(t, msg.ToolCalls)
	}

	// The degraded reply is still persisted
	entries, err := store.Load(context.Background(), "user-1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, "assistant", last.Role)
	assert.Equal(t, true, last.Metadata["degraded"])
}

func TestEngine_DegradedFallbackWhenProviderFails(t *testing.T) {
	toolStep := fakeStep{response: &llm.Response{ToolCalls: []llm.RawToolCall{
		{ID: "c", Name: "current_time", Arguments: map[string]interface{}{}},
	}}}
	provider := &fakeProvider{responses: []fakeStep{
		toolStep,
		{err: errors.New("invalid api key")},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{MaxIterations: 1})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("hi"))
	require.NoError(t, err)
	assert.True(t, reply.Degraded)
	assert.NotEmpty(t, reply.Text)
}

func TestEngine_RetriesTransientErrors(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{err: errors.New("status 503 service unavailable")},
		{err: errors.New("request timeout")},
		{response: &llm.Response{Content: "finally"}},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "finally", reply.Text)
	assert.Equal(t, 3, provider.requestCount())
}

func TestEngine_RetriesExhausted(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{err: errors.New("status 503")},
		{err: errors.New("status 503")},
		{err: errors.New("status 503")},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{MaxRetries: 3})

	_, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestEngine_NonRetryableErrorFailsFast(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{err: errors.New("invalid api key")},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{})

	_, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("hi"))
	require.Error(t, err)
	assert.Equal(t, 1, provider.requestCount())
}

func TestEngine_MalformedResponseRetriesWithoutTools(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{err: &llm.MalformedResponseError{Provider: "fake", Reason: "missing call id"}},
		{response: &llm.Response{Content: "recovered"}},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Text)

	require.Equal(t, 2, provider.requestCount())
	assert.NotEmpty(t, provider.request(0).Tools)
	assert.Empty(t, provider.request(1).Tools)
}

func TestEngine_DelegationIntercepted(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{response: &llm.Response{ToolCalls: []llm.RawToolCall{
			{ID: "c1", Name: "delegate_task", Arguments: map[string]interface{}{
				"role":         "researcher",
				"instructions": "find the cheapest flight",
			}},
		}}},
		{response: &llm.Response{Content: "here is what the researcher found"}},
	}}
	delegator := &fakeDelegator{}
	engine := newTestEngine(t, provider, newMemStore(), delegator, Config{
		DelegationTool: "delegate_task",
	})

	reply, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("research flights"))
	require.NoError(t, err)
	assert.Equal(t, "here is what the researcher found", reply.Text)
	assert.Equal(t, []string{"researcher"}, delegator.calls)

	// The delegation summary flows back as a tool result
	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "delegated summary for researcher")
}

func TestEngine_ParallelToolResultsKeepProposalOrder(t *testing.T) {
	registryOrderProbe := []llm.RawToolCall{
		{ID: "slowish", Name: "current_time", Arguments: map[string]interface{}{}},
		{ID: "quick", Name: "save_note", Arguments: map[string]interface{}{"title": "x"}},
	}
	provider := &fakeProvider{responses: []fakeStep{
		{response: &llm.Response{ToolCalls: registryOrderProbe}},
		{response: &llm.Response{Content: "both done"}},
	}}
	engine := newTestEngine(t, provider, newMemStore(), nil, Config{})

	_, err := engine.ProcessTurn(context.Background(), "user-1", NewUserMessage("do both"))
	require.NoError(t, err)

	second := provider.request(1)
	messages := second.Messages
	assert.Equal(t, "slowish", messages[len(messages)-2].ToolCallID)
	assert.Equal(t, "quick", messages[len(messages)-1].ToolCallID)
}

func TestEngine_SystemTriggerTurn(t *testing.T) {
	provider := &fakeProvider{responses: []fakeStep{
		{response: &llm.Response{Content: "reminder sent"}},
	}}
	store := newMemStore()
	engine := newTestEngine(t, provider, store, nil, Config{})

	turn := NewSystemTrigger("job-42", "remind the user to stretch")
	reply, err := engine.ProcessTurn(context.Background(), "user-1", turn)
	require.NoError(t, err)
	assert.Equal(t, "reminder sent", reply.Text)

	first := provider.request(0)
	seed := first.Messages[len(first.Messages)-1]
	assert.Contains(t, seed.Content, "job-42")
	assert.Contains(t, seed.Content, "remind the user to stretch")
}

func TestNewEngine_RequiredCollaborators(t *testing.T) {
	_, err := NewEngine(Options{})
	assert.Error(t, err)

	_, err = NewEngine(Options{Provider: &fakeProvider{}})
	assert.Error(t, err)

	_, err = NewEngine(Options{Provider: &fakeProvider{}, Registry: tool.NewRegistry()})
	assert.Error(t, err)
}

func TestTurnConstructors(t *testing.T) {
	u := NewUserMessage("hi")
	assert.Equal(t, TurnUserMessage, u.Kind)
	assert.NotEmpty(t, u.ID)

	s := NewSystemTrigger("job-1", "payload")
	assert.Equal(t, TurnSystemTrigger, s.Kind)
	assert.Equal(t, "job-1", s.JobID)

	d := NewDelegatedTask(u.ID, "coder", "write a script")
	assert.Equal(t, TurnDelegatedTask, d.Kind)
	assert.Equal(t, u.ID, d.ParentTurnID)

	assert.NotEqual(t, u.ID, s.ID)
	_ = fmt.Sprintf("%v", d)
}
