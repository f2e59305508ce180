package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/martin/aria/pkg/llm"
	"github.com/martin/aria/pkg/session"
	"github.com/martin/aria/pkg/tool"
)

// Config holds engine configuration
type Config struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	SystemPrompt   string
	MaxIterations  int           // tool-call loop cap
	MaxTools       int           // provider tool-list cap
	MaxRetries     int           // transient provider failures
	RetryBaseDelay time.Duration // first backoff step
	ToolTimeout    time.Duration // per tool execution
	DelegationTool string        // empty disables delegation
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 8
	}
	if c.MaxTools <= 0 {
		c.MaxTools = 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
}

// Engine resolves one turn into a final user-visible reply, mediating
// between the LLM provider and tool execution.
type Engine struct {
	provider  llm.Provider
	registry  *tool.Registry
	store     ContextStore
	policy    *tool.Policy
	delegator Delegator
	logger    zerolog.Logger
	cfg       Config
}

// Options bundles the engine's collaborators
type Options struct {
	Provider  llm.Provider
	Registry  *tool.Registry
	Store     ContextStore
	Policy    *tool.Policy // nil allows every registered tool
	Delegator Delegator    // nil disables delegation
	Logger    zerolog.Logger
	Config    Config
}

// NewEngine creates an orchestration engine
func NewEngine(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("context store is required")
	}

	cfg := opts.Config
	cfg.applyDefaults()

	return &Engine{
		provider:  opts.Provider,
		registry:  opts.Registry,
		store:     opts.Store,
		policy:    opts.Policy,
		delegator: opts.Delegator,
		logger:    opts.Logger,
		cfg:       cfg,
	}, nil
}

// ProcessTurn drives one turn to completion. The caller (a lane worker)
// owns the user's conversation context for the duration of the call.
func (e *Engine) ProcessTurn(ctx context.Context, userID string, turn Turn) (Reply, error) {
	logger := e.logger.With().Str("user", userID).Str("turn", turn.ID).Str("kind", string(turn.Kind)).Logger()

	history, err := e.store.Load(ctx, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to load context: %w", err)
	}

	seed := turn.seed()
	transcript := e.buildTranscript(history, seed)

	if err := e.store.Append(ctx, userID, session.Entry{Role: "user", Content: seed}); err != nil {
		return Reply{}, fmt.Errorf("failed to persist turn: %w", err)
	}

	contracts := e.registry.All()
	delegation := e.cfg.DelegationTool
	if e.delegator == nil {
		delegation = ""
	}

	for iteration := 0; iteration < e.cfg.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		default:
		}

		tools := selectTools(contracts, e.policy, transcript, e.cfg.MaxTools, delegation)

		response, err := e.completeWithRetry(ctx, transcript, tools)
		if err != nil {
			return Reply{}, err
		}

		if len(response.ToolCalls) == 0 {
			reply := Reply{Text: response.Content, TurnID: turn.ID}
			if err := e.persistReply(ctx, userID, reply); err != nil {
				logger.Error().Err(err).Msg("Failed to persist reply")
			}
			return reply, nil
		}

		proposals := llm.DecodeProposals(response.ToolCalls)
		logger.Debug().Int("iteration", iteration).Int("proposals", len(proposals)).Msg("Executing tool proposals")

		transcript = append(transcript, llm.Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		results := e.executeProposals(ctx, turn, proposals)

		// Results are appended in proposal order so context replay is
		// deterministic even when execution was concurrent.
		for _, result := range results {
			transcript = append(transcript, llm.Message{
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: result.CorrelationID,
			})
		}
	}

	logger.Warn().Int("maxIterations", e.cfg.MaxIterations).Msg("Iteration budget exhausted, degrading")
	return e.degrade(ctx, userID, turn, transcript)
}

// buildTranscript assembles the provider-facing message sequence
func (e *Engine) buildTranscript(history []session.Entry, seed string) []llm.Message {
	transcript := make([]llm.Message, 0, len(history)+2)

	if e.cfg.SystemPrompt != "" {
		transcript = append(transcript, llm.Message{Role: "system", Content: e.cfg.SystemPrompt})
	}

	for _, entry := range history {
		if entry.Role == "" || entry.Content == "" {
			continue
		}
		transcript = append(transcript, llm.Message{Role: entry.Role, Content: entry.Content})
	}

	transcript = append(transcript, llm.Message{Role: "user", Content: seed})
	return transcript
}

func (e *Engine) persistReply(ctx context.Context, userID string, reply Reply) error {
	return e.store.Append(ctx, userID, session.Entry{
		Role:    "assistant",
		Content: reply.Text,
		Metadata: map[string]interface{}{
			"turn_id":  reply.TurnID,
			"degraded": reply.Degraded,
		},
	})
}

// completeWithRetry calls the provider with bounded exponential backoff
// for transient failures. A provider-level malformed response triggers a
// single immediate retry with the tool list removed.
func (e *Engine) completeWithRetry(ctx context.Context, transcript []llm.Message, tools []llm.ToolSchema) (*llm.Response, error) {
	request := llm.Request{
		Model:        e.cfg.Model,
		Messages:     transcript,
		Tools:        tools,
		Temperature:  e.cfg.Temperature,
		MaxTokens:    e.cfg.MaxTokens,
		SystemPrompt: e.cfg.SystemPrompt,
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		response, err := e.provider.Complete(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if _, malformed := err.(*llm.MalformedResponseError); malformed && len(request.Tools) > 0 {
			e.logger.Warn().Err(err).Msg("Malformed provider response, retrying without tools")
			request.Tools = nil
			continue
		}

		if !llm.IsRetryable(err) {
			return nil, err
		}

		if attempt == e.cfg.MaxRetries-1 {
			break
		}

		delay := e.cfg.RetryBaseDelay * (1 << attempt)
		e.logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying after transient provider error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("provider failed after %d attempts: %w", e.cfg.MaxRetries, lastErr)
}

// executeProposals validates and runs every proposal from one response.
// Invalid proposals never reach a handler; they become validation-error
// results. Valid proposals run concurrently unless one declares
// exclusivity. The returned slice preserves proposal order.
func (e *Engine) executeProposals(ctx context.Context, turn Turn, proposals []llm.Proposal) []ToolResult {
	results := make([]ToolResult, len(proposals))

	type job struct {
		index    int
		proposal llm.Proposal
		contract *tool.Contract
	}

	var jobs []job
	exclusive := false

	for i, p := range proposals {
		if !p.Valid() {
			results[i] = ToolResult{
				CorrelationID: p.ID,
				Tool:          p.Name,
				Kind:          ResultValidation,
				Content:       fmt.Sprintf("Invalid tool call: %s", p.Reason),
			}
			continue
		}

		contract, ok := e.registry.Lookup(p.Name)
		if !ok {
			results[i] = ToolResult{
				CorrelationID: p.ID,
				Tool:          p.Name,
				Kind:          ResultValidation,
				Content:       fmt.Sprintf("Invalid tool call: unknown tool %q", p.Name),
			}
			continue
		}

		if !e.policy.Allows(p.Name) {
			results[i] = ToolResult{
				CorrelationID: p.ID,
				Tool:          p.Name,
				Kind:          ResultValidation,
				Content:       fmt.Sprintf("Invalid tool call: tool %q is not allowed in this session", p.Name),
			}
			continue
		}

		if err := e.registry.ValidateArgs(p.Name, p.Args); err != nil {
			results[i] = ToolResult{
				CorrelationID: p.ID,
				Tool:          p.Name,
				Kind:          ResultValidation,
				Content:       fmt.Sprintf("Invalid tool call: %v", err),
			}
			continue
		}

		if contract.Exclusive {
			exclusive = true
		}
		jobs = append(jobs, job{index: i, proposal: p, contract: contract})
	}

	if exclusive || len(jobs) <= 1 {
		for _, j := range jobs {
			results[j.index] = e.executeOne(ctx, turn, j.proposal, j.contract)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			results[j.index] = e.executeOne(gctx, turn, j.proposal, j.contract)
			return nil
		})
	}
	// Workers never return errors; failures are ToolResults.
	_ = g.Wait()

	return results
}

// executeOne runs a single validated proposal with a timeout. Delegation
// proposals are routed to the spawner instead of the contract handler.
func (e *Engine) executeOne(ctx context.Context, turn Turn, p llm.Proposal, contract *tool.Contract) ToolResult {
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()

	var output interface{}
	var err error

	if e.delegator != nil && e.cfg.DelegationTool != "" && p.Name == e.cfg.DelegationTool {
		output, err = e.delegate(execCtx, turn, p.Args)
	} else {
		output, err = contract.Handler(execCtx, p.Args)
	}

	if err != nil {
		kind := ResultExecution
		if execCtx.Err() == context.DeadlineExceeded {
			kind = ResultTimeout
		}
		e.logger.Warn().Str("tool", p.Name).Err(err).Msg("Tool execution failed")
		return ToolResult{
			CorrelationID: p.ID,
			Tool:          p.Name,
			Kind:          kind,
			Content:       fmt.Sprintf("Tool %q failed: %v", p.Name, err),
		}
	}

	return ToolResult{
		CorrelationID: p.ID,
		Tool:          p.Name,
		Kind:          ResultOK,
		Content:       fmt.Sprintf("%v", output),
	}
}

// delegate hands a delegation proposal to the spawner; its summary (or
// failure) becomes the tool result.
func (e *Engine) delegate(ctx context.Context, turn Turn, args map[string]interface{}) (interface{}, error) {
	role, _ := args["role"].(string)
	instructions, _ := args["instructions"].(string)
	if role == "" || instructions == "" {
		return nil, fmt.Errorf("delegation requires role and instructions")
	}

	summary, err := e.delegator.Spawn(ctx, role, instructions, turn.ID)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// degrade strips pending tool-call state and forces a final no-tools
// completion so an exhausted budget still yields a reply.
func (e *Engine) degrade(ctx context.Context, userID string, turn Turn, transcript []llm.Message) (Reply, error) {
	stripped := make([]llm.Message, 0, len(transcript)+1)
	for _, msg := range transcript {
		switch msg.Role {
		case "tool":
			stripped = append(stripped, llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("[Tool result] %s", msg.Content),
			})
		case "assistant":
			if msg.Content == "" {
				continue
			}
			stripped = append(stripped, llm.Message{Role: "assistant", Content: msg.Content})
		default:
			stripped = append(stripped, msg)
		}
	}
	stripped = append(stripped, llm.Message{
		Role:    "user",
		Content: "Summarize the progress so far and answer as best you can without using any more tools.",
	})

	response, err := e.completeWithRetry(ctx, stripped, nil)
	if err != nil {
		e.logger.Error().Err(err).Msg("Degraded completion failed")
		reply := Reply{
			Text:     "I wasn't able to finish that request. Please try again.",
			TurnID:   turn.ID,
			Degraded: true,
		}
		if persistErr := e.persistReply(ctx, userID, reply); persistErr != nil {
			e.logger.Error().Err(persistErr).Msg("Failed to persist degraded reply")
		}
		return reply, nil
	}

	reply := Reply{Text: response.Content, TurnID: turn.ID, Degraded: true}
	if err := e.persistReply(ctx, userID, reply); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist degraded reply")
	}
	return reply, nil
}
