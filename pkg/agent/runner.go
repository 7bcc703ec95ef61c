// Package agent drives the tool-calling conversation loop: send context to
// the model, execute requested tools, feed results back, repeat until the
// model answers in plain text or a limit is hit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reza/kalda/pkg/events"
	"github.com/reza/kalda/pkg/llm"
	"github.com/reza/kalda/pkg/memory"
	"github.com/reza/kalda/pkg/tools"
)

const (
	defaultMaxIterations = 20
	defaultContextBudget = 32768
)

// visionRejectKeywords identify backend errors caused by image content on
// a model that cannot accept it. Matched case-insensitively.
var visionRejectKeywords = []string{
	"image", "vision", "multimodal", "content type", "image_url", "base64",
}

// State classifies how a turn ended.
type State int

const (
	// StateFinished means the model produced a final plain-text answer.
	StateFinished State = iota
	// StateAborted means the user stopped the turn mid-flight.
	StateAborted
	// StateErrored means a terminal backend error ended the turn.
	StateErrored
	// StateCapExceeded means the iteration cap was reached with tool calls
	// still pending.
	StateCapExceeded
)

func (s State) String() string {
	switch s {
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	case StateErrored:
		return "errored"
	case StateCapExceeded:
		return "cap_exceeded"
	default:
		return "unknown"
	}
}

// Result is the outcome of one turn.
type Result struct {
	Text       string
	State      State
	Iterations int
}

// CompletionClient is the slice of the llm client the runner needs.
type CompletionClient interface {
	Collect(ctx context.Context, req llm.Request, onEvent func(llm.StreamEvent)) (*llm.Completion, error)
}

// ToolExecutor executes tool calls and exposes the catalog sent to the
// model.
type ToolExecutor interface {
	Specs() []llm.Tool
	Execute(ctx context.Context, name string, args map[string]any, ec tools.ExecContext) tools.Result
}

// Config assembles a Runner.
type Config struct {
	Client        CompletionClient
	Tools         ToolExecutor
	Store         *memory.Store
	Events        events.Sink
	SystemPrompt  string
	WorkingDir    string
	MaxIterations int
	ContextBudget int
	Temperature   float64
	MaxTokens     int
	Logger        zerolog.Logger
}

// Runner executes turns against sessions. One turn per session at a time;
// Abort cancels the running turn for a session cooperatively.
type Runner struct {
	client        CompletionClient
	tools         ToolExecutor
	store         *memory.Store
	sink          events.Sink
	systemPrompt  string
	workingDir    string
	maxIterations int
	contextBudget int
	temperature   float64
	maxTokens     int
	logger        zerolog.Logger

	mu     sync.Mutex
	active map[string]*CancelToken
}

// New creates a Runner. Client, Tools and Store are required.
func New(cfg Config) (*Runner, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("completion client is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	sink := cfg.Events
	if sink == nil {
		sink = events.NopSink{}
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	budget := cfg.ContextBudget
	if budget <= 0 {
		budget = defaultContextBudget
	}
	return &Runner{
		client:        cfg.Client,
		tools:         cfg.Tools,
		store:         cfg.Store,
		sink:          sink,
		systemPrompt:  cfg.SystemPrompt,
		workingDir:    cfg.WorkingDir,
		maxIterations: maxIter,
		contextBudget: budget,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		logger:        cfg.Logger.With().Str("component", "agent").Logger(),
		active:        make(map[string]*CancelToken),
	}, nil
}

// Abort requests cancellation of the turn running for sessionKey. It
// returns whether a turn was active.
func (r *Runner) Abort(sessionKey string) bool {
	r.mu.Lock()
	token, ok := r.active[sessionKey]
	r.mu.Unlock()
	if !ok {
		return false
	}
	token.Request()
	return true
}

func (r *Runner) register(sessionKey string) (*CancelToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[sessionKey]; busy {
		return nil, fmt.Errorf("session %s already has a running turn", sessionKey)
	}
	token := NewCancelToken()
	r.active[sessionKey] = token
	return token, nil
}

func (r *Runner) unregister(sessionKey string) {
	r.mu.Lock()
	delete(r.active, sessionKey)
	r.mu.Unlock()
}

// Run executes one turn: append the user message, iterate model calls and
// tool dispatches, and return the final answer. Memory is persisted and
// exactly one turn-complete event is emitted on every exit path.
func (r *Runner) Run(ctx context.Context, sessionKey, userText string) (Result, error) {
	mem, err := r.session(sessionKey)
	if err != nil {
		return Result{}, err
	}
	sessionKey = mem.Key()

	token, err := r.register(sessionKey)
	if err != nil {
		return Result{}, err
	}
	defer r.unregister(sessionKey)

	ev := events.New(events.TypeTurnStart)
	ev.SessionKey = sessionKey
	r.sink.Emit(ev)

	mem.Append(llm.Message{Role: llm.RoleUser, Content: userText})

	res := r.loop(ctx, mem, token)

	if err := mem.Save(); err != nil {
		r.logger.Error().Err(err).Str("session", sessionKey).Msg("memory save failed")
	}
	if err := r.store.Touch(sessionKey); err != nil {
		r.logger.Warn().Err(err).Str("session", sessionKey).Msg("manifest touch failed")
	}

	if res.State == StateErrored {
		errEv := events.New(events.TypeTurnError)
		errEv.SessionKey = sessionKey
		errEv.Detail = res.Text
		r.sink.Emit(errEv)
	}
	done := events.New(events.TypeTurnComplete)
	done.SessionKey = sessionKey
	done.Detail = res.State.String()
	r.sink.Emit(done)

	r.maybeCompact(ctx, mem)
	return res, nil
}

func (r *Runner) session(sessionKey string) (*memory.Memory, error) {
	if sessionKey == "" {
		return r.store.Active()
	}
	return r.store.Get(sessionKey)
}

// buildMessages assembles the model context: system prompt (with the
// long-term block folded in) followed by the budgeted recent window.
func (r *Runner) buildMessages(mem *memory.Memory) []llm.Message {
	system := r.systemPrompt
	if block := mem.LongTermBlock(); block != "" {
		if system != "" {
			system += "\n\n"
		}
		system += "Long-term memory:\n" + block
	}
	msgs := make([]llm.Message, 0, 1)
	if system != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	return append(msgs, mem.RecentContext(r.contextBudget)...)
}

func (r *Runner) loop(ctx context.Context, mem *memory.Memory, token *CancelToken) Result {
	messages := r.buildMessages(mem)
	ec := tools.ExecContext{
		SessionKey: mem.Key(),
		WorkingDir: r.workingDir,
		Events:     r.sink,
	}

	visionRetried := false
	lastText := ""

	for iteration := 0; iteration < r.maxIterations; {
		if stopped, res := r.checkStop(ctx, token, lastText, iteration); stopped {
			return res
		}

		req := llm.Request{
			Messages:    messages,
			Tools:       r.tools.Specs(),
			Temperature: r.temperature,
			MaxTokens:   r.maxTokens,
		}
		completion, err := r.client.Collect(ctx, req, nil)
		if err != nil {
			if !visionRetried && isVisionRejection(err, messages) {
				r.logger.Warn().Err(err).Msg("backend rejected image content, retrying without images")
				messages = llm.WithoutImages(messages)
				visionRetried = true
				continue
			}
			return r.terminalError(mem, err, iteration)
		}

		// Exactly one assistant message per iteration carries both the
		// text and the tool calls.
		assistant := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: wireCalls(completion.ToolCalls),
		}
		mem.Append(assistant)
		messages = append(messages, assistant)
		if completion.Text != "" {
			lastText = completion.Text
		}

		iteration++
		if len(completion.ToolCalls) == 0 {
			return Result{Text: completion.Text, State: StateFinished, Iterations: iteration}
		}

		latestImage := ""
		for _, call := range completion.ToolCalls {
			if stopped, res := r.checkStop(ctx, token, lastText, iteration); stopped {
				return res
			}
			result := r.dispatch(ctx, call, ec)
			if result.Image != "" {
				latestImage = result.Image
			}
			toolMsg := llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    renderResult(result),
			}
			mem.Append(toolMsg)
			messages = append(messages, toolMsg)
		}

		// Visual context rides along for the next model call only. It is
		// never written to memory. Once the backend has rejected image
		// content the turn stays text-only, so later tool images are
		// dropped instead of re-poisoning the history.
		if latestImage != "" && !visionRetried {
			messages = append(messages, llm.Message{
				Role: llm.RoleUser,
				Parts: []llm.ContentPart{
					llm.TextPart("Here is the image produced by the tool."),
					llm.ImagePart(latestImage),
				},
			})
		}
	}

	text := fmt.Sprintf("Error: stopped after %d iterations without a final answer", r.maxIterations)
	mem.Append(llm.Message{Role: llm.RoleAssistant, Content: text})
	return Result{Text: text, State: StateCapExceeded, Iterations: r.maxIterations}
}

func (r *Runner) checkStop(ctx context.Context, token *CancelToken, lastText string, iterations int) (bool, Result) {
	if ctx.Err() == nil && !token.Requested() {
		return false, Result{}
	}
	text := lastText
	if text == "" {
		text = "Stopped by user."
	} else {
		text += "\n(stopped by user)"
	}
	return true, Result{Text: text, State: StateAborted, Iterations: iterations}
}

func (r *Runner) terminalError(mem *memory.Memory, err error, iterations int) Result {
	var apiErr *llm.APIError
	switch {
	case errors.Is(err, llm.ErrMaxRetriesExceeded):
		r.logger.Error().Err(err).Msg("rate limit retries exhausted")
	case errors.As(err, &apiErr):
		r.logger.Error().Int("status", apiErr.Status).Msg("backend request failed")
	default:
		r.logger.Error().Err(err).Msg("completion failed")
	}
	text := "Error: " + err.Error()
	mem.Append(llm.Message{Role: llm.RoleAssistant, Content: text})
	return Result{Text: text, State: StateErrored, Iterations: iterations}
}

func (r *Runner) dispatch(ctx context.Context, call llm.ParsedToolCall, ec tools.ExecContext) tools.Result {
	start := events.New(events.TypeToolStart)
	start.SessionKey = ec.SessionKey
	start.Tool = call.Name
	r.sink.Emit(start)

	result := r.tools.Execute(ctx, call.Name, call.Arguments, ec)

	end := events.New(events.TypeToolEnd)
	end.SessionKey = ec.SessionKey
	end.Tool = call.Name
	if !result.Success {
		end.Detail = "failed"
	}
	r.sink.Emit(end)

	r.logger.Debug().
		Str("tool", call.Name).
		Bool("success", result.Success).
		Msg("tool executed")
	return result
}

// maybeCompact summarizes old short-term messages through the same client
// once the window grows past the threshold. Failures only log; the next
// turn will try again.
func (r *Runner) maybeCompact(ctx context.Context, mem *memory.Memory) {
	if !mem.NeedsCompaction() {
		return
	}
	err := mem.Compact(ctx, func(ctx context.Context, msgs []llm.Message) (string, error) {
		var b strings.Builder
		for _, m := range msgs {
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(m.Text())
			b.WriteString("\n")
		}
		req := llm.Request{Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Summarize the following conversation in a short paragraph. Keep every durable fact and decision."},
			{Role: llm.RoleUser, Content: b.String()},
		}}
		completion, err := r.client.Collect(ctx, req, nil)
		if err != nil {
			return "", err
		}
		return completion.Text, nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("compaction skipped")
	}
}

func isVisionRejection(err error, messages []llm.Message) bool {
	hasImage := false
	for _, m := range messages {
		if m.HasImage() {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range visionRejectKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func wireCalls(calls []llm.ParsedToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Wire())
	}
	return out
}

func renderResult(res tools.Result) string {
	out := res.Output
	if !res.Success {
		if out == "" {
			out = "tool failed"
		}
		return "Error: " + out
	}
	if out == "" {
		out = "ok"
	}
	return out
}
