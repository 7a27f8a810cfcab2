// Package chat orchestrates conversations: it rebuilds model context from the
// transcript, drives the agent loop against the chat model, executes tool
// calls through the MCP bridge, and streams progress events to the caller.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/transcript"
)

// Transcripts is the persistence interface the orchestrator needs.
// *transcript.Store satisfies it.
type Transcripts interface {
	GetConversation(ctx context.Context, id int64) (*transcript.Conversation, error)
	CreateConversation(ctx context.Context, userID int64, title string, modelKeyID *int64, params json.RawMessage) (*transcript.Conversation, error)
	ToolServerIDs(ctx context.Context, conversationID int64) ([]int64, error)
	History(ctx context.Context, conversationID int64, limit int32) ([]transcript.Turn, error)
	Append(ctx context.Context, t *transcript.Turn) error
	Touch(ctx context.Context, id int64) error
}

// Guard is the authorization interface the orchestrator needs.
// *authz.Guard satisfies it.
type Guard interface {
	LoadModelKey(ctx context.Context, p authz.Principal, keyID int64, purpose string) (*authz.ModelKey, error)
	AuthorizeToolServers(ctx context.Context, p authz.Principal, requested []int64) ([]authz.ToolServer, error)
}

// Toolset is an open set of tools for one invocation. *mcp.Toolset
// satisfies it.
type Toolset interface {
	Defs() []llm.ToolDef
	Call(ctx context.Context, tool string, args json.RawMessage) (string, error)
	Close()
}

// ToolsetBuilder connects to the given servers and aggregates their tools.
type ToolsetBuilder func(ctx context.Context, servers []authz.ToolServer) (Toolset, error)

var (
	// ErrNoModelKey indicates neither the request nor the conversation
	// names a model key.
	ErrNoModelKey = errors.New("no model key specified")

	// ErrEmptyMessage indicates a chat request without user input.
	ErrEmptyMessage = errors.New("empty message")

	// ErrRetrievalUnavailable indicates a retrieval request reached an
	// orchestrator wired without a retriever.
	ErrRetrievalUnavailable = errors.New("retrieval not configured")
)

// eventBuffer bounds the fan-in channel between producers (token callback,
// tool executors) and the single consumer writing to the client.
const eventBuffer = 64

// toolOutputMaxRunes caps tool output stored in the transcript.
const toolOutputMaxRunes = 3000

// tracebackMaxRunes caps the stack trace attached to a terminal error event.
const tracebackMaxRunes = 2000

// Config tunes the orchestrator.
type Config struct {
	MaxTurns     int
	HistoryLimit int32
	ModelRate    float64
	ModelBurst   int
}

// Service is the conversation orchestrator.
type Service struct {
	transcripts Transcripts
	guard       Guard
	registry    *llm.Registry
	toolsets    ToolsetBuilder
	retriever   Retriever
	limiter     *rate.Limiter
	logger      log.Logger

	maxTurns     int
	historyLimit int32
}

// NewService creates the orchestrator. retriever may be nil when no
// knowledge store is wired; retrieval requests then fail cleanly.
func NewService(transcripts Transcripts, guard Guard, registry *llm.Registry, toolsets ToolsetBuilder, retriever Retriever, cfg Config, logger log.Logger) *Service {
	return &Service{
		transcripts:  transcripts,
		guard:        guard,
		registry:     registry,
		toolsets:     toolsets,
		retriever:    retriever,
		limiter:      rate.NewLimiter(rate.Limit(cfg.ModelRate), cfg.ModelBurst),
		logger:       logger,
		maxTurns:     cfg.MaxTurns,
		historyLimit: cfg.HistoryLimit,
	}
}

// StreamRequest is one chat invocation.
type StreamRequest struct {
	Principal      authz.Principal
	ConversationID int64 // 0 starts a new conversation
	Message        string
	ModelKeyID     int64 // 0 falls back to the conversation default
	Params         llm.Params
	SystemPrompt   string            // replaces the baseline system prompt when set
	ToolServerIDs  []int64           // nil falls back to the conversation's linked servers
	Retrieval      *RetrievalRequest // optional grounding context for this turn
}

// session is the resolved state for one invocation.
type session struct {
	conv    *transcript.Conversation
	key     *authz.ModelKey
	model   llm.ChatModel
	toolset Toolset
	msgs    []llm.Message
}

// Stream runs one chat turn, delivering events to emit in order. Setup
// failures (authorization, missing conversation, unreachable tool server)
// are returned directly before any event is emitted; failures after
// streaming has begun arrive as an error event. An emit error stops
// delivery but in-flight persistence still completes.
func (s *Service) Stream(ctx context.Context, req StreamRequest, emit func(Event) error) error {
	sess, err := s.prepare(ctx, req)
	if err != nil {
		return err
	}
	defer sess.toolset.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("agent loop panicked",
					"conversation_id", sess.conv.ID, "panic", r)
				send(ctx, events, Event{Name: EventError, Payload: ErrorPayload{
					Message:   fmt.Sprintf("internal failure: %v", r),
					Traceback: truncateRunes(string(debug.Stack()), tracebackMaxRunes),
				}})
			}
		}()
		s.run(ctx, req, sess, events)
	}()

	var emitErr error
	for ev := range events {
		if emitErr != nil {
			continue // drain so the producer can finish persisting
		}
		if err := emit(ev); err != nil {
			emitErr = err
			cancel()
		}
	}
	return emitErr
}

// InvokeResult is the non-streaming reply.
type InvokeResult struct {
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	Content        string `json:"content"`
}

// Invoke runs one chat turn without streaming and returns the final reply.
func (s *Service) Invoke(ctx context.Context, req StreamRequest) (*InvokeResult, error) {
	var (
		result  *InvokeResult
		failure string
	)
	err := s.Stream(ctx, req, func(ev Event) error {
		switch ev.Name {
		case EventDone:
			p := ev.Payload.(DonePayload)
			result = &InvokeResult{
				ConversationID: p.ConversationID,
				MessageID:      p.MessageID,
				Content:        p.Content,
			}
		case EventError:
			failure = ev.Payload.(ErrorPayload).Message
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if failure != "" {
		return nil, errors.New(failure)
	}
	if result == nil {
		return nil, errors.New("stream ended without a result")
	}
	return result, nil
}

// prepare resolves the conversation, model key, tool servers, and context
// messages, and persists the user turn.
func (s *Service) prepare(ctx context.Context, req StreamRequest) (*session, error) {
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	p := req.Principal

	var (
		conv *transcript.Conversation
		err  error
	)
	if req.ConversationID != 0 {
		conv, err = s.transcripts.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.UserID != p.UserID && !p.IsAdmin() {
			// Masked like a missing row so conversation IDs cannot be probed.
			return nil, fmt.Errorf("conversation %d: %w",
				req.ConversationID, transcript.ErrConversationNotFound)
		}
	} else {
		conv, err = s.transcripts.CreateConversation(ctx, p.UserID, "", nil, nil)
		if err != nil {
			return nil, err
		}
	}

	keyID := req.ModelKeyID
	if keyID == 0 && conv.DefaultModelKeyID != nil {
		keyID = *conv.DefaultModelKeyID
	}
	if keyID == 0 {
		return nil, ErrNoModelKey
	}
	key, err := s.guard.LoadModelKey(ctx, p, keyID, authz.PurposeChat)
	if err != nil {
		return nil, err
	}

	model, err := s.registry.ChatModel(ctx, key.Provider, llm.Credentials{
		APIKey:   key.APIKey,
		Endpoint: key.Endpoint,
		Model:    key.Model,
	})
	if err != nil {
		return nil, err
	}

	toolset, err := s.buildToolset(ctx, p, conv, req.ToolServerIDs)
	if err != nil {
		return nil, err
	}

	history, err := s.transcripts.History(ctx, conv.ID, s.historyLimit)
	if err != nil {
		toolset.Close()
		return nil, err
	}
	system := SystemPromptBase
	if req.SystemPrompt != "" {
		system = req.SystemPrompt
	}
	msgs := BuildMessages(history, system)

	if req.Retrieval != nil {
		block, err := s.retrieveContext(ctx, p, req)
		if err != nil {
			toolset.Close()
			return nil, err
		}
		if block != "" {
			// The context block sits right after the system prompt, ahead
			// of the conversation history.
			withContext := make([]llm.Message, 0, len(msgs)+1)
			withContext = append(withContext, msgs[0],
				llm.Message{Role: llm.RoleSystem, Content: block})
			msgs = append(withContext, msgs[1:]...)
		}
	}

	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Message})

	userTurn := &transcript.Turn{
		ConversationID: conv.ID,
		Kind:           transcript.KindUser,
		Content:        req.Message,
	}
	if err := s.transcripts.Append(ctx, userTurn); err != nil {
		toolset.Close()
		return nil, err
	}

	return &session{conv: conv, key: key, model: model, toolset: toolset, msgs: msgs}, nil
}

// retrieveContext runs the optional retrieval step and renders the context
// block for this invocation.
func (s *Service) retrieveContext(ctx context.Context, p authz.Principal, req StreamRequest) (string, error) {
	if s.retriever == nil {
		return "", ErrRetrievalUnavailable
	}
	rr := *req.Retrieval
	if rr.Query == "" {
		rr.Query = req.Message
	}
	snippets, err := s.retriever.Retrieve(ctx, p, rr)
	if err != nil {
		return "", fmt.Errorf("retrieving context: %w", err)
	}
	return contextBlock(snippets), nil
}

func (s *Service) buildToolset(ctx context.Context, p authz.Principal, conv *transcript.Conversation, requested []int64) (Toolset, error) {
	ids := requested
	if ids == nil {
		linked, err := s.transcripts.ToolServerIDs(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		ids = linked
	}

	servers, err := s.guard.AuthorizeToolServers(ctx, p, ids)
	if err != nil {
		return nil, err
	}
	return s.toolsets(ctx, servers)
}

// run drives the agent loop. Transcript writes use a context that survives
// client disconnect so rows already in flight always land.
func (s *Service) run(ctx context.Context, req StreamRequest, sess *session, events chan<- Event) {
	persistCtx := context.WithoutCancel(ctx)
	start := time.Now()

	var (
		finalText string
		usage     llm.Usage
		aborted   bool
	)

	msgs := sess.msgs
	for turn := 1; turn <= s.maxTurns; turn++ {
		if err := s.limiter.Wait(ctx); err != nil {
			aborted = true
			break
		}

		onToken := func(ctx context.Context, token string) error {
			if !send(ctx, events, Event{Name: EventToken, Payload: TokenPayload{Text: token}}) {
				return ctx.Err()
			}
			return nil
		}

		resp, err := sess.model.Generate(ctx, llm.Request{
			Messages: msgs,
			Tools:    sess.toolset.Defs(),
			Params:   req.Params,
		}, onToken)
		if err != nil {
			if ctx.Err() != nil {
				aborted = true
				break
			}
			var upstream *llm.UpstreamError
			if errors.As(err, &upstream) {
				// The event carries the opaque message; the cause goes to logs.
				s.logger.Error("model call failed",
					"conversation_id", sess.conv.ID, "turn", turn,
					"ref", upstream.CorrelationID, "error", upstream.Unwrap())
			} else {
				s.logger.Error("model call failed",
					"conversation_id", sess.conv.ID, "turn", turn, "error", err)
			}
			send(ctx, events, Event{Name: EventError, Payload: ErrorPayload{Message: err.Error()}})
			return
		}

		finalText += resp.Text
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			break
		}

		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		// Tool calls of one turn run concurrently; each executor persists
		// its own rows and feeds the shared event channel.
		results := make([]llm.Message, len(resp.ToolCalls))
		persistErrs := make([]error, len(resp.ToolCalls))
		var wg sync.WaitGroup
		for i, call := range resp.ToolCalls {
			wg.Add(1)
			go func(i int, call llm.ToolCall) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("tool executor panicked",
							"conversation_id", sess.conv.ID, "tool", call.Name, "panic", r)
						results[i] = llm.Message{
							Role:       llm.RoleTool,
							Content:    fmt.Sprintf("error: %v", r),
							ToolCallID: call.ID,
							ToolName:   call.Name,
						}
					}
				}()
				results[i], persistErrs[i] = s.executeTool(ctx, persistCtx, events, sess, call)
			}(i, call)
		}
		wg.Wait()

		// A tool row that failed to persist would silently fall out of the
		// transcript; surface it and stop instead.
		if err := errors.Join(persistErrs...); err != nil {
			send(ctx, events, Event{Name: EventError, Payload: ErrorPayload{Message: err.Error()}})
			return
		}
		msgs = append(msgs, results...)

		send(ctx, events, Event{Name: EventUpdate, Payload: UpdatePayload{
			Note: fmt.Sprintf("turn %d: executed %d tool call(s)", turn, len(resp.ToolCalls)),
		}})
	}

	latency := int32(time.Since(start).Milliseconds())
	aiTurn := &transcript.Turn{
		ConversationID: sess.conv.ID,
		Kind:           transcript.KindAssistant,
		Content:        finalText,
		ModelKeyID:     &sess.key.ID,
		ModelProvider:  sess.key.Provider,
		ModelName:      sess.key.Model,
		Params:         marshalParams(req.Params),
		LatencyMS:      &latency,
	}
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		aiTurn.InputTokens = &usage.InputTokens
		aiTurn.OutputTokens = &usage.OutputTokens
	}
	if err := s.transcripts.Append(persistCtx, aiTurn); err != nil {
		s.logger.Error("persisting assistant turn failed",
			"conversation_id", sess.conv.ID, "error", err)
		send(ctx, events, Event{Name: EventError, Payload: ErrorPayload{Message: err.Error()}})
		return
	}
	if err := s.transcripts.Touch(persistCtx, sess.conv.ID); err != nil {
		s.logger.Warn("touching conversation failed",
			"conversation_id", sess.conv.ID, "error", err)
	}

	if aborted {
		s.logger.Info("stream aborted by client",
			"conversation_id", sess.conv.ID, "persisted_message_id", aiTurn.ID)
		return
	}
	send(ctx, events, Event{Name: EventDone, Payload: DonePayload{
		ConversationID: sess.conv.ID,
		MessageID:      aiTurn.ID,
		Content:        finalText,
	}})
}

// executeTool runs one tool call: persist the start row, emit tool_start,
// invoke the tool, persist the end row, emit tool_end. It returns the tool
// result message for the next model turn. A row that fails to persist is
// reported as an error without its event, so the loop can terminate instead
// of dropping the turn.
func (s *Service) executeTool(ctx, persistCtx context.Context, events chan<- Event, sess *session, call llm.ToolCall) (llm.Message, error) {
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	startRow := &transcript.Turn{
		ConversationID: sess.conv.ID,
		Kind:           transcript.KindToolStart,
		ToolName:       call.Name,
		ToolCallID:     call.ID,
		ToolInput:      args,
	}
	if err := s.transcripts.Append(persistCtx, startRow); err != nil {
		s.logger.Error("persisting tool start failed",
			"conversation_id", sess.conv.ID, "tool", call.Name, "error", err)
		return llm.Message{}, fmt.Errorf("persisting %s start: %w", call.Name, err)
	}
	send(ctx, events, Event{Name: EventToolStart, Payload: ToolStartPayload{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       args,
		MessageID:  startRow.ID,
	}})

	output, callErr := sess.toolset.Call(ctx, call.Name, call.Arguments)

	endRow := &transcript.Turn{
		ConversationID: sess.conv.ID,
		Kind:           transcript.KindToolEnd,
		ToolName:       call.Name,
		ToolCallID:     call.ID,
	}
	var resultContent string
	if callErr != nil {
		endRow.Error = truncateRunes(callErr.Error(), toolOutputMaxRunes)
		resultContent = "error: " + endRow.Error
	} else {
		stored := truncateRunes(output, toolOutputMaxRunes)
		endRow.ToolOutput, _ = json.Marshal(stored)
		resultContent = truncateRunes(output, maxPayloadRunes)
	}
	if err := s.transcripts.Append(persistCtx, endRow); err != nil {
		s.logger.Error("persisting tool end failed",
			"conversation_id", sess.conv.ID, "tool", call.Name, "error", err)
		return llm.Message{}, fmt.Errorf("persisting %s end: %w", call.Name, err)
	}

	payload := ToolEndPayload{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		OK:         callErr == nil,
		MessageID:  endRow.ID,
	}
	if callErr != nil {
		payload.Error = endRow.Error
	} else {
		payload.Output = endRow.ToolOutput
	}
	send(ctx, events, Event{Name: EventToolEnd, Payload: payload})

	return llm.Message{
		Role:       llm.RoleTool,
		Content:    resultContent,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}, nil
}

// send delivers an event unless the consumer is gone.
func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func marshalParams(p llm.Params) json.RawMessage {
	b, err := json.Marshal(p)
	if err != nil || string(b) == "{}" {
		return nil
	}
	return b
}
