package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTranscripts is an in-memory Transcripts implementation. Setting
// failToolAppends rejects tool rows to exercise persistence failures.
type fakeTranscripts struct {
	mu              sync.Mutex
	nextID          int64
	convs           map[int64]*transcript.Conversation
	turns           []transcript.Turn
	linked          map[int64][]int64
	failToolAppends bool
}

func newFakeTranscripts() *fakeTranscripts {
	return &fakeTranscripts{
		convs:  make(map[int64]*transcript.Conversation),
		linked: make(map[int64][]int64),
	}
}

func (f *fakeTranscripts) GetConversation(_ context.Context, id int64) (*transcript.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, transcript.ErrConversationNotFound
	}
	return conv, nil
}

func (f *fakeTranscripts) CreateConversation(_ context.Context, userID int64, title string, keyID *int64, params json.RawMessage) (*transcript.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	conv := &transcript.Conversation{
		ID: f.nextID, UserID: userID, Title: title,
		DefaultModelKeyID: keyID, DefaultParams: params,
		CreatedAt: time.Now(),
	}
	f.convs[conv.ID] = conv
	return conv, nil
}

func (f *fakeTranscripts) ToolServerIDs(_ context.Context, conversationID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linked[conversationID], nil
}

func (f *fakeTranscripts) History(_ context.Context, conversationID int64, _ int32) ([]transcript.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transcript.Turn
	for _, t := range f.turns {
		if t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTranscripts) Append(_ context.Context, t *transcript.Turn) error {
	if err := t.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failToolAppends && t.Kind.IsTool() {
		return errors.New("insert rejected")
	}
	f.nextID++
	t.ID = f.nextID
	t.CreatedAt = time.Now()
	f.turns = append(f.turns, *t)
	return nil
}

func (f *fakeTranscripts) Touch(context.Context, int64) error { return nil }

func (f *fakeTranscripts) turnsByKind(kind transcript.Kind) []transcript.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transcript.Turn
	for _, t := range f.turns {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// fakeGuard hands out one chat key and mirrors requested tool servers back.
type fakeGuard struct {
	denyServers bool
}

func (g *fakeGuard) LoadModelKey(_ context.Context, _ authz.Principal, keyID int64, purpose string) (*authz.ModelKey, error) {
	if purpose != authz.PurposeChat {
		return nil, authz.ErrWrongPurpose
	}
	return &authz.ModelKey{
		ID: keyID, Provider: "scripted", Model: "test-model",
		Purpose: purpose, APIKey: "sk-test",
	}, nil
}

func (g *fakeGuard) AuthorizeToolServers(_ context.Context, _ authz.Principal, requested []int64) ([]authz.ToolServer, error) {
	if g.denyServers {
		return nil, authz.ErrForbidden
	}
	out := make([]authz.ToolServer, len(requested))
	for i, id := range requested {
		out[i] = authz.ToolServer{ID: id, Name: fmt.Sprintf("srv%d", id)}
	}
	return out, nil
}

// scriptedModel returns canned responses in sequence, streaming each text
// one rune at a time. It records every request for assertions.
type scriptedModel struct {
	mu        sync.Mutex
	responses []llm.Response
	requests  []llm.Request
	calls     int
}

func (m *scriptedModel) Generate(ctx context.Context, req llm.Request, onToken llm.StreamFunc) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	idx := m.calls
	m.calls++
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	resp := m.responses[idx]
	m.mu.Unlock()

	if onToken != nil {
		for _, r := range resp.Text {
			if err := onToken(ctx, string(r)); err != nil {
				return nil, err
			}
		}
	}
	return &resp, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *scriptedModel) firstRequest(t *testing.T) llm.Request {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		t.Fatal("model was never called")
	}
	return m.requests[0]
}

// fakeToolset answers every call with a fixed output.
type fakeToolset struct {
	defs   []llm.ToolDef
	output string
	err    error
}

func (f *fakeToolset) Defs() []llm.ToolDef { return f.defs }

func (f *fakeToolset) Call(_ context.Context, tool string, _ json.RawMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.output + ":" + tool, nil
}

func (f *fakeToolset) Close() {}

// fakeRetriever hands back canned snippets and records the request.
type fakeRetriever struct {
	snippets []Snippet
	err      error
	got      RetrievalRequest
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ authz.Principal, req RetrievalRequest) ([]Snippet, error) {
	f.got = req
	return f.snippets, f.err
}

func newTestService(t *testing.T, model llm.ChatModel, ts Toolset, guard Guard) (*Service, *fakeTranscripts) {
	t.Helper()
	svc, store := newRetrieverService(t, model, ts, guard, nil)
	return svc, store
}

func newRetrieverService(t *testing.T, model llm.ChatModel, ts Toolset, guard Guard, r Retriever) (*Service, *fakeTranscripts) {
	t.Helper()
	store := newFakeTranscripts()
	registry := llm.NewRegistry()
	registry.RegisterChat("scripted", func(context.Context, llm.Credentials) (llm.ChatModel, error) {
		return model, nil
	})
	builder := func(context.Context, []authz.ToolServer) (Toolset, error) {
		return ts, nil
	}
	svc := NewService(store, guard, registry, builder, r, Config{
		MaxTurns: 5, HistoryLimit: 1000, ModelRate: 1000, ModelBurst: 1000,
	}, log.NewNop())
	return svc, store
}

func collectEvents(t *testing.T, svc *Service, req StreamRequest) []Event {
	t.Helper()
	var events []Event
	err := svc.Stream(t.Context(), req, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	return events
}

func countEvents(events []Event, name string) int {
	n := 0
	for _, ev := range events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func TestStreamWithToolCalls(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)},
			{ID: "call_2", Name: "fetch", Arguments: json.RawMessage(`{"url":"x"}`)},
		}},
		{Text: "final answer", Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	toolset := &fakeToolset{
		defs: []llm.ToolDef{
			{Name: "search", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "fetch", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		output: "result",
	}
	svc, store := newTestService(t, model, toolset, &fakeGuard{})

	events := collectEvents(t, svc, StreamRequest{
		Principal:     authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:       "look this up",
		ModelKeyID:    42,
		ToolServerIDs: []int64{1},
	})

	if got := countEvents(events, EventToolStart); got != 2 {
		t.Errorf("tool_start count = %d, want 2", got)
	}
	if got := countEvents(events, EventToolEnd); got != 2 {
		t.Errorf("tool_end count = %d, want 2", got)
	}
	if got := countEvents(events, EventToken); got == 0 {
		t.Error("no token events")
	}
	if got := countEvents(events, EventDone); got != 1 {
		t.Fatalf("done count = %d, want 1", got)
	}
	if got := countEvents(events, EventError); got != 0 {
		t.Errorf("error count = %d, want 0", got)
	}

	// Each start precedes its matching end.
	started := map[string]bool{}
	for _, ev := range events {
		switch p := ev.Payload.(type) {
		case ToolStartPayload:
			started[p.ToolCallID] = true
		case ToolEndPayload:
			if !started[p.ToolCallID] {
				t.Errorf("tool_end for %s before tool_start", p.ToolCallID)
			}
			if !p.OK {
				t.Errorf("tool_end for %s not ok: %s", p.ToolCallID, p.Error)
			}
		}
	}

	done := events[len(events)-1]
	if done.Name != EventDone {
		t.Fatalf("last event = %s, want done", done.Name)
	}
	if done.Payload.(DonePayload).Content != "final answer" {
		t.Errorf("done content = %q", done.Payload.(DonePayload).Content)
	}

	// Transcript: user, 2 tool starts, 2 tool ends, assistant.
	if got := len(store.turnsByKind(transcript.KindToolStart)); got != 2 {
		t.Errorf("tool start turns = %d, want 2", got)
	}
	if got := len(store.turnsByKind(transcript.KindToolEnd)); got != 2 {
		t.Errorf("tool end turns = %d, want 2", got)
	}
	assistant := store.turnsByKind(transcript.KindAssistant)
	if len(assistant) != 1 {
		t.Fatalf("assistant turns = %d, want 1", len(assistant))
	}
	if assistant[0].Content != "final answer" || assistant[0].ModelProvider != "scripted" {
		t.Errorf("assistant turn = %+v", assistant[0])
	}
	if assistant[0].InputTokens == nil || *assistant[0].InputTokens != 10 {
		t.Errorf("assistant input tokens = %v, want 10", assistant[0].InputTokens)
	}
}

func TestStreamMaxTurnsBound(t *testing.T) {
	// Every response requests another tool call; the loop must stop.
	model := &scriptedModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "loop", Name: "search", Arguments: json.RawMessage(`{}`)}}},
	}}
	toolset := &fakeToolset{defs: []llm.ToolDef{{Name: "search"}}, output: "again"}
	svc, _ := newTestService(t, model, toolset, &fakeGuard{})

	events := collectEvents(t, svc, StreamRequest{
		Principal:  authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:    "go forever",
		ModelKeyID: 42,
	})

	if model.callCount() != 5 {
		t.Errorf("model calls = %d, want max turns (5)", model.callCount())
	}
	if got := countEvents(events, EventDone); got != 1 {
		t.Errorf("done count = %d, want 1", got)
	}
}

func TestStreamToolFailureFeedsErrorBack(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{}`)}}},
		{Text: "could not search"},
	}}
	toolset := &fakeToolset{defs: []llm.ToolDef{{Name: "search"}}, err: errors.New("backend down")}
	svc, store := newTestService(t, model, toolset, &fakeGuard{})

	events := collectEvents(t, svc, StreamRequest{
		Principal:  authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:    "search please",
		ModelKeyID: 42,
	})

	var end ToolEndPayload
	for _, ev := range events {
		if p, ok := ev.Payload.(ToolEndPayload); ok {
			end = p
		}
	}
	if end.OK || end.Error == "" {
		t.Errorf("tool_end = %+v, want failure with message", end)
	}
	if got := countEvents(events, EventDone); got != 1 {
		t.Errorf("done count = %d, want 1 (tool failure is not fatal)", got)
	}

	toolTurns := store.turnsByKind(transcript.KindToolEnd)
	var found bool
	for _, turn := range toolTurns {
		if turn.Error != "" {
			found = true
		}
	}
	if !found {
		t.Error("no tool turn recorded the failure")
	}
}

func TestStreamToolPersistFailureIsTerminal(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{}`)}}},
		{Text: "never reached"},
	}}
	toolset := &fakeToolset{defs: []llm.ToolDef{{Name: "search"}}, output: "result"}
	svc, store := newTestService(t, model, toolset, &fakeGuard{})
	store.failToolAppends = true

	events := collectEvents(t, svc, StreamRequest{
		Principal:  authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:    "search please",
		ModelKeyID: 42,
	})

	if len(events) == 0 || events[len(events)-1].Name != EventError {
		t.Fatalf("events = %+v, want terminal error event", events)
	}
	if got := countEvents(events, EventDone); got != 0 {
		t.Errorf("done count = %d, want 0", got)
	}
	// The start event is withheld when its row never landed.
	if got := countEvents(events, EventToolStart); got != 0 {
		t.Errorf("tool_start count = %d, want 0", got)
	}
	if got := model.callCount(); got != 1 {
		t.Errorf("model calls = %d, want the loop stopped after 1", got)
	}
}

func TestStreamFailClosedOnToolServers(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "hi"}}}
	svc, store := newTestService(t, model, &fakeToolset{}, &fakeGuard{denyServers: true})

	var emitted int
	err := svc.Stream(t.Context(), StreamRequest{
		Principal:     authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:       "hello",
		ModelKeyID:    42,
		ToolServerIDs: []int64{1, 2},
	}, func(Event) error {
		emitted++
		return nil
	})

	if !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("Stream() error = %v, want ErrForbidden", err)
	}
	if emitted != 0 {
		t.Errorf("%d events emitted before authorization", emitted)
	}
	if got := len(store.turnsByKind(transcript.KindUser)); got != 0 {
		t.Errorf("user turns persisted = %d, want 0", got)
	}
}

func TestStreamMissingModelKey(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "hi"}}}
	svc, _ := newTestService(t, model, &fakeToolset{}, &fakeGuard{})

	err := svc.Stream(t.Context(), StreamRequest{
		Principal: authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:   "hello",
	}, func(Event) error { return nil })

	if !errors.Is(err, ErrNoModelKey) {
		t.Errorf("Stream() error = %v, want ErrNoModelKey", err)
	}
}

func TestStreamPersistsAfterEmitFailure(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "long answer here"}}}
	svc, store := newTestService(t, model, &fakeToolset{}, &fakeGuard{})

	clientGone := errors.New("client gone")
	err := svc.Stream(t.Context(), StreamRequest{
		Principal:  authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:    "hello",
		ModelKeyID: 42,
	}, func(ev Event) error {
		return clientGone
	})

	if !errors.Is(err, clientGone) {
		t.Errorf("Stream() error = %v, want emit failure", err)
	}
	// The assistant turn must land even though the client disconnected.
	if got := len(store.turnsByKind(transcript.KindAssistant)); got != 1 {
		t.Errorf("assistant turns = %d, want 1", got)
	}
}

func TestStreamInjectsRetrievedContext(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "grounded answer"}}}
	retriever := &fakeRetriever{snippets: []Snippet{
		{Source: "guide.md", Content: "alpha beta"},
		{Source: "chunk 12", Content: "gamma"},
	}}
	svc, _ := newRetrieverService(t, model, &fakeToolset{}, &fakeGuard{}, retriever)

	events := collectEvents(t, svc, StreamRequest{
		Principal:  authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:    "what is alpha?",
		ModelKeyID: 42,
		Retrieval:  &RetrievalRequest{},
	})
	if got := countEvents(events, EventDone); got != 1 {
		t.Fatalf("done count = %d, want 1", got)
	}

	// The query falls back to the user message.
	if retriever.got.Query != "what is alpha?" {
		t.Errorf("retriever query = %q, want the user message", retriever.got.Query)
	}

	msgs := model.firstRequest(t).Messages
	if len(msgs) < 3 {
		t.Fatalf("messages = %d, want system, context, user", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[1].Role != llm.RoleSystem {
		t.Fatalf("roles = %s, %s, want two leading system messages", msgs[0].Role, msgs[1].Role)
	}
	block := msgs[1].Content
	if !strings.HasPrefix(block, "Retrieved context:") {
		t.Errorf("context block = %q, want Retrieved context: prefix", block)
	}
	if !strings.Contains(block, "[guide.md] alpha beta") || !strings.Contains(block, "[chunk 12] gamma") {
		t.Errorf("context block missing snippets: %q", block)
	}
	if msgs[len(msgs)-1].Content != "what is alpha?" {
		t.Errorf("last message = %q, want the user message", msgs[len(msgs)-1].Content)
	}
}

func TestStreamRetrievalFailureStopsBeforeEvents(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "never"}}}
	retriever := &fakeRetriever{err: authz.ErrForbidden}
	svc, store := newRetrieverService(t, model, &fakeToolset{}, &fakeGuard{}, retriever)

	err := svc.Stream(t.Context(), StreamRequest{
		Principal:  authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:    "hello",
		ModelKeyID: 42,
		Retrieval:  &RetrievalRequest{},
	}, func(Event) error { return nil })

	if !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("Stream() error = %v, want ErrForbidden", err)
	}
	if got := len(store.turnsByKind(transcript.KindUser)); got != 0 {
		t.Errorf("user turns persisted = %d, want 0", got)
	}
}

func TestStreamRetrievalUnavailable(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "hi"}}}
	svc, _ := newTestService(t, model, &fakeToolset{}, &fakeGuard{})

	err := svc.Stream(t.Context(), StreamRequest{
		Principal:  authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:    "hello",
		ModelKeyID: 42,
		Retrieval:  &RetrievalRequest{},
	}, func(Event) error { return nil })

	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Errorf("Stream() error = %v, want ErrRetrievalUnavailable", err)
	}
}

func TestStreamSystemPromptOverride(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "ok"}}}
	svc, _ := newTestService(t, model, &fakeToolset{}, &fakeGuard{})

	collectEvents(t, svc, StreamRequest{
		Principal:    authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:      "hello",
		ModelKeyID:   42,
		SystemPrompt: "Answer in exactly one word.",
	})

	msgs := model.firstRequest(t).Messages
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != "Answer in exactly one word." {
		t.Errorf("system message = %+v, want the override", msgs[0])
	}
}

// panicModel blows up mid-generation.
type panicModel struct{}

func (panicModel) Generate(context.Context, llm.Request, llm.StreamFunc) (*llm.Response, error) {
	panic("scripted explosion")
}

func TestStreamRecoversModelPanic(t *testing.T) {
	svc, _ := newTestService(t, panicModel{}, &fakeToolset{}, &fakeGuard{})

	events := collectEvents(t, svc, StreamRequest{
		Principal:  authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:    "hello",
		ModelKeyID: 42,
	})

	if len(events) == 0 || events[len(events)-1].Name != EventError {
		t.Fatalf("events = %+v, want terminal error event", events)
	}
	p := events[len(events)-1].Payload.(ErrorPayload)
	if !strings.Contains(p.Message, "scripted explosion") {
		t.Errorf("error message = %q", p.Message)
	}
	if p.Traceback == "" {
		t.Error("error event has no traceback")
	}
}

func TestInvoke(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "direct reply"}}}
	svc, _ := newTestService(t, model, &fakeToolset{}, &fakeGuard{})

	result, err := svc.Invoke(t.Context(), StreamRequest{
		Principal:  authz.Principal{UserID: 7, Role: authz.RoleUser},
		Message:    "hello",
		ModelKeyID: 42,
	})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if result.Content != "direct reply" {
		t.Errorf("Invoke content = %q", result.Content)
	}
	if result.ConversationID == 0 || result.MessageID == 0 {
		t.Errorf("Invoke ids = %+v, want assigned", result)
	}
}
