package chat

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/transcript"
)

func TestBuildMessagesOrdering(t *testing.T) {
	t.Parallel()

	turns := []transcript.Turn{
		{Kind: transcript.KindUser, Content: "what is 2+2"},
		{Kind: transcript.KindToolStart, ToolName: "calc", ToolCallID: "call_1",
			ToolInput: json.RawMessage(`{"expr":"2+2"}`)},
		{Kind: transcript.KindToolEnd, ToolName: "calc", ToolCallID: "call_1",
			ToolOutput: json.RawMessage(`"4"`)},
		{Kind: transcript.KindAssistant, Content: "The answer is 4."},
	}

	msgs := BuildMessages(turns, SystemPromptBase)
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}

	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != SystemPromptBase {
		t.Errorf("msgs[0] = %+v, want system prompt", msgs[0])
	}
	if msgs[1].Role != llm.RoleUser {
		t.Errorf("msgs[1].Role = %v, want user", msgs[1].Role)
	}

	// The tool input row becomes an assistant message carrying the call.
	if msgs[2].Role != llm.RoleAssistant || len(msgs[2].ToolCalls) != 1 {
		t.Fatalf("msgs[2] = %+v, want assistant with one tool call", msgs[2])
	}
	if msgs[2].ToolCalls[0].ID != "call_1" || msgs[2].ToolCalls[0].Name != "calc" {
		t.Errorf("tool call = %+v", msgs[2].ToolCalls[0])
	}

	// The tool output row becomes the matching tool result.
	if msgs[3].Role != llm.RoleTool || msgs[3].ToolCallID != "call_1" || msgs[3].Content != "4" {
		t.Errorf("msgs[3] = %+v, want tool result for call_1", msgs[3])
	}

	if msgs[4].Role != llm.RoleAssistant || msgs[4].Content != "The answer is 4." {
		t.Errorf("msgs[4] = %+v", msgs[4])
	}
}

func TestBuildMessagesSkipsEmptyAndPartialTurns(t *testing.T) {
	t.Parallel()

	turns := []transcript.Turn{
		{Kind: transcript.KindUser, Content: ""},
		{Kind: transcript.KindAssistant, Content: ""},
		// Tool rows without a call ID cannot be reattached: dropped.
		{Kind: transcript.KindToolStart, ToolName: "calc",
			ToolInput: json.RawMessage(`{"expr":"1"}`)},
		{Kind: transcript.KindToolEnd, ToolName: "calc",
			ToolOutput: json.RawMessage(`"1"`)},
		{Kind: transcript.KindUser, Content: "hello"},
	}

	msgs := BuildMessages(turns, "")
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("got %d messages (%+v), want only the non-empty user turn", len(msgs), msgs)
	}
}

func TestBuildMessagesIdempotent(t *testing.T) {
	t.Parallel()

	turns := []transcript.Turn{
		{Kind: transcript.KindUser, Content: "hi"},
		{Kind: transcript.KindAssistant, Content: "hello"},
	}

	first := BuildMessages(turns, SystemPromptBase)
	second := BuildMessages(turns, SystemPromptBase)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("builds differ:\n%+v\n%+v", first, second)
	}
}

func TestBuildMessagesTruncatesToolContent(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("가", maxPayloadRunes+1000)
	turns := []transcript.Turn{
		{Kind: transcript.KindToolEnd, ToolName: "fetch", ToolCallID: "call_1", Content: long},
	}

	msgs := BuildMessages(turns, "")
	if len(msgs) != 1 || msgs[0].Role != llm.RoleTool {
		t.Fatalf("msgs = %+v, want one tool result", msgs)
	}
	runes := []rune(msgs[0].Content)
	if len(runes) != maxPayloadRunes+1 {
		t.Errorf("content length = %d runes, want %d", len(runes), maxPayloadRunes+1)
	}
	if runes[len(runes)-1] != '…' {
		t.Error("truncated content does not end with ellipsis")
	}
}

func TestBuildMessagesToolErrorBecomesResult(t *testing.T) {
	t.Parallel()

	turns := []transcript.Turn{
		{Kind: transcript.KindToolStart, ToolName: "fetch", ToolCallID: "call_1",
			ToolInput: json.RawMessage(`{}`)},
		{Kind: transcript.KindToolEnd, ToolName: "fetch", ToolCallID: "call_1",
			Error: "backend down"},
	}

	msgs := BuildMessages(turns, "")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want call and result", len(msgs))
	}
	if msgs[1].Role != llm.RoleTool || msgs[1].Content != "error: backend down" {
		t.Errorf("msgs[1] = %+v, want the recorded error as the result", msgs[1])
	}
}

func TestSerializePayloadTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("가", maxPayloadRunes+500)
	raw, _ := json.Marshal(long)

	got := serializePayload(raw)
	runes := []rune(got)
	if len(runes) != maxPayloadRunes+1 {
		t.Errorf("truncated length = %d runes, want %d", len(runes), maxPayloadRunes+1)
	}
	if runes[len(runes)-1] != '…' {
		t.Errorf("truncated payload does not end with ellipsis")
	}

	short := serializePayload(json.RawMessage(`"ok"`))
	if short != "ok" {
		t.Errorf("serializePayload(%q) = %q, want unwrapped string", `"ok"`, short)
	}

	obj := serializePayload(json.RawMessage(`{"hits":[1,2]}`))
	if obj != `{"hits":[1,2]}` {
		t.Errorf("serializePayload object = %q, want verbatim JSON", obj)
	}
}
