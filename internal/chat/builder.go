package chat

import (
	"encoding/json"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/transcript"
)

// SystemPromptBase is the default system prompt prepended to every
// conversation.
const SystemPromptBase = `당신은 지능적인 어시스턴트입니다.
- 사용자의 질문에 명확하고 간결하게 답변하세요.
- 가능한 경우, 관련된 맥락이나 배경 지식을 활용하세요.
- MCP 서버에서 제공하는 도구와 프롬프트가 있다면 이를 참고하여 답변 품질을 높이세요.
- 필요 시 단계별로 논리적으로 사고 과정을 설명해 주세요.`

// maxPayloadRunes caps serialized tool payloads rebuilt into model context.
const maxPayloadRunes = 4000

// BuildMessages converts a stored transcript into model input.
//
// Tool turns map onto the two messages the model protocol expects: a start
// turn becomes an assistant message carrying the tool call, and an end turn
// becomes the matching tool result (from its output, content, or recorded
// error), both at their original positions. Empty turns are dropped.
func BuildMessages(turns []transcript.Turn, systemPrompt string) []llm.Message {
	var msgs []llm.Message
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}

	for _, t := range turns {
		switch t.Kind {
		case transcript.KindUser:
			if t.Content != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Content})
			}

		case transcript.KindAssistant:
			if t.Content != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
			}

		case transcript.KindToolStart:
			if t.ToolCallID != "" && t.ToolInput != nil {
				msgs = append(msgs, llm.Message{
					Role: llm.RoleAssistant,
					ToolCalls: []llm.ToolCall{{
						ID:        t.ToolCallID,
						Name:      toolName(t),
						Arguments: t.ToolInput,
					}},
				})
			}

		case transcript.KindToolEnd:
			if t.ToolCallID == "" {
				continue
			}
			content := truncateRunes(t.Content, maxPayloadRunes)
			switch {
			case t.ToolOutput != nil:
				content = serializePayload(t.ToolOutput)
			case t.Error != "":
				content = "error: " + truncateRunes(t.Error, maxPayloadRunes)
			}
			if content != "" {
				msgs = append(msgs, llm.Message{
					Role:       llm.RoleTool,
					Content:    content,
					ToolCallID: t.ToolCallID,
					ToolName:   toolName(t),
				})
			}

		case transcript.KindSystem:
			if t.Content != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: t.Content})
			}
		}
	}
	return msgs
}

func toolName(t transcript.Turn) string {
	if t.ToolName == "" {
		return "tool"
	}
	return t.ToolName
}

// serializePayload renders a stored JSONB payload as text for model context.
// JSON strings are unwrapped to their value; everything else passes through
// verbatim. Output is truncated to maxPayloadRunes with an ellipsis.
func serializePayload(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	return truncateRunes(s, maxPayloadRunes)
}

func truncateRunes(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}
