package backend

import (
	"encoding/json"
	"fmt"
)

// wireNaming captures the small field-name differences between the
// bearer-style and OpenAI-style chat wire formats.
type wireNaming struct {
	// MaxTokens is the body key for the new-token cap.
	MaxTokens string
	// SingleStop sends stop[0] as a plain string instead of an array.
	SingleStop bool
}

var (
	bearerNaming = wireNaming{MaxTokens: "max_new_tokens", SingleStop: true}
	openAINaming = wireNaming{MaxTokens: "max_tokens"}
)

// chatBody maps the common request shape onto a chat-completions JSON
// body. filterSystem drops system messages for wire variants that do
// not accept them.
func chatBody(model string, msgs []Message, p RequestParam, filterSystem bool, naming wireNaming) map[string]any {
	wireMsgs := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		if filterSystem && m.Role == RoleSystem {
			continue
		}
		wireMsgs = append(wireMsgs, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}

	body := map[string]any{
		"model":    model,
		"messages": wireMsgs,
		"stream":   p.Stream,
	}

	if p.Temperature != nil {
		body["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		body["top_p"] = *p.TopP
	}
	if p.RepetitionPenalty != nil {
		body["repetition_penalty"] = *p.RepetitionPenalty
	}
	if p.N > 0 {
		body["n"] = p.N
	}
	if len(p.Stop) > 0 {
		if naming.SingleStop {
			body["stop"] = p.Stop[0]
		} else {
			body["stop"] = p.Stop
		}
	}
	if p.MaxNewTokens > 0 {
		body[naming.MaxTokens] = p.MaxNewTokens
	}
	if len(p.Tools) > 0 {
		body["tools"] = p.Tools
		if p.ToolChoice != "" {
			body["tool_choice"] = p.ToolChoice
		}
	}
	if len(p.KnowledgeBases) > 0 {
		body["knowledge_bases"] = p.KnowledgeBases
	}

	return body
}

// wireChunk is one structured frame of a streamed chat response, and
// also the top-level shape of a non-streaming response body.
type wireChunk struct {
	ID      string       `json:"id"`
	Created int64        `json:"created"`
	Error   *wireError   `json:"error,omitempty"`
	Choices []wireChoice `json:"choices"`
}

type wireError struct {
	Code    int    `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	Delta        *wireMessage `json:"delta,omitempty"`
	Message      *wireMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// mapFinishReason normalizes the terminal reasons the wire variants
// report into the common vocabulary.
func mapFinishReason(reason string) FinishReason {
	switch reason {
	case "stop", "end_turn":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	case "content_filter", "sensitive":
		return FinishSensitive
	case "context":
		return FinishContext
	case "tool_calls", "function_call":
		return FinishToolCalls
	default:
		return FinishReason(reason)
	}
}

// chatFrame parses one streamed chat frame and emits, per candidate, a
// finish event when a terminal reason is present and a data event
// otherwise. The json.Unmarshal error is returned unwrapped so the
// decoder can recognize chunk splits.
func chatFrame(payload []byte, emit Handler) error {
	var chunk wireChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return err
	}

	if chunk.Error != nil {
		if chunk.Error.Code == 401 || chunk.Error.Type == "authentication_error" {
			return fmt.Errorf("%s: %w", chunk.Error.Message, ErrAuthExpired)
		}
		return &StatusError{Code: chunk.Error.Code, Message: chunk.Error.Message}
	}

	for _, c := range chunk.Choices {
		msg := c.Delta
		if msg == nil {
			msg = c.Message
		}

		choice := Choice{Index: c.Index}
		if msg != nil {
			choice.Message = &Message{Role: Role(msg.Role), Content: msg.Content}
			if choice.Message.Role == "" {
				choice.Message.Role = RoleAssistant
			}
		}

		if c.FinishReason != "" && c.FinishReason != "null" {
			choice.FinishReason = mapFinishReason(c.FinishReason)
			emit(ResponseEvent{Kind: EventFinish, Choice: &choice})
			continue
		}
		if msg != nil && msg.Content != "" {
			emit(ResponseEvent{Kind: EventData, Choice: &choice})
		}
	}

	return nil
}

// chatResponse parses a complete non-streaming chat response body. The
// per-candidate shape matches the streamed finish events.
func chatResponse(body []byte) ([]Choice, error) {
	var resp wireChunk
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, &StatusError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	choices := make([]Choice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		msg := c.Message
		if msg == nil {
			msg = c.Delta
		}

		choice := Choice{Index: c.Index, FinishReason: mapFinishReason(c.FinishReason)}
		if msg != nil {
			role := Role(msg.Role)
			if role == "" {
				role = RoleAssistant
			}
			choice.Message = &Message{Role: role, Content: msg.Content}
		}
		choices = append(choices, choice)
	}

	return choices, nil
}
