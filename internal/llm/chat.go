package llm

import (
	"context"
	"encoding/json"

	"github.com/gasable/hub/pkg/models"
)

// Chatter calls the chat completions endpoint, optionally offering tools.
type Chatter struct {
	client *Client
}

// NewChatter builds a chat client on top of the shared transport.
func NewChatter(client *Client) *Chatter {
	return &Chatter{client: client}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
}

type wireMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat sends messages to model. Tool calls come back parsed; malformed
// argument payloads become empty arg maps rather than errors so the caller
// can surface the failure as a tool result.
func (c *Chatter) Chat(ctx context.Context, model string, messages []models.ChatMessage, tools []models.ToolDef) (*models.ChatResponse, error) {
	req := chatRequest{Model: model, Temperature: 0}
	for _, m := range messages {
		req.Messages = append(req.Messages, wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		})
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	var resp chatResponse
	if err := c.client.postJSON(ctx, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return &models.ChatResponse{}, nil
	}
	msg := resp.Choices[0].Message
	out := &models.ChatResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out, nil
}
