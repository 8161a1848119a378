package workflow

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/BaSui01/workdeck/llm"
	"github.com/BaSui01/workdeck/types"
)

// mockProvider scripts backend behavior per test via completionFn/streamFn
// and records every request it sees.
type mockProvider struct {
	mu           sync.Mutex
	completionFn func(call int, req *llm.ChatRequest) (*llm.ChatResponse, error)
	streamFn     func(req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
	native       bool
	requests     []*llm.ChatRequest
}

func (m *mockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "cancelled").WithCause(err)
	}
	m.mu.Lock()
	call := len(m.requests)
	m.requests = append(m.requests, req)
	fn := m.completionFn
	m.mu.Unlock()
	return fn(call, req)
}

func (m *mockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if m.streamFn != nil {
		return m.streamFn(req)
	}
	return streamOf("done"), nil
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) SupportsNativeFunctionCalling() bool { return m.native }

func (m *mockProvider) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "mock-model",
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      types.NewAssistantMessage(content),
		}},
		Usage: llm.ChatUsage{TotalTokens: 10},
	}
}

func toolCallResponse(name, args string) *llm.ChatResponse {
	msg := types.NewAssistantMessage("")
	msg.ToolCalls = []types.ToolCall{{
		ID:        "call_mock_1",
		Name:      name,
		Arguments: json.RawMessage(args),
	}}
	return &llm.ChatResponse{
		Model: "mock-model",
		Choices: []llm.ChatChoice{{
			FinishReason: "tool_calls",
			Message:      msg,
		}},
		Usage: llm.ChatUsage{TotalTokens: 10},
	}
}

func streamOf(chunks ...string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- llm.StreamChunk{Delta: types.Message{Role: types.RoleAssistant, Content: c}}
	}
	close(ch)
	return ch
}

// lastUserContent returns the content of the final user message in a request.
func lastUserContent(req *llm.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == types.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

// systemContent returns the first system message content in a request.
func systemContent(req *llm.ChatRequest) string {
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			return m.Content
		}
	}
	return ""
}
