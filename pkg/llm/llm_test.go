package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAIToolReply = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "kimi-k2-0711-preview",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "",
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "wait", "arguments": "{\"durationMs\":500}"}
      }, {
        "id": "call_2",
        "type": "function",
        "function": {"name": "look", "arguments": "not json"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
}`

func testRequest() Request {
	temperature := 0.7
	return Request{
		Model:        "kimi-k2-0711-preview",
		SystemPrompt: "## Identity\nYou are the elder.",
		Messages: []Message{
			{Role: RoleUser, Content: "You have a moment to yourself. What do you do?"},
			{
				Role:        RoleAssistant,
				ToolCalls:   []ToolCall{{ID: "call_0", Name: "look", Input: map[string]interface{}{}}},
				ToolResults: []ToolResult{{ToolCallID: "call_0", Content: "It is quiet here."}},
			},
		},
		Tools: []Tool{{
			Name:        "wait",
			Description: "Pause",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"durationMs": map[string]interface{}{"type": "number"}},
			},
		}},
		MaxTokens:   1024,
		Temperature: &temperature,
	}
}

func TestOpenAIClientComplete(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, openAIToolReply)
	}))
	defer srv.Close()

	client := NewOpenAIClient(Config{APIKey: "sk-test-key", BaseURL: srv.URL})
	assert.Equal(t, ProviderOpenAI, client.Provider())

	resp, err := client.Complete(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 3}, resp.Usage)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "wait", resp.ToolCalls[0].Name)
	assert.Equal(t, float64(500), resp.ToolCalls[0].Input["durationMs"])
	assert.Empty(t, resp.ToolCalls[1].Input)
	assert.NotNil(t, resp.ToolCalls[1].Input)

	assert.Equal(t, "kimi-k2-0711-preview", body["model"])
	messages := body["messages"].([]interface{})
	var roles []string
	for _, m := range messages {
		roles = append(roles, m.(map[string]interface{})["role"].(string))
	}
	assert.Equal(t, []string{"system", "user", "assistant", "tool"}, roles)
	assert.Equal(t, "call_0", messages[3].(map[string]interface{})["tool_call_id"])
	assert.Len(t, body["tools"], 1)
}

func TestOpenAIClientTemperature(t *testing.T) {
	var bodies []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		assert.NoError(t, json.Unmarshal(data, &body))
		bodies = append(bodies, body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, openAIToolReply)
	}))
	defer srv.Close()

	client := NewOpenAIClient(Config{APIKey: "sk-test-key", BaseURL: srv.URL})

	zero := 0.0
	req := testRequest()
	req.Temperature = &zero
	_, err := client.Complete(context.Background(), req)
	require.NoError(t, err)

	req.Temperature = nil
	_, err = client.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	temp, ok := bodies[0]["temperature"]
	require.True(t, ok)
	assert.Equal(t, float64(0), temp)
	_, ok = bodies[1]["temperature"]
	assert.False(t, ok)
}

func TestOpenAIClientClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusTooManyRequests, KindRateLimit},
		{http.StatusGatewayTimeout, KindTimeout},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error":{"message":"upstream said no","type":"error"}}`)
			}))
			defer srv.Close()

			client := NewOpenAIClient(Config{APIKey: "sk-test-key", BaseURL: srv.URL})
			_, err := client.Complete(context.Background(), testRequest())
			require.Error(t, err)

			var le *Error
			require.True(t, errors.As(err, &le))
			assert.Equal(t, tt.want, le.Kind)
			assert.Equal(t, ProviderOpenAI, le.Provider)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestOpenAIClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewOpenAIClient(Config{APIKey: "sk-test-key", BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, testRequest())
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestAnthropicClientComplete(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
  "id": "msg_1",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [
    {"type": "text", "text": "Let me wait."},
    {"type": "tool_use", "id": "tu_1", "name": "wait", "input": {"durationMs": 500}}
  ],
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 20, "output_tokens": 7}
}`)
	}))
	defer srv.Close()

	client := NewAnthropicClient(Config{APIKey: "sk-ant-test", BaseURL: srv.URL})
	assert.Equal(t, ProviderAnthropic, client.Provider())

	resp, err := client.Complete(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "Let me wait.", resp.Text)
	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, Usage{InputTokens: 20, OutputTokens: 7}, resp.Usage)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, float64(500), resp.ToolCalls[0].Input["durationMs"])

	messages := body["messages"].([]interface{})
	require.Len(t, messages, 3)
	assert.Equal(t, "assistant", messages[1].(map[string]interface{})["role"])
	last := messages[2].(map[string]interface{})
	assert.Equal(t, "user", last["role"])
	block := last["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "call_0", block["tool_use_id"])
	assert.NotEmpty(t, body["system"])
}

func TestClassifyMessages(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{errors.New("401 Unauthorized"), KindAuth},
		{errors.New("Incorrect API key provided"), KindAuth},
		{errors.New("429 Too Many Requests"), KindRateLimit},
		{errors.New("rate limited"), KindRateLimit},
		{errors.New("maximum context length exceeded"), KindContextOverflow},
		{errors.New("too many tokens"), KindContextOverflow},
		{errors.New("dial tcp: i/o timeout"), KindTimeout},
		{errors.New("connect ETIMEDOUT"), KindTimeout},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{context.Canceled, KindOther},
		{errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindRateLimit, KindOf(&Error{Kind: KindRateLimit, Provider: "x", Err: errors.New("boom")}))
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{Provider: ProviderOpenAI})
	assert.Error(t, err)

	c, err := NewClient(Config{Provider: ProviderOpenAI, APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, c.Provider())

	c, err = NewClient(Config{Provider: ProviderAnthropic, APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, c.Provider())

	_, err = NewClient(Config{Provider: "gemini", APIKey: "k"})
	assert.Error(t, err)
}

func TestDecodeArguments(t *testing.T) {
	assert.Equal(t, map[string]interface{}{}, decodeArguments(nil))
	assert.Equal(t, map[string]interface{}{}, decodeArguments([]byte("null")))
	assert.Equal(t, map[string]interface{}{}, decodeArguments([]byte("[1,2]")))
	assert.Equal(t, map[string]interface{}{"a": "b"}, decodeArguments([]byte(`{"a":"b"}`)))
}
