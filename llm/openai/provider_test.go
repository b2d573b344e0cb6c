package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dextrends/ragcore/llm"
)

func newTestProvider(serverURL string) *Provider {
	return New(Config{
		APIKey:       "test-key",
		BaseURL:      serverURL,
		DefaultModel: "gpt-4.1-nano",
	}, nil)
}

func TestCompletionSuccess(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4.1-nano",
			"created": 1735000000,
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "hello there"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		MaxTokens:   100,
		Temperature: 0.7,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "gpt-4.1-nano", gotBody["model"], "default model applied when request omits one")
	assert.Equal(t, "hello there", resp.Text())
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
}

func TestCompletionMultimodalWireFormat(t *testing.T) {
	var gotBody struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"id":"x","model":"m","choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "sys"},
			{Role: llm.RoleUser, Parts: []llm.ContentPart{
				{Type: "text", Text: "what is this"},
				{Type: "image_url", ImageURL: &llm.ImageURL{URL: "data:image/png;base64,abc", Detail: "high"}},
			}},
		},
	})
	require.NoError(t, err)
	require.Len(t, gotBody.Messages, 2)

	// Text-only turn stays a plain string.
	var sysContent string
	require.NoError(t, json.Unmarshal(gotBody.Messages[0].Content, &sysContent))
	assert.Equal(t, "sys", sysContent)

	// Multimodal turn becomes a typed block array.
	var blocks []map[string]any
	require.NoError(t, json.Unmarshal(gotBody.Messages[1].Content, &blocks))
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0]["type"])
	assert.Equal(t, "image_url", blocks[1]["type"])
	img := blocks[1]["image_url"].(map[string]any)
	assert.Equal(t, "data:image/png;base64,abc", img["url"])
	assert.Equal(t, "high", img["detail"])
}

func TestCompletionErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  llm.ErrorCode
		retryable bool
	}{
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      `{"error": {"message": "Rate limit reached", "type": "requests"}}`,
			wantCode:  llm.ErrRateLimited,
			retryable: true,
		},
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"error": {"message": "Invalid API key"}}`,
			wantCode: llm.ErrUnauthorized,
		},
		{
			name:     "quota exhausted",
			status:   http.StatusBadRequest,
			body:     `{"error": {"message": "You exceeded your current quota"}}`,
			wantCode: llm.ErrQuotaExceeded,
		},
		{
			name:      "server error",
			status:    http.StatusInternalServerError,
			body:      `{"error": {"message": "internal"}}`,
			wantCode:  llm.ErrUpstreamError,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			p := newTestProvider(server.URL)
			_, err := p.Completion(context.Background(), &llm.ChatRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			require.Error(t, err)

			var llmErr *llm.Error
			require.ErrorAs(t, err, &llmErr)
			assert.Equal(t, tt.wantCode, llmErr.Code)
			assert.Equal(t, tt.retryable, llmErr.Retryable)
			assert.Equal(t, tt.status, llmErr.HTTPStatus)
		})
	}
}

func TestStreamDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"model\":\"m\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var text string
	var finish string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		text += chunk.Delta
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "stop", finish)
}

func TestStreamErrorStatusReturnedBeforeChannel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "Rate limit reached"}}`)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Nil(t, ch)

	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrRateLimited, llmErr.Code)
}

func TestStreamMalformedJSONEmitsTerminalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: {not json}\n\n")
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "ok", chunks[0].Delta)
	require.NotNil(t, chunks[1].Err)
	assert.Equal(t, llm.ErrUpstreamError, chunks[1].Err.Code)
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		fmt.Fprint(w, `{"data": []}`)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Greater(t, status.Latency, time.Duration(0))
}
