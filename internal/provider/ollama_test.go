package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
)

func newTestOllama(t *testing.T, handler http.HandlerFunc) *Ollama {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	// No credential: a local server needs none.
	return NewOllama(Settings{ID: "ollama", BaseURL: srv.URL}, Deps{})
}

func TestOllama_ChatCompletion(t *testing.T) {
	o := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		body := decodeBody(t, r)
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, map[string]any{"num_predict": float64(50)}, body["options"])

		io.WriteString(w, `{"model":"llama3.2","message":{"role":"assistant","content":"",
			"tool_calls":[{"function":{"name":"add","arguments":{"a":1,"b":2}}}]},
			"done":true,"done_reason":"stop","prompt_eval_count":20,"eval_count":9}`)
	})

	resp, err := o.ChatCompletion(context.Background(), &ChatRequest{
		Model:     "llama3.2",
		MaxTokens: 50,
		Messages:  []Message{{Role: "user", Content: "1+2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []canonical.ToolCall{{ID: "call_add_0", Name: "add", Arguments: `{"a":1,"b":2}`}}, resp.ToolCalls)
	assert.Equal(t, canonical.Usage{PromptTokens: 20, CompletionTokens: 9, TotalTokens: 29}, resp.Usage)
}

func TestOllama_ChatCompletionStream(t *testing.T) {
	o := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, true, decodeBody(t, r)["stream"])
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"model":"llama3.2","message":{"role":"assistant","content":"The"},"done":false}
{"model":"llama3.2","message":{"role":"assistant","content":" sum"},"done":false}

{"model":"llama3.2","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"add","arguments":{"a":1}}}]},"done":false}
{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":4,"eval_count":6}
`)
	})

	s, err := o.ChatCompletionStream(context.Background(), &ChatRequest{Model: "llama3.2"})
	require.NoError(t, err)

	res, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, "The sum", res.Text)
	assert.Equal(t, []canonical.ToolCall{{ID: "call_add_0", Name: "add", Arguments: `{"a":1}`}}, res.ToolCalls)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, &canonical.Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10}, res.Usage)
}

func TestOllama_StreamErrorLine(t *testing.T) {
	o := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":{"content":"Hi"},"done":false}
{"error":"model runner has unexpectedly stopped"}
`)
	})

	s, err := o.ChatCompletionStream(context.Background(), &ChatRequest{Model: "llama3.2"})
	require.NoError(t, err)

	res, err := s.Collect()
	require.ErrorIs(t, err, gwerr.ErrUpstreamHTTP)
	assert.Contains(t, err.Error(), "unexpectedly stopped")
	assert.Equal(t, "Hi", res.Text)
}

func TestOllama_BearerWhenConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hosted-key", r.Header.Get("Authorization"))
		io.WriteString(w, `{"models":[]}`)
	}))
	defer srv.Close()

	o := NewOllama(Settings{ID: "ollama-cloud", BaseURL: srv.URL}, Deps{
		Credentials: staticCreds(map[string]string{"ollama-cloud": "hosted-key"}),
	})
	models, err := o.ListModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestOllama_ListModels(t *testing.T) {
	o := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		io.WriteString(w, `{"models":[{"name":"llama3.2:latest","modified_at":"2025-05-04T17:37:44.706015396-07:00"}]}`)
	})

	models, err := o.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3.2:latest", models[0].ID)
	assert.Equal(t, "ollama", models[0].Provider)
	assert.NotZero(t, models[0].Created)
}
