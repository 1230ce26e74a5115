package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/poll"
)

func newTestGoogle(t *testing.T, handler http.HandlerFunc) *Google {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGoogle(Settings{ID: "google", BaseURL: srv.URL}, Deps{
		Credentials: staticCreds(map[string]string{"google": "AIza-test"}),
		Polling:     poll.Options{Interval: time.Millisecond, MaxAttempts: 5},
	})
}

func TestGoogle_ChatCompletion(t *testing.T) {
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "AIza-test", r.URL.Query().Get("key"))

		body := decodeBody(t, r)
		assert.Contains(t, body, "systemInstruction")
		assert.Equal(t, map[string]any{"maxOutputTokens": float64(64)}, body["generationConfig"])

		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[
			{"text":"Sure. "},
			{"functionCall":{"name":"get_weather","args":{"city":"Lima"}}}
		]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":5,"totalTokenCount":13},
		"modelVersion":"gemini-2.5-flash-001","responseId":"r1"}`)
	})

	resp, err := g.ChatCompletion(context.Background(), &ChatRequest{
		Model:     "gemini-2.5-flash",
		MaxTokens: 64,
		Messages: []Message{
			{Role: "system", Content: "Be helpful."},
			{Role: "user", Content: "Weather in Lima?"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Sure. ", resp.Content)
	assert.Equal(t, "gemini-2.5-flash-001", resp.Model)
	assert.Equal(t, []canonical.ToolCall{{ID: "get_weather_1", Name: "get_weather", Arguments: `{"city":"Lima"}`}}, resp.ToolCalls)
	assert.Equal(t, canonical.Usage{PromptTokens: 8, CompletionTokens: 5, TotalTokens: 13}, resp.Usage)
}

func TestToGeminiRequest_ToolRoundTrip(t *testing.T) {
	gr := toGeminiRequest(&ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "Weather?"},
			{Role: "assistant", ToolCalls: []canonical.ToolCall{{ID: "c1", Name: "get_weather", Arguments: `{"city":"Lima"}`}}},
			{Role: "tool", ToolCallID: "c1", Content: "sunny"},
		},
	})

	require.Len(t, gr.Contents, 3)
	assert.Equal(t, "model", gr.Contents[1].Role)

	fr := gr.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "get_weather", fr.Name, "name is recovered from the call id")
	assert.JSONEq(t, `{"result":"sunny"}`, string(fr.Response))
	assert.Nil(t, gr.GenerationConfig)
}

func TestGoogle_ChatCompletionStream(t *testing.T) {
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-pro:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "AIza-test", r.URL.Query().Get("key"))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"Checking "}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"both."},{"functionCall":{"name":"get_weather","args":{"city":"Lima"}}}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_time"}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":6,"totalTokenCount":16}}`,
		} {
			fmt.Fprintf(w, "data: %s\r\n\r\n", p)
		}
	})

	s, err := g.ChatCompletionStream(context.Background(), &ChatRequest{Model: "gemini-2.5-pro"})
	require.NoError(t, err)

	var events []canonical.Event
	for ev := range s.Events() {
		events = append(events, ev)
	}

	var got []canonical.Kind
	for _, ev := range events {
		got = append(got, ev.Kind())
	}
	assert.Equal(t, []canonical.Kind{
		canonical.KindTextDelta,
		canonical.KindTextDelta,
		canonical.KindToolCallDelta,
		canonical.KindToolCallComplete,
		canonical.KindToolCallDelta,
		canonical.KindToolCallComplete,
		canonical.KindUsage,
		canonical.KindCompleted,
	}, got)

	first := events[3].(canonical.ToolCallComplete)
	assert.Equal(t, "get_weather_0", first.CallID)
	assert.Equal(t, `{"city":"Lima"}`, first.Arguments)
	second := events[5].(canonical.ToolCallComplete)
	assert.Equal(t, "get_time_1", second.CallID)
	assert.Equal(t, "{}", second.Arguments)
	assert.Equal(t, "STOP", events[7].(canonical.Completed).FinishReason)
}

func TestGoogle_ListModels(t *testing.T) {
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"models":[{"name":"models/gemini-2.5-pro"},{"name":"models/veo-3.0-generate-001"}]}`)
	})

	models, err := g.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gemini-2.5-pro", models[0].ID)
	assert.Equal(t, "veo-3.0-generate-001", models[1].ID)
}

func TestGoogle_GenerateVideoPollsOperation(t *testing.T) {
	var polls atomic.Int32
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			assert.Equal(t, "/models/veo-3.0-generate-001:predictLongRunning", r.URL.Path)
			body := decodeBody(t, r)
			assert.Equal(t, map[string]any{"aspectRatio": "16:9", "durationSeconds": float64(8)}, body["parameters"])
			io.WriteString(w, `{"name":"models/veo-3.0-generate-001/operations/op1"}`)

		case r.URL.Path == "/models/veo-3.0-generate-001/operations/op1":
			if polls.Add(1) < 3 {
				io.WriteString(w, `{"name":"models/veo-3.0-generate-001/operations/op1","done":false}`)
				return
			}
			io.WriteString(w, `{"name":"models/veo-3.0-generate-001/operations/op1","done":true,
				"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"https://files.example/v1.mp4"}}]}}}`)

		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	resp, err := g.GenerateVideo(context.Background(), &VideoRequest{
		Model:           "veo-3.0-generate-001",
		Prompt:          "a timelapse of clouds",
		DurationSeconds: 8,
		AspectRatio:     "16:9",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), polls.Load())
	assert.Equal(t, "models/veo-3.0-generate-001/operations/op1", resp.ID)
	assert.Equal(t, []Media{{URL: "https://files.example/v1.mp4", MediaType: "video/mp4"}}, resp.Media)
}

func TestGoogle_GenerateVideoOperationError(t *testing.T) {
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"name":"operations/op2","done":true,"error":{"code":3,"message":"prompt rejected"}}`)
	})

	_, err := g.GenerateVideo(context.Background(), &VideoRequest{Model: "veo", Prompt: "x"})
	require.ErrorIs(t, err, gwerr.ErrUpstreamHTTP)
	assert.Contains(t, err.Error(), "prompt rejected")
}

func TestGoogle_GenerateVideoMaxAttempts(t *testing.T) {
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"name":"operations/slow","done":false}`)
	})

	_, err := g.GenerateVideo(context.Background(), &VideoRequest{Model: "veo", Prompt: "x"})
	assert.ErrorIs(t, err, gwerr.ErrPollingMaxAttempts)
}

func TestGoogle_GenerateVideoCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"name":"operations/slow","done":false}`)
	}))
	defer srv.Close()
	g := NewGoogle(Settings{ID: "google", BaseURL: srv.URL}, Deps{
		Credentials: staticCreds(map[string]string{"google": "k"}),
		Polling:     poll.Options{Interval: time.Hour},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.GenerateVideo(ctx, &VideoRequest{Model: "veo", Prompt: "x"})
	assert.ErrorIs(t, err, gwerr.ErrCancelled)
}
