package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/poll"
)

// newTestReplicate returns a handle and the fake server's URL, which the
// handler needs to build absolute polling URLs.
func newTestReplicate(t *testing.T, handler func(base string) http.HandlerFunc, models ...string) *Replicate {
	t.Helper()
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(srvURL)(w, r)
	}))
	srvURL = srv.URL
	t.Cleanup(srv.Close)
	return NewReplicate(Settings{ID: "replicate", BaseURL: srv.URL, Models: models}, Deps{
		Credentials: staticCreds(map[string]string{"replicate": "r8_test"}),
		Polling:     poll.Options{Interval: time.Millisecond, Timeout: 5 * time.Second},
	})
}

func TestReplicate_GenerateImagePolls(t *testing.T) {
	var polls atomic.Int32
	r := newTestReplicate(t, func(base string) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			assert.Equal(t, "Bearer r8_test", req.Header.Get("Authorization"))
			switch req.URL.Path {
			case "/models/black-forest-labs/flux-schnell/predictions":
				body := decodeBody(t, req)
				assert.Equal(t, map[string]any{
					"prompt": "a lighthouse", "num_outputs": float64(2),
					"width": float64(512), "height": float64(768), "go_fast": true,
				}, body["input"])
				io.WriteString(w, `{"id":"p1","status":"starting","urls":{"get":"`+base+`/predictions/p1"}}`)

			case "/predictions/p1":
				if polls.Add(1) == 1 {
					io.WriteString(w, `{"id":"p1","status":"processing"}`)
					return
				}
				io.WriteString(w, `{"id":"p1","status":"succeeded","output":["https://replicate.delivery/a.webp","https://replicate.delivery/b.jpg?x=1"]}`)

			default:
				t.Errorf("unexpected %s", req.URL.Path)
			}
		}
	})

	resp, err := r.GenerateImage(context.Background(), &ImageRequest{
		Model:   "black-forest-labs/flux-schnell",
		Prompt:  "a lighthouse",
		N:       2,
		Size:    "512x768",
		Options: map[string]any{"go_fast": true},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), polls.Load())
	assert.Equal(t, []Media{
		{URL: "https://replicate.delivery/a.webp", MediaType: "image/webp"},
		{URL: "https://replicate.delivery/b.jpg?x=1", MediaType: "image/jpeg"},
	}, resp.Media)
}

func TestReplicate_VersionedModel(t *testing.T) {
	r := newTestReplicate(t, func(string) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			assert.Equal(t, "/predictions", req.URL.Path)
			assert.Equal(t, "5c7d5dc6", decodeBody(t, req)["version"])
			// Finished on create: no polling.
			io.WriteString(w, `{"id":"p2","status":"succeeded","output":"https://replicate.delivery/clip.mp4"}`)
		}
	})

	resp, err := r.GenerateVideo(context.Background(), &VideoRequest{Model: "acme/video:5c7d5dc6", Prompt: "waves"})
	require.NoError(t, err)
	assert.Equal(t, []Media{{URL: "https://replicate.delivery/clip.mp4", MediaType: "video/mp4"}}, resp.Media)
}

func TestReplicate_PredictionFailed(t *testing.T) {
	r := newTestReplicate(t, func(base string) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			if req.Method == http.MethodPost {
				io.WriteString(w, `{"id":"p3","status":"starting","urls":{"get":"`+base+`/predictions/p3"}}`)
				return
			}
			io.WriteString(w, `{"id":"p3","status":"failed","error":"NSFW content detected"}`)
		}
	})

	_, err := r.GenerateImage(context.Background(), &ImageRequest{Model: "a/b", Prompt: "x"})
	require.ErrorIs(t, err, gwerr.ErrUpstreamHTTP)

	var gwErr *gwerr.Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "image", gwErr.Op)
	assert.Contains(t, gwErr.Message, "NSFW content detected")
}

func TestReplicate_PollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, `{"id":"p4","status":"processing"}`)
	}))
	defer srv.Close()

	r := NewReplicate(Settings{ID: "replicate", BaseURL: srv.URL}, Deps{
		Credentials: staticCreds(map[string]string{"replicate": "k"}),
		Polling:     poll.Options{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond},
	})
	_, err := r.GenerateVideo(context.Background(), &VideoRequest{Model: "a/b", Prompt: "x"})
	assert.ErrorIs(t, err, gwerr.ErrPollingTimeout)
}

func TestReplicate_ListModels(t *testing.T) {
	handler := func(string) http.HandlerFunc {
		return func(http.ResponseWriter, *http.Request) { t.Error("no request expected") }
	}

	bare := newTestReplicate(t, handler)
	assert.False(t, bare.Capabilities().Has(CapListModels))
	_, err := bare.ListModels(context.Background())
	assert.ErrorIs(t, err, gwerr.ErrOperationNotSupported)

	listed := newTestReplicate(t, handler, "black-forest-labs/flux-schnell")
	models, err := listed.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ModelSummary{{Provider: "replicate", ID: "black-forest-labs/flux-schnell"}}, models)
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "image/png", mediaType("https://x/y/out.PNG", "image/"))
	assert.Equal(t, "", mediaType("https://x.example/y/output", "image/"))
	assert.Equal(t, "video/mp4", mediaType("https://x/a.mp4?sig=abc", "video/"))
}
