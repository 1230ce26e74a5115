package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/metrics"
)

func TestClient_AuthDecorations(t *testing.T) {
	tests := []struct {
		name  string
		auth  Auth
		check func(t *testing.T, r *http.Request)
	}{
		{"bearer", Bearer, func(t *testing.T, r *http.Request) {
			assert.Equal(t, "Bearer sk-1", r.Header.Get("Authorization"))
		}},
		{"header", Header("x-api-key"), func(t *testing.T, r *http.Request) {
			assert.Equal(t, "sk-1", r.Header.Get("x-api-key"))
			assert.Empty(t, r.Header.Get("Authorization"))
		}},
		{"query", Query("key"), func(t *testing.T, r *http.Request) {
			assert.Equal(t, "sk-1", r.URL.Query().Get("key"))
			assert.Equal(t, "1", r.URL.Query().Get("page"))
		}},
		{"none", Auth{Scheme: AuthNone}, func(t *testing.T, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			assert.Empty(t, r.URL.RawQuery)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.check(t, r)
				assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
				fmt.Fprint(w, `{"ok":true}`)
			}))
			defer srv.Close()

			c := New(Config{
				Provider: "test",
				BaseURL:  srv.URL + "/",
				Auth:     tt.auth,
				Headers:  map[string]string{"anthropic-version": "2023-06-01"},
			})

			path := "/v1/things"
			if tt.auth.Scheme == AuthQuery {
				path += "?page=1"
			}
			var out struct{ OK bool }
			err := c.JSON(context.Background(), http.MethodGet, path, "sk-1", nil, &out)
			if tt.auth.Scheme == AuthNone {
				// AuthNone ignores the credential even when one is passed.
				err = c.JSON(context.Background(), http.MethodGet, path, "", nil, &out)
			}
			require.NoError(t, err)
			assert.True(t, out.OK)
		})
	}
}

// TestClient_ConcurrentCredentials checks that credentials passed to
// concurrent calls on one shared client never leak between them.
func TestClient_ConcurrentCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Echo the credential back so the caller can check it got its own.
		time.Sleep(time.Millisecond)
		fmt.Fprintf(w, `{"auth":%q}`, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	c := New(Config{Provider: "test", BaseURL: srv.URL, Auth: Bearer})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			var out struct{ Auth string }
			if err := c.JSON(context.Background(), http.MethodPost, "/echo", key, map[string]int{"i": i}, &out); err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			if out.Auth != "Bearer "+key {
				t.Errorf("call %d saw %q", i, out.Auth)
			}
		}()
	}
	wg.Wait()
}

func TestClient_UpstreamHTTPError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"openai envelope", 429, `{"error":{"message":"Rate limit reached","type":"requests"}}`, "Rate limit reached"},
		{"flat message", 400, `{"message":"invalid model"}`, "invalid model"},
		{"string error", 401, `{"error":"unauthorized"}`, "unauthorized"},
		{"detail", 422, `{"detail":"Input validation failed"}`, "Input validation failed"},
		{"not json", 503, `upstream connect error`, "Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := New(Config{Provider: "vendor", BaseURL: srv.URL})
			err := c.JSON(context.Background(), http.MethodGet, "/x", "k", nil, nil)

			require.ErrorIs(t, err, gwerr.ErrUpstreamHTTP)
			var gwErr *gwerr.Error
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tt.status, gwErr.Status)
			assert.Equal(t, tt.body, gwErr.Body)
			assert.Equal(t, tt.wantMsg, gwErr.Message)
			assert.Equal(t, "vendor", gwErr.Provider)
		})
	}
}

func TestClient_UndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"truncated":`)
	}))
	defer srv.Close()

	c := New(Config{Provider: "vendor", BaseURL: srv.URL})
	var out map[string]any
	err := c.JSON(context.Background(), http.MethodGet, "/x", "", nil, &out)
	assert.ErrorIs(t, err, gwerr.ErrUpstreamProtocol)
}

func TestClient_Cancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{Provider: "vendor", BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := c.JSON(ctx, http.MethodGet, "/slow", "", nil, nil)
	assert.ErrorIs(t, err, gwerr.ErrCancelled)
}

func TestClient_TimeoutCutsStalledBody(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"partial":`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{Provider: "vendor", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	var out map[string]any
	err := c.JSON(context.Background(), http.MethodGet, "/slow", "", nil, &out)
	require.ErrorIs(t, err, gwerr.ErrUpstreamHTTP)
	assert.NotErrorIs(t, err, gwerr.ErrCancelled)
	assert.Contains(t, err.Error(), "no response within 50ms")
}

func TestClient_Call(t *testing.T) {
	c := New(Config{Provider: "vendor", BaseURL: "http://vendor.local", Timeout: 20 * time.Millisecond})

	t.Run("own deadline is an upstream failure", func(t *testing.T) {
		err := c.Call(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			return gwerr.FromContext(ctx)
		})
		require.ErrorIs(t, err, gwerr.ErrUpstreamHTTP)
		var gwErr *gwerr.Error
		require.ErrorAs(t, err, &gwErr)
		assert.Equal(t, "vendor", gwErr.Provider)
	})

	t.Run("caller cancellation stays cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := c.Call(ctx, func(ctx context.Context) error {
			return gwerr.FromContext(ctx)
		})
		assert.ErrorIs(t, err, gwerr.ErrCancelled)
	})

	t.Run("other errors pass through", func(t *testing.T) {
		want := errors.New("boom")
		err := c.Call(context.Background(), func(context.Context) error { return want })
		assert.Same(t, want, err)
	})

	t.Run("no timeout configured", func(t *testing.T) {
		unbounded := New(Config{Provider: "vendor", BaseURL: "http://vendor.local"})
		err := unbounded.Call(context.Background(), func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			assert.False(t, ok)
			return nil
		})
		assert.NoError(t, err)
	})
}

func TestClient_RateLimitWaitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	// One request per minute: the second call has to wait far longer than
	// its context allows.
	c := New(Config{Provider: "vendor", BaseURL: srv.URL, RateLimit: 1.0 / 60})
	require.NoError(t, c.JSON(context.Background(), http.MethodGet, "/", "", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.JSON(ctx, http.MethodGet, "/", "", nil, nil)
	require.Error(t, err)
}

func TestClient_StreamReturnsOpenBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"stream":true}`, string(body))
		fmt.Fprint(w, "data: {}\n\n")
	}))
	defer srv.Close()

	c := New(Config{Provider: "vendor", BaseURL: srv.URL, Auth: Bearer})
	body, err := c.Stream(context.Background(), "/stream", "k", map[string]bool{"stream": true})
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {}\n\n", string(got))
}

func TestClient_AbsolutePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predictions/abc", r.URL.Path)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := New(Config{Provider: "vendor", BaseURL: "https://unused.invalid/v1"})
	require.NoError(t, c.JSON(context.Background(), http.MethodGet, srv.URL+"/predictions/abc", "", nil, nil))
}

func TestClient_Metrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := New(Config{Provider: "vendor", BaseURL: srv.URL, Metrics: metrics.New(reg)})

	_ = c.JSON(context.Background(), http.MethodGet, "/good", "", nil, nil)
	_ = c.JSON(context.Background(), http.MethodGet, "/bad", "", nil, nil)
	_ = c.JSON(context.Background(), http.MethodGet, "/bad", "", nil, nil)

	n, err := testutil.GatherAndCount(reg, "modelgate_upstream_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per status")
}

func TestRedact(t *testing.T) {
	err := redact(errors.New(`Get "https://x/v1?key=secret": dial tcp: refused`), "secret")
	assert.NotContains(t, err.Error(), "secret")
	assert.Contains(t, err.Error(), "REDACTED")
}

func TestMergeOptions(t *testing.T) {
	type payload struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature,omitempty"`
	}

	t.Run("no options returns payload unchanged", func(t *testing.T) {
		p := payload{Model: "m"}
		got, err := MergeOptions(p, nil)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	})

	t.Run("options overlay wire keys", func(t *testing.T) {
		got, err := MergeOptions(payload{Model: "m", Temperature: 0.2}, map[string]any{
			"temperature": 0.9,
			"top_k":       40,
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"model": "m", "temperature": 0.9, "top_k": 40}, got)
	})

	t.Run("non-object payload", func(t *testing.T) {
		_, err := MergeOptions([]int{1}, map[string]any{"a": 1})
		assert.Error(t, err)
	})
}
