package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/libsync/internal/shared"
	tu "github.com/desertthunder/libsync/internal/testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, breakerFailures uint32) (*Client, *atomic.Int64) {
	t.Helper()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	gate := NewGate(GateOptions{MaxConcurrency: 2, Timeout: time.Second})
	client := NewClient(ClientOptions{
		BaseURL:         server.URL,
		HTTPClient:      gate.Client(),
		BreakerFailures: breakerFailures,
		BreakerCooldown: time.Minute,
	})
	return client, &hits
}

func TestClientGetJSON(t *testing.T) {
	t.Run("decodes success and sends bearer", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("expected bearer token, got %q", got)
			}
			if got := r.URL.Query().Get("limit"); got != "50" {
				t.Errorf("expected limit=50, got %q", got)
			}
			w.Write([]byte(`{"id":"abc"}`))
		}, 0)

		var out struct {
			ID string `json:"id"`
		}
		if err := client.GetJSON(context.Background(), "tok", "/thing", pageQuery(0, 50), &out); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if out.ID != "abc" {
			t.Errorf("expected id abc, got %q", out.ID)
		}
	})

	tc := []struct {
		name   string
		status int
		header map[string]string
		want   error
	}{
		{name: "rate limited", status: 429, header: map[string]string{"Retry-After": "5"}, want: shared.ErrRateLimited},
		{name: "unauthorized", status: 401, want: shared.ErrUnauthorized},
		{name: "server error", status: 503, want: shared.ErrRetryable},
		{name: "not found", status: 404, want: shared.ErrFatal},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}, 0)

			err := client.GetJSON(context.Background(), "tok", "/thing", nil, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tt.status {
				t.Errorf("expected APIError with status %d, got %v", tt.status, err)
			}
		})
	}

	t.Run("rate limit exposes retry after", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
		}, 0)

		err := client.GetJSON(context.Background(), "tok", "/thing", nil, nil)
		if d, ok := RetryAfter(err); !ok || d != 5*time.Second {
			t.Errorf("RetryAfter() = %v, %v; want 5s, true", d, ok)
		}
	})

	t.Run("malformed body is fatal", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{not json`))
		}, 0)

		var out map[string]any
		if err := client.GetJSON(context.Background(), "tok", "/thing", nil, &out); !errors.Is(err, shared.ErrFatal) {
			t.Errorf("expected fatal decode error, got %v", err)
		}
	})

	t.Run("body read failure is retryable", func(t *testing.T) {
		client := NewClient(ClientOptions{
			BaseURL: "http://catalog.invalid",
			HTTPClient: &http.Client{
				Transport: tu.NewMockRoundTripper(tu.NewResponse(http.StatusOK, &tu.FCloser{}), nil),
			},
		})

		if err := client.GetJSON(context.Background(), "tok", "/thing", nil, nil); !IsRetryable(err) {
			t.Errorf("expected retryable read error, got %v", err)
		}
	})

	t.Run("cancelled context is not classified", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}, 0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := client.GetJSON(ctx, "tok", "/thing", nil, nil)
		if err == nil || IsRetryable(err) || errors.Is(err, shared.ErrFatal) {
			t.Errorf("expected bare cancellation, got %v", err)
		}
	})
}

func TestClientCircuitBreaker(t *testing.T) {
	t.Run("opens after consecutive retryable failures", func(t *testing.T) {
		client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, 2)

		for range 2 {
			if err := client.GetJSON(context.Background(), "tok", "/thing", nil, nil); !errors.Is(err, shared.ErrRetryable) {
				t.Fatalf("expected retryable, got %v", err)
			}
		}

		err := client.GetJSON(context.Background(), "tok", "/thing", nil, nil)
		if !errors.Is(err, shared.ErrRetryable) {
			t.Errorf("expected open breaker to fail as retryable, got %v", err)
		}
		if got := hits.Load(); got != 2 {
			t.Errorf("expected open breaker to skip upstream, got %d hits", got)
		}
	})

	t.Run("fatal responses do not trip", func(t *testing.T) {
		client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}, 2)

		for range 4 {
			client.GetJSON(context.Background(), "tok", "/thing", nil, nil)
		}
		if got := hits.Load(); got != 4 {
			t.Errorf("expected every call to reach upstream, got %d hits", got)
		}
	})
}

func TestClientFetch(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("image fetch must not send credentials")
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}, 0)

	data, mime, err := client.Fetch(context.Background(), client.baseURL+"/img.png")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(data) != "png-bytes" || mime != "image/png" {
		t.Errorf("unexpected image %q (%s)", data, mime)
	}
}
