package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/metrics"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

// maxBodySize caps response bodies, covers included.
const maxBodySize = 10 << 20

// ClientOptions configures a [Client].
type ClientOptions struct {
	BaseURL string
	// HTTPClient should route through a [Gate].
	HTTPClient *http.Client
	// BreakerFailures is the number of consecutive retryable failures that opens the breaker. Zero disables it.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Logger          *log.Logger
	Now             func() time.Time
}

// Client performs classified calls against the catalog API.
//
// Every failure it returns is an [*APIError], except cancellation of the caller's context.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[response]
	logger  *log.Logger
	now     func() time.Time
}

type response struct {
	body   []byte
	header http.Header
}

// NewClient creates a new [Client].
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		http:    opts.HTTPClient,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = shared.NewLogger(nil)
	}
	if c.now == nil {
		c.now = time.Now
	}

	if opts.BreakerFailures > 0 {
		c.breaker = newBreaker("catalog-api", opts.BreakerFailures, opts.BreakerCooldown, c.logger)
	}
	return c
}

func newBreaker(name string, failures uint32, cooldown time.Duration, logger *log.Logger) *gobreaker.CircuitBreaker[response] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transient upstream faults count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, shared.ErrRetryable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// GetJSON performs an authenticated GET of path relative to the base URL and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, accessToken, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", shared.ErrFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.execute(req)
	if err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return &APIError{Kind: shared.ErrFatal, Message: "failed to decode response: " + err.Error()}
		}
	}
	return nil
}

// Fetch downloads an absolute URL without credentials and returns the body and its content type.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", &APIError{Kind: shared.ErrFatal, Message: "invalid url"}
	}

	resp, err := c.execute(req)
	if err != nil {
		return nil, "", err
	}

	mime := resp.header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(resp.body)
	}
	return resp.body, mime, nil
}

func (c *Client) execute(req *http.Request) (response, error) {
	if c.breaker == nil {
		return c.roundTrip(req)
	}

	resp, err := c.breaker.Execute(func() (response, error) {
		return c.roundTrip(req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.UpstreamRequests.WithLabelValues("rejected").Inc()
		return response{}, &APIError{Kind: shared.ErrRetryable, Message: "circuit breaker " + err.Error()}
	}
	return resp, err
}

func (c *Client) roundTrip(req *http.Request) (response, error) {
	ctx := req.Context()

	resp, err := c.http.Do(req)
	if err != nil {
		err = classifyTransport(ctx, err)
		metrics.UpstreamRequests.WithLabelValues(errorClass(err)).Inc()
		return response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := classifyResponse(resp, c.now())
		metrics.UpstreamRequests.WithLabelValues(errorClass(apiErr)).Inc()
		c.logger.Debug("upstream request failed", "path", req.URL.Path, "status", resp.StatusCode, "kind", apiErr.Kind)
		return response{}, apiErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		err = classifyTransport(ctx, err)
		metrics.UpstreamRequests.WithLabelValues(errorClass(err)).Inc()
		return response{}, err
	}

	metrics.UpstreamRequests.WithLabelValues("ok").Inc()
	return response{body: body, header: resp.Header}, nil
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, shared.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, shared.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, shared.ErrRetryable):
		return "retryable"
	case errors.Is(err, shared.ErrFatal):
		return "fatal"
	default:
		return "canceled"
	}
}
