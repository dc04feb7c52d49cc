package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/libsync/internal/shared"
	"golang.org/x/oauth2"
)

// DefaultRetryAfter is used when a 429 response carries no usable Retry-After header.
const DefaultRetryAfter = time.Second

const maxErrorBody = 512

// APIError is a classified upstream failure. It unwraps to exactly one of [shared.ErrRateLimited],
// [shared.ErrRetryable], [shared.ErrUnauthorized] or [shared.ErrFatal].
type APIError struct {
	Kind       error
	Status     int
	RetryAfter time.Duration
	Message    string
}

func (e *APIError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%v: status %d: %s", e.Kind, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%v: status %d", e.Kind, e.Status)
	default:
		return fmt.Sprintf("%v: %s", e.Kind, e.Message)
	}
}

func (e *APIError) Unwrap() error { return e.Kind }

// RetryAfter returns the server-requested delay carried by a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && errors.Is(apiErr.Kind, shared.ErrRateLimited) {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// IsRetryable reports whether err is transient: rate limited, retryable or unauthorized.
func IsRetryable(err error) bool {
	return errors.Is(err, shared.ErrRateLimited) || errors.Is(err, shared.ErrRetryable) ||
		errors.Is(err, shared.ErrUnauthorized)
}

// classifyStatus maps a non-2xx response to an [APIError]. body may be nil.
func classifyStatus(status int, header http.Header, body []byte, now time.Time) *APIError {
	e := &APIError{Status: status, Message: shared.Sanitize(string(body))}

	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = shared.ErrRateLimited
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	case status == http.StatusUnauthorized:
		e.Kind = shared.ErrUnauthorized
	case status >= 500:
		e.Kind = shared.ErrRetryable
	default:
		e.Kind = shared.ErrFatal
	}
	return e
}

// classifyResponse reads a bounded prefix of a failed response body and classifies it.
func classifyResponse(resp *http.Response, now time.Time) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return classifyStatus(resp.StatusCode, resp.Header, body, now)
}

// classifyTransport wraps a transport failure as retryable. Cancellation of the caller's context is returned
// unchanged so that shutdown is not mistaken for an upstream fault.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	return &APIError{Kind: shared.ErrRetryable, Message: shared.SanitizeError(err)}
}

// classifyTokenError classifies a failed refresh token exchange the same way catalog responses are classified.
//
// A rejected grant is fatal: the stored credential will never work again.
func classifyTokenError(ctx context.Context, err error, now time.Time) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("%w: %w", shared.ErrRefreshFailed, classifyTransport(ctx, err))
	}

	status, header := http.StatusBadRequest, http.Header{}
	if re.Response != nil {
		status, header = re.Response.StatusCode, re.Response.Header
	}

	apiErr := classifyStatus(status, header, re.Body, now)
	if re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" {
		apiErr.Kind = shared.ErrFatal
	}
	return fmt.Errorf("%w: %w", shared.ErrRefreshFailed, apiErr)
}

// parseRetryAfter accepts delta-seconds or an HTTP-date. Missing, malformed and past values yield
// [DefaultRetryAfter].
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRetryAfter
	}

	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return DefaultRetryAfter
}
