package source

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/graphport/internal/util"
)

const (
	// DefaultRetryAfter is used when a 429 response carries no usable hint.
	DefaultRetryAfter = time.Second
	// MaxRetryAfter caps the pause a source can ask for.
	MaxRetryAfter = time.Hour
)

// TransientError is a failure worth retrying: transport errors and 5xx.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("source returned status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("source request failed: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError is a 429 response. RetryAfter is the server's resume hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("source rate limited, retry after %s", e.RetryAfter)
}

// QueryError is a deterministic rejection of the query: GraphQL errors or a
// non-retryable 4xx status. Retrying cannot help.
type QueryError struct {
	Status   int
	Messages []string
}

func (e *QueryError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("source rejected query with status %d", e.Status)
	}
	return "source rejected query: " + strings.Join(e.Messages, "; ")
}

// RetryDecision classifies a FetchPage error for util.RetryWithPolicy.
func RetryDecision(err error) util.Decision {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return util.Decision{Retry: true, Pause: rl.RetryAfter}
	}
	var te *TransientError
	if errors.As(err, &te) {
		return util.Decision{Retry: true}
	}
	return util.Decision{}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		switch {
		case math.IsNaN(secs) || secs <= 0:
			return DefaultRetryAfter
		case secs >= MaxRetryAfter.Seconds():
			return MaxRetryAfter
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, MaxRetryAfter)
		}
	}
	return DefaultRetryAfter
}
