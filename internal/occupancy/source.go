// Package occupancy defines the vision occupancy source consumed by the duty
// cycle and provides an HTTP client for a remote detector plus a static
// source for running without a camera.
package occupancy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/junction/internal/httputil"
	"github.com/banshee-data/junction/internal/lane"
)

// ErrUnavailable is returned (wrapped) whenever a source cannot produce a
// count vector. Callers substitute the zero vector and mark the cycle
// degraded.
var ErrUnavailable = errors.New("occupancy source unavailable")

const (
	// DefaultTimeout bounds a single detector request.
	DefaultTimeout = 10 * time.Second
	// MaxCount is the largest per-lane count accepted from a detector.
	// Anything above it is treated as a detector fault.
	MaxCount = 1000
)

// Source produces per-lane vehicle counts.
type Source interface {
	Counts(ctx context.Context) (lane.Occupancy, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (lane.Occupancy, error)

func (f SourceFunc) Counts(ctx context.Context) (lane.Occupancy, error) { return f(ctx) }

// countsResponse is the detector's reply body.
type countsResponse struct {
	Counts []int `json:"counts"`
}

// HTTPSource polls a vision detector that answers GET with
// {"counts":[n1,n2,n3,n4]}.
type HTTPSource struct {
	client  httputil.HTTPClient
	url     string
	timeout time.Duration
}

// NewHTTPSource returns a source for url. A nil client uses
// http.DefaultClient; a non-positive timeout uses DefaultTimeout.
func NewHTTPSource(client httputil.HTTPClient, url string, timeout time.Duration) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSource{client: client, url: url, timeout: timeout}
}

// Counts fetches one count vector. Every failure, including a malformed
// vector, wraps ErrUnavailable.
func (s *HTTPSource) Counts(ctx context.Context) (lane.Occupancy, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var body countsResponse
	if err := httputil.GetJSON(ctx, s.client, s.url, &body); err != nil {
		return lane.Occupancy{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	occ, err := toOccupancy(body.Counts)
	if err != nil {
		return lane.Occupancy{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, s.url, err)
	}
	return occ, nil
}

func toOccupancy(counts []int) (lane.Occupancy, error) {
	var occ lane.Occupancy
	if len(counts) != lane.Count {
		return occ, fmt.Errorf("got %d counts, want %d", len(counts), lane.Count)
	}
	for i, n := range counts {
		if n < 0 {
			return occ, fmt.Errorf("negative count %d for %s", n, lane.ID(i).Label())
		}
		if n > MaxCount {
			return occ, fmt.Errorf("implausible count %d for %s (max %d)", n, lane.ID(i).Label(), MaxCount)
		}
		occ[i] = n
	}
	return occ, nil
}

// StaticSource returns a fixed vector until changed. It backs dev mode and
// tests.
type StaticSource struct {
	mu  sync.Mutex
	occ lane.Occupancy
	err error
}

// NewStaticSource returns a source that always reports occ.
func NewStaticSource(occ lane.Occupancy) *StaticSource {
	return &StaticSource{occ: occ}
}

// Set replaces the reported vector and clears any failure.
func (s *StaticSource) Set(occ lane.Occupancy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occ = occ
	s.err = nil
}

// Fail makes subsequent calls return err wrapped in ErrUnavailable. A nil
// err restores normal behaviour.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) Counts(ctx context.Context) (lane.Occupancy, error) {
	if err := ctx.Err(); err != nil {
		return lane.Occupancy{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return lane.Occupancy{}, fmt.Errorf("%w: %w", ErrUnavailable, s.err)
	}
	return s.occ, nil
}
