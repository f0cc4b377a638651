package oddsapi

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// QuotaSnapshot is the provider's request accounting from the most recent
// response. Last writer wins; readers get a copy.
type QuotaSnapshot struct {
	Headers   map[string]string `json:"headers"`
	FetchedAt *time.Time        `json:"fetched_at"`
}

// QuotaTracker keeps the latest x-requests-* headers seen on any response.
type QuotaTracker struct {
	mu   sync.RWMutex
	last QuotaSnapshot
}

// NewQuotaTracker returns an empty tracker.
func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{}
}

// Record captures the quota headers from one response.
func (t *QuotaTracker) Record(h http.Header) {
	headers := make(map[string]string)
	for name := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-requests-") {
			headers[lower] = h.Get(name)
		}
	}
	if len(headers) == 0 {
		return
	}

	now := time.Now().UTC()
	t.mu.Lock()
	t.last = QuotaSnapshot{Headers: headers, FetchedAt: &now}
	t.mu.Unlock()
}

// Snapshot returns a copy of the latest quota headers.
func (t *QuotaTracker) Snapshot() QuotaSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	headers := make(map[string]string, len(t.last.Headers))
	for k, v := range t.last.Headers {
		headers[k] = v
	}
	return QuotaSnapshot{Headers: headers, FetchedAt: t.last.FetchedAt}
}
