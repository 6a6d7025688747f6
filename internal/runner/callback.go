package runner

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylab/shufflefetch/internal/output"
	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

// TrackingCallback is a fetcher callback that logs each outcome and
// keeps counters for the end-of-run summary. A full scheduler would
// also feed failures back into host selection; this one only observes.
type TrackingCallback struct {
	log *zap.Logger

	mu             sync.Mutex
	succeeded      int
	failed         int
	connectFailed  int
	fetchedBytes   int64
	hostFailCounts map[string]int
}

// NewTrackingCallback creates a TrackingCallback.
func NewTrackingCallback(log *zap.Logger) *TrackingCallback {
	if log == nil {
		log = zap.NewNop()
	}
	return &TrackingCallback{
		log:            log,
		hostFailCounts: make(map[string]int),
	}
}

// FetchSucceeded records one committed attempt.
func (c *TrackingCallback) FetchSucceeded(host string, attempt shuffle.AttemptID, out *output.FetchedOutput, compressedLen, uncompressedLen int64, elapsed time.Duration) {
	c.mu.Lock()
	c.succeeded++
	c.fetchedBytes += compressedLen
	c.mu.Unlock()
	c.log.Info("fetched attempt",
		zap.String("host", host),
		zap.Stringer("attempt", attempt),
		zap.Stringer("placement", out.Type()),
		zap.Int64("compressed_len", compressedLen),
		zap.Int64("uncompressed_len", uncompressedLen),
		zap.Duration("elapsed", elapsed))
}

// FetchFailed records one failed attempt.
func (c *TrackingCallback) FetchFailed(host string, attempt shuffle.AttemptID, connectFailed bool) {
	c.mu.Lock()
	c.failed++
	if connectFailed {
		c.connectFailed++
	}
	c.hostFailCounts[host]++
	c.mu.Unlock()
	c.log.Warn("attempt failed",
		zap.String("host", host),
		zap.Stringer("attempt", attempt),
		zap.Bool("connect_failed", connectFailed))
}

// Counts reports the tallies so far.
func (c *TrackingCallback) Counts() (succeeded, failed, connectFailed int, fetchedBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.succeeded, c.failed, c.connectFailed, c.fetchedBytes
}

// HostFailures returns a copy of the per-host failure counts.
func (c *TrackingCallback) HostFailures() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.hostFailCounts))
	for k, v := range c.hostFailCounts {
		out[k] = v
	}
	return out
}
