// Package fetcher drives one host's batch fetch: connect, validate,
// drain the attempts off the response stream, and report each outcome
// to the scheduler exactly once.
package fetcher

import (
	"time"

	"github.com/quarrylab/shufflefetch/internal/output"
	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

// Callback receives per-attempt outcomes. For every attempt the fetcher
// accepts responsibility for, exactly one of FetchSucceeded or
// FetchFailed is invoked; attempts left in FetchResult.Remaining get
// neither, except after a connect failure, when every attempt of the
// batch is reported with connectFailed set and also left in Remaining.
type Callback interface {
	// FetchSucceeded fires at the moment the attempt's output commits.
	// The merger may access the output as soon as this returns.
	FetchSucceeded(host string, attempt shuffle.AttemptID, out *output.FetchedOutput, compressedLen, uncompressedLen int64, elapsed time.Duration)

	// FetchFailed reports one attempt as failed. connectFailed
	// distinguishes host-level connection failures, which the scheduler
	// penalizes at the host rather than the attempt.
	FetchFailed(host string, attempt shuffle.AttemptID, connectFailed bool)
}

// Allocator reserves a destination for an incoming attempt.
type Allocator interface {
	Allocate(uncompressedLen, compressedLen int64, attempt shuffle.AttemptID, fetcherID int) (*output.FetchedOutput, error)
}
