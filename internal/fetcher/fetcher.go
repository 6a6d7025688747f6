package fetcher

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylab/shufflefetch/internal/codec"
	"github.com/quarrylab/shufflefetch/internal/httpconn"
	"github.com/quarrylab/shufflefetch/internal/metrics"
	"github.com/quarrylab/shufflefetch/internal/output"
	"github.com/quarrylab/shufflefetch/internal/shuffle"
	"github.com/quarrylab/shufflefetch/internal/wire"
)

var fetcherIDGen atomic.Int32

// Fetcher drains one batch of attempts from one serving daemon over a
// single HTTP stream. Construct via Builder; run Call once. Shutdown
// may be called from any goroutine at any time.
type Fetcher struct {
	cb        Callback
	allocator Allocator
	appID     string
	secret    []byte

	codec          codec.Codec
	readAhead      bool
	readAheadBytes int
	params         httpconn.Params

	host      string
	port      int
	partition int
	batch     []shuffle.AttemptID

	pathToAttempt map[string]shuffle.AttemptID
	remaining     *attemptSet

	id    int
	ident string
	log   *zap.Logger

	isShutdown atomic.Bool
	// closeMu covers conn so a Shutdown never blocks behind a slow read;
	// it only contends with conn assignment and a parallel close.
	closeMu sync.Mutex
	conn    *httpconn.Connection

	input io.Reader
}

// ID returns the fetcher's process-unique identifier, used to suffix
// temp paths.
func (f *Fetcher) ID() int { return f.id }

// Call runs the fetch to completion and returns the attempts the
// fetcher did not take responsibility for. Errors are converted into
// FetchFailed callbacks and un-fetched entries; the only error returned
// is the end-of-drain invariant violation, which indicates a bug.
func (f *Fetcher) Call(ctx context.Context) (shuffle.FetchResult, error) {
	if len(f.batch) == 0 {
		return f.result(), nil
	}

	f.pathToAttempt = make(map[string]shuffle.AttemptID, len(f.batch))
	for _, a := range f.batch {
		f.pathToAttempt[a.PathComponent] = a
	}
	f.remaining = newAttemptSet(f.batch)

	metrics.FetcherStarted()
	defer metrics.FetcherFinished()

	if !f.connect(ctx) {
		return f.result(), nil
	}
	if f.isShutdown.Load() {
		f.closeConnection()
		f.log.Info("fetcher shut down after connection establishment", zap.String("fetcher", f.ident))
		return f.result(), nil
	}

	if !f.validate() {
		return f.result(), nil
	}
	if f.isShutdown.Load() {
		f.closeConnection()
		f.log.Info("fetcher shut down after opening stream", zap.String("fetcher", f.ident))
		return f.result(), nil
	}

	// From here on, closing the stream makes any blocked read fail with
	// an i/o error, which is suppressed once the shutdown flag is set.
	var failed []shuffle.AttemptID
	for f.remaining.len() > 0 && failed == nil {
		failed = f.fetchNext()
	}

	failureRecorded := false
	if len(failed) > 0 {
		if f.isShutdown.Load() {
			f.log.Info("not reporting fetch failure after shutdown", zap.String("fetcher", f.ident))
		} else {
			f.log.Warn("fetch failed for attempts",
				zap.String("fetcher", f.ident),
				zap.String("host", f.host),
				zap.Int("count", len(failed)))
			for _, a := range failed {
				f.cb.FetchFailed(f.host, a, false)
				metrics.AttemptFailed()
				f.remaining.remove(a)
			}
			failureRecorded = true
		}
	}

	shutdownRequested := f.isShutdown.Load()
	f.Shutdown()

	if !failureRecorded && !shutdownRequested && f.remaining.len() > 0 {
		return f.result(), fmt.Errorf("server did not return all expected outputs: %d attempts left", f.remaining.len())
	}

	return f.result(), nil
}

// connect opens the signed connection. On failure every attempt in the
// batch is reported connect-failed so the scheduler penalizes the host.
func (f *Fetcher) connect(ctx context.Context) bool {
	base := httpconn.BaseURL(f.host, f.port, f.partition, f.appID, f.params.SSL)
	url := httpconn.InputURL(base, f.batch, f.params.KeepAlive)

	conn := httpconn.New(url, f.params, f.secret, f.ident, f.log)
	f.setConnection(conn)

	if err := conn.Connect(ctx); err != nil {
		if f.isShutdown.Load() {
			f.log.Info("not reporting fetch failure, connect failed after shutdown",
				zap.String("fetcher", f.ident), zap.Error(err))
			return false
		}
		f.log.Warn("connect to shuffle host failed",
			zap.String("fetcher", f.ident),
			zap.String("host", f.host),
			zap.Int("port", f.port),
			zap.Error(fmt.Errorf("%w: %v", shuffle.ErrConnect, err)))
		metrics.ConnectFailed()
		for _, a := range f.remaining.values() {
			f.cb.FetchFailed(f.host, a, true)
			metrics.AttemptFailed()
		}
		return false
	}
	return true
}

// validate opens the stream and re-verifies the reply hash. A failure
// here implies a problem with the first attempt, typically a lost
// producer output, so only that attempt is penalized; the rest go back
// to the scheduler un-fetched.
func (f *Fetcher) validate() bool {
	f.input = f.conn.InputStream()
	if err := f.conn.Validate(); err != nil {
		if f.isShutdown.Load() {
			f.log.Info("not reporting fetch failure, validation failed after shutdown",
				zap.String("fetcher", f.ident), zap.Error(err))
			return false
		}
		first := f.batch[0]
		f.log.Warn("shuffle response validation failed",
			zap.String("fetcher", f.ident),
			zap.String("host", f.host),
			zap.Stringer("attempt", first),
			zap.Error(fmt.Errorf("%w: %v", shuffle.ErrValidation, err)))
		f.cb.FetchFailed(f.host, first, false)
		metrics.AttemptFailed()
		f.remaining.remove(first)
		return false
	}
	return true
}

// fetchNext drains one attempt. A nil return means the attempt
// committed; a non-nil return lists the attempts to fail and terminates
// the drain.
func (f *Fetcher) fetchNext() []shuffle.AttemptID {
	start := time.Now()

	hdr, err := wire.ReadHeader(f.input)
	if err != nil {
		// Unknown which attempt the bad bytes belonged to, so all of the
		// remaining ones are considered bad.
		f.log.Warn("invalid attempt header",
			zap.String("fetcher", f.ident), zap.Error(err))
		return f.remaining.values()
	}

	attempt, resolved := f.pathToAttempt[hdr.PathComponent]
	if err := f.verifySanity(hdr, attempt, resolved); err != nil {
		culprit := attempt
		if !resolved {
			next, ok := f.remaining.first()
			if !ok {
				return nil
			}
			f.log.Warn("header did not resolve to a known attempt",
				zap.String("fetcher", f.ident),
				zap.String("path_component", hdr.PathComponent),
				zap.Stringer("next_remaining", next))
			culprit = next
		}
		f.log.Warn("attempt header failed sanity checks",
			zap.String("fetcher", f.ident),
			zap.Stringer("attempt", culprit),
			zap.Int64("compressed_len", hdr.CompressedLen),
			zap.Int64("uncompressed_len", hdr.UncompressedLen),
			zap.Error(err))
		return []shuffle.AttemptID{culprit}
	}

	f.log.Debug("attempt header",
		zap.String("fetcher", f.ident),
		zap.Stringer("attempt", attempt),
		zap.Int64("compressed_len", hdr.CompressedLen),
		zap.Int64("uncompressed_len", hdr.UncompressedLen))

	out, err := f.allocator.Allocate(hdr.UncompressedLen, hdr.CompressedLen, attempt, f.id)
	if err != nil {
		f.log.Warn("failed to allocate output",
			zap.String("fetcher", f.ident),
			zap.Stringer("attempt", attempt),
			zap.Error(err))
		return []shuffle.AttemptID{attempt}
	}
	if out.Type() == output.TypeWait {
		// The drain never parks on allocator back-pressure; holding the
		// connection open indefinitely would starve the server.
		f.log.Warn("allocator returned wait, failing attempt",
			zap.String("fetcher", f.ident),
			zap.Stringer("attempt", attempt))
		return []shuffle.AttemptID{attempt}
	}

	f.log.Debug("about to shuffle attempt",
		zap.String("fetcher", f.ident),
		zap.Stringer("attempt", attempt),
		zap.Stringer("placement", out.Type()),
		zap.Int64("compressed_len", hdr.CompressedLen),
		zap.Int64("uncompressed_len", hdr.UncompressedLen))

	if out.Type() == output.TypeMemory {
		err = wire.ShuffleToMemory(out.Bytes(), f.input, hdr.CompressedLen, f.codec,
			f.readAhead, f.readAheadBytes, f.log, attempt.String())
	} else {
		err = wire.ShuffleToDisk(out.Writer(), f.input, hdr.CompressedLen, f.log, attempt.String())
	}
	if err == nil {
		err = out.Commit()
	}
	if err != nil {
		f.log.Warn("failed to shuffle attempt output",
			zap.String("fetcher", f.ident),
			zap.Stringer("attempt", attempt),
			zap.String("host", f.host),
			zap.Error(err))
		if abortErr := out.Abort(); abortErr != nil {
			f.log.Info("failed to clean up fetched output",
				zap.String("fetcher", f.ident),
				zap.Stringer("output", out),
				zap.Error(abortErr))
		}
		return []shuffle.AttemptID{attempt}
	}

	elapsed := time.Since(start)
	f.cb.FetchSucceeded(f.host, attempt, out, hdr.CompressedLen, hdr.UncompressedLen, elapsed)
	metrics.AttemptSucceeded(out.Type().String(), hdr.CompressedLen, elapsed)
	f.remaining.remove(attempt)
	return nil
}

// verifySanity rejects headers that are well-formed but semantically
// inconsistent with this fetcher's assignment.
func (f *Fetcher) verifySanity(hdr wire.Header, attempt shuffle.AttemptID, resolved bool) error {
	if hdr.CompressedLen < 0 || hdr.UncompressedLen < 0 {
		return fmt.Errorf("%w: negative lengths %d/%d for path %q",
			shuffle.ErrBadHeader, hdr.CompressedLen, hdr.UncompressedLen, hdr.PathComponent)
	}
	if int(hdr.Partition) != f.partition {
		return fmt.Errorf("%w: got partition %d, fetching partition %d",
			shuffle.ErrWrongPartition, hdr.Partition, f.partition)
	}
	if !resolved || !f.remaining.contains(attempt) {
		return fmt.Errorf("%w: path %q does not map to an awaited attempt",
			shuffle.ErrUnexpectedAttempt, hdr.PathComponent)
	}
	return nil
}

// Shutdown cancels the fetch. Idempotent, callable from any goroutine.
// Setting the flag never blocks; the connection close may block
// briefly. After Shutdown returns no further FetchFailed is emitted.
func (f *Fetcher) Shutdown() {
	if f.isShutdown.CompareAndSwap(false, true) {
		f.closeConnection()
	}
}

func (f *Fetcher) setConnection(conn *httpconn.Connection) {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	f.conn = conn
}

func (f *Fetcher) closeConnection() {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if f.conn == nil {
		return
	}
	if err := f.conn.Cleanup(); err != nil {
		f.log.Info("exception while shutting down fetcher",
			zap.String("fetcher", f.ident), zap.Error(err))
	}
}

func (f *Fetcher) result() shuffle.FetchResult {
	res := shuffle.FetchResult{
		Host:      f.host,
		Port:      f.port,
		Partition: f.partition,
	}
	if f.remaining != nil {
		res.Remaining = f.remaining.values()
	}
	return res
}
