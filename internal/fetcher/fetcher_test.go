package fetcher

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylab/shufflefetch/internal/httpconn"
	"github.com/quarrylab/shufflefetch/internal/output"
	"github.com/quarrylab/shufflefetch/internal/shuffle"
	"github.com/quarrylab/shufflefetch/internal/wire"
)

var testSecret = []byte("fetcher-test-secret")

type successRecord struct {
	host            string
	attempt         shuffle.AttemptID
	placement       output.Type
	compressedLen   int64
	uncompressedLen int64
}

type failureRecord struct {
	host          string
	attempt       shuffle.AttemptID
	connectFailed bool
}

type recordingCallback struct {
	mu        sync.Mutex
	successes []successRecord
	failures  []failureRecord
}

func (c *recordingCallback) FetchSucceeded(host string, attempt shuffle.AttemptID, out *output.FetchedOutput, compressedLen, uncompressedLen int64, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes = append(c.successes, successRecord{
		host:            host,
		attempt:         attempt,
		placement:       out.Type(),
		compressedLen:   compressedLen,
		uncompressedLen: uncompressedLen,
	})
}

func (c *recordingCallback) FetchFailed(host string, attempt shuffle.AttemptID, connectFailed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, failureRecord{host: host, attempt: attempt, connectFailed: connectFailed})
}

func (c *recordingCallback) counts() (successes, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.successes), len(c.failures)
}

type captureMerger struct {
	mu     sync.Mutex
	memory map[shuffle.AttemptKey][]byte
	disk   []string
}

func newCaptureMerger() *captureMerger {
	return &captureMerger{memory: make(map[shuffle.AttemptKey][]byte)}
}

func (m *captureMerger) CloseInMemoryFile(out *output.FetchedOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(out.Bytes()))
	copy(buf, out.Bytes())
	m.memory[out.Attempt().Key()] = buf
	return nil
}

func (m *captureMerger) CloseOnDiskFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disk = append(m.disk, path)
	return nil
}

type dirTaskOutput struct{ dir string }

func (t dirTaskOutput) InputFileForWrite(inputIndex int, _ int64) (string, error) {
	return filepath.Join(t.dir, "input_"+strconv.Itoa(inputIndex)+".out"), nil
}

type waitAllocator struct{}

func (waitAllocator) Allocate(_, _ int64, attempt shuffle.AttemptID, _ int) (*output.FetchedOutput, error) {
	return output.NewWaitOutput(attempt), nil
}

func testAttempt(input int) shuffle.AttemptID {
	return shuffle.AttemptID{
		InputIndex:    input,
		AttemptNumber: 0,
		PathComponent: "attempt_" + strconv.Itoa(input) + "_0",
	}
}

// frame encodes one attempt's header and identity-codec payload.
func frame(t *testing.T, attempt shuffle.AttemptID, partition int32, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, wire.WriteHeader(&buf, wire.Header{
		PathComponent:   attempt.PathComponent,
		CompressedLen:   int64(len(payload)),
		UncompressedLen: int64(len(payload)),
		Partition:       partition,
	}))
	buf.Write(payload)
	return buf.Bytes()
}

// shuffleServer verifies the signed URL, echoes the reply hash, and
// streams body.
func shuffleServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urlHash := r.Header.Get(httpconn.URLHashHeader)
		msg := r.URL.Path
		if r.URL.RawQuery != "" {
			msg += "?" + r.URL.RawQuery
		}
		expected, err := httpconn.SignURL(testSecret, msg)
		if err != nil || expected != urlHash {
			http.Error(w, "bad url hash", http.StatusUnauthorized)
			return
		}
		w.Header().Set(httpconn.ReplyHashHeader, httpconn.ReplyHash(testSecret, urlHash))
		_, _ = w.Write(body)
	}))
}

func serverHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

type harness struct {
	cb     *recordingCallback
	merger *captureMerger
	alloc  *output.Allocator
}

func newHarness(t *testing.T, memoryBudget int64) *harness {
	t.Helper()
	merger := newCaptureMerger()
	alloc := output.NewAllocator(output.Config{
		TotalBytes:     memoryBudget,
		MaxSingleBytes: memoryBudget,
	}, dirTaskOutput{dir: t.TempDir()}, merger, zap.NewNop())
	return &harness{cb: &recordingCallback{}, merger: merger, alloc: alloc}
}

func (h *harness) builder(allocator Allocator) *Builder {
	if allocator == nil {
		allocator = h.alloc
	}
	return NewBuilder(h.cb, allocator, "app", testSecret).
		WithConnectionParams(httpconn.Params{
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    5 * time.Second,
		})
}

func TestCallDrainsBatchIntoMemory(t *testing.T) {
	t.Parallel()

	a0, a1 := testAttempt(0), testAttempt(1)
	p0, p1 := []byte("payload zero"), []byte("payload one!")

	// Out of order on purpose; the header resolves each payload.
	body := append(frame(t, a1, 0, p1), frame(t, a0, 0, p0)...)
	srv := shuffleServer(t, body)
	defer srv.Close()
	host, port := serverHostPort(t, srv)

	h := newHarness(t, 1<<20)
	f := h.builder(nil).AssignWork(host, port, 0, []shuffle.AttemptID{a0, a1}).Build()

	res, err := f.Call(context.Background())
	require.NoError(t, err)
	assert.True(t, res.FullyFetched())

	successes, failures := h.cb.counts()
	assert.Equal(t, 2, successes)
	assert.Equal(t, 0, failures)
	assert.Equal(t, p0, h.merger.memory[a0.Key()])
	assert.Equal(t, p1, h.merger.memory[a1.Key()])
	for _, s := range h.cb.successes {
		assert.Equal(t, output.TypeMemory, s.placement)
		assert.Equal(t, host, s.host)
	}
}

func TestCallDrainsBatchToDisk(t *testing.T) {
	t.Parallel()

	a0 := testAttempt(0)
	payload := []byte("spilled to disk")
	srv := shuffleServer(t, frame(t, a0, 0, payload))
	defer srv.Close()
	host, port := serverHostPort(t, srv)

	h := newHarness(t, 0)
	f := h.builder(nil).AssignWork(host, port, 0, []shuffle.AttemptID{a0}).Build()

	res, err := f.Call(context.Background())
	require.NoError(t, err)
	assert.True(t, res.FullyFetched())

	require.Len(t, h.merger.disk, 1)
	data, err := os.ReadFile(h.merger.disk[0])
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	require.Len(t, h.cb.successes, 1)
	assert.Equal(t, output.TypeDisk, h.cb.successes[0].placement)
}

func TestConnectFailureFailsWholeBatch(t *testing.T) {
	t.Parallel()

	srv := shuffleServer(t, nil)
	host, port := serverHostPort(t, srv)
	srv.Close()

	batch := []shuffle.AttemptID{testAttempt(0), testAttempt(1), testAttempt(2)}
	h := newHarness(t, 1<<20)
	f := h.builder(nil).AssignWork(host, port, 0, batch).Build()

	res, err := f.Call(context.Background())
	require.NoError(t, err)

	successes, failures := h.cb.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, len(batch), failures)
	for _, rec := range h.cb.failures {
		assert.True(t, rec.connectFailed, "connect failures penalize the host")
	}
	// Connect failures leave the batch reschedulable.
	assert.Len(t, res.Remaining, len(batch))
}

func TestValidationFailurePenalizesFirstAttemptOnly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(httpconn.ReplyHashHeader, "wrong")
	}))
	defer srv.Close()
	host, port := serverHostPort(t, srv)

	batch := []shuffle.AttemptID{testAttempt(0), testAttempt(1), testAttempt(2)}
	h := newHarness(t, 1<<20)
	f := h.builder(nil).AssignWork(host, port, 0, batch).Build()

	res, err := f.Call(context.Background())
	require.NoError(t, err)

	require.Len(t, h.cb.failures, 1)
	assert.True(t, h.cb.failures[0].attempt.Equal(batch[0]))
	assert.False(t, h.cb.failures[0].connectFailed)

	require.Len(t, res.Remaining, 2)
	assert.True(t, res.Remaining[0].Equal(batch[1]))
	assert.True(t, res.Remaining[1].Equal(batch[2]))
}

func TestGarbageHeaderFailsAllRemaining(t *testing.T) {
	t.Parallel()

	a0, a1 := testAttempt(0), testAttempt(1)
	good := frame(t, a0, 0, []byte("good payload"))
	garbage := bytes.Repeat([]byte{0xFF}, 32)
	srv := shuffleServer(t, append(good, garbage...))
	defer srv.Close()
	host, port := serverHostPort(t, srv)

	h := newHarness(t, 1<<20)
	f := h.builder(nil).AssignWork(host, port, 0, []shuffle.AttemptID{a0, a1}).Build()

	res, err := f.Call(context.Background())
	require.NoError(t, err)

	successes, failures := h.cb.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures)
	assert.False(t, h.cb.failures[0].connectFailed)
	assert.Empty(t, res.Remaining, "reported failures are the fetcher's responsibility")
}

func TestWrongPartitionFailsResolvedAttempt(t *testing.T) {
	t.Parallel()

	a0, a1 := testAttempt(0), testAttempt(1)
	srv := shuffleServer(t, frame(t, a0, 9, []byte("wrong partition")))
	defer srv.Close()
	host, port := serverHostPort(t, srv)

	h := newHarness(t, 1<<20)
	f := h.builder(nil).AssignWork(host, port, 0, []shuffle.AttemptID{a0, a1}).Build()

	res, err := f.Call(context.Background())
	require.NoError(t, err)

	require.Len(t, h.cb.failures, 1)
	assert.True(t, h.cb.failures[0].attempt.Equal(a0))

	require.Len(t, res.Remaining, 1)
	assert.True(t, res.Remaining[0].Equal(a1))
}

func TestTruncatedPayloadFailsSingleAttempt(t *testing.T) {
	t.Parallel()

	a0, a1 := testAttempt(0), testAttempt(1)
	var buf bytes.Buffer
	require.NoError(t, wire.WriteHeader(&buf, wire.Header{
		PathComponent:   a0.PathComponent,
		CompressedLen:   100,
		UncompressedLen: 100,
		Partition:       0,
	}))
	buf.WriteString("only a few bytes")
	srv := shuffleServer(t, buf.Bytes())
	defer srv.Close()
	host, port := serverHostPort(t, srv)

	h := newHarness(t, 1<<20)
	f := h.builder(nil).AssignWork(host, port, 0, []shuffle.AttemptID{a0, a1}).Build()

	res, err := f.Call(context.Background())
	require.NoError(t, err)

	require.Len(t, h.cb.failures, 1)
	assert.True(t, h.cb.failures[0].attempt.Equal(a0))
	assert.Equal(t, int64(0), h.alloc.Reserved(), "aborted output must return its reservation")

	require.Len(t, res.Remaining, 1)
	assert.True(t, res.Remaining[0].Equal(a1))
}

func TestAllocatorWaitFailsAttempt(t *testing.T) {
	t.Parallel()

	a0 := testAttempt(0)
	srv := shuffleServer(t, frame(t, a0, 0, []byte("never placed")))
	defer srv.Close()
	host, port := serverHostPort(t, srv)

	h := newHarness(t, 1<<20)
	f := h.builder(waitAllocator{}).AssignWork(host, port, 0, []shuffle.AttemptID{a0}).Build()

	res, err := f.Call(context.Background())
	require.NoError(t, err)

	require.Len(t, h.cb.failures, 1)
	assert.True(t, h.cb.failures[0].attempt.Equal(a0))
	assert.Empty(t, res.Remaining)
}

func TestEmptyBatchReturnsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1<<20)
	f := h.builder(nil).AssignWork("unreachable", 1, 0, nil).Build()

	res, err := f.Call(context.Background())
	require.NoError(t, err)
	assert.True(t, res.FullyFetched())
	successes, failures := h.cb.counts()
	assert.Zero(t, successes)
	assert.Zero(t, failures)
}

func TestShutdownBeforeDrainReportsNothing(t *testing.T) {
	t.Parallel()

	a0 := testAttempt(0)
	srv := shuffleServer(t, frame(t, a0, 0, []byte("never read")))
	defer srv.Close()
	host, port := serverHostPort(t, srv)

	h := newHarness(t, 1<<20)
	f := h.builder(nil).AssignWork(host, port, 0, []shuffle.AttemptID{a0}).Build()
	f.Shutdown()

	res, err := f.Call(context.Background())
	require.NoError(t, err)

	successes, failures := h.cb.counts()
	assert.Zero(t, successes)
	assert.Zero(t, failures, "a shut-down fetcher must not report failures")
	assert.Len(t, res.Remaining, 1)
}

func TestShutdownMidDrainSuppressesFailureReports(t *testing.T) {
	t.Parallel()

	a0, a1 := testAttempt(0), testAttempt(1)
	firstServed := make(chan struct{})
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urlHash := r.Header.Get(httpconn.URLHashHeader)
		w.Header().Set(httpconn.ReplyHashHeader, httpconn.ReplyHash(testSecret, urlHash))
		_, _ = w.Write(frame(t, a0, 0, []byte("first payload")))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(firstServed)
		<-release
	}))
	defer srv.Close()
	defer close(release)
	host, port := serverHostPort(t, srv)

	h := newHarness(t, 1<<20)
	f := h.builder(nil).AssignWork(host, port, 0, []shuffle.AttemptID{a0, a1}).Build()

	done := make(chan shuffle.FetchResult, 1)
	go func() {
		res, err := f.Call(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	<-firstServed
	// Wait for the first attempt to commit before pulling the plug.
	require.Eventually(t, func() bool {
		successes, _ := h.cb.counts()
		return successes == 1
	}, 5*time.Second, 10*time.Millisecond)

	f.Shutdown()
	res := <-done

	successes, failures := h.cb.counts()
	assert.Equal(t, 1, successes)
	assert.Zero(t, failures, "the i/o error forced by shutdown must not be reported")
	require.Len(t, res.Remaining, 1)
	assert.True(t, res.Remaining[0].Equal(a1))
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1<<20)
	f := h.builder(nil).AssignWork("host", 1, 0, []shuffle.AttemptID{testAttempt(0)}).Build()
	f.Shutdown()
	f.Shutdown()
}
