package output

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

// Config sizes the allocator's placement policy.
type Config struct {
	// TotalBytes is the in-memory shuffle budget shared by all fetchers.
	TotalBytes int64
	// MaxSingleBytes caps a single in-memory segment; attempts larger
	// than this go straight to disk.
	MaxSingleBytes int64
}

// Allocator places each incoming attempt in memory or on disk. It is
// safe for concurrent use by multiple fetchers; a single mutex covers
// the budget counter, which is fine since the hot path is dominated by
// i/o rather than bookkeeping.
type Allocator struct {
	cfg        Config
	taskOutput TaskOutput
	merger     Merger
	log        *zap.Logger

	mu   sync.Mutex
	used int64
}

// NewAllocator builds an Allocator over the given collaborators.
func NewAllocator(cfg Config, taskOutput TaskOutput, merger Merger, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{
		cfg:        cfg,
		taskOutput: taskOutput,
		merger:     merger,
		log:        log,
	}
}

// Allocate reserves a destination for one attempt. Attempts above the
// single-segment cap or not fitting the remaining budget land on disk;
// everything else gets a fresh zero-initialized buffer of exactly
// uncompressedLen bytes. fetcherID suffixes the temp path so two
// fetchers racing on the same attempt during speculative re-fetch never
// share a temp file.
func (a *Allocator) Allocate(uncompressedLen, compressedLen int64, attempt shuffle.AttemptID, fetcherID int) (*FetchedOutput, error) {
	if uncompressedLen <= a.cfg.MaxSingleBytes && a.reserve(uncompressedLen) {
		a.log.Debug("placing attempt in memory",
			zap.Stringer("attempt", attempt),
			zap.Int64("uncompressed_len", uncompressedLen))
		return &FetchedOutput{
			id:        idGen.Add(1),
			attempt:   attempt,
			size:      uncompressedLen,
			typ:       TypeMemory,
			primary:   true,
			data:      make([]byte, uncompressedLen),
			allocator: a,
			merger:    a.merger,
			log:       a.log,
		}, nil
	}
	return a.allocateDisk(uncompressedLen, compressedLen, attempt, fetcherID)
}

func (a *Allocator) allocateDisk(uncompressedLen, compressedLen int64, attempt shuffle.AttemptID, fetcherID int) (*FetchedOutput, error) {
	path, err := a.taskOutput.InputFileForWrite(attempt.InputIndex, compressedLen)
	if err != nil {
		return nil, fmt.Errorf("%w: output path for %s: %v", shuffle.ErrAlloc, attempt, err)
	}
	tmpPath := path + "." + strconv.Itoa(fetcherID)
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", shuffle.ErrAlloc, tmpPath, err)
	}
	a.log.Debug("placing attempt on disk",
		zap.Stringer("attempt", attempt),
		zap.Int64("compressed_len", compressedLen),
		zap.String("tmp_path", tmpPath))
	return &FetchedOutput{
		id:        idGen.Add(1),
		attempt:   attempt,
		size:      uncompressedLen,
		typ:       TypeDisk,
		primary:   true,
		file:      f,
		tmpPath:   tmpPath,
		path:      path,
		allocator: a,
		merger:    a.merger,
		log:       a.log,
	}, nil
}

func (a *Allocator) reserve(n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+n > a.cfg.TotalBytes {
		return false
	}
	a.used += n
	return true
}

// Unreserve returns n bytes to the budget. Called by aborting memory
// outputs and by the merger once it has consumed a committed segment.
func (a *Allocator) Unreserve(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used -= n
	if a.used < 0 {
		a.log.Warn("memory budget underflow", zap.Int64("used", a.used))
		a.used = 0
	}
}

// Reserved reports the bytes currently held against the budget.
func (a *Allocator) Reserved() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}
