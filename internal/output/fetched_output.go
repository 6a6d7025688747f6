// Package output implements the destination side of a fetch: reserved
// memory or disk placements for incoming attempt payloads, and the
// allocator that decides between them under a global memory budget.
package output

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

// Type tags the destination variant of a FetchedOutput.
type Type int

const (
	// TypeWait means the allocator could not place the attempt yet; the
	// output carries no destination and the caller must retry later.
	TypeWait Type = iota
	// TypeMemory holds the payload in a pre-sized in-memory buffer.
	TypeMemory
	// TypeDisk streams the payload to a per-fetcher temp file.
	TypeDisk
)

func (t Type) String() string {
	switch t {
	case TypeWait:
		return "WAIT"
	case TypeMemory:
		return "MEMORY"
	case TypeDisk:
		return "DISK"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

type state int

const (
	stateReserved state = iota
	stateCommitted
	stateAborted
)

// idGen assigns process-wide identities; uniqueness within a run is all
// the ordering contract needs.
var idGen atomic.Int64

// Merger consumes committed outputs. CloseInMemoryFile takes ownership
// of the buffer; the merger releases the reservation later via the
// allocator's Unreserve.
type Merger interface {
	CloseInMemoryFile(out *FetchedOutput) error
	CloseOnDiskFile(path string) error
}

// TaskOutput hands out locally-unique canonical paths for on-disk
// attempt outputs.
type TaskOutput interface {
	InputFileForWrite(inputIndex int, size int64) (string, error)
}

// FetchedOutput is a reserved destination for exactly one attempt's
// payload. It moves from reserved to exactly one of committed or
// aborted; both are terminal.
type FetchedOutput struct {
	id      int64
	attempt shuffle.AttemptID
	size    int64
	typ     Type
	primary bool

	// exactly one of these is populated, matching typ
	data []byte
	file *os.File

	tmpPath string
	path    string

	merger    Merger
	allocator *Allocator
	log       *zap.Logger

	state state
}

// NewWaitOutput returns a placeholder destination telling the fetcher
// the attempt cannot be placed yet. It carries no buffer or file;
// Commit and Abort both reject it.
func NewWaitOutput(attempt shuffle.AttemptID) *FetchedOutput {
	return &FetchedOutput{
		id:      idGen.Add(1),
		attempt: attempt,
		typ:     TypeWait,
	}
}

// ID returns the stable identity used for equality and ordering ties.
func (o *FetchedOutput) ID() int64 { return o.id }

// Attempt returns the AttemptID this destination was reserved for.
func (o *FetchedOutput) Attempt() shuffle.AttemptID { return o.attempt }

// Size returns the uncompressed length the header promised.
func (o *FetchedOutput) Size() int64 { return o.size }

// Type returns the destination variant.
func (o *FetchedOutput) Type() Type { return o.typ }

// Primary reports whether this is the main output of the attempt, as
// opposed to a secondary or broadcast output.
func (o *FetchedOutput) Primary() bool { return o.primary }

// Bytes exposes the reserved memory buffer. Nil unless TypeMemory.
func (o *FetchedOutput) Bytes() []byte { return o.data }

// Writer exposes the disk destination stream. Nil unless TypeDisk.
func (o *FetchedOutput) Writer() io.Writer {
	if o.file == nil {
		return nil
	}
	return o.file
}

// Path returns the canonical output path. Empty unless TypeDisk.
func (o *FetchedOutput) Path() string { return o.path }

// TempPath returns the per-fetcher temp path. Empty unless TypeDisk.
func (o *FetchedOutput) TempPath() string { return o.tmpPath }

// Commit publishes the output to the merger. Memory buffers are handed
// over as in-memory segments; disk files are renamed from the temp path
// to the canonical path and announced. Commit on a WAIT output or on an
// already-terminal output is an error.
func (o *FetchedOutput) Commit() error {
	if o.state != stateReserved {
		return fmt.Errorf("commit %s: output already terminal", o)
	}
	switch o.typ {
	case TypeMemory:
		if err := o.merger.CloseInMemoryFile(o); err != nil {
			return fmt.Errorf("commit %s: %w", o, err)
		}
	case TypeDisk:
		if err := o.file.Close(); err != nil {
			return fmt.Errorf("commit %s: close temp: %w", o, err)
		}
		if err := os.Rename(o.tmpPath, o.path); err != nil {
			return fmt.Errorf("commit %s: rename: %w", o, err)
		}
		if err := o.merger.CloseOnDiskFile(o.path); err != nil {
			return fmt.Errorf("commit %s: %w", o, err)
		}
	default:
		return fmt.Errorf("commit %s: %w", o, shuffle.ErrWaitOutput)
	}
	o.state = stateCommitted
	return nil
}

// Abort releases the reservation. Memory returns its bytes to the
// allocator's budget; disk deletes the temp file best-effort, logging
// rather than propagating cleanup failures. Abort on a WAIT output is
// an error, mirroring Commit.
func (o *FetchedOutput) Abort() error {
	if o.state != stateReserved {
		return fmt.Errorf("abort %s: output already terminal", o)
	}
	switch o.typ {
	case TypeMemory:
		o.allocator.Unreserve(int64(len(o.data)))
	case TypeDisk:
		if err := o.file.Close(); err != nil {
			o.log.Info("closing aborted temp file failed", zap.String("path", o.tmpPath), zap.Error(err))
		}
		if err := os.Remove(o.tmpPath); err != nil {
			o.log.Info("failed to clean up temp file", zap.String("path", o.tmpPath), zap.Error(err))
		}
	default:
		return fmt.Errorf("abort %s: %w", o, shuffle.ErrWaitOutput)
	}
	o.state = stateAborted
	return nil
}

func (o *FetchedOutput) String() string {
	return fmt.Sprintf("output{id=%d, type=%s, %s}", o.id, o.typ, o.attempt)
}

// Less orders outputs by declared size ascending, breaking ties by
// identity ascending. Identities are monotonic, so the order is a total
// order stable across a run.
func Less(a, b *FetchedOutput) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.id < b.id
}
