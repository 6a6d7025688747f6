package fetcher

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/quarrylab/shufflefetch/internal/codec"
	"github.com/quarrylab/shufflefetch/internal/httpconn"
	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

// Builder accumulates the per-run collaborators shared by every fetcher
// the runner spawns. AssignWork binds one host's batch and yields the
// only type that can Build, so an unassigned fetcher cannot exist.
type Builder struct {
	cb        Callback
	allocator Allocator
	appID     string
	secret    []byte

	codec          codec.Codec
	readAhead      bool
	readAheadBytes int
	params         httpconn.Params

	log *zap.Logger
}

// NewBuilder wires the collaborators every fetcher needs.
func NewBuilder(cb Callback, allocator Allocator, appID string, secret []byte) *Builder {
	return &Builder{
		cb:        cb,
		allocator: allocator,
		appID:     appID,
		secret:    secret,
		codec:     codec.Identity(),
	}
}

// WithCodec sets the decompression codec for in-memory placements.
func (b *Builder) WithCodec(c codec.Codec) *Builder {
	b.codec = c
	return b
}

// WithConnectionParams sets timeouts, keep-alive, buffering, and SSL.
func (b *Builder) WithConnectionParams(p httpconn.Params) *Builder {
	b.params = p
	return b
}

// WithReadAhead enables buffered readahead of the response stream while
// decompressing into memory.
func (b *Builder) WithReadAhead(enabled bool, bytes int) *Builder {
	b.readAhead = enabled
	b.readAheadBytes = bytes
	return b
}

func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.log = log
	return b
}

// AssignWork binds one host's partition batch. The batch is the
// caller's slice; the builder does not copy it.
func (b *Builder) AssignWork(host string, port, partition int, batch []shuffle.AttemptID) *AssignedBuilder {
	return &AssignedBuilder{
		builder:   b,
		host:      host,
		port:      port,
		partition: partition,
		batch:     batch,
	}
}

// AssignedBuilder is a Builder with work attached.
type AssignedBuilder struct {
	builder   *Builder
	host      string
	port      int
	partition int
	batch     []shuffle.AttemptID
}

// Build constructs the fetcher. Each call mints a fresh process-unique
// id, so building twice from the same assignment gives two independent
// fetchers.
func (ab *AssignedBuilder) Build() *Fetcher {
	b := ab.builder
	log := b.log
	if log == nil {
		log = zap.NewNop()
	}
	id := int(fetcherIDGen.Add(1))
	return &Fetcher{
		cb:        b.cb,
		allocator: b.allocator,
		appID:     b.appID,
		secret:    b.secret,

		codec:          b.codec,
		readAhead:      b.readAhead,
		readAheadBytes: b.readAheadBytes,
		params:         b.params,

		host:      ab.host,
		port:      ab.port,
		partition: ab.partition,
		batch:     ab.batch,

		id:    id,
		ident: fmt.Sprintf("fetcher [%s:%d] %d", ab.host, ab.port, id),
		log:   log,
	}
}
