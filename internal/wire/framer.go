package wire

import (
	"bufio"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/quarrylab/shufflefetch/internal/codec"
	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

// ShuffleToMemory decompresses exactly compressedLen payload bytes from
// the stream into dst, which must already be sized to the declared
// uncompressed length. The producer delivering fewer or more bytes than
// declared, on either side of the codec, is a payload i/o error. The
// read never consumes past compressedLen, so the stream stays aligned
// on the next header.
func ShuffleToMemory(dst []byte, r io.Reader, compressedLen int64, c codec.Codec, readAhead bool, readAheadBytes int, log *zap.Logger, ident string) error {
	lr := &io.LimitedReader{R: r, N: compressedLen}
	var src io.Reader = lr
	var buffered *bufio.Reader
	if readAhead && readAheadBytes > 0 {
		buffered = bufio.NewReaderSize(lr, readAheadBytes)
		src = buffered
	}
	dec, err := c.NewReader(src)
	if err != nil {
		return fmt.Errorf("%w: open %s reader for %s: %v", shuffle.ErrPayloadIO, c.Name(), ident, err)
	}
	defer dec.Close()

	if _, err := io.ReadFull(dec, dst); err != nil {
		return fmt.Errorf("%w: read payload for %s: %v", shuffle.ErrPayloadIO, ident, err)
	}
	// The decompressed stream must end exactly at the declared length.
	var extra [1]byte
	if n, err := dec.Read(extra[:]); n > 0 {
		return fmt.Errorf("%w: payload for %s longer than declared %d bytes", shuffle.ErrPayloadIO, ident, len(dst))
	} else if err != nil && err != io.EOF {
		return fmt.Errorf("%w: trailing read for %s: %v", shuffle.ErrPayloadIO, ident, err)
	}
	unconsumed := lr.N
	if buffered != nil {
		unconsumed += int64(buffered.Buffered())
	}
	if unconsumed > 0 {
		return fmt.Errorf("%w: payload for %s left %d compressed bytes unconsumed", shuffle.ErrPayloadIO, ident, unconsumed)
	}
	if log != nil {
		log.Debug("shuffled attempt to memory",
			zap.String("attempt", ident),
			zap.Int("uncompressed_len", len(dst)),
			zap.Int64("compressed_len", compressedLen))
	}
	return nil
}

// ShuffleToDisk copies exactly compressedLen payload bytes verbatim to
// the destination stream. No decompression happens here; the merger
// decompresses on read.
func ShuffleToDisk(dst io.Writer, r io.Reader, compressedLen int64, log *zap.Logger, ident string) error {
	n, err := io.CopyN(dst, r, compressedLen)
	if err != nil {
		return fmt.Errorf("%w: copied %d of %d bytes for %s: %v", shuffle.ErrPayloadIO, n, compressedLen, ident, err)
	}
	if log != nil {
		log.Debug("shuffled attempt to disk",
			zap.String("attempt", ident),
			zap.Int64("compressed_len", compressedLen))
	}
	return nil
}
