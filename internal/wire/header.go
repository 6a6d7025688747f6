// Package wire implements the per-attempt framing of the shuffle
// response body: a fixed header followed by exactly the compressed
// payload length it declares. All integers are big-endian; the path
// component is a length-prefixed UTF-8 string.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

// maxPathComponentLen bounds the header string so a corrupt length
// prefix cannot trigger a huge allocation.
const maxPathComponentLen = 4096

// Header is the fixed per-attempt header preceding each payload.
type Header struct {
	PathComponent   string
	CompressedLen   int64
	UncompressedLen int64
	Partition       int32
}

// ReadHeader decodes one Header from the stream. Any framing problem is
// reported as shuffle.ErrBadHeader; the caller cannot recover the
// stream position afterwards.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	var pathLen int32
	if err := binary.Read(r, binary.BigEndian, &pathLen); err != nil {
		return h, fmt.Errorf("%w: path length: %v", shuffle.ErrBadHeader, err)
	}
	if pathLen < 0 || pathLen > maxPathComponentLen {
		return h, fmt.Errorf("%w: path length %d out of range", shuffle.ErrBadHeader, pathLen)
	}
	path := make([]byte, pathLen)
	if _, err := io.ReadFull(r, path); err != nil {
		return h, fmt.Errorf("%w: path component: %v", shuffle.ErrBadHeader, err)
	}
	h.PathComponent = string(path)
	if err := binary.Read(r, binary.BigEndian, &h.CompressedLen); err != nil {
		return h, fmt.Errorf("%w: compressed length: %v", shuffle.ErrBadHeader, err)
	}
	if err := binary.Read(r, binary.BigEndian, &h.UncompressedLen); err != nil {
		return h, fmt.Errorf("%w: uncompressed length: %v", shuffle.ErrBadHeader, err)
	}
	if err := binary.Read(r, binary.BigEndian, &h.Partition); err != nil {
		return h, fmt.Errorf("%w: partition: %v", shuffle.ErrBadHeader, err)
	}
	return h, nil
}

// WriteHeader encodes h to the stream in the wire layout ReadHeader
// expects. Used by producers and by test servers.
func WriteHeader(w io.Writer, h Header) error {
	if len(h.PathComponent) > maxPathComponentLen {
		return fmt.Errorf("path component too long: %d bytes", len(h.PathComponent))
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(h.PathComponent))); err != nil {
		return fmt.Errorf("write path length: %w", err)
	}
	if _, err := io.WriteString(w, h.PathComponent); err != nil {
		return fmt.Errorf("write path component: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, h.CompressedLen); err != nil {
		return fmt.Errorf("write compressed length: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, h.UncompressedLen); err != nil {
		return fmt.Errorf("write uncompressed length: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, h.Partition); err != nil {
		return fmt.Errorf("write partition: %w", err)
	}
	return nil
}
