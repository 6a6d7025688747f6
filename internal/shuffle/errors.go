package shuffle

import "errors"

// Error kinds used for failure attribution. Callers classify with
// errors.Is; the concrete message carries the detail.
var (
	// ErrConnect covers DNS, TCP, TLS, and HMAC signing failures while
	// establishing the connection. Attributed to the host, not to
	// individual attempts.
	ErrConnect = errors.New("shuffle: connect failed")

	// ErrValidation covers the first read after connect: an unreadable
	// response or a reply hash that does not match.
	ErrValidation = errors.New("shuffle: response validation failed")

	// ErrBadHeader marks a malformed attempt header. The stream position
	// is unrecoverable, so the fetcher cannot tell which attempt the bad
	// bytes belonged to.
	ErrBadHeader = errors.New("shuffle: malformed attempt header")

	// ErrWrongPartition marks a well-formed header carrying data for a
	// partition this fetcher did not ask for.
	ErrWrongPartition = errors.New("shuffle: header for wrong partition")

	// ErrUnexpectedAttempt marks a header whose path component does not
	// resolve to an attempt still awaiting fetch.
	ErrUnexpectedAttempt = errors.New("shuffle: header for unexpected attempt")

	// ErrPayloadIO covers short reads, decompression failures, and write
	// failures while draining an attempt's payload.
	ErrPayloadIO = errors.New("shuffle: payload i/o failed")

	// ErrAlloc marks a failure to reserve a destination for an attempt,
	// typically disk file creation.
	ErrAlloc = errors.New("shuffle: output allocation failed")

	// ErrWaitOutput is returned when committing or aborting a WAIT
	// output, which carries no destination.
	ErrWaitOutput = errors.New("shuffle: output is in wait state")
)
