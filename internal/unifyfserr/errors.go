// Package unifyfserr defines the error taxonomy shared by every core
// component: resource exhaustion, KV backend failure, short reads, and
// structural corruption (see spec §7).
package unifyfserr

import "errors"

var (
	// ErrResourceExhausted is returned when a segment-tree node or a
	// shared-memory region cannot be allocated. Fatal to the operation.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrKVBackend collapses any negative per-shard error in a batch put
	// or range-get into a single whole-batch failure.
	ErrKVBackend = errors.New("metadata kv backend error")

	// ErrShortRead indicates a range-get returned zero bindings for part
	// of the requested sub-range: a hole. The caller returns the covered
	// prefix plus this error.
	ErrShortRead = errors.New("short read: hole in extent coverage")

	// ErrNotFound indicates a point lookup (attribute, offset) found no
	// entry at all.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt marks a protocol/structural violation such as an
	// overlapping pair discovered during segment-tree iteration. The
	// process that detects this should treat it as a bug and abort the
	// operation rather than silently continuing.
	ErrCorrupt = errors.New("structural invariant violated")
)
