// Package fetch defines the segment-fetching contract the streaming core
// is built on: the value types shared across every layer, and the
// SegmentFetcher capability a provider implementation (pkg/nntp, or a
// fake in tests) satisfies.
package fetch

import (
	"context"
	"errors"
	"io"
	"time"
)

// SegmentId identifies one remote article. Opaque to the streaming core;
// pkg/nntp interprets it as a message-id.
type SegmentId string

// SegmentHeader is the declared placement of a segment within its file,
// obtainable without streaming the body.
type SegmentHeader struct {
	Id        SegmentId
	PartOffset int64
	PartSize   int64
	Date       time.Time
}

// Segment is a buffered, decoded byte payload. Data is drawn from
// pkg/bufpool and must be released back to it exactly once, by whichever
// code last holds it (the delivery task on drop, or the reader on consume).
type Segment struct {
	Id     SegmentId
	Data   []byte
	Length int
}

// SegmentFetcher is the capability a provider exposes: given a segment id,
// produce its header cheaply or its decoded body stream. The wire protocol
// and yEnc decoding are entirely behind this interface.
type SegmentFetcher interface {
	// GetSegmentHeader returns placement metadata without streaming the body.
	GetSegmentHeader(ctx context.Context, id SegmentId) (SegmentHeader, error)
	// GetSegmentStream returns a reader over the decoded article body, and
	// the header if fetchHeader is true (some wire protocols return both
	// for the price of one round trip; others need a second call).
	GetSegmentStream(ctx context.Context, id SegmentId, fetchHeader bool) (io.ReadCloser, *SegmentHeader, error)
}

// Kind classifies a fetch error for the retry/degradation state machine.
type Kind int

const (
	// KindUnknown is the zero value; ClassifyOf returns it for an error that
	// is not (and does not wrap) a *Error.
	KindUnknown Kind = iota
	KindArticleNotFound
	KindAuthFailed
	KindTimeout
	KindIO
	KindProtocolInvalid
	KindPoolExhausted
	KindSeekLoop
	KindCorruptStream
	KindSegmentMissing
	KindInvalidState
	KindInvalidData
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindArticleNotFound:
		return "ArticleNotFound"
	case KindAuthFailed:
		return "AuthFailed"
	case KindTimeout:
		return "Timeout"
	case KindIO:
		return "IO"
	case KindProtocolInvalid:
		return "ProtocolInvalid"
	case KindPoolExhausted:
		return "PoolExhausted"
	case KindSeekLoop:
		return "SeekLoop"
	case KindCorruptStream:
		return "CorruptStream"
	case KindSegmentMissing:
		return "SegmentMissing"
	case KindInvalidState:
		return "InvalidState"
	case KindInvalidData:
		return "InvalidData"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is a classified fetch error. It wraps an underlying cause where
// one exists, so errors.Is/errors.As still reach it.
type Error struct {
	Kind SegmentKind
	Err  error
}

// SegmentKind is an alias kept for readability at call sites that classify
// a segment-level failure; it is the same type as Kind.
type SegmentKind = Kind

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// ClassifyOf returns the Kind of err if it is (or wraps) a *Error, and
// KindUnknown otherwise.
func ClassifyOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Retryable reports whether a fetch error classified as kind should be
// retried by BufferedSegmentStream's per-segment retry loop, per spec
// section 4.4.3.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindIO, KindInvalidData, KindProtocolInvalid:
		return true
	default:
		return false
	}
}

// Permanent reports whether kind should short-circuit retries and proceed
// straight to degradation.
func Permanent(kind Kind) bool {
	return kind == KindArticleNotFound
}
