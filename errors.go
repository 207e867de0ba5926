package blksnap

import "github.com/veeam/blksnap-go/internal/errs"

// Error is the structured error returned across the snapshot engine's
// public surface: control ops, tracker ops, and image I/O all wrap
// their failures in one of these so callers can branch on Code rather
// than string-matching. It is a re-export of internal/errs.Error so
// that internal components (which the root package imports) can
// construct properly-coded errors directly, without importing back
// into the root package.
type Error = errs.Error

// Code is the high-level error kind, per the error-handling design:
// every failure the engine surfaces reduces to one of these.
type Code = errs.Code

const (
	CodeNotFound      = errs.NotFound
	CodeAlreadyExists = errs.AlreadyExists
	CodeInvalidArg    = errs.InvalidArg
	CodeBusy          = errs.Busy
	CodeAgain         = errs.Again
	CodeNoSpace       = errs.NoSpace
	CodeIO            = errs.IO
	CodeInterrupted   = errs.Interrupted
	CodeCorrupted     = errs.Corrupted
)

// NewError builds a bare structured error.
func NewError(op string, code Code, msg string) *Error { return errs.New(op, code, msg) }

// NewSnapshotError builds an error scoped to a snapshot.
func NewSnapshotError(op, snapshot string, code Code, msg string) *Error {
	return errs.NewSnapshot(op, snapshot, code, msg)
}

// NewChunkError builds an error scoped to a specific chunk of a device.
func NewChunkError(op string, device uint32, chunkNum uint64, code Code, msg string) *Error {
	return errs.NewChunk(op, device, chunkNum, code, msg)
}

// WrapError wraps an arbitrary error with operation context, mapping
// syscall errnos to a Code where it can.
func WrapError(op string, inner error) *Error { return errs.Wrap(op, inner) }

// IsCode reports whether err (or something it wraps) carries the given Code.
func IsCode(err error, code Code) bool { return errs.Is(err, code) }
