package messages

import "github.com/pkg/errors"

// ErrorCode enumerates the error codes exposed across the replication core
// (spec §6). Internal errors carry one of these as their root cause so
// callers can recover the code with CodeOf without string matching.
type ErrorCode int

const (
	Ok ErrorCode = iota
	FileOperationFailed
	HandleEOF
	InvalidData
	WrongChecksum
	ObjectNotFound
	InvalidState
	GetLearnStateFailed
	LocalAppFailure
	MissingSegment
)

func (c ErrorCode) String() string {
	switch c {
	case Ok:
		return "ok"
	case FileOperationFailed:
		return "file_operation_failed"
	case HandleEOF:
		return "eof"
	case InvalidData:
		return "invalid_data"
	case WrongChecksum:
		return "wrong_checksum"
	case ObjectNotFound:
		return "object_not_found"
	case InvalidState:
		return "invalid_state"
	case GetLearnStateFailed:
		return "get_learn_state_failed"
	case LocalAppFailure:
		return "local_app_failure"
	case MissingSegment:
		return "missing_segment"
	default:
		return "unknown"
	}
}

// codeError pairs a sentinel ErrorCode with a human message so it can be
// wrapped by pkg/errors and still recovered by CodeOf.
type codeError struct {
	code ErrorCode
	msg  string
}

func (e *codeError) Error() string { return e.code.String() + ": " + e.msg }

// NewError builds an error carrying code, suitable for errors.Wrap at the
// call site.
func NewError(code ErrorCode, msg string) error {
	return &codeError{code: code, msg: msg}
}

// Errorf builds a NewError with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) error {
	return &codeError{code: code, msg: errors.Errorf(format, args...).Error()}
}

// CodeOf unwraps err looking for the root codeError and returns its code,
// or Ok if err is nil, or FileOperationFailed if err carries no code (an
// unexpected, unclassified failure).
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Ok
	}
	for err != nil {
		if ce, ok := err.(*codeError); ok {
			return ce.code
		}
		err = errors.Unwrap(err)
	}
	return FileOperationFailed
}
