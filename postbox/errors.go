package postbox

import "errors"

var (
	// ErrTruncatedInput means a read would run past the end of the buffer.
	ErrTruncatedInput = errors.New("truncated input")
	// ErrUnknownTag means a value tag byte outside the 0-13 range.
	ErrUnknownTag = errors.New("unknown value tag")
	// ErrUnsupportedRecordType means a message record whose discriminant is
	// not the "complete message" type; callers skip such records.
	ErrUnsupportedRecordType = errors.New("unsupported message record type")
	// ErrInvalidLength means a negative length or count prefix.
	ErrInvalidLength = errors.New("invalid length prefix")
)
