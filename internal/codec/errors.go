package codec

// ============================================================================
// Codec Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches every malformed or truncated payload
	ErrDecode = errors.New("codec: malformed payload")

	// ErrSchemaMismatch matches state width disagreements between peers
	ErrSchemaMismatch = errors.New("codec: state schema mismatch")
)

// DecodeError reports where decoding stopped
type DecodeError struct {
	Offset int64  // byte offset of the failed read
	Field  string // field being read
	Cause  error  // underlying read error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s at offset %d: %v", e.Field, e.Offset, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// SchemaMismatchError reports a state block whose width differs from the codec's
type SchemaMismatchError struct {
	Expected int // width declared by the state codec
	Actual   int // width found
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("codec: state width mismatch (expected=%d, got=%d)", e.Expected, e.Actual)
}

func (e *SchemaMismatchError) Is(target error) bool { return target == ErrSchemaMismatch }
