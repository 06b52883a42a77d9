package lsf

import (
	"errors"
	"fmt"
)

// Log-structured file errors
var (
	ErrHeaderMissing   = errors.New("file header missing")
	ErrEmptyFile       = errors.New("empty file")
	ErrIncompleteWrite = errors.New("incomplete write: file does not end with an index")
	ErrCorruptEntry    = errors.New("corrupt log entry")
)

// FormatError reports a file that cannot be used because its contents are
// malformed. It unwraps to one of the sentinel errors above.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("failed to open log structured file %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatError(path string, sentinel error, cause error) error {
	if cause == nil {
		return &FormatError{Path: path, Err: sentinel}
	}
	return &FormatError{Path: path, Err: fmt.Errorf("%w: %w", sentinel, cause)}
}
