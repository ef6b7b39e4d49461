package testrun

import (
	"errors"
	"fmt"
)

var (
	// ErrUnrecognizedFormat is returned when no registered parser
	// recognizes a log.
	ErrUnrecognizedFormat = errors.New("unrecognized log format")

	// ErrNoTestSection is returned by a parser whose signature matched but
	// which found no test results section at all.
	ErrNoTestSection = errors.New("no test section found")

	// ErrCollaboratorTimeout marks a log fetch that timed out.
	ErrCollaboratorTimeout = errors.New("collaborator timed out")

	// ErrCollaboratorFailed marks a log fetch that failed.
	ErrCollaboratorFailed = errors.New("collaborator failed")
)

// ParseError is returned when a parser recognized a log but could not
// produce a record from it.
type ParseError struct {
	Format string
	Err    error
}

// Error implements error.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s log: %v", e.Format, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}
