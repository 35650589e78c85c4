package jbig

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that the input path does not reference a regular file.
	ErrNotFound = errors.New("jbig: input file not found")
	// ErrInvalidArgument reports a stdin conversion without any input bytes.
	ErrInvalidArgument = errors.New("jbig: invalid argument")
	// ErrOutOfRange reports a buffer size outside [0, MaxBufferSize].
	ErrOutOfRange = errors.New("jbig: out of range")
	// ErrBadData reports a tool that exited non-zero or produced an undecodable bitmap.
	ErrBadData = errors.New("jbig: bad data")
	// ErrOutputTooLarge reports a tool whose stdout exceeded the buffer size.
	ErrOutputTooLarge = fmt.Errorf("%w: tool output exceeds buffer size", ErrOutOfRange)
)

// ToolError is returned when an external tool exits with a non-zero code.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("non-zero exit code (%d) returned from %s", e.ExitCode, e.Tool)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return ErrBadData
}
