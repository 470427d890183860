package interpreter

import (
	"context"
	"fmt"
)

// Status is the completion state of a paragraph execution
type Status string

const (
	// StatusRunning - execution accepted and not yet complete
	StatusRunning Status = "RUNNING"
	// StatusFinished - execution completed successfully
	StatusFinished Status = "FINISHED"
	// StatusError - execution failed
	StatusError Status = "ERROR"
)

// Terminal returns true if no further transitions can happen
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError
}

// ParseStatus converts a wire string into a Status
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusRunning, StatusFinished, StatusError:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown execution status: %q", s)
	}
}

// Request is a single paragraph run forwarded to an interpreter process.
// Session tags the execution context inside the process; Payload is opaque
// to the lifecycle manager.
type Request struct {
	Session     string
	NoteID      string
	ParagraphID string
	Payload     string
}

// Result is the response of an interpreter process
type Result struct {
	Status Status
	Output string
}

// Conn is a connection to a running interpreter process
type Conn interface {
	// Execute runs a request and blocks until the process answers
	Execute(ctx context.Context, req *Request) (*Result, error)

	// Ping performs the readiness/liveness handshake
	Ping(ctx context.Context) error

	// Close releases the connection (not the process)
	Close() error
}
