package model

import (
	"errors"
	"fmt"
)

// StatementExecutionError is the single failure kind for planning,
// validation, lowering and engine execution problems.
type StatementExecutionError struct {
	Message string
	Cause   error
}

func (e *StatementExecutionError) Error() string {
	if e.Cause != nil && e.Message != "" {
		return e.Message + ": " + e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

func (e *StatementExecutionError) Unwrap() error { return e.Cause }

// NewStatementExecutionError wraps cause into a StatementExecutionError.
func NewStatementExecutionError(msg string, cause error) *StatementExecutionError {
	return &StatementExecutionError{Message: msg, Cause: cause}
}

// StatementExecutionErrorf builds a StatementExecutionError from a format.
func StatementExecutionErrorf(format string, args ...any) *StatementExecutionError {
	return &StatementExecutionError{Message: fmt.Sprintf(format, args...)}
}

// NotLeaderError signals that the target table space's leadership moved to
// another node. Clients should redirect; the session attaches the notLeader
// marker when it sees one.
type NotLeaderError struct {
	TableSpace string
	LeaderID   string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID != "" {
		return fmt.Sprintf("not leader for tablespace %s, leader is %s", e.TableSpace, e.LeaderID)
	}
	return fmt.Sprintf("not leader for tablespace %s", e.TableSpace)
}

// IsNotLeader reports whether err carries a not-leader signal.
func IsNotLeader(err error) bool {
	var nl *NotLeaderError
	return errors.As(err, &nl)
}

// DataScannerError is a failure while draining a cursor.
type DataScannerError struct {
	Message string
	Cause   error
}

func (e *DataScannerError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *DataScannerError) Unwrap() error { return e.Cause }
