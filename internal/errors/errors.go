// Package errors defines the error taxonomy shared across the collection
// pipeline. Each type carries enough context to name the exchange, operation
// and data type involved, and supports errors.Is/errors.As matching so
// callers can branch on category without string inspection.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ConnectivityError reports a failed upstream exchange request: transport
// failures, timeouts, non-2xx responses and undecodable payloads.
type ConnectivityError struct {
	Exchange string
	Endpoint string
	Status   int
	Err      error
}

func (e *ConnectivityError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: request to %s failed with status %d: %v", e.Exchange, e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: request to %s failed: %v", e.Exchange, e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

func (e *ConnectivityError) Is(target error) bool {
	_, ok := target.(*ConnectivityError)
	return ok
}

// NewConnectivityError wraps an upstream request failure. Status is the HTTP
// status code, or zero when the request never produced a response.
func NewConnectivityError(exchange, endpoint string, status int, err error) *ConnectivityError {
	return &ConnectivityError{Exchange: exchange, Endpoint: endpoint, Status: status, Err: err}
}

// NotInitializedError reports use of an adapter before its market metadata
// was loaded.
type NotInitializedError struct {
	Exchange string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("%s: adapter not initialized, call Initialize first", e.Exchange)
}

func (e *NotInitializedError) Is(target error) bool {
	_, ok := target.(*NotInitializedError)
	return ok
}

// CollectionError reports a collection operation that failed after retries
// were exhausted. It wraps the final attempt's error.
type CollectionError struct {
	Exchange string
	DataType string
	Attempts int
	Err      error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("%s: %s collection failed after %d attempts: %v", e.Exchange, e.DataType, e.Attempts, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

func (e *CollectionError) Is(target error) bool {
	_, ok := target.(*CollectionError)
	return ok
}

// NewCollectionError marks a data type's collection as failed for this run.
func NewCollectionError(exchange, dataType string, attempts int, err error) *CollectionError {
	return &CollectionError{Exchange: exchange, DataType: dataType, Attempts: attempts, Err: err}
}

// InvalidArgumentError reports a caller-side mistake: an unknown exchange or
// data type name, or parameters outside their allowed range. Never retried.
type InvalidArgumentError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidArgumentError) Is(target error) bool {
	_, ok := target.(*InvalidArgumentError)
	return ok
}

// NewInvalidArgument rejects a bad parameter value.
func NewInvalidArgument(field, value, reason string) *InvalidArgumentError {
	return &InvalidArgumentError{Field: field, Value: value, Reason: reason}
}

// PersistenceError reports a failed database write.
type PersistenceError struct {
	Table string
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s on %s failed: %v", e.Op, e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	_, ok := target.(*PersistenceError)
	return ok
}

// NewPersistenceError wraps a database write failure.
func NewPersistenceError(table, op string, err error) *PersistenceError {
	return &PersistenceError{Table: table, Op: op, Err: err}
}

// IsRetryable reports whether an error is worth another attempt. Transport
// errors, timeouts, rate limiting and 5xx responses are transient; argument
// and initialization errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var invalid *InvalidArgumentError
	if errors.As(err, &invalid) {
		return false
	}
	var notInit *NotInitializedError
	if errors.As(err, &notInit) {
		return false
	}

	var conn *ConnectivityError
	if errors.As(err, &conn) {
		if conn.Status >= 400 && conn.Status < 500 && conn.Status != 429 {
			return false
		}
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"too many requests",
		"rate limit",
		"service unavailable",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
