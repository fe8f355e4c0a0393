// Package dbretry classifies database errors into a small closed set of
// retryable categories so retry policy stays driver-agnostic. Callers never
// sniff driver error codes directly; they ask Classify and act on the class.
package dbretry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// Class is a coarse category of database failure.
type Class int

const (
	// ClassOther is any error with no retry guidance; surfaced as-is.
	ClassOther Class = iota
	// ClassConnectionClosed is a dropped or half-dead pooled connection.
	ClassConnectionClosed
	// ClassPoolTimeout is a pool checkout or statement deadline expiry.
	ClassPoolTimeout
	// ClassHostUnreachable means the target host cannot be reached at all.
	// Retrying will not help and only adds latency.
	ClassHostUnreachable
)

func (c Class) String() string {
	switch c {
	case ClassConnectionClosed:
		return "connection-closed"
	case ClassPoolTimeout:
		return "pool-timeout"
	case ClassHostUnreachable:
		return "host-unreachable"
	default:
		return "other"
	}
}

// Retryable reports whether a short backoff-and-retry is expected to help.
func (c Class) Retryable() bool {
	return c == ClassConnectionClosed || c == ClassPoolTimeout
}

// Classifier decides the failure class of a database error. Package-level var
// so deployments with unusual drivers can plug in their own.
var Classifier = defaultClassify

// Classify returns the failure class of err using the active Classifier.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	return Classifier(err)
}

func defaultClassify(err error) Class {
	// Unreachable hosts first: these must never be retried.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return ClassHostUnreachable
		case syscall.ECONNRESET, syscall.EPIPE:
			return ClassConnectionClosed
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassHostUnreachable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassPoolTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassPoolTimeout
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return ClassConnectionClosed
	}

	// Fall back to message fragments for drivers that flatten their errors.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"):
		return ClassHostUnreachable
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "unexpected eof"),
		strings.Contains(msg, "conn closed"),
		strings.Contains(msg, "bad connection"):
		return ClassConnectionClosed
	case strings.Contains(msg, "pool timeout"),
		strings.Contains(msg, "timeout: context"),
		strings.Contains(msg, "i/o timeout"):
		return ClassPoolTimeout
	}

	return ClassOther
}
