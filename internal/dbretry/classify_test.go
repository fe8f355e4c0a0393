package dbretry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestClassifySyscallErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ClassHostUnreachable},
		{"host unreachable", &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, ClassHostUnreachable},
		{"net unreachable", &net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, ClassHostUnreachable},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, ClassConnectionClosed},
		{"pipe", &net.OpError{Op: "write", Err: syscall.EPIPE}, ClassConnectionClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyStdlibErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"deadline", context.DeadlineExceeded, ClassPoolTimeout},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), ClassPoolTimeout},
		{"conn done", sql.ErrConnDone, ClassConnectionClosed},
		{"bad conn", driver.ErrBadConn, ClassConnectionClosed},
		{"eof", io.EOF, ClassConnectionClosed},
		{"dns", &net.DNSError{Err: "no such host", Name: "db.internal"}, ClassHostUnreachable},
		{"plain", errors.New("syntax error"), ClassOther},
		{"nil", nil, ClassOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyMessageFragments(t *testing.T) {
	cases := []struct {
		msg  string
		want Class
	}{
		{"driver: connection refused by peer", ClassHostUnreachable},
		{"read tcp: connection reset by peer", ClassConnectionClosed},
		{"write: broken pipe", ClassConnectionClosed},
		{"pgconn: conn closed", ClassConnectionClosed},
		{"acquire: pool timeout", ClassPoolTimeout},
		{"dial tcp: i/o timeout", ClassPoolTimeout},
		{"duplicate key value violates unique constraint", ClassOther},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !ClassConnectionClosed.Retryable() {
		t.Error("connection-closed should be retryable")
	}
	if !ClassPoolTimeout.Retryable() {
		t.Error("pool-timeout should be retryable")
	}
	if ClassHostUnreachable.Retryable() {
		t.Error("host-unreachable must not be retryable")
	}
	if ClassOther.Retryable() {
		t.Error("other must not be retryable")
	}
}

func TestPluggableClassifier(t *testing.T) {
	orig := Classifier
	defer func() { Classifier = orig }()

	Classifier = func(err error) Class { return ClassPoolTimeout }
	if got := Classify(errors.New("anything")); got != ClassPoolTimeout {
		t.Errorf("custom classifier ignored, got %s", got)
	}
}
