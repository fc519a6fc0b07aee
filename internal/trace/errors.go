package trace

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Error class constants for trace write failure classification.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// ClassifyWriteError maps a trace write error to one of the defined classes
// so drop diagnostics report failure categories instead of opaque Go types.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return WriteErrorClassTimeout
		}
		return WriteErrorClassConnection
	}

	// Driver errors usually arrive as wrapped strings; match the common
	// sqlite and postgres phrasings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return WriteErrorClassConnection
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return WriteErrorClassTimeout
	case strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "database is locked"):
		return WriteErrorClassContention
	case strings.Contains(msg, "violates unique constraint"),
		strings.Contains(msg, "violates foreign key constraint"),
		strings.Contains(msg, "violates check constraint"),
		strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "unique constraint failed"):
		return WriteErrorClassConstraint
	}

	return WriteErrorClassUnknown
}
