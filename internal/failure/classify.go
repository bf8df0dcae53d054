package failure

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind is a coarse classification of why an attempt failed.
type Kind string

// Failure kinds. Unknown is a first-class kind, not an error.
const (
	KindTimeout    Kind = "timeout"
	KindConnection Kind = "connection_error"
	KindHTTP       Kind = "http_error"
	KindParse      Kind = "parse_error"
	KindUnknown    Kind = "unknown"
)

// Classifier lets an error report its own kind.
type Classifier interface {
	FailureKind() Kind
}

// Substring hints checked against the lowercased error text, in the order the
// kinds are listed in Classify. The lists are best-effort and may be extended.
var (
	TimeoutHints    = []string{"timeout", "timed out", "deadline exceeded"}
	ConnectionHints = []string{"connection", "network", "proxyconnect", "no such host", "dial tcp", "broken pipe", "eof"}
	HTTPHints       = []string{"http", "status"}
	ParseHints      = []string{"parse", "decode", "malformed", "invalid"}
)

// Classify maps err to a Kind. Typed checks run first, then substring hints in
// the order timeout, connection, HTTP/status, parse. The first match wins.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.FailureKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, TimeoutHints):
		return KindTimeout
	case containsAny(msg, ConnectionHints):
		return KindConnection
	case containsAny(msg, HTTPHints):
		return KindHTTP
	case containsAny(msg, ParseHints):
		return KindParse
	default:
		return KindUnknown
	}
}

func containsAny(msg string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}
