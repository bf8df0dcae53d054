package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type kindErr struct{ kind Kind }

func (e kindErr) Error() string     { return "custom" }
func (e kindErr) FailureKind() Kind { return e.kind }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"timeout text", errors.New("read: Timeout awaiting headers"), KindTimeout},
		{"connection refused", errors.New(`Get "http://x": dial tcp 127.0.0.1:1: connect: connection refused`), KindConnection},
		{"proxy", errors.New("proxyconnect tcp: refused"), KindConnection},
		{"status", errors.New("unexpected HTTP 503 for crawl-data/x"), KindHTTP},
		{"parse", errors.New("malformed record header"), KindParse},
		{"self classified", fmt.Errorf("wrapped: %w", kindErr{kind: KindParse}), KindParse},
		{"unknown", errors.New("something odd"), KindUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyOrderTimeoutBeforeConnection(t *testing.T) {
	t.Parallel()

	err := errors.New("network connection timed out")
	require.Equal(t, KindTimeout, Classify(err))
}
