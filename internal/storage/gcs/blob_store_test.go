package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		in     string
		want   string
	}{
		{prefix: "", in: "report.json", want: "report.json"},
		{prefix: "runs/", in: "report.json", want: "runs/report.json"},
		{prefix: "/runs/2024/", in: "/report.csv", want: "runs/2024/report.csv"},
	}
	for _, tc := range tests {
		t.Run(tc.prefix+tc.in, func(t *testing.T) {
			t.Parallel()

			store, err := New(&storage.Client{}, Config{Bucket: "bucket", Prefix: tc.prefix})
			require.NoError(t, err)
			assert.Equal(t, tc.want, store.ObjectName(tc.in))
		})
	}
}
