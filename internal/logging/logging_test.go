package logging

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"  trace ", zerolog.TraceLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, parseLevel(tc.in), "level %q", tc.in)
	}
}

func TestWithRequestIDGenerates(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))
}

func TestWithRequestIDHonorsIncoming(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  abc-123 ")
	assert.Equal(t, "abc-123", id)
	assert.Equal(t, "abc-123", RequestID(ctx))
}

func TestRequestIDMissing(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.Empty(t, RequestID(nil))
}
