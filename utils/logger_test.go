package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerDefaultArgs(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelDebug)

	ctx := WithDefaultArgs(context.Background(), "index", "words")
	ctx = WithDefaultArgs(ctx, "episode", 7)
	log.InfoCtx(ctx, "flushed", "keys", 3)

	out := buf.String()
	assert.Contains(t, out, "[mrindex] flushed")
	assert.Contains(t, out, "keys=3")
	assert.Contains(t, out, "index=words")
	assert.Contains(t, out, "episode=7")
}

func TestLoggerDefaultArgsDoNotLeak(t *testing.T) {
	base := WithDefaultArgs(context.Background(), "a", 1)
	one := WithDefaultArgs(base, "b", 2)
	two := WithDefaultArgs(base, "c", 3)
	assert.Equal(t, []any{"a", 1, "b", 2}, getDefaultArgs(one))
	assert.Equal(t, []any{"a", 1, "c", 3}, getDefaultArgs(two))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("WARN")
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	log := NopLogger()
	log.Error("nothing to see")
	log.ErrorCtx(context.Background(), "still nothing")
}
