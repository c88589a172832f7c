package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromReturnsEmbeddedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := With(context.Background(), logger)
	assert.Same(t, logger, From(ctx))

	From(ctx).Info("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestFromFallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), From(context.Background()))
}
