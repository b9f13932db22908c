package logging

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestMultiHandler_FansOut(t *testing.T) {
	a, b := &syncBuffer{}, &syncBuffer{}
	h := NewMultiHandler(
		slog.NewTextHandler(a, nil),
		slog.NewJSONHandler(b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With("component", "engine")

	logger.Info("hello")
	logger.Warn("careful")

	assert.Contains(t, a.String(), "msg=hello")
	assert.Contains(t, a.String(), "msg=careful")
	assert.NotContains(t, b.String(), "hello")
	assert.Contains(t, b.String(), `"msg":"careful"`)
	assert.Contains(t, b.String(), `"component":"engine"`)
}

func TestMultiHandler_Enabled(t *testing.T) {
	h := NewMultiHandler(
		slog.NewTextHandler(&syncBuffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewTextHandler(&syncBuffer{}, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))

	assert.False(t, NewMultiHandler().Enabled(context.Background(), slog.LevelError))
}

func TestMultiHandler_ErrorDoesNotStopOthers(t *testing.T) {
	ok := &syncBuffer{}
	h := NewMultiHandler(
		slog.NewTextHandler(failingWriter{}, nil),
		slog.NewTextHandler(ok, nil),
	)

	r := slog.NewRecord(textTestTime, slog.LevelInfo, "still here", 0)
	err := h.Handle(context.Background(), r)

	assert.ErrorContains(t, err, "disk full")
	assert.Contains(t, ok.String(), `msg="still here"`)
}

func TestMultiHandler_WithGroup(t *testing.T) {
	a := &syncBuffer{}
	h := NewMultiHandler(slog.NewTextHandler(a, nil))

	slog.New(h.WithGroup("req")).Info("m", "id", 1)
	assert.Contains(t, a.String(), "req.id=1")
}
