package engine

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFmtLogger_WritesFormattedLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewFmtLogger(&buf)
	logger.WithFields(map[string]any{"b": 2, "a": 1}).Info("hello %s", "world")

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "a=1 b=2", "fields are rendered sorted by key")
}

func TestReplayWatermark_IsReplayingUntilCaughtUp(t *testing.T) {
	mark := newReplayWatermark(2)
	assert.True(t, mark.isReplaying())
	mark.advance()
	assert.True(t, mark.isReplaying())
	mark.advance()
	assert.False(t, mark.isReplaying(), "matched == total means the pass has caught up to live decisions")
	mark.advance()
	assert.False(t, mark.isReplaying())
}

func TestReplaySafeLogger_SuppressesDuringReplayOnly(t *testing.T) {
	var buf bytes.Buffer
	mark := newReplayWatermark(1)
	logger := newReplaySafeLogger(NewFmtLogger(&buf), mark)

	logger.Info("replayed decision")
	assert.Empty(t, buf.String(), "emissions issued while still behind history are dropped")

	mark.advance()
	logger.Info("live decision")
	assert.True(t, strings.Contains(buf.String(), "live decision"))
	assert.False(t, strings.Contains(buf.String(), "replayed decision"))
}
