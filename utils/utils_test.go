package utils

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	base := errors.New("disk full")
	wrapped := WrapError(base, "persist lease table")

	assert.ErrorIs(t, wrapped, base)
	assert.Contains(t, wrapped.Error(), "persist lease table")

	assert.EqualError(t, WrapError(nil, "bare context"), "bare context")
}

func TestLogger_FieldsAndLevels(t *testing.T) {
	var out bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:     WARN,
		Component: "test",
		Output:    &out,
	})

	logger.Info("below threshold")
	assert.Empty(t, out.String())

	logger.Warn("ring saturated", Uint32("fill", 512), String("region", "Inbox"))
	line := out.String()
	assert.Contains(t, line, "[test]")
	assert.Contains(t, line, "ring saturated")
	assert.Contains(t, line, "fill=512")
	assert.Contains(t, line, `region="Inbox"`)
}

func TestLogger_WithComponent(t *testing.T) {
	var out bytes.Buffer
	parent := NewLogger(LoggerConfig{Level: INFO, Component: "parent", Output: &out})
	child := parent.WithComponent("child")

	child.Info("scoped")
	assert.Contains(t, out.String(), "[child]")
}

func TestNewIDWithPrefix(t *testing.T) {
	id := NewIDWithPrefix("cap")
	require.True(t, strings.HasPrefix(id, "cap-"))
	assert.NotEqual(t, id, NewIDWithPrefix("cap"))
}
