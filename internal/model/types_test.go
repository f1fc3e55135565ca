package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateBlockValueUnderLimitUnchanged(t *testing.T) {
	value := "short block"
	assert.Equal(t, value, TruncateBlockValue(value))
}

func TestTruncateBlockValueCutsOnRuneBoundary(t *testing.T) {
	// A multi-byte rune ("日") repeated past the limit: truncating by byte
	// count would split one of these runes in half and corrupt the result.
	value := strings.Repeat("日", MemoryBlockMaxChars+10)
	truncated := TruncateBlockValue(value)

	assert.True(t, strings.HasSuffix(truncated, TruncationMarker))
	body := strings.TrimSuffix(truncated, TruncationMarker)
	assert.Equal(t, MemoryBlockMaxChars, len([]rune(body)))
	assert.True(t, strings.Count(body, "日") == MemoryBlockMaxChars, "truncation must not split a multi-byte rune")
}
