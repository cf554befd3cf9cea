package stringutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", TruncateString("hello", 10))
	assert.Equal(t, "hel", TruncateString("hello", 3))
	assert.Equal(t, "", TruncateString("", 5))
}

func TestTruncateStringWithEllipsis(t *testing.T) {
	assert.Equal(t, "hello", TruncateStringWithEllipsis("hello", 10))
	assert.Equal(t, "hello w...", TruncateStringWithEllipsis("hello world", 10))
	// Below the ellipsis threshold it falls back to a hard cut.
	assert.Equal(t, "hel", TruncateStringWithEllipsis("hello", 3))
}

func TestTruncateRunes(t *testing.T) {
	t.Run("short string unchanged", func(t *testing.T) {
		assert.Equal(t, "héllo", TruncateRunes("héllo", 5))
	})

	t.Run("truncates by runes not bytes", func(t *testing.T) {
		got := TruncateRunes("ééééé", 3)
		assert.Equal(t, "ééé…", got)
	})

	t.Run("zero max", func(t *testing.T) {
		assert.Equal(t, "", TruncateRunes("hello", 0))
	})
}

func TestNormalizeWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeWhitespace("  a\n\tb   c  "))
	assert.Equal(t, "", NormalizeWhitespace("  \n\t "))
}

func TestSnippet(t *testing.T) {
	got := Snippet("error:\n   file not found\n\tat line 3", 22)
	assert.Equal(t, "error: file not found ", got)
	assert.LessOrEqual(t, len(got), 22)
}
