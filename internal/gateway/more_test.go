package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMoreBufferChunks(t *testing.T) {
	var b MoreBuffer
	text := strings.Repeat("a", 200) + strings.Repeat("b", 200) + strings.Repeat("c", 50)

	assert.Equal(t, strings.Repeat("a", 200)+" (2 ~more)", b.Split(text))

	next, ok := b.Next()
	assert.True(t, ok)
	assert.Equal(t, strings.Repeat("b", 200)+" (1 ~more)", next)

	next, ok = b.Next()
	assert.True(t, ok)
	assert.Equal(t, strings.Repeat("c", 50)+" (0 ~more)", next)

	_, ok = b.Next()
	assert.False(t, ok)
}

func TestMoreBufferCountsCharacters(t *testing.T) {
	var b MoreBuffer
	text := strings.Repeat("é", 250)

	first := b.Split(text)
	assert.Equal(t, strings.Repeat("é", 200)+" (1 ~more)", first)
	assert.Equal(t, 50, b.Pending())
}

func TestMoreBufferShortReplyClears(t *testing.T) {
	var b MoreBuffer
	b.Split(strings.Repeat("x", 300))
	assert.Equal(t, 100, b.Pending())

	assert.Equal(t, "short", b.Split("short"))
	assert.Zero(t, b.Pending())
	_, ok := b.Next()
	assert.False(t, ok)
}
