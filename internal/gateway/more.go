package gateway

import (
	"fmt"
	"sync"
)

// chunkSize is the longest reply sent in one PRIVMSG, in characters.
const chunkSize = 200

// MoreBuffer holds the unsent tail of the last over-long reply. There is
// one per gateway: a new long reply replaces whatever tail was pending,
// whoever asked for it.
type MoreBuffer struct {
	mu   sync.Mutex
	rest []rune
}

// Split returns what to send for text now. Anything past chunkSize is kept
// for Next and the returned slice ends with " (<n> ~more)". A short reply
// clears the buffer.
func (b *MoreBuffer) Split(text string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	runes := []rune(text)
	if len(runes) <= chunkSize {
		b.rest = nil
		return text
	}
	b.rest = runes[chunkSize:]
	return withCounter(runes[:chunkSize], len(b.rest))
}

// Next returns the next slice of the pending tail, or false if there is
// none.
func (b *MoreBuffer) Next() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.rest) == 0 {
		return "", false
	}
	n := min(chunkSize, len(b.rest))
	cur := b.rest[:n]
	b.rest = b.rest[n:]
	return withCounter(cur, len(b.rest)), true
}

// Pending reports how many characters are still buffered.
func (b *MoreBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rest)
}

func withCounter(chunk []rune, left int) string {
	chunks := (left + chunkSize - 1) / chunkSize
	return fmt.Sprintf("%s (%d ~more)", string(chunk), chunks)
}
