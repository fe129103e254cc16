package main

import "time"

// KeystrokeBuffer is a fixed-capacity FIFO of keystroke timestamps.
// Appending to a full buffer evicts the oldest entry. It is not safe for
// concurrent use; the engine guards it with its data lock.
type KeystrokeBuffer struct {
	buf  [keystrokeBufferSize]time.Time
	head int // index of the oldest entry
	n    int
}

// Append records a keystroke, evicting the oldest one when full.
func (b *KeystrokeBuffer) Append(t time.Time) {
	if b.n < len(b.buf) {
		b.buf[(b.head+b.n)%len(b.buf)] = t
		b.n++
		return
	}
	b.buf[b.head] = t
	b.head = (b.head + 1) % len(b.buf)
}

// Len returns the number of stored timestamps.
func (b *KeystrokeBuffer) Len() int { return b.n }

// Cap returns the fixed capacity.
func (b *KeystrokeBuffer) Cap() int { return len(b.buf) }

// Recent copies up to len(dst) of the newest timestamps into dst, oldest first,
// and returns the number copied.
func (b *KeystrokeBuffer) Recent(dst []time.Time) int {
	k := len(dst)
	if k > b.n {
		k = b.n
	}
	start := b.head + b.n - k
	for i := 0; i < k; i++ {
		dst[i] = b.buf[(start+i)%len(b.buf)]
	}
	return k
}

// Clear empties the buffer without releasing its storage.
func (b *KeystrokeBuffer) Clear() {
	b.head = 0
	b.n = 0
}
