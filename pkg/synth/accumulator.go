package synth

// Accumulator collects the audio chunks of one session in arrival order.
// It is owned by the session goroutine and is not safe for concurrent use.
type Accumulator struct {
	buf    []byte
	chunks int
}

// Reset discards all collected audio.
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
	a.chunks = 0
}

// Append adds chunk and returns the running total size. Zero-length chunks
// are skipped and reported with appended == false.
func (a *Accumulator) Append(chunk []byte) (running int, appended bool) {
	if len(chunk) == 0 {
		return len(a.buf), false
	}
	a.buf = append(a.buf, chunk...)
	a.chunks++
	return len(a.buf), true
}

// Bytes returns a copy of the concatenated audio with no framing added.
func (a *Accumulator) Bytes() []byte {
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out
}

// Len returns the number of bytes collected so far.
func (a *Accumulator) Len() int { return len(a.buf) }

// Chunks returns the number of non-empty chunks appended since the last Reset.
func (a *Accumulator) Chunks() int { return a.chunks }
