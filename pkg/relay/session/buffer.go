package session

// UtteranceBuffer accumulates compressed audio fragments between flushes.
// Fragments are kept in arrival order; Flush takes the current contents and
// resets the buffer before any transcoding begins, so fragments arriving
// during a transcode start a fresh utterance.
type UtteranceBuffer struct {
	fragments [][]byte
	size      int
}

func (b *UtteranceBuffer) Append(fragment []byte) {
	if len(fragment) == 0 {
		return
	}
	b.fragments = append(b.fragments, fragment)
	b.size += len(fragment)
}

// Flush concatenates and returns the buffered fragments, leaving the buffer
// empty. Returns nil when nothing is buffered.
func (b *UtteranceBuffer) Flush() []byte {
	if b.size == 0 {
		b.fragments = nil
		return nil
	}
	out := make([]byte, 0, b.size)
	for _, fragment := range b.fragments {
		out = append(out, fragment...)
	}
	b.fragments = nil
	b.size = 0
	return out
}

func (b *UtteranceBuffer) Len() int {
	return b.size
}

func (b *UtteranceBuffer) Reset() {
	b.fragments = nil
	b.size = 0
}
