package main

import "sync"

// replayBufferLimit is the soft cap named in the data model: the retained
// tail is trimmed back down to this many bytes once a write pushes the
// buffer over it. A single chunk may briefly push the total past the limit
// by its own length before the next trim runs.
const replayBufferLimit = 64 * 1024

// ReplayBuffer is an ordered chunk list (a rope, not a single growing
// []byte) holding the most recent raw output bytes for one session.
// Appending to a single buffer and re-slicing it on every trim is O(n^2);
// a list of chunks with a running size counter makes trimming O(dropped
// chunks) instead.
type ReplayBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
}

// NewReplayBuffer returns an empty replay buffer.
func NewReplayBuffer() *ReplayBuffer {
	return &ReplayBuffer{}
}

// Append adds data to the buffer, then trims oldest chunks until the
// retained size is back within replayBufferLimit (a single late chunk may
// leave the buffer briefly over the limit, per the data model invariant).
func (b *ReplayBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)

	for b.size > replayBufferLimit && len(b.chunks) > 1 {
		dropped := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.size -= len(dropped)
	}
}

// Snapshot concatenates all retained chunks in write order.
func (b *ReplayBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Len returns the current retained byte count.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
