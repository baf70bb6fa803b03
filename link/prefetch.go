// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

// PrefetchBuffer is an ordered FIFO of decoded, settled messages
// awaiting delivery to a caller. It is written by the reactor goroutine
// on delivery settlement and drained by the reactor goroutine when
// matching pending receives; it is never touched from any other
// goroutine (spec.md §3, §5).
type PrefetchBuffer struct {
	messages []*Message
}

// NewPrefetchBuffer returns an empty buffer.
func NewPrefetchBuffer() *PrefetchBuffer {
	return &PrefetchBuffer{}
}

// Push appends a newly-arrived message, preserving arrival order.
func (b *PrefetchBuffer) Push(m *Message) {
	b.messages = append(b.messages, m)
}

// Len reports the number of buffered messages.
func (b *PrefetchBuffer) Len() int {
	return len(b.messages)
}

// Empty reports whether the buffer holds no messages.
func (b *PrefetchBuffer) Empty() bool {
	return len(b.messages) == 0
}

// Drain removes and returns up to max messages from the head of the
// buffer, preserving arrival order within the returned batch.
func (b *PrefetchBuffer) Drain(max int) []*Message {
	if max <= 0 || len(b.messages) == 0 {
		return nil
	}
	n := max
	if n > len(b.messages) {
		n = len(b.messages)
	}
	batch := b.messages[:n]
	b.messages = b.messages[n:]
	return batch
}

// Clear discards all buffered messages, e.g. on link error (spec.md §9:
// "this spec mandates the discard behavior to match observable
// semantics" rather than flushing to pending receives first).
func (b *PrefetchBuffer) Clear() {
	b.messages = nil
}
