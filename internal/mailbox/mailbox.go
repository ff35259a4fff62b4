// Package mailbox provides the single-producer/single-consumer message plane
// that connects stations, the orchestrator, and workers. A Go channel is
// already a wait-free SPSC queue with a built-in block/wake primitive, so
// Mailbox is a thin wrapper that adds the one thing a bare channel doesn't
// give you: a non-blocking Send that reports whether the message was dropped
// because the mailbox was full, and a Drain that keeps receiving until the
// mailbox is empty rather than stopping after one message.
package mailbox

import "sync/atomic"

// Mailbox carries typed messages of type T from one producer to one
// consumer. signals counts successful sends; it is internal to the package
// and nothing reads it.
type Mailbox[T any] struct {
	ch      chan T
	signals atomic.Uint64
}

// New returns a Mailbox with the given channel capacity. Capacity 0 yields
// an unbuffered, fully synchronous handoff; most producers in this codebase
// use a small positive capacity so a burst of sends doesn't block the
// producer on a slow consumer.
func New[T any](capacity int) *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T, capacity)}
}

// Send enqueues msg and increments the signal counter. It blocks if the
// mailbox is at capacity — callers that must never block (the orchestrator
// fanning out to workers) should use TrySend instead.
func (m *Mailbox[T]) Send(msg T) {
	m.ch <- msg
	m.signals.Add(1)
}

// TrySend enqueues msg without blocking. ok is false if the mailbox is full;
// the caller is responsible for the drop policy (log it, count it, etc.).
func (m *Mailbox[T]) TrySend(msg T) (ok bool) {
	select {
	case m.ch <- msg:
		m.signals.Add(1)
		return true
	default:
		return false
	}
}

// Recv blocks until a message is available or the mailbox is closed (ok is
// false in the latter case).
func (m *Mailbox[T]) Recv() (msg T, ok bool) {
	msg, ok = <-m.ch
	return msg, ok
}

// C exposes the underlying channel for use in a select statement alongside
// other mailboxes, tickers, and ctx.Done() — the idiomatic Go rendering of
// "wait for next completion across several sources at once".
func (m *Mailbox[T]) C() <-chan T {
	return m.ch
}

// Drain consumes every currently-queued message and invokes fn for each,
// receiving until the channel is empty rather than stopping after one
// receive, for callers that poll a mailbox periodically instead of
// select-ing on C(). It does not consult the signal counter.
func (m *Mailbox[T]) Drain(fn func(T)) {
	for {
		select {
		case msg := <-m.ch:
			fn(msg)
		default:
			return
		}
	}
}

// Close closes the underlying channel. Only the producer may call this.
func (m *Mailbox[T]) Close() {
	close(m.ch)
}

// Pending returns the number of messages currently queued.
func (m *Mailbox[T]) Pending() int {
	return len(m.ch)
}
