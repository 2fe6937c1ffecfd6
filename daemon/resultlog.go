// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package daemon

import "context"

// ResultLog is a lazy producer that fuses a stream of log messages with
// a terminal result: log frames arrive on Logs as the operation runs on
// the wire, and the final value or error becomes available from Wait
// once the channel closes. Canceling ctx on a call that is still
// streaming closes the underlying transport, which unblocks both Logs
// and Wait with ctx.Err().
//
// This is the Go rendering of what the reference client library
// expresses as a fused async Stream+Future: a goroutine already gives a
// natural suspension point, so here that becomes a pair of channels
// instead of a hand-rolled poll state machine.
type ResultLog[T any] struct {
	logs chan LogMessage
	done chan struct{}
	val  T
	err  error
}

// NewResultLog returns a ResultLog ready for a producer to feed via Log
// and Finish.
func NewResultLog[T any]() *ResultLog[T] {
	return &ResultLog[T]{
		logs: make(chan LogMessage, 16),
		done: make(chan struct{}),
	}
}

// Logs returns the channel of log frames produced while the operation
// runs. It is closed once Finish is called; a consumer should keep
// draining it with range until closure, then call Wait.
func (rl *ResultLog[T]) Logs() <-chan LogMessage { return rl.logs }

// Log records one log frame for a consumer draining Logs. It must not
// be called after Finish.
func (rl *ResultLog[T]) Log(msg LogMessage) {
	select {
	case rl.logs <- msg:
	case <-rl.done:
	}
}

// Finish publishes the terminal result and closes Logs. It must be
// called exactly once.
func (rl *ResultLog[T]) Finish(val T, err error) {
	rl.val, rl.err = val, err
	close(rl.done)
	close(rl.logs)
}

// Wait blocks until Finish has been called or ctx is canceled,
// whichever happens first.
func (rl *ResultLog[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-rl.done:
		return rl.val, rl.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Drain consumes and discards all log frames, then waits for the
// terminal result. It is a convenience for callers that only want the
// final value.
func (rl *ResultLog[T]) Drain(ctx context.Context) (T, error) {
	for {
		select {
		case _, ok := <-rl.logs:
			if !ok {
				return rl.Wait(ctx)
			}
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
