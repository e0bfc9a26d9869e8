// Package store implements the durable, typed FIFO that every Yodi role
// shares: the client writes COMMAND items, the worker writes RESULT items,
// the supervisor writes LOG and BACKTRACE items, and the client drains all
// but COMMAND for publication. It is the at-least-once backbone underneath
// every role.
package store

import (
	"context"
	"errors"
)

// Kind identifies which typed queue an Item belongs to.
type Kind string

const (
	KindCommand   Kind = "COMMAND"
	KindResult    Kind = "RESULT"
	KindLog       Kind = "LOG"
	KindBacktrace Kind = "BACKTRACE"
)

// Item is the unit of traffic in the durable store.
type Item struct {
	ID      int64
	Kind    Kind
	Payload []byte
}

// ErrEmpty is returned by One when no undeleted item of the requested kind
// exists. It is not a failure — callers use it to mean "nothing to do yet".
var ErrEmpty = errors.New("store: no item of that kind")

// ErrClosed is returned by any operation performed after Close.
var ErrClosed = errors.New("store: closed")

// Store is the durable, typed FIFO. All operations either succeed fully or
// leave the store unchanged; a crash between One and Delete leaves the item
// present, which is the intended at-least-once behavior.
type Store interface {
	// Add atomically appends payload under kind and returns its new id.
	Add(ctx context.Context, kind Kind, payload []byte) (int64, error)

	// One returns the oldest undeleted item of kind without removing it, in
	// insertion order. Returns ErrEmpty if none exists.
	One(ctx context.Context, kind Kind) (Item, error)

	// Delete removes exactly the item with id. A second Delete of the same
	// id is a no-op, not an error.
	Delete(ctx context.Context, id int64) error

	// Close flushes and releases resources. Idempotent.
	Close() error
}
