package coordclient

import (
	"errors"
	"fmt"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
)

var (
	ErrNoNode          = ensemble.ErrNoNode
	ErrNodeExists      = ensemble.ErrNodeExists
	ErrVersionConflict = ensemble.ErrBadVersion
	ErrNotEmpty        = ensemble.ErrNotEmpty
	ErrConnectionLoss  = ensemble.ErrConnectionLoss

	ErrClosed              = errors.New("coordination client is closed")
	ErrNotStarted          = errors.New("coordination client is not started")
	ErrAlreadyStarted      = errors.New("already started")
	ErrTransactionInFlight = errors.New("a transaction is already in flight")
	ErrTransactionDone     = errors.New("transaction is already committed or aborted")
	ErrNilValue            = errors.New("value must not be nil")
	ErrInvalidDepth        = errors.New("max depth must be greater than 0")
	ErrNilListener         = errors.New("listener must not be nil")
	ErrNilCallback         = errors.New("callbacks must not be nil")
	ErrLatchClosed         = errors.New("leader latch is closed")
)

// CoordinationError reports a failed open, close or CRUD operation.
type CoordinationError struct {
	Op   string
	Path string
	Err  error
}

func (e *CoordinationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("coordination %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("coordination %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *CoordinationError) Unwrap() error {
	return e.Err
}

type WatchRegistrationError struct {
	Tier api.WatchTier
	Path string
	Err  error
}

func (e *WatchRegistrationError) Error() string {
	return fmt.Sprintf("register %s watch on %s: %s", e.Tier, e.Path, e.Err)
}

func (e *WatchRegistrationError) Unwrap() error {
	return e.Err
}

// TransactionError reports a failed transaction. Nothing of the transaction was applied.
// Index is the queued operation which caused the failure, or -1 when unknown.
type TransactionError struct {
	Index int
	Err   error
}

func (e *TransactionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("transaction: %s", e.Err)
	}
	return fmt.Sprintf("transaction op #%d: %s", e.Index, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

type AsyncError struct {
	Op   api.AsyncOpType
	Path string
	Err  error
}

func (e *AsyncError) Error() string {
	if e.Op == 0 {
		return fmt.Sprintf("async: %s", e.Err)
	}
	return fmt.Sprintf("async %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *AsyncError) Unwrap() error {
	return e.Err
}

type Direction string

const (
	DirectionEncode Direction = "encode"
	DirectionDecode Direction = "decode"
)

type SerializationError struct {
	Direction Direction
	Path      string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s value of %s: %s", e.Direction, e.Path, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

type ElectionError struct {
	Path string
	Err  error
}

func (e *ElectionError) Error() string {
	return fmt.Sprintf("leader election on %s: %s", e.Path, e.Err)
}

func (e *ElectionError) Unwrap() error {
	return e.Err
}

func fail(op, path string, err error) error {
	return &CoordinationError{Op: op, Path: path, Err: err}
}
