// Package ensemble defines the contract between the coordination client and a
// backing ZooKeeper-like ensemble: a hierarchical tree of versioned nodes with
// ephemeral ownership, sequential naming, one-shot watches and atomic multi-ops.
//
// Drivers translate their native errors into the sentinels declared here so
// that callers never see driver specific error types.
package ensemble

import (
	"context"
	"errors"
	"strconv"

	"github.com/meidoworks/nekoq-coord/api"
)

// AnyVersion disables the version condition of Set, Delete and Check.
const AnyVersion int32 = -1

var (
	ErrNoNode                  = errors.New("node does not exist")
	ErrNodeExists              = errors.New("node already exists")
	ErrBadVersion              = errors.New("version conflict")
	ErrNotEmpty                = errors.New("node has children")
	ErrNoChildrenForEphemerals = errors.New("ephemeral nodes may not have children")
	ErrInvalidPath             = errors.New("invalid path")
	ErrConnectionLoss          = errors.New("connection loss")
	ErrSessionExpired          = errors.New("session expired")
	ErrReadOnly                = errors.New("ensemble is read only")
	ErrClosed                  = errors.New("connection closed")
	ErrBackend                 = errors.New("backend failure")
)

// IsTransient reports whether err is a connectivity failure which may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionLoss)
}

// IsTransport reports whether err is caused by the transport or the session rather than by the tree state.
func IsTransport(err error) bool {
	return errors.Is(err, ErrConnectionLoss) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrBackend)
}

type Stat struct {
	Czxid          int64 `json:"czxid"`
	Mzxid          int64 `json:"mzxid"`
	Ctime          int64 `json:"ctime"`
	Mtime          int64 `json:"mtime"`
	Version        int32 `json:"version"`
	Cversion       int32 `json:"cversion"`
	EphemeralOwner int64 `json:"ephemeral_owner"`
	DataLength     int32 `json:"data_length"`
	NumChildren    int32 `json:"num_children"`
}

type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching is delivered when the watch was dropped without the node changing,
	// e.g. the session expired or the connection was closed.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	case EventNotWatching:
		return "NotWatching"
	default:
		return "Unknown"
	}
}

// Event is delivered once on a watch channel, after which the channel is closed.
type Event struct {
	Type EventType
	Path string
	Err  error
}

type SessionState int

const (
	SessionConnected SessionState = iota + 1
	SessionDisconnected
	SessionExpired
	SessionReadOnly
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "Connected"
	case SessionDisconnected:
		return "Disconnected"
	case SessionExpired:
		return "Expired"
	case SessionReadOnly:
		return "ReadOnly"
	default:
		return "Unknown"
	}
}

// Op is one operation of a multi request.
type Op interface {
	Kind() api.TxOpKind
	OpPath() string
}

type CreateOp struct {
	Path string
	Data []byte
	Mode api.NodeMode
}

type DeleteOp struct {
	Path    string
	Version int32
}

type SetOp struct {
	Path    string
	Data    []byte
	Version int32
}

type CheckOp struct {
	Path    string
	Version int32
}

func (o *CreateOp) Kind() api.TxOpKind { return api.TxCreate }
func (o *CreateOp) OpPath() string     { return o.Path }
func (o *DeleteOp) Kind() api.TxOpKind { return api.TxDelete }
func (o *DeleteOp) OpPath() string     { return o.Path }
func (o *SetOp) Kind() api.TxOpKind    { return api.TxUpdate }
func (o *SetOp) OpPath() string        { return o.Path }
func (o *CheckOp) Kind() api.TxOpKind  { return api.TxCheck }
func (o *CheckOp) OpPath() string      { return o.Path }

// OpResult is the outcome of one operation of a successful multi request.
type OpResult struct {
	Kind       api.TxOpKind
	Path       string
	ResultPath string
	Stat       *Stat
}

// MultiError reports the operation which made a multi request fail. No operation was applied.
type MultiError struct {
	Index int
	Err   error
}

func (e *MultiError) Error() string {
	return "multi op failed at index " + strconv.Itoa(e.Index) + ": " + e.Err.Error()
}

func (e *MultiError) Unwrap() error {
	return e.Err
}

// Conn is one session with the ensemble. Implementations must be safe for concurrent use.
type Conn interface {
	Exists(ctx context.Context, path string) (bool, *Stat, error)
	// ExistsW arms a watch that fires on creation, data change or deletion of path.
	ExistsW(ctx context.Context, path string) (bool, *Stat, <-chan Event, error)
	Get(ctx context.Context, path string) ([]byte, *Stat, error)
	// GetW arms a watch that fires on data change or deletion of path.
	GetW(ctx context.Context, path string) ([]byte, *Stat, <-chan Event, error)
	Children(ctx context.Context, path string) ([]string, *Stat, error)
	// ChildrenW arms a watch that fires when a child is added or removed, or path is deleted.
	ChildrenW(ctx context.Context, path string) ([]string, *Stat, <-chan Event, error)
	// Create returns the path actually created, which differs from path for sequential modes.
	Create(ctx context.Context, path string, data []byte, mode api.NodeMode) (string, error)
	Set(ctx context.Context, path string, data []byte, version int32) (*Stat, error)
	Delete(ctx context.Context, path string, version int32) error
	// Multi applies all ops or none of them. On failure the error is a *MultiError.
	Multi(ctx context.Context, ops ...Op) ([]OpResult, error)

	// States streams the session lifecycle. The channel is closed when the
	// session can never be used again (closed or permanently expired).
	States() <-chan SessionState
	SessionID() int64
	Close() error
}

// Dialer opens new sessions with an ensemble.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type DialFunc func(ctx context.Context) (Conn, error)

func (f DialFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
