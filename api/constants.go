package api

import (
	"fmt"
	"strings"
)

const (
	PathSeparator = "/"

	// EmbeddedEnsembleAddress selects the in-process ensemble instead of a ZooKeeper cluster.
	// A data directory may follow after a colon, e.g. "embedded:/var/lib/nekoq".
	EmbeddedEnsembleAddress = "embedded"
)

// NodeMode is the creation mode of a node.
type NodeMode int

const (
	NodePersistent NodeMode = iota
	NodeEphemeral
	NodePersistentSequential
	NodeEphemeralSequential
)

func (m NodeMode) IsEphemeral() bool {
	return m == NodeEphemeral || m == NodeEphemeralSequential
}

func (m NodeMode) IsSequential() bool {
	return m == NodePersistentSequential || m == NodeEphemeralSequential
}

func (m NodeMode) String() string {
	switch m {
	case NodePersistent:
		return "persistent"
	case NodeEphemeral:
		return "ephemeral"
	case NodePersistentSequential:
		return "persistent_sequential"
	case NodeEphemeralSequential:
		return "ephemeral_sequential"
	default:
		return fmt.Sprintf("NodeMode(%d)", int(m))
	}
}

func ParseNodeMode(s string) (NodeMode, error) {
	switch strings.ToLower(s) {
	case "", "persistent":
		return NodePersistent, nil
	case "ephemeral":
		return NodeEphemeral, nil
	case "persistent_sequential":
		return NodePersistentSequential, nil
	case "ephemeral_sequential":
		return NodeEphemeralSequential, nil
	}
	return NodePersistent, fmt.Errorf("unknown node mode: %s", s)
}

// ConnectionState is the client-visible state of the ensemble session.
type ConnectionState int

const (
	StateConnected ConnectionState = iota + 1
	StateSuspended
	StateReconnected
	StateLost
	StateReadOnly
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateSuspended:
		return "SUSPENDED"
	case StateReconnected:
		return "RECONNECTED"
	case StateLost:
		return "LOST"
	case StateReadOnly:
		return "READ_ONLY"
	default:
		return "UNKNOWN"
	}
}

// IsConnected reports whether requests can reach the ensemble in this state.
func (s ConnectionState) IsConnected() bool {
	return s == StateConnected || s == StateReconnected || s == StateReadOnly
}

// TxOpKind is the kind of operation queued in a transaction.
type TxOpKind int

const (
	TxCreate TxOpKind = iota + 1
	TxDelete
	TxUpdate
	TxCheck
)

func (k TxOpKind) String() string {
	switch k {
	case TxCreate:
		return "CREATE"
	case TxDelete:
		return "DELETE"
	case TxUpdate:
		return "UPDATE"
	case TxCheck:
		return "CHECK"
	default:
		return "UNKNOWN"
	}
}

// AsyncOpType is the operation type reported in an async response.
type AsyncOpType int

const (
	AsyncCreate AsyncOpType = iota + 1
	AsyncDelete
	AsyncUpdate
	AsyncGet
	AsyncChildren
	AsyncExists
)

func (t AsyncOpType) String() string {
	switch t {
	case AsyncCreate:
		return "CREATE"
	case AsyncDelete:
		return "DELETE"
	case AsyncUpdate:
		return "UPDATE"
	case AsyncGet:
		return "GET"
	case AsyncChildren:
		return "CHILDREN"
	case AsyncExists:
		return "EXISTS"
	default:
		return "UNKNOWN"
	}
}

type AsyncStatus int

const (
	AsyncOK AsyncStatus = iota
	AsyncNoNode
)

func (s AsyncStatus) String() string {
	if s == AsyncNoNode {
		return "NO_NODE"
	}
	return "OK"
}

// WatchTier is the notification granularity of a watch registration.
type WatchTier int

const (
	WatchTierNode WatchTier = iota + 1
	WatchTierChildren
	WatchTierTree
)

func (t WatchTier) String() string {
	switch t {
	case WatchTierNode:
		return "node"
	case WatchTierChildren:
		return "children"
	case WatchTierTree:
		return "tree"
	default:
		return "unknown"
	}
}

func ParseWatchTier(s string) (WatchTier, error) {
	switch strings.ToLower(s) {
	case "", "node":
		return WatchTierNode, nil
	case "children":
		return WatchTierChildren, nil
	case "tree":
		return WatchTierTree, nil
	}
	return 0, fmt.Errorf("unknown watch tier: %s", s)
}
