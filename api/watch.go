package api

// WatchEventType is the type of a watch event as it crosses the gateway.
type WatchEventType int

const (
	WatchEventUnknown WatchEventType = iota
	WatchEventInitialized
	WatchEventCreated
	WatchEventModified
	WatchEventDelete
	WatchEventConnectSuspended
	WatchEventConnectReconnect
	WatchEventConnectLost
)

func (t WatchEventType) String() string {
	switch t {
	case WatchEventInitialized:
		return "initialized"
	case WatchEventCreated:
		return "created"
	case WatchEventModified:
		return "modified"
	case WatchEventDelete:
		return "delete"
	case WatchEventConnectSuspended:
		return "connect_suspended"
	case WatchEventConnectReconnect:
		return "connect_reconnect"
	case WatchEventConnectLost:
		return "connect_lost"
	default:
		return "unknown"
	}
}

// WatchEvent is one event streamed by the gateway watch endpoint.
type WatchEvent struct {
	Tier      WatchTier      `json:"tier"`
	EventType WatchEventType `json:"event_type"`
	Path      string         `json:"path"`
	Value     any            `json:"value,omitempty"`
}
