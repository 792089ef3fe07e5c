package api

// Wire types of the coordination gateway HTTP API.

type NodeStat struct {
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

type NodeResponse struct {
	Path  string    `json:"path"`
	Value any       `json:"value"`
	Stat  *NodeStat `json:"stat"`
}

type ChildrenResponse struct {
	Path     string   `json:"path"`
	Children []string `json:"children"`
}

type CreateResponse struct {
	Path string `json:"path"`
}

// TxnOp is one operation of a gateway transaction.
// Kind is one of "create", "update", "delete" and "check".
// A nil Version means any version.
type TxnOp struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Value   any    `json:"value,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Version *int32 `json:"version,omitempty"`
	Recurse bool   `json:"recurse,omitempty"`
}

type TxnRequest struct {
	Ops []TxnOp `json:"ops"`
}

type TxnResult struct {
	Kind       string `json:"kind"`
	ForPath    string `json:"for_path"`
	ResultPath string `json:"result_path"`
}

type TxnResponse struct {
	Results []TxnResult `json:"results"`
}

type ParticipantInfo struct {
	ID     string `json:"id"`
	Leader bool   `json:"leader"`
	Node   string `json:"node"`
}

type ElectionResponse struct {
	Enabled       bool              `json:"enabled"`
	Path          string            `json:"path,omitempty"`
	ParticipantID string            `json:"participant_id,omitempty"`
	HasLeadership bool              `json:"has_leadership"`
	LeaderID      string            `json:"leader_id,omitempty"`
	Participants  []ParticipantInfo `json:"participants,omitempty"`
}

type StateResponse struct {
	State      string `json:"state"`
	Connected  bool   `json:"connected"`
	Generation int64  `json:"generation"`
	SessionID  int64  `json:"session_id"`
	Namespace  string `json:"namespace"`
}

type ErrorResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// WatchSubprotocol is the websocket subprotocol spoken by the watch stream endpoint.
const WatchSubprotocol = "nekoq-watch"
