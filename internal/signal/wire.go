package signal

import "encoding/json"

// Websocket wire protocol between RemoteStore and Server. One JSON frame per
// message. Requests are acked by a response carrying the same id; a write is
// considered durable only once its ack is observed. Subscription events are
// pushed with event=true and the subscribe request's id as the handle.
const (
	opAuth        = "auth"
	opWrite       = "write"
	opRead        = "read"
	opDelete      = "delete"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
)

type wireRequest struct {
	ID     int64           `json:"id,omitempty"`
	Op     string          `json:"op"`
	Path   string          `json:"path,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Sub    int64           `json:"sub,omitempty"`
	Secret string          `json:"secret,omitempty"`
}

type wireResponse struct {
	ID    int64           `json:"id,omitempty"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Found bool            `json:"found,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	Event bool  `json:"event,omitempty"`
	Sub   int64 `json:"sub,omitempty"`
}
