// Package wire defines the client↔server envelopes for the sync protocol:
// tagged JSON objects carried over a persistent duplex text channel,
// camelCase on the wire.
package wire

import "encoding/json"

// Tag values for the `_tag` discriminator field.
const (
	TagPullReq            = "WSMessage.PullReq"
	TagPushReq            = "WSMessage.PushReq"
	TagPing               = "WSMessage.Ping"
	TagAdminResetRoomReq  = "WSMessage.AdminResetRoomReq"
	TagAdminInfoReq       = "WSMessage.AdminInfoReq"
	TagPullRes            = "WSMessage.PullRes"
	TagPushAck            = "WSMessage.PushAck"
	TagPong               = "WSMessage.Pong"
	TagAdminResetRoomRes  = "WSMessage.AdminResetRoomRes"
	TagAdminInfoRes       = "WSMessage.AdminInfoRes"
	TagError              = "WSMessage.Error"
)

// EventEncoded is the wire form of a single event.
type EventEncoded struct {
	SeqNum       uint64          `json:"seqNum"`
	ParentSeqNum uint64          `json:"parentSeqNum"`
	Name         string          `json:"name"`
	Args         json.RawMessage `json:"args"`
	ClientID     string          `json:"clientId"`
	SessionID    string          `json:"sessionId"`
}

// SyncMetadata carries the server-assigned creation timestamp.
type SyncMetadata struct {
	CreatedAt string `json:"createdAt"`
}

// OptionMetadata is an Option<SyncMetadata>, encoded as a tagged union so
// clients can distinguish "no timestamp yet" from a real one.
type OptionMetadata struct {
	Tag   string        `json:"_tag"`
	Value *SyncMetadata `json:"value,omitempty"`
}

// NoneMetadata is the absent-timestamp case.
func NoneMetadata() OptionMetadata {
	return OptionMetadata{Tag: "None"}
}

// SomeMetadata wraps a present creation timestamp, ISO-8601 UTC.
func SomeMetadata(createdAt string) OptionMetadata {
	return OptionMetadata{Tag: "Some", Value: &SyncMetadata{CreatedAt: createdAt}}
}

// PullResBatchItem pairs an event with its (possibly absent) metadata.
type PullResBatchItem struct {
	EventEncoded EventEncoded   `json:"eventEncoded"`
	Metadata     OptionMetadata `json:"metadata"`
}

// PullResRequestID distinguishes a direct pull reply from a push-triggered
// broadcast, both of which are carried over the same PullRes shape.
type PullResRequestID struct {
	Context   string `json:"context"` // "pull" | "push"
	RequestID string `json:"requestId"`
}

// --- Client -> Server ---

// PullReq requests every event after cursor (or the whole log if absent).
type PullReq struct {
	Tag       string  `json:"_tag"`
	RequestID string  `json:"requestId"`
	Cursor    *uint64 `json:"cursor"`
}

// PushReq proposes a batch of new events for durable append.
type PushReq struct {
	Tag       string         `json:"_tag"`
	RequestID string         `json:"requestId"`
	Batch     []EventEncoded `json:"batch"`
}

// Ping is a liveness check; RequestID is conventionally "ping".
type Ping struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId"`
}

// AdminResetRoomReq destructively resets a store.
type AdminResetRoomReq struct {
	Tag         string `json:"_tag"`
	RequestID   string `json:"requestId"`
	AdminSecret string `json:"adminSecret"`
}

// AdminInfoReq requests introspection of a store's state.
type AdminInfoReq struct {
	Tag         string `json:"_tag"`
	RequestID   string `json:"requestId"`
	AdminSecret string `json:"adminSecret"`
}

// --- Server -> Client ---

// PullRes carries one chunk of a pull reply, or a push-triggered broadcast.
type PullRes struct {
	Tag       string             `json:"_tag"`
	Batch     []PullResBatchItem `json:"batch"`
	RequestID PullResRequestID   `json:"requestId"`
	Remaining int                `json:"remaining"`
}

// PushAck flow-control-acknowledges a PushReq before durable append.
type PushAck struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId"`
}

// Pong answers a Ping.
type Pong struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId"`
}

// AdminResetRoomRes confirms a store reset.
type AdminResetRoomRes struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId"`
}

// AdminInfo is the introspection payload for AdminInfoRes.
type AdminInfo struct {
	StoreID           string `json:"storeId"`
	CurrentHead       uint64 `json:"currentHead"`
	ActiveConnections int    `json:"activeConnections"`
	DurableObjectID   string `json:"durableObjectId"`
}

// AdminInfoRes answers AdminInfoReq.
type AdminInfoRes struct {
	Tag       string    `json:"_tag"`
	RequestID string    `json:"requestId"`
	Info      AdminInfo `json:"info"`
}

// Error reports a per-message failure; the channel stays open.
type Error struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// inboundEnvelope is the minimal shape peeked to route an incoming frame.
type inboundEnvelope struct {
	Tag       string `json:"_tag"`
	RequestID string `json:"requestId"`
}

// PeekTag extracts the `_tag` and `requestId` fields from a raw inbound
// frame without fully decoding it, so the dispatcher knows which concrete
// type to unmarshal into. A JSON syntax error is returned unchanged; the
// caller (internal/sync) turns that into a wire Error with
// requestId "unknown".
func PeekTag(data []byte) (tag string, requestID string, err error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", "", err
	}

	return env.Tag, env.RequestID, nil
}
