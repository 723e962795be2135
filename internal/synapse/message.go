package synapse

import "encoding/json"

// MessageType discriminates outbound pushes.
type MessageType string

const (
	// MessageTypeObjectState carries the current attribute state of an object.
	MessageTypeObjectState MessageType = "object-state"
	// MessageTypeObjectRemoved tells the device to drop an object it can no
	// longer see, either because it was deleted or because visibility was
	// revoked.
	MessageTypeObjectRemoved MessageType = "object-removed"
)

// Message is one outbound push to a device.
type Message struct {
	Type              MessageType     `json:"type"`
	ObjectID          string          `json:"objectId"`
	RootID            string          `json:"rootId"`
	Kind              string          `json:"kind,omitempty"`
	Version           int64           `json:"version"`
	VisibilityVersion int64           `json:"visibilityVersion"`
	Attributes        json.RawMessage `json:"attributes,omitempty"`
}

// Inbound message kinds understood by the loop.
const (
	inboundTypeSubscribe = "subscribe"
	inboundTypeApplied   = "applied"
)

// InboundEnvelope is the wire shape of a client-to-server message.
type InboundEnvelope struct {
	Type              string `json:"type"`
	RootID            string `json:"rootId,omitempty"`
	ObjectID          string `json:"objectId,omitempty"`
	Version           int64  `json:"version,omitempty"`
	VisibilityVersion int64  `json:"visibilityVersion,omitempty"`
	Deleted           bool   `json:"deleted,omitempty"`
}
