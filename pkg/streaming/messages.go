// Package streaming defines the wire messages exchanged with the live-update
// feed endpoint of the remote document store.
package streaming

import (
	"encoding/json"

	"github.com/eventlens/arscan/pkg/core"
)

// Message type constants for the feed protocol.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeUpdate      = "update"
	TypeAck         = "ack"
)

// Envelope wraps every message sent or received over the feed WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// SubscribePayload opens or closes a live feed for one document.
type SubscribePayload struct {
	Ref core.EntityRef `json:"ref"`
}

// UpdatePayload carries an incremental field update for a subscribed
// document. Only the changed fields are present.
type UpdatePayload struct {
	Ref    core.EntityRef    `json:"ref"`
	Fields map[string]string `json:"fields"`
}

// Marshal builds a JSON-encoded Envelope from a message type and payload.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}
