package delivery

import (
	"encoding/json"
	"fmt"
	"time"
)

// MsgTypeEnvelope is the transport message type carrying every envelope
const MsgTypeEnvelope = "trade_envelope"

// Kind tells messages and acknowledgements apart
type Kind string

const (
	KindMessage Kind = "MSG"
	KindAck     Kind = "ACK"
)

// Envelope wraps a protocol message with the identity used for
// deduplication and acknowledgement
type Envelope struct {
	Kind        Kind            `json:"kind"`
	MessageType string          `json:"message_type"`
	TradeID     string          `json:"trade_id"`
	SenderID    string          `json:"sender_id"`
	Seq         uint64          `json:"seq"` // Monotonic per trade id and message type at the sender
	UID         string          `json:"uid"` // Echoed back by the acknowledgement
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.MessageType, err)
	}
	return nil
}

type seqKey struct {
	tradeID     string
	messageType string
}

// dedupKey identifies a received message. UIDs are fresh per Send, so a
// sender that restarts and reuses a sequence number is not mistaken for
// a duplicate.
type dedupKey struct {
	sender string
	uid    string
}

type seenEntry struct {
	at      time.Time
	handled bool
	acking  bool
	acked   bool
}
