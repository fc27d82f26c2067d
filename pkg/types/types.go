package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Constants for offers and trades
const (
	// Minimum amount of an offer, in satoshis
	MinOfferAmount = 10_000

	// Security deposit bounds, as fractions of the trade amount
	MaxSecurityDepositPct = 0.5

	// Default seller security deposit, as a fraction of the trade amount
	DefaultSellerSecurityDepositPct = 0.15

	// Floor applied to every computed security deposit, in satoshis
	DefaultMinSecurityDeposit = 100_000
)

// Direction is the side of an offer, from the maker's perspective, of the
// base currency
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// ParseDirection parses a case-insensitive direction string
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case DirectionBuy:
		return DirectionBuy, nil
	case DirectionSell:
		return DirectionSell, nil
	default:
		return "", Validationf("invalid direction %q", s)
	}
}

// Opposite returns the other side
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// Role identifies whether a trade party is buying or selling BTC
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// ResolveRole maps maker/taker onto buyer/seller. The maker of a BUY offer
// is the buyer; whoever takes it is the seller, and the other way round.
func ResolveRole(direction Direction, isMaker bool) Role {
	makerIsBuyer := direction == DirectionBuy
	if makerIsBuyer == isMaker {
		return RoleBuyer
	}
	return RoleSeller
}

// PriceData represents a market price observation shared over the network
type PriceData struct {
	CurrencyCode string    `json:"currency_code"` // Currency the price is quoted in
	Price        int64     `json:"price"`         // Price scaled with PriceExponent
	Timestamp    time.Time `json:"timestamp"`     // When the price was recorded
	Source       string    `json:"source"`        // Node or provider that observed it
}

// P2PMessage represents a message in the P2P network
type P2PMessage struct {
	MessageType string          `json:"message_type"` // Type of message
	SenderID    string          `json:"sender_id"`    // ID of the sender
	Timestamp   time.Time       `json:"timestamp"`    // When the message was created
	Payload     json.RawMessage `json:"payload"`      // Message payload
}

// NewP2PMessage wraps a payload into a transport envelope
func NewP2PMessage(messageType, senderID string, payload interface{}) (*P2PMessage, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &P2PMessage{
		MessageType: messageType,
		SenderID:    senderID,
		Timestamp:   time.Now(),
		Payload:     payloadBytes,
	}, nil
}

// Serialize converts the P2PMessage to JSON bytes
func (m *P2PMessage) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// Deserialize parses JSON bytes into a P2PMessage
func (m *P2PMessage) Deserialize(data []byte) error {
	return json.Unmarshal(data, m)
}

// Decode unmarshals the payload into v
func (m *P2PMessage) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", m.MessageType, err)
	}
	return nil
}
