package types

import (
	"fmt"
	"time"
)

// Phase is a coarse protocol milestone of a trade. Phases are ordered and a
// trade only ever moves forward through them.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseDepositPublished
	PhaseDepositConfirmed
	PhasePaymentStarted
	PhasePaymentReceived
	PhasePayoutPublished
	PhaseCompleted
	PhaseFailed
	PhaseDispute
)

var phaseNames = map[Phase]string{
	PhaseInit:             "INIT",
	PhaseDepositPublished: "DEPOSIT_PUBLISHED",
	PhaseDepositConfirmed: "DEPOSIT_CONFIRMED",
	PhasePaymentStarted:   "PAYMENT_STARTED",
	PhasePaymentReceived:  "PAYMENT_RECEIVED",
	PhasePayoutPublished:  "PAYOUT_PUBLISHED",
	PhaseCompleted:        "COMPLETED",
	PhaseFailed:           "FAILED",
	PhaseDispute:          "DISPUTE",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PHASE(%d)", int(p))
}

// IsTerminal reports whether no further transition may leave p
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseDispute
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown trade phase %q", text)
}

// State is the fine-grained, role specific step of a trade. States are
// declared in protocol order: buyer steps of a phase precede seller steps
// and every role's own path is strictly increasing.
type State int

const (
	StatePreparation State = iota
	StateTakerPublishedDepositTx
	StateMakerReceivedDepositTx
	StateDepositTxSeenInNetwork
	StateDepositTxConfirmedInBlockchain
	StateBuyerConfirmedPaymentStarted
	StateBuyerSentPaymentStartedMsg
	StateBuyerSawArrivedPaymentStartedMsg
	StateSellerReceivedPaymentStartedMsg
	StateSellerSawArrivedPaymentStartedMsg
	StateSellerConfirmedPaymentReceipt
	StateSellerPublishedPayoutTx
	StateSellerSentPayoutTxPublishedMsg
	StateSellerSawArrivedPayoutTxPublishedMsg
	StateBuyerReceivedPayoutTxPublishedMsg
)

var stateNames = map[State]string{
	StatePreparation:                          "PREPARATION",
	StateTakerPublishedDepositTx:              "TAKER_PUBLISHED_DEPOSIT_TX",
	StateMakerReceivedDepositTx:               "MAKER_RECEIVED_DEPOSIT_TX",
	StateDepositTxSeenInNetwork:               "DEPOSIT_TX_SEEN_IN_NETWORK",
	StateDepositTxConfirmedInBlockchain:       "DEPOSIT_TX_CONFIRMED_IN_BLOCKCHAIN",
	StateBuyerConfirmedPaymentStarted:         "BUYER_CONFIRMED_PAYMENT_STARTED",
	StateBuyerSentPaymentStartedMsg:           "BUYER_SENT_PAYMENT_STARTED_MSG",
	StateBuyerSawArrivedPaymentStartedMsg:     "BUYER_SAW_ARRIVED_PAYMENT_STARTED_MSG",
	StateSellerReceivedPaymentStartedMsg:      "SELLER_RECEIVED_PAYMENT_STARTED_MSG",
	StateSellerSawArrivedPaymentStartedMsg:    "SELLER_SAW_ARRIVED_PAYMENT_STARTED_MSG",
	StateSellerConfirmedPaymentReceipt:        "SELLER_CONFIRMED_PAYMENT_RECEIPT",
	StateSellerPublishedPayoutTx:              "SELLER_PUBLISHED_PAYOUT_TX",
	StateSellerSentPayoutTxPublishedMsg:       "SELLER_SENT_PAYOUT_TX_PUBLISHED_MSG",
	StateSellerSawArrivedPayoutTxPublishedMsg: "SELLER_SAW_ARRIVED_PAYOUT_TX_PUBLISHED_MSG",
	StateBuyerReceivedPayoutTxPublishedMsg:    "BUYER_RECEIVED_PAYOUT_TX_PUBLISHED_MSG",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown trade state %q", text)
}

// Trade is the local view of one taken offer. It is mutated only by the
// protocol instance that owns it; everybody else works on copies.
type Trade struct {
	ID                         string    `json:"id"`       // Same as the offer id
	Offer                      Offer     `json:"offer"`    // Offer as taken
	IsMaker                    bool      `json:"is_maker"` // Whether this node published the offer
	Role                       Role      `json:"role"`     // Buyer or seller of BTC
	PeerNodeID                 string    `json:"peer_node_id"`
	Amount                     int64     `json:"amount"` // Satoshis
	Price                      int64     `json:"price"`  // Agreed price, scaled with PriceExponent
	BuyerSecurityDeposit       int64     `json:"buyer_security_deposit"`
	SellerSecurityDeposit      int64     `json:"seller_security_deposit"`
	DepositTxID                string    `json:"deposit_tx_id,omitempty"`
	PayoutTxID                 string    `json:"payout_tx_id,omitempty"`
	Phase                      Phase     `json:"phase"`
	State                      State     `json:"state"`
	DepositConfirmations       int       `json:"deposit_confirmations"`
	PaymentStartedMessageSent  bool      `json:"payment_started_message_sent"`
	PaymentStartedMessageAcked bool      `json:"payment_started_message_acked"`
	PaymentReceivedMessageSent bool      `json:"payment_received_message_sent"`
	PayoutPublished            bool      `json:"payout_published"`
	Closed                     bool      `json:"closed"`
	ErrorMessage               string    `json:"error_message,omitempty"`
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
	ClosedAt                   time.Time `json:"closed_at,omitempty"`
}

// NewTrade creates a trade in INIT/PREPARATION with both security deposits
// computed from the offer terms.
func NewTrade(offer Offer, isMaker bool, peerNodeID string, amount, price, minDeposit int64) *Trade {
	now := time.Now().UTC()
	buyerDeposit, sellerDeposit := Deposits(&offer, amount, minDeposit)
	return &Trade{
		ID:                    offer.ID,
		Offer:                 offer,
		IsMaker:               isMaker,
		Role:                  ResolveRole(offer.Direction, isMaker),
		PeerNodeID:            peerNodeID,
		Amount:                amount,
		Price:                 price,
		BuyerSecurityDeposit:  buyerDeposit,
		SellerSecurityDeposit: sellerDeposit,
		Phase:                 PhaseInit,
		State:                 StatePreparation,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Deposits returns the buyer and seller security deposits for a trade of
// amount satoshis against offer.
func Deposits(offer *Offer, amount, minDeposit int64) (buyer, seller int64) {
	buyer = SecurityDeposit(amount, offer.BuyerSecurityDepositPct, minDeposit)
	seller = SecurityDeposit(amount, offer.SellerSecurityDepositPct, minDeposit)
	return buyer, seller
}

func (t *Trade) IsBuyer() bool {
	return t.Role == RoleBuyer
}

func (t *Trade) IsSeller() bool {
	return t.Role == RoleSeller
}

// Advance moves the trade to phase and state. It returns false and leaves
// the trade untouched if the move would go backwards, if it would not move
// at all, or if the trade already reached a terminal phase.
func (t *Trade) Advance(phase Phase, state State) bool {
	if t.Phase.IsTerminal() || phase.IsTerminal() {
		return false
	}
	if phase < t.Phase || state < t.State {
		return false
	}
	if phase == t.Phase && state == t.State {
		return false
	}
	t.Phase = phase
	t.State = state
	t.UpdatedAt = time.Now().UTC()
	return true
}

// Fail moves a non-terminal trade to FAILED, keeping its last state.
func (t *Trade) Fail(reason string) bool {
	return t.terminate(PhaseFailed, reason)
}

// Dispute moves a non-terminal trade to DISPUTE, keeping its last state.
func (t *Trade) Dispute(reason string) bool {
	return t.terminate(PhaseDispute, reason)
}

func (t *Trade) terminate(phase Phase, reason string) bool {
	if t.Phase.IsTerminal() {
		return false
	}
	t.Phase = phase
	t.ErrorMessage = reason
	t.UpdatedAt = time.Now().UTC()
	return true
}

// Complete closes a trade whose payout has been published.
func (t *Trade) Complete() bool {
	if t.Phase != PhasePayoutPublished || t.PayoutTxID == "" {
		return false
	}
	now := time.Now().UTC()
	t.Phase = PhaseCompleted
	t.Closed = true
	t.ClosedAt = now
	t.UpdatedAt = now
	return true
}
