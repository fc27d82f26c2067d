package types

// Message types of peer to peer trade messages
const (
	MsgTypeTakeOfferRequest   = "take_offer_request"
	MsgTypeTakeOfferResponse  = "take_offer_response"
	MsgTypeDepositTxPublished = "deposit_tx_published"
	MsgTypePaymentStarted     = "payment_started"
	MsgTypePayoutTxPublished  = "payout_tx_published"
	MsgTypeDisputeOpened      = "dispute_opened"
)

// TakeOfferRequest is sent by a taker to the maker of an offer. Deposits
// are the taker's own computation; the maker refuses the request if its
// computation differs.
type TakeOfferRequest struct {
	OfferID               string `json:"offer_id"`
	OfferVersion          int    `json:"offer_version"`
	TakerNodeID           string `json:"taker_node_id"`
	TakerPaymentAccountID string `json:"taker_payment_account_id"`
	Amount                int64  `json:"amount"`
	Price                 int64  `json:"price"`
	BuyerSecurityDeposit  int64  `json:"buyer_security_deposit"`
	SellerSecurityDeposit int64  `json:"seller_security_deposit"`
}

// Rejection codes of a TakeOfferResponse
const (
	RejectAlreadyReserved = "ALREADY_RESERVED"
	RejectNotFound        = "NOT_FOUND"
	RejectValidation      = "VALIDATION"
)

// TakeOfferResponse is the maker's verdict on a TakeOfferRequest
type TakeOfferResponse struct {
	OfferID  string `json:"offer_id"`
	Accepted bool   `json:"accepted"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DepositTxPublished tells the maker which deposit tx to watch
type DepositTxPublished struct {
	TradeID     string `json:"trade_id"`
	DepositTxID string `json:"deposit_tx_id"`
}

// PaymentStarted is sent by the buyer once the counter currency payment
// has been initiated
type PaymentStarted struct {
	TradeID string `json:"trade_id"`
}

// PayoutTxPublished is sent by the seller after broadcasting the payout
type PayoutTxPublished struct {
	TradeID    string `json:"trade_id"`
	PayoutTxID string `json:"payout_tx_id"`
}

// DisputeOpened moves the receiving peer's trade into DISPUTE
type DisputeOpened struct {
	TradeID string `json:"trade_id"`
	Reason  string `json:"reason"`
}
