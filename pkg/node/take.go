package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/allanwsilva/bisq/pkg/delivery"
	"github.com/allanwsilva/bisq/pkg/matching"
	"github.com/allanwsilva/bisq/pkg/types"
	"go.uber.org/zap"
)

// takeAttempt is a take request waiting for the maker's verdict
type takeAttempt struct {
	maker    string
	response chan types.TakeOfferResponse
}

// TakeOffer takes an offer of another node. amount 0 takes the full offer
// amount. The offer is reserved locally, the maker is asked for it and the
// trade starts once the maker accepted. A maker that already gave the offer
// to someone else answers with a rejection, which fails with
// ErrAlreadyReserved.
func (n *Node) TakeOffer(ctx context.Context, offerID string, amount int64, paymentAccountID string) (types.Trade, error) {
	if !n.wallet.IsWalletUnlocked() {
		return types.Trade{}, fmt.Errorf("%w: cannot take offer", types.ErrWalletUnavailable)
	}
	if paymentAccountID == "" {
		return types.Trade{}, types.Validationf("payment account is required")
	}

	offer, err := n.book.ReserveForTaking(offerID)
	if err != nil {
		return types.Trade{}, err
	}
	req, err := n.takeRequest(&offer, amount, paymentAccountID)
	if err != nil {
		n.releaseLocally(offerID)
		return types.Trade{}, err
	}

	resp, err := n.askMaker(ctx, &offer, req)
	if err != nil {
		n.releaseLocally(offerID)
		return types.Trade{}, err
	}
	if !resp.Accepted {
		return types.Trade{}, n.rejected(ctx, &offer, resp)
	}

	n.dropLocally(ctx, offerID)
	trade := types.NewTrade(offer, false, offer.MakerNodeID, req.Amount, req.Price, n.cfg.MinSecurityDeposit)
	p, err := n.trades.Add(ctx, trade)
	if err != nil {
		return types.Trade{}, err
	}
	if err := p.Start(ctx); err != nil {
		return p.Trade(), err
	}
	n.logger.Info("Took offer",
		zap.String("offerID", offerID),
		zap.String("maker", offer.MakerNodeID),
		zap.Int64("amount", req.Amount),
		zap.Int64("price", req.Price))
	return p.Trade(), nil
}

// TakeBest takes the best priced offer that can serve params, moving on to
// the next one when a take race is lost
func (n *Node) TakeBest(ctx context.Context, params matching.TakeParams) (types.Trade, error) {
	return n.matcher.TakeBest(ctx, params)
}

func (n *Node) takeRequest(offer *types.Offer, amount int64, paymentAccountID string) (types.TakeOfferRequest, error) {
	if amount == 0 {
		amount = offer.Amount
	}
	if amount < offer.MinAmount || amount > offer.Amount {
		return types.TakeOfferRequest{}, types.Validationf("amount %d outside of [%d, %d]",
			amount, offer.MinAmount, offer.Amount)
	}

	price := offer.Price
	if offer.UseMarketBasedPrice {
		market, _ := n.prices.MarketPrice(offer.CurrencyCode())
		effective, known := offer.EffectivePrice(market)
		if !known {
			return types.TakeOfferRequest{}, types.Preconditionf("no market price for %s", offer.CurrencyCode())
		}
		price = effective
	}

	buyerDeposit, sellerDeposit := types.Deposits(offer, amount, n.cfg.MinSecurityDeposit)
	return types.TakeOfferRequest{
		OfferID:               offer.ID,
		OfferVersion:          offer.Version,
		TakerNodeID:           n.ID(),
		TakerPaymentAccountID: paymentAccountID,
		Amount:                amount,
		Price:                 price,
		BuyerSecurityDeposit:  buyerDeposit,
		SellerSecurityDeposit: sellerDeposit,
	}, nil
}

// askMaker sends the take request and waits for the response within the
// propagation window
func (n *Node) askMaker(ctx context.Context, offer *types.Offer, req types.TakeOfferRequest) (types.TakeOfferResponse, error) {
	attempt := &takeAttempt{maker: offer.MakerNodeID, response: make(chan types.TakeOfferResponse, 1)}
	n.takesMutex.Lock()
	n.takes[offer.ID] = attempt
	n.takesMutex.Unlock()
	defer func() {
		n.takesMutex.Lock()
		delete(n.takes, offer.ID)
		n.takesMutex.Unlock()
	}()

	pending := n.coordinator.Send(offer.MakerNodeID, offer.ID, types.MsgTypeTakeOfferRequest, &req)
	wctx, cancel := context.WithTimeout(ctx, n.cfg.PropagationWindow)
	defer cancel()

	delivered := pending.Done()
	for {
		select {
		case resp := <-attempt.response:
			return resp, nil
		case <-delivered:
			if err := pending.Err(); err != nil {
				return types.TakeOfferResponse{}, fmt.Errorf("take request for offer %s: %w", offer.ID, err)
			}
			delivered = nil
		case <-wctx.Done():
			if err := ctx.Err(); err != nil {
				return types.TakeOfferResponse{}, err
			}
			return types.TakeOfferResponse{}, fmt.Errorf("%w: maker %s did not answer within %s",
				types.ErrDeliveryFailure, offer.MakerNodeID, n.cfg.PropagationWindow)
		}
	}
}

func (n *Node) rejected(ctx context.Context, offer *types.Offer, resp types.TakeOfferResponse) error {
	n.logger.Info("Maker rejected take request",
		zap.String("offerID", offer.ID),
		zap.String("code", resp.Code),
		zap.String("reason", resp.Reason))

	switch resp.Code {
	case types.RejectValidation:
		n.releaseLocally(offer.ID)
		return types.Validationf("maker rejected take request: %s", resp.Reason)
	case types.RejectNotFound:
		n.dropLocally(ctx, offer.ID)
		return types.NotFoundf("offer %s no longer exists at its maker", offer.ID)
	default:
		n.dropLocally(ctx, offer.ID)
		return fmt.Errorf("%w: %s", types.ErrAlreadyReserved, resp.Reason)
	}
}

func (n *Node) releaseLocally(offerID string) {
	if err := n.book.Release(offerID); err != nil && !errors.Is(err, types.ErrNotFound) {
		n.logger.Warn("Failed to release offer", zap.String("offerID", offerID), zap.Error(err))
	}
}

func (n *Node) dropLocally(ctx context.Context, offerID string) {
	if err := n.book.Remove(ctx, offerID, false); err != nil && !errors.Is(err, types.ErrNotFound) {
		n.logger.Warn("Failed to drop offer", zap.String("offerID", offerID), zap.Error(err))
	}
}

// handleTakeRequest is the maker side of a take. Every request is answered
// and acknowledged; the verdict travels in the response.
func (n *Node) handleTakeRequest(sender string, env *delivery.Envelope) error {
	var req types.TakeOfferRequest
	if err := env.Decode(&req); err != nil {
		return types.Validationf("invalid take request: %v", err)
	}
	if req.TakerNodeID != sender || req.OfferID != env.TradeID {
		return types.Validationf("take request of %s for %s sent by %s", req.TakerNodeID, req.OfferID, sender)
	}

	offer, err := n.offers.HandleTakeRequest(n.ctx, sender, req)
	if err == nil {
		err = n.startMakerTrade(offer, sender, req)
	}
	resp := types.TakeOfferResponse{OfferID: req.OfferID, Accepted: err == nil}
	if err != nil {
		resp.Code = rejectionCode(err)
		resp.Reason = err.Error()
		n.logger.Info("Rejected take request",
			zap.String("offerID", req.OfferID),
			zap.String("taker", sender),
			zap.Error(err))
	}

	pending := n.coordinator.Send(sender, req.OfferID, types.MsgTypeTakeOfferResponse, &resp)
	pending.OnComplete(func(err error) {
		if err != nil {
			n.logger.Warn("Take response not delivered",
				zap.String("offerID", req.OfferID),
				zap.String("taker", sender),
				zap.Error(err))
		}
	})
	return nil
}

func (n *Node) startMakerTrade(offer types.Offer, taker string, req types.TakeOfferRequest) error {
	trade := types.NewTrade(offer, true, taker, req.Amount, req.Price, n.cfg.MinSecurityDeposit)
	p, err := n.trades.Add(n.ctx, trade)
	if err != nil {
		if releaseErr := n.offers.Release(n.ctx, offer.ID); releaseErr != nil {
			n.logger.Warn("Failed to release offer", zap.String("offerID", offer.ID), zap.Error(releaseErr))
		}
		return err
	}
	return p.Start(n.ctx)
}

func rejectionCode(err error) string {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return types.RejectNotFound
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrPreconditionViolation):
		return types.RejectValidation
	default:
		return types.RejectAlreadyReserved
	}
}

func (n *Node) handleTakeResponse(sender string, env *delivery.Envelope) error {
	var resp types.TakeOfferResponse
	if err := env.Decode(&resp); err != nil {
		return types.Validationf("invalid take response: %v", err)
	}

	n.takesMutex.Lock()
	attempt, ok := n.takes[resp.OfferID]
	n.takesMutex.Unlock()
	if !ok || attempt.maker != sender {
		// the maker's side times out and releases the offer
		n.logger.Warn("Take response without waiting request",
			zap.String("offerID", resp.OfferID),
			zap.String("maker", sender),
			zap.Bool("accepted", resp.Accepted))
		return nil
	}
	select {
	case attempt.response <- resp:
	default:
	}
	return nil
}
