package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/allanwsilva/bisq/pkg/types"
	"go.uber.org/zap"
)

// MatchingConfig contains configuration parameters for the matcher
type MatchingConfig struct {
	// Maximum number of offers tried before giving up
	MaxAttempts int
}

// DefaultMatchingConfig returns a default configuration for the matcher
func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		MaxAttempts: 5,
	}
}

// Book lists takeable offers, best price first
type Book interface {
	Query(direction types.Direction, currencyCode string) ([]types.Offer, error)
}

// Taker takes a single offer
type Taker interface {
	TakeOffer(ctx context.Context, offerID string, amount int64, paymentAccountID string) (types.Trade, error)
}

// TakeParams describes what the taker wants. Direction is the direction of
// the offers to take, from the maker's perspective.
type TakeParams struct {
	Direction        types.Direction
	CurrencyCode     string
	Amount           int64
	PaymentMethodID  string
	PaymentAccountID string
}

// Matcher takes the best offer for a taker's request
type Matcher struct {
	book   Book
	taker  Taker
	config MatchingConfig
	logger *zap.Logger
}

// NewMatcher creates a new matcher
func NewMatcher(book Book, taker Taker, config MatchingConfig, logger *zap.Logger) *Matcher {
	return &Matcher{
		book:   book,
		taker:  taker,
		config: config,
		logger: logger,
	}
}

// Candidates returns the offers that can serve params, best price first
func (m *Matcher) Candidates(params TakeParams) ([]types.Offer, error) {
	offers, err := m.book.Query(params.Direction, params.CurrencyCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	candidates := make([]types.Offer, 0, len(offers))
	for _, offer := range offers {
		if params.Amount < offer.MinAmount || params.Amount > offer.Amount {
			continue
		}
		if params.PaymentMethodID != "" && offer.PaymentMethodID != params.PaymentMethodID {
			continue
		}
		candidates = append(candidates, offer)
	}
	return candidates, nil
}

// TakeBest tries the candidates in order and returns the first trade. A
// lost take race moves on to the next candidate; any other error ends the
// attempt.
func (m *Matcher) TakeBest(ctx context.Context, params TakeParams) (types.Trade, error) {
	if params.Amount <= 0 {
		return types.Trade{}, types.Validationf("amount must be positive")
	}
	candidates, err := m.Candidates(params)
	if err != nil {
		return types.Trade{}, err
	}
	if len(candidates) == 0 {
		return types.Trade{}, types.NotFoundf("no %s %s offer for %d satoshis",
			params.Direction, params.CurrencyCode, params.Amount)
	}

	attempts := 0
	for _, offer := range candidates {
		if attempts >= m.config.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return types.Trade{}, err
		}
		attempts++

		trade, err := m.taker.TakeOffer(ctx, offer.ID, params.Amount, params.PaymentAccountID)
		if err == nil {
			m.logger.Info("Took best offer",
				zap.String("offerID", offer.ID),
				zap.Int64("price", trade.Price),
				zap.Int("attempts", attempts))
			return trade, nil
		}
		if !errors.Is(err, types.ErrAlreadyReserved) && !errors.Is(err, types.ErrNotFound) {
			return types.Trade{}, err
		}
		m.logger.Debug("Offer taken by someone else, trying next",
			zap.String("offerID", offer.ID),
			zap.Error(err))
	}
	return types.Trade{}, fmt.Errorf("%w: all %d candidate offers were taken", types.ErrAlreadyReserved, attempts)
}
