package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// MaxNumOfFailingRequests is the number of requests after which the
	// failure ratio is considered
	MaxNumOfFailingRequests = 10
	// FailingRatio of failed requests that opens the breaker
	FailingRatio = 0.6
)

// Breaker guards a Wallet with a circuit breaker. While the breaker is open
// calls fail fast with ErrWalletUnavailable.
type Breaker struct {
	wallet Wallet
	cb     *gobreaker.CircuitBreaker
}

// NewBreaker wraps w with a circuit breaker that opens once more than
// MaxNumOfFailingRequests requests were made and FailingRatio of them failed
func NewBreaker(w Wallet, logger *zap.Logger) *Breaker {
	return &Breaker{
		wallet: w,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "wallet",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return int(counts.Requests) > MaxNumOfFailingRequests && ratio >= FailingRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Wallet circuit breaker changed state",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
			// precondition failures are caller mistakes, not wallet outages
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, types.ErrPreconditionViolation)
			},
		}),
	}
}

func (b *Breaker) IsWalletUnlocked() bool {
	if b.cb.State() == gobreaker.StateOpen {
		return false
	}
	return b.wallet.IsWalletUnlocked()
}

func (b *Breaker) BuildAndBroadcastDepositTx(ctx context.Context, trade types.Trade) (string, error) {
	return b.executeString(func() (string, error) {
		return b.wallet.BuildAndBroadcastDepositTx(ctx, trade)
	})
}

func (b *Breaker) BuildAndBroadcastPayoutTx(ctx context.Context, trade types.Trade) (string, error) {
	return b.executeString(func() (string, error) {
		return b.wallet.BuildAndBroadcastPayoutTx(ctx, trade)
	})
}

func (b *Breaker) ConfirmationDepth(ctx context.Context, txID string) (int, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.wallet.ConfirmationDepth(ctx, txID)
	})
	if err != nil {
		return DepthUnknown, unavailable(err)
	}
	return res.(int), nil
}

func (b *Breaker) executeString(fn func() (string, error)) (string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return "", unavailable(err)
	}
	return res.(string), nil
}

func unavailable(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", types.ErrWalletUnavailable, err)
	}
	return err
}

var _ Wallet = (*Breaker)(nil)
