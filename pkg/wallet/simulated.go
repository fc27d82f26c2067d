package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Chain is an in-process block chain shared by simulated wallets. Txs
// enter the mempool when broadcast and are confirmed by Mine.
type Chain struct {
	mu      sync.Mutex
	height  int
	nonce   uint64
	mempool map[string]struct{}
	blocks  map[string]int // key: txID, value: height of the including block
}

// NewChain returns an empty chain at height 0
func NewChain() *Chain {
	return &Chain{
		mempool: make(map[string]struct{}),
		blocks:  make(map[string]int),
	}
}

// Mine adds n blocks; the first one includes every mempool tx
func (c *Chain) Mine(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.height++
	for txID := range c.mempool {
		c.blocks[txID] = c.height
		delete(c.mempool, txID)
	}
	c.height += n - 1
}

// AutoMine mines a block every interval until ctx is done
func (c *Chain) AutoMine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Mine(1)
		}
	}
}

// Height returns the current chain height
func (c *Chain) Height() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

func (c *Chain) broadcast(seed string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nonce++
	hash := chainhash.DoubleHashH([]byte(fmt.Sprintf("%s:%d", seed, c.nonce)))
	txID := hash.String()
	c.mempool[txID] = struct{}{}
	return txID
}

func (c *Chain) depth(txID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.mempool[txID]; ok {
		return 0
	}
	if height, ok := c.blocks[txID]; ok {
		return c.height - height + 1
	}
	return DepthUnknown
}

// Simulated is a Wallet on top of a Chain. It signs nothing; it only
// records txs so that the trade protocol can be driven end to end.
type Simulated struct {
	chain *Chain

	mu       sync.Mutex
	locked   bool
	failNext map[string]error // key: operation
}

const (
	OpDeposit = "deposit"
	OpPayout  = "payout"
	OpDepth   = "depth"
)

// NewSimulated returns an unlocked simulated wallet on chain
func NewSimulated(chain *Chain) *Simulated {
	return &Simulated{
		chain:    chain,
		failNext: make(map[string]error),
	}
}

// Lock makes the wallet refuse to sign
func (w *Simulated) Lock() {
	w.mu.Lock()
	w.locked = true
	w.mu.Unlock()
}

// Unlock allows the wallet to sign again
func (w *Simulated) Unlock() {
	w.mu.Lock()
	w.locked = false
	w.mu.Unlock()
}

// FailNext makes the next call of op (OpDeposit, OpPayout, OpDepth)
// return err
func (w *Simulated) FailNext(op string, err error) {
	w.mu.Lock()
	w.failNext[op] = err
	w.mu.Unlock()
}

func (w *Simulated) injected(op string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.failNext[op]
	delete(w.failNext, op)
	return err
}

func (w *Simulated) IsWalletUnlocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.locked
}

func (w *Simulated) BuildAndBroadcastDepositTx(ctx context.Context, trade types.Trade) (string, error) {
	return w.sign(ctx, OpDeposit, trade)
}

func (w *Simulated) BuildAndBroadcastPayoutTx(ctx context.Context, trade types.Trade) (string, error) {
	if trade.DepositTxID == "" {
		return "", types.Preconditionf("trade %s has no deposit tx", trade.ID)
	}
	if depth := w.chain.depth(trade.DepositTxID); depth < 1 {
		return "", types.Preconditionf("deposit tx of trade %s is not confirmed", trade.ID)
	}
	return w.sign(ctx, OpPayout, trade)
}

func (w *Simulated) sign(ctx context.Context, op string, trade types.Trade) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !w.IsWalletUnlocked() {
		return "", fmt.Errorf("%w: wallet is locked", types.ErrWalletUnavailable)
	}
	if err := w.injected(op); err != nil {
		return "", err
	}
	return w.chain.broadcast(op + ":" + trade.ID), nil
}

func (w *Simulated) ConfirmationDepth(ctx context.Context, txID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return DepthUnknown, err
	}
	if err := w.injected(OpDepth); err != nil {
		return DepthUnknown, err
	}
	return w.chain.depth(txID), nil
}

var _ Wallet = (*Simulated)(nil)
