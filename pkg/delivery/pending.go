package delivery

import (
	"context"
	"sync"
)

// Pending is the result of a Send. It completes once with nil when the peer
// acknowledged the message, or with an error when delivery failed or was
// cancelled.
type Pending struct {
	TradeID     string
	MessageType string
	Seq         uint64

	done      chan struct{}
	mu        sync.Mutex
	err       error
	completed bool
	callbacks []func(error)
}

func newPending(tradeID, messageType string, seq uint64) *Pending {
	return &Pending{
		TradeID:     tradeID,
		MessageType: messageType,
		Seq:         seq,
		done:        make(chan struct{}),
	}
}

// Done is closed when the send completed
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome, nil while still in flight
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Wait blocks until the send completed or ctx is done
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete registers fn to run, on its own goroutine, with the outcome.
// fn runs right away if the send already completed.
func (p *Pending) OnComplete(fn func(error)) {
	p.mu.Lock()
	if !p.completed {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	err := p.err
	p.mu.Unlock()
	go fn(err)
}

func (p *Pending) complete(err error) {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}
	p.completed = true
	p.err = err
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range callbacks {
		go fn(err)
	}
}
