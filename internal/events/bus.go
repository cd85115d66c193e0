// Package events is the in-process change feed. The registry and ledger
// publish here after every successful commit; the WebSocket hub and the
// Kafka publisher subscribe.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/gamblescope/wager-engine/internal/model"
)

// Kind names what changed.
type Kind string

const (
	AccountCreated Kind = "account.created"
	AccountUpdated Kind = "account.updated"
	MarketCreated  Kind = "market.created"
	WagerPlaced    Kind = "wager.placed"
	MarketSettled  Kind = "market.settled"
	MarketVoided   Kind = "market.voided"
)

// Event is one committed change.
type Event struct {
	Kind       Kind                    `json:"kind"`
	MarketID   string                  `json:"market_id,omitempty"`
	AccountID  string                  `json:"account_id,omitempty"`
	Market     *model.MarketSnapshot   `json:"market,omitempty"`
	Account    *model.Account          `json:"account,omitempty"`
	Settlement *model.SettlementResult `json:"settlement,omitempty"`
	Refunds    []model.Refund          `json:"refunds,omitempty"`
	At         time.Time               `json:"at"`
}

// Key is the partition key used by external sinks: the market when there
// is one, otherwise the account.
func (e Event) Key() string {
	if e.MarketID != "" {
		return e.MarketID
	}
	return e.AccountID
}

// Handler receives events. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(Event)

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

// NewBus creates a Bus with no subscribers.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers e to every current subscriber. A nil Bus drops it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(e)
	}
}
