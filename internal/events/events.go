package events

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind names an event type in the append-only log.
type Kind string

const (
	KindPriceUpdated        Kind = "price_updated"
	KindPriceGuarded        Kind = "price_guarded"
	KindAnchorWindowUpdated Kind = "anchor_window_updated"
	KindReporterInvalidated Kind = "reporter_invalidated"
	KindWrite               Kind = "write"
	KindNotWritten          Kind = "not_written"
	KindFailoverActivated   Kind = "failover_activated"
	KindFailoverDeactivated Kind = "failover_deactivated"
)

// Event is a structured outcome emitted by the oracle core.
type Event interface {
	Kind() Kind
}

// PriceUpdated reports a newly published price.
type PriceUpdated struct {
	Symbol     string      `json:"symbol"`
	SymbolHash common.Hash `json:"symbol_hash"`
	Price      *big.Int    `json:"price"`
}

// PriceGuarded reports a reporter price rejected against its anchor.
type PriceGuarded struct {
	Symbol        string      `json:"symbol"`
	SymbolHash    common.Hash `json:"symbol_hash"`
	ReporterPrice *big.Int    `json:"reporter_price"`
	AnchorPrice   *big.Int    `json:"anchor_price"`
}

// AnchorWindowUpdated reports a rotation of the TWAP observation window.
type AnchorWindowUpdated struct {
	SymbolHash     common.Hash  `json:"symbol_hash"`
	OldTimestamp   uint32       `json:"old_timestamp"`
	NewTimestamp   uint32       `json:"new_timestamp"`
	OldAccumulator *uint256.Int `json:"old_accumulator"`
	NewAccumulator *uint256.Int `json:"new_accumulator"`
}

// ReporterInvalidated reports the permanent revocation of the reporter.
type ReporterInvalidated struct {
	Reporter common.Address `json:"reporter"`
}

// Write reports an accepted observation.
type Write struct {
	Source    common.Address `json:"source"`
	Key       string         `json:"key"`
	Timestamp uint64         `json:"timestamp"`
	Value     uint64         `json:"value"`
}

// NotWritten reports an observation ignored as stale, future-dated or unsigned.
type NotWritten struct {
	Source           common.Address `json:"source"`
	Key              string         `json:"key"`
	PriorTimestamp   uint64         `json:"prior_timestamp"`
	MessageTimestamp uint64         `json:"message_timestamp"`
	Now              uint64         `json:"now"`
}

// FailoverActivated reports that symbol now publishes its anchor price.
type FailoverActivated struct {
	Symbol     string      `json:"symbol"`
	SymbolHash common.Hash `json:"symbol_hash"`
}

// FailoverDeactivated reports that symbol publishes reporter prices again.
type FailoverDeactivated struct {
	Symbol     string      `json:"symbol"`
	SymbolHash common.Hash `json:"symbol_hash"`
}

func (PriceUpdated) Kind() Kind        { return KindPriceUpdated }
func (PriceGuarded) Kind() Kind        { return KindPriceGuarded }
func (AnchorWindowUpdated) Kind() Kind { return KindAnchorWindowUpdated }
func (ReporterInvalidated) Kind() Kind { return KindReporterInvalidated }
func (Write) Kind() Kind               { return KindWrite }
func (NotWritten) Kind() Kind          { return KindNotWritten }
func (FailoverActivated) Kind() Kind   { return KindFailoverActivated }
func (FailoverDeactivated) Kind() Kind { return KindFailoverDeactivated }

// Log is an append-only event log. Readers drain it; the core only appends.
type Log struct {
	mu     sync.Mutex
	events []Event
}

// Append adds committed events to the log.
func (l *Log) Append(evs ...Event) {
	l.mu.Lock()
	l.events = append(l.events, evs...)
	l.mu.Unlock()
}

// Drain returns every event appended since the previous drain.
func (l *Log) Drain() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out
}

// Len reports the number of undrained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Filter returns the events of the given kind, preserving order.
func Filter(evs []Event, kind Kind) []Event {
	out := make([]Event, 0, len(evs))
	for _, ev := range evs {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}
