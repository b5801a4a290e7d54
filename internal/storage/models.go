package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Bundle kinds accepted in the inbox.
const (
	BundleKindPrices      = "prices"
	BundleKindInvalidate  = "invalidate"
	BundleKindFailoverOn  = "failover_activate"
	BundleKindFailoverOff = "failover_deactivate"
)

// Bundle statuses.
const (
	BundleStatusPending   = "pending"
	BundleStatusProcessed = "processed"
	BundleStatusFailed    = "failed"
)

// Bundle is a submission waiting in the inbox. Invalidate bundles carry
// exactly one message and one signature and no symbols. Failover bundles are
// operator commands naming exactly one symbol.
type Bundle struct {
	ID         int64
	Kind       string
	Messages   [][]byte
	Signatures [][]byte
	Symbols    []string
	Status     string
	Error      *string
	CreatedAt  time.Time
}

// EventRecord is one row of the persisted event log.
type EventRecord struct {
	ID         int64
	Kind       string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// PricePoint is one published price, in USD.
type PricePoint struct {
	Symbol     string
	Price      decimal.Decimal
	RecordedAt time.Time
}
