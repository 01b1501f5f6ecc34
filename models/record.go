package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Resolution identifies the granularity class of a subscription. It selects
// the flow-control watermarks for the subscription's queue and tells readers
// which record shape to expect.
type Resolution string

const (
	ResolutionTick   Resolution = "tick"
	ResolutionSecond Resolution = "second"
	ResolutionMinute Resolution = "minute"
	ResolutionHour   Resolution = "hour"
	ResolutionDaily  Resolution = "daily"
	// ResolutionSnapshot marks bulk order book snapshot subscriptions. Each
	// record carries a full book, so per-item memory is far larger than any
	// bar or tick record.
	ResolutionSnapshot Resolution = "snapshot"
)

// ParseResolution maps a configuration string to a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(s))) {
	case ResolutionTick:
		return ResolutionTick, nil
	case ResolutionSecond:
		return ResolutionSecond, nil
	case ResolutionMinute:
		return ResolutionMinute, nil
	case ResolutionHour:
		return ResolutionHour, nil
	case ResolutionDaily:
		return ResolutionDaily, nil
	case ResolutionSnapshot:
		return ResolutionSnapshot, nil
	}
	return "", fmt.Errorf("unknown resolution '%s'", s)
}

func (r Resolution) String() string {
	return string(r)
}

// Meta carries the identifying fields shared by every market data record.
// Embedding Meta makes a struct satisfy the Record interface.
type Meta struct {
	Exchange   string     `json:"exchange"`
	Symbol     string     `json:"symbol"`
	Time       time.Time  `json:"time"`
	Resolution Resolution `json:"resolution"`
}

// Record is the opaque, immutable item flowing through a subscription
// queue. The feed core never inspects anything beyond Meta.
type Record interface {
	RecordMeta() Meta
}

func (m Meta) RecordMeta() Meta { return m }

// Tick is a single trade print.
type Tick struct {
	Meta
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Side  string          `json:"side"` // "buy" or "sell", empty when unknown
}

// Bar is an OHLCV aggregate for one resolution interval.
type Bar struct {
	Meta
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// BookLevel is a single price level of an order book side.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshot is the complete order book state at one instant. Snapshots
// are the bulk record class: one record can hold thousands of levels.
type BookSnapshot struct {
	Meta
	Bids         []BookLevel `json:"bids"`
	Asks         []BookLevel `json:"asks"`
	LastUpdateID int64       `json:"lastUpdateId"`
}
