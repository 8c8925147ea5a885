package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantmill/strand/errs"
)

// InstrumentID identifies a tradable instrument on a venue. The zero value
// is invalid; instances are value-equal and usable as map keys.
type InstrumentID struct {
	Symbol string `json:"symbol"`
	Venue  string `json:"venue"`
}

// NewInstrumentID canonicalises the symbol to uppercase and returns the ID.
func NewInstrumentID(symbol, venue string) InstrumentID {
	return InstrumentID{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Venue:  strings.ToLower(strings.TrimSpace(venue)),
	}
}

func (id InstrumentID) String() string {
	return fmt.Sprintf("%s@%s", id.Symbol, id.Venue)
}

// Validate checks the instrument carries both legs.
func (id InstrumentID) Validate() error {
	if strings.TrimSpace(id.Symbol) == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if strings.TrimSpace(id.Venue) == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("venue required"), errs.WithSymbol(id.Symbol))
	}
	return nil
}

// Bar is one OHLCV record for an instrument at a timestamp. Immutable once
// emitted by a price source.
type Bar struct {
	Instrument InstrumentID    `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}

// MarketMeta is stamped onto every normalized venue payload.
type MarketMeta struct {
	Exchange           string    `json:"exchange"`
	DataType           string    `json:"data_type"`
	ProcessedTimestamp time.Time `json:"processed_timestamp"`
}

// PriceLevel describes one order book level using decimal strings.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// KlinePayload is the normalized candlestick schema shared by all venues.
type KlinePayload struct {
	MarketMeta
	Symbol      string    `json:"symbol"`
	Interval    string    `json:"interval"`
	OpenTime    time.Time `json:"open_time"`
	CloseTime   time.Time `json:"close_time"`
	Open        string    `json:"open"`
	High        string    `json:"high"`
	Low         string    `json:"low"`
	Close       string    `json:"close"`
	Volume      string    `json:"volume"`
	QuoteVolume string    `json:"quote_volume"`
	Trades      int64     `json:"trades"`
	IsClosed    bool      `json:"is_closed"`
}

// DepthPayload is the normalized order book depth schema.
type DepthPayload struct {
	MarketMeta
	Symbol       string       `json:"symbol"`
	LastUpdateID uint64       `json:"last_update_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	EventTime    time.Time    `json:"event_time"`
}

// TradeTickPayload is the normalized trade execution schema.
type TradeTickPayload struct {
	MarketMeta
	Symbol       string    `json:"symbol"`
	TradeID      int64     `json:"trade_id"`
	Price        string    `json:"price"`
	Quantity     string    `json:"quantity"`
	TradeTime    time.Time `json:"trade_time"`
	IsBuyerMaker bool      `json:"is_buyer_maker"`
}

// TickerPayload is the normalized 24-hour rollup schema.
type TickerPayload struct {
	MarketMeta
	Symbol             string    `json:"symbol"`
	PriceChange        string    `json:"price_change"`
	PriceChangePercent string    `json:"price_change_percent"`
	LastPrice          string    `json:"last_price"`
	OpenPrice          string    `json:"open_price"`
	HighPrice          string    `json:"high_price"`
	LowPrice           string    `json:"low_price"`
	Volume             string    `json:"volume"`
	QuoteVolume        string    `json:"quote_volume"`
	OpenTime           time.Time `json:"open_time"`
	CloseTime          time.Time `json:"close_time"`
	Trades             int64     `json:"trades"`
}

// MiniTickerPayload is the condensed ticker variant.
type MiniTickerPayload struct {
	MarketMeta
	Symbol      string `json:"symbol"`
	Close       string `json:"close"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quote_volume"`
}

// BookTickerPayload is the best bid/ask variant.
type BookTickerPayload struct {
	MarketMeta
	Symbol   string `json:"symbol"`
	UpdateID uint64 `json:"update_id"`
	BidPrice string `json:"bid_price"`
	BidQty   string `json:"bid_qty"`
	AskPrice string `json:"ask_price"`
	AskQty   string `json:"ask_qty"`
}

// ConnectionPayload reports ingestion connection state transitions. It is
// emitted at critical priority when a supervisor exhausts its reconnect
// budget so downstream consumers observe the outage.
type ConnectionPayload struct {
	Exchange string    `json:"exchange"`
	State    string    `json:"state"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}
