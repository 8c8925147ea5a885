package ingest

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantmill/strand/errs"
	"github.com/quantmill/strand/internal/schema"
)

// Normalizer turns one raw venue frame into a normalized event. There is one
// implementation per venue; the supervisor is venue-agnostic.
type Normalizer interface {
	Normalize(frame []byte, now time.Time) (*schema.Event, error)
}

// BinanceNormalizer parses Binance combined-stream frames into the shared
// payload schema.
type BinanceNormalizer struct {
	exchange string
}

// NewBinanceNormalizer constructs the Binance normalizer.
func NewBinanceNormalizer() *BinanceNormalizer {
	return &BinanceNormalizer{exchange: "binance"}
}

type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceKline struct {
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Close       string `json:"c"`
		Volume      string `json:"v"`
		QuoteVolume string `json:"q"`
		Trades      int64  `json:"n"`
		IsClosed    bool   `json:"x"`
	} `json:"k"`
}

type binanceDepth struct {
	Symbol        string     `json:"s"`
	EventTime     int64      `json:"E"`
	FinalUpdateID uint64     `json:"u"`
	LastUpdateID  uint64     `json:"lastUpdateId"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
	SnapshotBids  [][]string `json:"bids"`
	SnapshotAsks  [][]string `json:"asks"`
}

type binanceTrade struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type binanceTicker struct {
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	OpenPrice          string `json:"o"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
	OpenTime           int64  `json:"O"`
	CloseTime          int64  `json:"C"`
	Trades             int64  `json:"n"`
}

type binanceMiniTicker struct {
	Symbol      string `json:"s"`
	Close       string `json:"c"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
}

type binanceBookTicker struct {
	UpdateID uint64 `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// Normalize parses one frame. The combined-stream envelope is unwrapped
// first; the concrete event is picked by the payload's "e" tag, falling back
// to the stream suffix for streams that omit it (bookTicker, partial depth).
// Frames carrying a data_type stamp are canonical payloads this normalizer
// produced earlier; re-normalizing one yields the same event.
func (n *BinanceNormalizer) Normalize(frame []byte, now time.Time) (*schema.Event, error) {
	payload := frame
	stream := ""

	var envelope wsEnvelope
	if err := json.Unmarshal(frame, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
		stream = envelope.Stream
	}

	eventTag, dataType, err := peekTags(payload)
	if err != nil {
		return nil, parseErr("decode frame", err)
	}
	if eventTag == "" && dataType != "" {
		return n.normalizeCanonical(dataType, payload, now)
	}
	if eventTag == "" {
		eventTag = inferStreamType(stream)
	}

	switch strings.ToLower(eventTag) {
	case "kline":
		return n.normalizeKline(payload, now)
	case "depthupdate", "depth":
		return n.normalizeDepth(payload, now)
	case "trade", "aggtrade":
		return n.normalizeTrade(payload, now)
	case "24hrticker", "ticker":
		return n.normalizeTicker(payload, now)
	case "24hrminiticker", "miniticker":
		return n.normalizeMiniTicker(payload, now)
	case "bookticker":
		return n.normalizeBookTicker(payload, now)
	default:
		return nil, errs.New("ingest/parser", errs.CodeParse,
			errs.WithMessage(fmt.Sprintf("unsupported stream event %q", eventTag)))
	}
}

func (n *BinanceNormalizer) normalizeKline(data []byte, now time.Time) (*schema.Event, error) {
	var raw binanceKline
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, parseErr("decode kline", err)
	}
	symbol := canonicalSymbol(raw.Symbol)
	if symbol == "" {
		return nil, missingSymbol("kline")
	}
	payload := schema.KlinePayload{
		MarketMeta:  n.meta("kline", now),
		Symbol:      symbol,
		Interval:    raw.Kline.Interval,
		OpenTime:    time.UnixMilli(raw.Kline.OpenTime).UTC(),
		CloseTime:   time.UnixMilli(raw.Kline.CloseTime).UTC(),
		Open:        raw.Kline.Open,
		High:        raw.Kline.High,
		Low:         raw.Kline.Low,
		Close:       raw.Kline.Close,
		Volume:      raw.Kline.Volume,
		QuoteVolume: raw.Kline.QuoteVolume,
		Trades:      raw.Kline.Trades,
		IsClosed:    raw.Kline.IsClosed,
	}
	return schema.NewEvent(schema.EventTypeKline, payload, schema.PriorityNormal, symbol), nil
}

func (n *BinanceNormalizer) normalizeDepth(data []byte, now time.Time) (*schema.Event, error) {
	var raw binanceDepth
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, parseErr("decode depth", err)
	}
	symbol := canonicalSymbol(raw.Symbol)
	if symbol == "" {
		return nil, missingSymbol("depth")
	}
	updateID := raw.FinalUpdateID
	bids, asks := raw.Bids, raw.Asks
	if raw.LastUpdateID > 0 {
		updateID = raw.LastUpdateID
		bids, asks = raw.SnapshotBids, raw.SnapshotAsks
	}
	payload := schema.DepthPayload{
		MarketMeta:   n.meta("depth", now),
		Symbol:       symbol,
		LastUpdateID: updateID,
		Bids:         toPriceLevels(bids),
		Asks:         toPriceLevels(asks),
		EventTime:    time.UnixMilli(raw.EventTime).UTC(),
	}
	return schema.NewEvent(schema.EventTypeDepth, payload, schema.PriorityHigh, symbol), nil
}

func (n *BinanceNormalizer) normalizeTrade(data []byte, now time.Time) (*schema.Event, error) {
	var raw binanceTrade
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, parseErr("decode trade", err)
	}
	symbol := canonicalSymbol(raw.Symbol)
	if symbol == "" {
		return nil, missingSymbol("trade")
	}
	payload := schema.TradeTickPayload{
		MarketMeta:   n.meta("trade", now),
		Symbol:       symbol,
		TradeID:      raw.TradeID,
		Price:        raw.Price,
		Quantity:     raw.Quantity,
		TradeTime:    time.UnixMilli(raw.TradeTime).UTC(),
		IsBuyerMaker: raw.IsBuyerMaker,
	}
	return schema.NewEvent(schema.EventTypeTrade, payload, schema.PriorityHigh, symbol), nil
}

func (n *BinanceNormalizer) normalizeTicker(data []byte, now time.Time) (*schema.Event, error) {
	var raw binanceTicker
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, parseErr("decode ticker", err)
	}
	symbol := canonicalSymbol(raw.Symbol)
	if symbol == "" {
		return nil, missingSymbol("ticker")
	}
	payload := schema.TickerPayload{
		MarketMeta:         n.meta("ticker", now),
		Symbol:             symbol,
		PriceChange:        raw.PriceChange,
		PriceChangePercent: raw.PriceChangePercent,
		LastPrice:          raw.LastPrice,
		OpenPrice:          raw.OpenPrice,
		HighPrice:          raw.HighPrice,
		LowPrice:           raw.LowPrice,
		Volume:             raw.Volume,
		QuoteVolume:        raw.QuoteVolume,
		OpenTime:           time.UnixMilli(raw.OpenTime).UTC(),
		CloseTime:          time.UnixMilli(raw.CloseTime).UTC(),
		Trades:             raw.Trades,
	}
	return schema.NewEvent(schema.EventTypeTicker, payload, schema.PriorityNormal, symbol), nil
}

func (n *BinanceNormalizer) normalizeMiniTicker(data []byte, now time.Time) (*schema.Event, error) {
	var raw binanceMiniTicker
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, parseErr("decode mini ticker", err)
	}
	symbol := canonicalSymbol(raw.Symbol)
	if symbol == "" {
		return nil, missingSymbol("miniTicker")
	}
	payload := schema.MiniTickerPayload{
		MarketMeta:  n.meta("miniTicker", now),
		Symbol:      symbol,
		Close:       raw.Close,
		Open:        raw.Open,
		High:        raw.High,
		Low:         raw.Low,
		Volume:      raw.Volume,
		QuoteVolume: raw.QuoteVolume,
	}
	return schema.NewEvent(schema.EventTypeMiniTicker, payload, schema.PriorityNormal, symbol), nil
}

func (n *BinanceNormalizer) normalizeBookTicker(data []byte, now time.Time) (*schema.Event, error) {
	var raw binanceBookTicker
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, parseErr("decode book ticker", err)
	}
	symbol := canonicalSymbol(raw.Symbol)
	if symbol == "" {
		return nil, missingSymbol("bookTicker")
	}
	payload := schema.BookTickerPayload{
		MarketMeta: n.meta("bookTicker", now),
		Symbol:     symbol,
		UpdateID:   raw.UpdateID,
		BidPrice:   raw.BidPrice,
		BidQty:     raw.BidQty,
		AskPrice:   raw.AskPrice,
		AskQty:     raw.AskQty,
	}
	return schema.NewEvent(schema.EventTypeBookTicker, payload, schema.PriorityHigh, symbol), nil
}

func (n *BinanceNormalizer) meta(dataType string, now time.Time) schema.MarketMeta {
	return schema.MarketMeta{
		Exchange:           n.exchange,
		DataType:           dataType,
		ProcessedTimestamp: now.UTC(),
	}
}

// normalizeCanonical decodes a payload already in the shared schema, picked
// by its data_type stamp. The meta block is re-stamped so the round trip
// stays stable.
func (n *BinanceNormalizer) normalizeCanonical(dataType string, data []byte, now time.Time) (*schema.Event, error) {
	switch dataType {
	case "kline":
		var p schema.KlinePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, parseErr("decode kline", err)
		}
		if p.Symbol = canonicalSymbol(p.Symbol); p.Symbol == "" {
			return nil, missingSymbol("kline")
		}
		p.MarketMeta = n.meta("kline", now)
		return schema.NewEvent(schema.EventTypeKline, p, schema.PriorityNormal, p.Symbol), nil
	case "depth":
		var p schema.DepthPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, parseErr("decode depth", err)
		}
		if p.Symbol = canonicalSymbol(p.Symbol); p.Symbol == "" {
			return nil, missingSymbol("depth")
		}
		p.MarketMeta = n.meta("depth", now)
		return schema.NewEvent(schema.EventTypeDepth, p, schema.PriorityHigh, p.Symbol), nil
	case "trade":
		var p schema.TradeTickPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, parseErr("decode trade", err)
		}
		if p.Symbol = canonicalSymbol(p.Symbol); p.Symbol == "" {
			return nil, missingSymbol("trade")
		}
		p.MarketMeta = n.meta("trade", now)
		return schema.NewEvent(schema.EventTypeTrade, p, schema.PriorityHigh, p.Symbol), nil
	case "ticker":
		var p schema.TickerPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, parseErr("decode ticker", err)
		}
		if p.Symbol = canonicalSymbol(p.Symbol); p.Symbol == "" {
			return nil, missingSymbol("ticker")
		}
		p.MarketMeta = n.meta("ticker", now)
		return schema.NewEvent(schema.EventTypeTicker, p, schema.PriorityNormal, p.Symbol), nil
	case "miniTicker":
		var p schema.MiniTickerPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, parseErr("decode mini ticker", err)
		}
		if p.Symbol = canonicalSymbol(p.Symbol); p.Symbol == "" {
			return nil, missingSymbol("miniTicker")
		}
		p.MarketMeta = n.meta("miniTicker", now)
		return schema.NewEvent(schema.EventTypeMiniTicker, p, schema.PriorityNormal, p.Symbol), nil
	case "bookTicker":
		var p schema.BookTickerPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, parseErr("decode book ticker", err)
		}
		if p.Symbol = canonicalSymbol(p.Symbol); p.Symbol == "" {
			return nil, missingSymbol("bookTicker")
		}
		p.MarketMeta = n.meta("bookTicker", now)
		return schema.NewEvent(schema.EventTypeBookTicker, p, schema.PriorityHigh, p.Symbol), nil
	default:
		return nil, errs.New("ingest/parser", errs.CodeParse,
			errs.WithMessage(fmt.Sprintf("unsupported data type %q", dataType)))
	}
}

// peekTags extracts the "e" venue discriminator and the canonical data_type
// stamp without decoding the whole payload.
func peekTags(data []byte) (string, string, error) {
	var probe struct {
		Event    string `json:"e"`
		DataType string `json:"data_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", "", err
	}
	return probe.Event, probe.DataType, nil
}

// inferStreamType derives the event kind from a stream name such as
// "btcusdt@bookTicker" or "ethusdt@depth20" when the payload has no tag.
func inferStreamType(stream string) string {
	idx := strings.IndexByte(stream, '@')
	if idx < 0 || idx+1 >= len(stream) {
		return ""
	}
	kind := stream[idx+1:]
	if at := strings.IndexByte(kind, '_'); at >= 0 {
		kind = kind[:at]
	}
	kind = strings.TrimRight(kind, "0123456789")
	return kind
}

func canonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func toPriceLevels(levels [][]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		out = append(out, schema.PriceLevel{Price: level[0], Quantity: level[1]})
	}
	return out
}

func parseErr(msg string, cause error) error {
	return errs.New("ingest/parser", errs.CodeParse, errs.WithMessage(msg), errs.WithCause(cause))
}

func missingSymbol(kind string) error {
	return errs.New("ingest/parser", errs.CodeParse,
		errs.WithMessage(fmt.Sprintf("missing symbol in %s payload", kind)))
}
