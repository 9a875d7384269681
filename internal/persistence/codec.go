package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketron/internal/models"
)

const formatVersion = 1

type envelope struct {
	Version    int               `json:"version"`
	OrderBook  models.BookState  `json:"orderBook"`
	Trades     []models.Trade    `json:"trades"`
	PriceState models.PriceState `json:"priceState"`
	Stops      []*models.Order   `json:"stops"`
	SavedAt    time.Time         `json:"savedAt"`
}

// Encode serializes a state. Empty collections are written as [] and {}.
func Encode(s models.State, savedAt time.Time) ([]byte, error) {
	env := envelope{
		Version:    formatVersion,
		OrderBook:  s.OrderBook,
		Trades:     s.Trades,
		PriceState: s.PriceState,
		Stops:      s.Stops,
		SavedAt:    savedAt.UTC(),
	}
	if env.OrderBook.Bids == nil {
		env.OrderBook.Bids = []*models.Order{}
	}
	if env.OrderBook.Asks == nil {
		env.OrderBook.Asks = []*models.Order{}
	}
	if env.Trades == nil {
		env.Trades = []models.Trade{}
	}
	if env.PriceState == nil {
		env.PriceState = models.PriceState{}
	}
	if env.Stops == nil {
		env.Stops = []*models.Order{}
	}
	return json.Marshal(env)
}

// Decode parses and structurally validates a serialized state: bids, asks,
// trades and stops must be arrays, priceState an object whose entries carry
// a numeric price and an array history. Any violation is an error; nothing
// is partially decoded.
func Decode(data []byte) (models.State, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return models.State{}, fmt.Errorf("decode: %w", err)
	}

	var version int
	if err := json.Unmarshal(top["version"], &version); err != nil || version != formatVersion {
		return models.State{}, fmt.Errorf("unsupported snapshot version %s", string(top["version"]))
	}

	var book map[string]json.RawMessage
	if err := expectKind(top, "orderBook", '{'); err != nil {
		return models.State{}, err
	}
	if err := json.Unmarshal(top["orderBook"], &book); err != nil {
		return models.State{}, fmt.Errorf("orderBook: %w", err)
	}
	for _, f := range []string{"bids", "asks"} {
		if err := expectKind(book, f, '['); err != nil {
			return models.State{}, fmt.Errorf("orderBook.%w", err)
		}
	}
	if err := expectKind(top, "trades", '['); err != nil {
		return models.State{}, err
	}
	if err := expectKind(top, "priceState", '{'); err != nil {
		return models.State{}, err
	}
	if _, ok := top["stops"]; ok {
		if err := expectKind(top, "stops", '['); err != nil {
			return models.State{}, err
		}
	}

	var prices map[string]json.RawMessage
	if err := json.Unmarshal(top["priceState"], &prices); err != nil {
		return models.State{}, fmt.Errorf("priceState: %w", err)
	}
	for symbol, raw := range prices {
		if err := checkPriceRecord(raw); err != nil {
			return models.State{}, fmt.Errorf("priceState.%s: %w", symbol, err)
		}
	}

	s := models.EmptyState()
	if err := json.Unmarshal(book["bids"], &s.OrderBook.Bids); err != nil {
		return models.State{}, fmt.Errorf("orderBook.bids: %w", err)
	}
	if err := json.Unmarshal(book["asks"], &s.OrderBook.Asks); err != nil {
		return models.State{}, fmt.Errorf("orderBook.asks: %w", err)
	}
	if err := json.Unmarshal(top["trades"], &s.Trades); err != nil {
		return models.State{}, fmt.Errorf("trades: %w", err)
	}
	if err := json.Unmarshal(top["priceState"], &s.PriceState); err != nil {
		return models.State{}, fmt.Errorf("priceState: %w", err)
	}
	if raw, ok := top["stops"]; ok {
		if err := json.Unmarshal(raw, &s.Stops); err != nil {
			return models.State{}, fmt.Errorf("stops: %w", err)
		}
	}

	for i, o := range s.OrderBook.Bids {
		if o == nil {
			return models.State{}, fmt.Errorf("orderBook.bids[%d]: null order", i)
		}
	}
	for i, o := range s.OrderBook.Asks {
		if o == nil {
			return models.State{}, fmt.Errorf("orderBook.asks[%d]: null order", i)
		}
	}
	for symbol, rec := range s.PriceState {
		if rec.History == nil {
			rec.History = []models.PricePoint{}
			s.PriceState[symbol] = rec
		}
	}
	return s, nil
}

func checkPriceRecord(raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if kindOf(raw) != '{' {
		return fmt.Errorf("must be an object")
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	p, ok := fields["price"]
	if !ok {
		return fmt.Errorf("price is required")
	}
	var price decimal.Decimal
	if err := json.Unmarshal(p, &price); err != nil {
		return fmt.Errorf("price is not numeric: %w", err)
	}
	if err := expectKind(fields, "history", '['); err != nil {
		return err
	}
	return nil
}

func expectKind(obj map[string]json.RawMessage, field string, want byte) error {
	raw, ok := obj[field]
	if !ok {
		return fmt.Errorf("%s is required", field)
	}
	if kindOf(raw) != want {
		noun := "an array"
		if want == '{' {
			noun = "an object"
		}
		return fmt.Errorf("%s must be %s", field, noun)
	}
	return nil
}

func kindOf(raw json.RawMessage) byte {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}
