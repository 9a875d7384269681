package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is one tradable instrument of the venue.
type Symbol struct {
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	InitialPrice decimal.Decimal `json:"initialPrice"`
	IsActive     bool            `json:"isActive"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func NewSymbol(code, name string, initialPrice decimal.Decimal) *Symbol {
	return &Symbol{
		Code:         strings.ToUpper(code),
		Name:         name,
		InitialPrice: initialPrice,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
}

func (s *Symbol) Validate() error {
	if strings.TrimSpace(s.Code) == "" {
		return errors.New("symbol code is required")
	}
	if len(s.Code) > 10 {
		return errors.New("symbol code must be 10 characters or less")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("symbol name is required")
	}
	if s.InitialPrice.IsNegative() {
		return errors.New("initial price cannot be negative")
	}
	return nil
}

var defaultSymbols = []Symbol{
	{Code: "AAPL", Name: "Apple Inc.", InitialPrice: decimal.NewFromInt(150)},
	{Code: "GOOGL", Name: "Alphabet Inc.", InitialPrice: decimal.NewFromInt(2800)},
	{Code: "MSFT", Name: "Microsoft Corporation", InitialPrice: decimal.NewFromInt(300)},
	{Code: "AMZN", Name: "Amazon.com Inc.", InitialPrice: decimal.NewFromInt(3300)},
	{Code: "TSLA", Name: "Tesla Inc.", InitialPrice: decimal.NewFromInt(750)},
	{Code: "META", Name: "Meta Platforms Inc.", InitialPrice: decimal.NewFromInt(330)},
	{Code: "NFLX", Name: "Netflix Inc.", InitialPrice: decimal.NewFromInt(500)},
	{Code: "NVDA", Name: "NVIDIA Corporation", InitialPrice: decimal.NewFromInt(450)},
	{Code: "AMD", Name: "Advanced Micro Devices Inc.", InitialPrice: decimal.NewFromInt(120)},
}

// DefaultSymbols returns a fresh copy of the built-in universe.
func DefaultSymbols() []Symbol {
	out := make([]Symbol, len(defaultSymbols))
	copy(out, defaultSymbols)
	for i := range out {
		out[i].IsActive = true
	}
	return out
}

// Universe is the fixed, ordered set of symbols accepted by the engine.
type Universe struct {
	symbols []Symbol
	index   map[string]int
}

func NewUniverse(symbols []Symbol) (*Universe, error) {
	u := &Universe{index: make(map[string]int, len(symbols))}
	for _, s := range symbols {
		s.Code = strings.ToUpper(strings.TrimSpace(s.Code))
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("symbol %q: %w", s.Code, err)
		}
		if _, dup := u.index[s.Code]; dup {
			return nil, fmt.Errorf("duplicate symbol %q", s.Code)
		}
		u.index[s.Code] = len(u.symbols)
		u.symbols = append(u.symbols, s)
	}
	if len(u.symbols) == 0 {
		return nil, errors.New("symbol universe is empty")
	}
	return u, nil
}

// UniverseFromCodes builds a universe from bare codes, taking names and
// initial prices from the built-in list where known.
func UniverseFromCodes(codes []string) (*Universe, error) {
	known := make(map[string]Symbol, len(defaultSymbols))
	for _, s := range DefaultSymbols() {
		known[s.Code] = s
	}
	symbols := make([]Symbol, 0, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if s, ok := known[c]; ok {
			symbols = append(symbols, s)
			continue
		}
		symbols = append(symbols, Symbol{Code: c, Name: c, IsActive: true})
	}
	return NewUniverse(symbols)
}

func DefaultUniverse() *Universe {
	u, _ := NewUniverse(DefaultSymbols())
	return u
}

func (u *Universe) Contains(code string) bool {
	_, ok := u.index[code]
	return ok
}

func (u *Universe) Lookup(code string) (Symbol, bool) {
	i, ok := u.index[code]
	if !ok {
		return Symbol{}, false
	}
	return u.symbols[i], true
}

func (u *Universe) Codes() []string {
	out := make([]string, len(u.symbols))
	for i, s := range u.symbols {
		out[i] = s.Code
	}
	return out
}

func (u *Universe) Symbols() []Symbol {
	return append([]Symbol(nil), u.symbols...)
}

func (u *Universe) Len() int { return len(u.symbols) }
