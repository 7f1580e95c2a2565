package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExpiryLayout is the date format used for expiries in config and in persisted rows.
const ExpiryLayout = "2006-01-02"

// Side identifies the option type of a series.
type Side int

const (
	Call Side = iota
	Put
)

func (s Side) String() string {
	switch s {
	case Call:
		return "call"
	case Put:
		return "put"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// ParseSide maps an exchange instrument type (CE/PE) to a Side.
func ParseSide(instrumentType string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(instrumentType)) {
	case "CE", "CALL":
		return Call, true
	case "PE", "PUT":
		return Put, true
	default:
		return 0, false
	}
}

// Instrument is one tradable series as listed by the market-data source.
type Instrument struct {
	InstrumentID  uint64
	Exchange      string
	TradingSymbol string
	Name          string
	Expiry        time.Time
	Strike        float64
	Side          Side
	// Type keeps the raw instrument_type (CE, PE, FUT) so non-option rows can be filtered out.
	Type string
}

// Quote is the subset of a market quote the chain needs. OpenInterest and
// Volume are zero when the source omits them.
type Quote struct {
	LastPrice    decimal.Decimal
	OpenInterest int64
	Volume       int64
}

// SideState is the enriched state of one (strike, side) pair for the current cycle.
type SideState struct {
	LastPrice          decimal.Decimal
	OpenInterest       int64
	OpenInterestChange int64
	Volume             int64
	VWAP               decimal.Decimal
}

// StrikeState holds both sides of a strike.
type StrikeState struct {
	Strike float64
	Call   SideState
	Put    SideState
}

// Side returns a pointer to the state of the requested side.
func (s *StrikeState) Side(side Side) *SideState {
	if side == Put {
		return &s.Put
	}
	return &s.Call
}

// Chain maps strikes to their merged state for one expiry.
type Chain map[float64]*StrikeState

// PriorSide is the baseline carried over from the previous snapshot.
type PriorSide struct {
	OpenInterest int64
	VWAP         decimal.Decimal
}

// PriorStrike groups the baseline of both sides of a strike.
type PriorStrike struct {
	Call PriorSide
	Put  PriorSide
}

// Side returns the baseline for the requested side.
func (p PriorStrike) Side(side Side) PriorSide {
	if side == Put {
		return p.Put
	}
	return p.Call
}

// PriorState is the per-strike baseline extracted from the last persisted snapshot.
type PriorState map[float64]PriorStrike

// Lookup returns the baseline for a strike and side, zero when absent.
func (p PriorState) Lookup(strike float64, side Side) PriorSide {
	prior, ok := p[strike]
	if !ok {
		return PriorSide{}
	}
	return prior.Side(side)
}

// Snapshot is a rendered table ready to be persisted.
type Snapshot struct {
	Expiry string
	Header []string
	Rows   [][]string
}

// QuoteResult is the tagged outcome of fetching one instrument's quote. Err is
// set when the fetch failed; Quote is then zero.
type QuoteResult struct {
	Instrument Instrument
	Quote      Quote
	Err        error
}

// OK reports whether the fetch succeeded.
func (r QuoteResult) OK() bool {
	return r.Err == nil
}
