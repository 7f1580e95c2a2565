package processor

import (
	"errors"

	"github.com/shopspring/decimal"

	"optionflow/models"
)

// VWAPPrecision is the number of decimal places VWAP is rounded to.
const VWAPPrecision = 2

// ErrNoInstruments is returned when a cycle has nothing to merge.
var ErrNoInstruments = errors.New("no instruments to merge")

// Diagnostic records an instrument whose quote could not be fetched.
type Diagnostic struct {
	Instrument models.Instrument
	Err        error
}

// Merge combines the prior baseline with this cycle's quote outcomes. Every
// strike seen in results gets an entry, even when all its fetches failed; a
// failed side stays zero and does not inherit prior values.
func Merge(prior models.PriorState, results []models.QuoteResult) (models.Chain, []Diagnostic, error) {
	if len(results) == 0 {
		return nil, nil, ErrNoInstruments
	}

	chain := make(models.Chain, len(results)/2+1)
	var diagnostics []Diagnostic

	for _, res := range results {
		inst := res.Instrument
		state, ok := chain[inst.Strike]
		if !ok {
			state = &models.StrikeState{Strike: inst.Strike}
			chain[inst.Strike] = state
		}

		if !res.OK() {
			diagnostics = append(diagnostics, Diagnostic{Instrument: inst, Err: res.Err})
			continue
		}

		*state.Side(inst.Side) = MergeSide(prior.Lookup(inst.Strike, inst.Side), res.Quote)
	}

	return chain, diagnostics, nil
}

// MergeSide enriches a single quote with the baseline of the same strike and side.
func MergeSide(prior models.PriorSide, quote models.Quote) models.SideState {
	return models.SideState{
		LastPrice:          quote.LastPrice,
		OpenInterest:       quote.OpenInterest,
		OpenInterestChange: quote.OpenInterest - prior.OpenInterest,
		Volume:             quote.Volume,
		VWAP:               CumulativeVWAP(prior.VWAP, prior.OpenInterest, quote.LastPrice, quote.Volume),
	}
}

// CumulativeVWAP folds the current price sample into the running average.
// The prior average is weighted by the prior open interest and the new price
// by the traded volume:
//
//	(priorVWAP*priorOI + ltp*volume) / max(priorOI+volume, 1)
//
// rounded half away from zero to VWAPPrecision places. Existing snapshots were
// produced with this weighting, so it must not be swapped for a volume-only one.
func CumulativeVWAP(priorVWAP decimal.Decimal, priorOI int64, ltp decimal.Decimal, volume int64) decimal.Decimal {
	priorWeight := decimal.NewFromInt(priorOI)
	sampleWeight := decimal.NewFromInt(volume)

	total := priorWeight.Add(sampleWeight)
	if total.LessThan(decimal.NewFromInt(1)) {
		total = decimal.NewFromInt(1)
	}

	sum := priorVWAP.Mul(priorWeight).Add(ltp.Mul(sampleWeight))
	return sum.Div(total).Round(VWAPPrecision)
}
