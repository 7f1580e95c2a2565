package reader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"optionflow/logger"
	"optionflow/models"
)

// QuoteSource is the market-data collaborator: it lists instruments for an
// exchange and returns a quote per instrument.
type QuoteSource interface {
	ListInstruments(ctx context.Context, exchange string) ([]models.Instrument, error)
	GetQuote(ctx context.Context, inst models.Instrument) (models.Quote, error)
}

// ChainFilter selects the option series of one underlying and expiry.
type ChainFilter struct {
	Underlying string
	Expiry     time.Time
}

// FilterChain keeps call and put series matching f, dropping futures and
// duplicate instrument ids.
func FilterChain(instruments []models.Instrument, f ChainFilter) []models.Instrument {
	want := f.Expiry.Format(models.ExpiryLayout)
	seen := make(map[uint64]struct{}, len(instruments))

	out := make([]models.Instrument, 0, len(instruments)/8)
	for _, inst := range instruments {
		if !strings.EqualFold(strings.TrimSpace(inst.Name), f.Underlying) {
			continue
		}
		if inst.Expiry.IsZero() || inst.Expiry.Format(models.ExpiryLayout) != want {
			continue
		}
		side, ok := models.ParseSide(inst.Type)
		if !ok {
			continue
		}
		if _, dup := seen[inst.InstrumentID]; dup {
			continue
		}
		seen[inst.InstrumentID] = struct{}{}
		inst.Side = side
		out = append(out, inst)
	}
	return out
}

// FetchQuotes requests one quote per instrument, strictly in sequence. A failed
// instrument becomes a QuoteResult carrying its error and the loop moves on.
// The only error returned is ctx's, so a shutdown never yields a half-zeroed
// result set.
func FetchQuotes(ctx context.Context, src QuoteSource, instruments []models.Instrument) ([]models.QuoteResult, error) {
	log := logger.GetLogger().WithComponent("quote_fetcher")

	results := make([]models.QuoteResult, 0, len(instruments))
	for _, inst := range instruments {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch quotes: %w", err)
		}

		quote, err := src.GetQuote(ctx, inst)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("fetch quotes: %w", ctx.Err())
			}
			log.WithFields(logger.Fields{
				"tradingsymbol": inst.TradingSymbol,
				"instrument_id": inst.InstrumentID,
			}).WithError(err).Warn("failed to fetch quote")
			results = append(results, models.QuoteResult{Instrument: inst, Err: err})
			continue
		}
		results = append(results, models.QuoteResult{Instrument: inst, Quote: quote})
	}

	logger.LogDataFlowEntry(log, "quote_source", "aggregation", len(results), "quotes")
	return results, nil
}
