package processor

import (
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"optionflow/models"
)

// Render turns a merged chain into the persisted table, one row per strike in
// ascending numeric order. withVWAP false emits the legacy schema, where both
// VWAP cells carry models.VWAPPlaceholder.
func Render(chain models.Chain, expiry string, withVWAP bool) models.Snapshot {
	strikes := make([]float64, 0, len(chain))
	for strike := range chain {
		strikes = append(strikes, strike)
	}
	sort.Float64s(strikes)

	rows := make([][]string, 0, len(strikes))
	for _, strike := range strikes {
		state := chain[strike]
		if state == nil {
			state = &models.StrikeState{Strike: strike}
		}
		rows = append(rows, renderRow(state, strike, expiry, withVWAP))
	}

	return models.Snapshot{
		Expiry: expiry,
		Header: models.Header(),
		Rows:   rows,
	}
}

func renderRow(state *models.StrikeState, strike float64, expiry string, withVWAP bool) []string {
	callVWAP, putVWAP := models.VWAPPlaceholder, models.VWAPPlaceholder
	if withVWAP {
		callVWAP = state.Call.VWAP.StringFixed(VWAPPrecision)
		putVWAP = state.Put.VWAP.StringFixed(VWAPPrecision)
	}

	return []string{
		formatPrice(state.Call.LastPrice),
		strconv.FormatInt(state.Call.OpenInterest, 10),
		strconv.FormatInt(state.Call.OpenInterestChange, 10),
		strconv.FormatInt(state.Call.Volume, 10),
		FormatStrike(strike),
		expiry,
		formatPrice(state.Put.LastPrice),
		strconv.FormatInt(state.Put.OpenInterest, 10),
		strconv.FormatInt(state.Put.OpenInterestChange, 10),
		strconv.FormatInt(state.Put.Volume, 10),
		callVWAP,
		putVWAP,
	}
}

// FormatStrike renders a strike without a trailing fraction when it is whole.
func FormatStrike(strike float64) string {
	return strconv.FormatFloat(strike, 'f', -1, 64)
}

func formatPrice(d decimal.Decimal) string {
	return d.String()
}
