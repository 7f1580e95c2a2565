package models

// Persisted column names. The order of Header is a compatibility contract with
// snapshots written by earlier cycles.
const (
	ColCallLTP    = "Call LTP"
	ColCallOI     = "Call OI"
	ColCallChgOI  = "Call Chg OI"
	ColCallVolume = "Call Vol"
	ColStrike     = "Strike"
	ColExpiry     = "Expiry"
	ColPutLTP     = "Put LTP"
	ColPutOI      = "Put OI"
	ColPutChgOI   = "Put Chg OI"
	ColPutVolume  = "Put Vol"
	ColCallVWAP   = "Call VWAP"
	ColPutVWAP    = "Put VWAP"
)

// VWAPPlaceholder fills the VWAP cells when the legacy schema is emitted.
const VWAPPlaceholder = "NA"

// Header returns a fresh copy of the persisted header row.
func Header() []string {
	return []string{
		ColCallLTP, ColCallOI, ColCallChgOI, ColCallVolume,
		ColStrike, ColExpiry,
		ColPutLTP, ColPutOI, ColPutChgOI, ColPutVolume,
		ColCallVWAP, ColPutVWAP,
	}
}
