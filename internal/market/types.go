package market

import "time"

// Data holds the per-symbol market metrics handed to the decision layer.
// Collectors populate it; the core only reads it.
type Data struct {
	Symbol        string    `json:"symbol"`
	CurrentPrice  float64   `json:"current_price"`
	PriceChange1h float64   `json:"price_change_1h"`
	PriceChange4h float64   `json:"price_change_4h"`
	Change24h     float64   `json:"change_24h"`
	Volume24h     float64   `json:"volume_24h"`
	OpenInterest  float64   `json:"open_interest"`
	OIChange24h   float64   `json:"oi_change_24h"`
	FundingRate   float64   `json:"funding_rate"`
	High24h       float64   `json:"high_24h"`
	Low24h        float64   `json:"low_24h"`
	Timestamp     time.Time `json:"timestamp"`
}

// OITop describes a symbol ranked by open-interest growth.
type OITop struct {
	Rank              int     `json:"rank"`
	OIDeltaPercent    float64 `json:"oi_delta_percent"`
	OIDeltaValue      float64 `json:"oi_delta_value"`
	PriceDeltaPercent float64 `json:"price_delta_percent"`
	NetLong           float64 `json:"net_long"`
	NetShort          float64 `json:"net_short"`
}

// CandidateCoin is a symbol proposed for analysis, tagged with its sources.
type CandidateCoin struct {
	Symbol  string   `json:"symbol"`
	Sources []string `json:"sources"`
}

// Snapshot is one consistent view of the market: the candidate pool plus
// per-symbol data for every symbol a trader may act on this cycle.
type Snapshot struct {
	Candidates []CandidateCoin   `json:"candidates"`
	Data       map[string]*Data  `json:"data"`
	OITop      map[string]*OITop `json:"oi_top"`
	TakenAt    time.Time         `json:"taken_at"`
}
