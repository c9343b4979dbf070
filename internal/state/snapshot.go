package state

import "time"

// PortfolioSnapshot is an immutable view of positions and balance. Exposure
// values are notional at mark; MarketExposure is signed per token.
type PortfolioSnapshot struct {
	Positions        map[string]Position `json:"positions"`
	TotalExposure    float64             `json:"total_exposure"`
	MarketExposure   map[string]float64  `json:"market_exposure"`
	AvailableBalance float64             `json:"available_balance"`
	At               time.Time           `json:"at"`
}

// Exposure returns the signed notional held in a token.
func (s PortfolioSnapshot) Exposure(tokenID string) float64 {
	return s.MarketExposure[tokenID]
}

// Size returns the signed size held in a token.
func (s PortfolioSnapshot) Size(tokenID string) float64 {
	return s.Positions[tokenID].Size
}
