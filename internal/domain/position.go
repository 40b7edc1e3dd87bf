package domain

// Position is the signed holding in one symbol. Quantity > 0 is long,
// < 0 is short.
type Position struct {
	Symbol        string
	Quantity      float64
	AvgPrice      float64
	CurrentPrice  float64
	MarketValue   float64
	UnrealizedPnL float64
	RealizedPnL   float64
}

// Mark moves the position to a new market price and refreshes the derived
// fields. A flat position carries no mark and no unrealized P&L.
func (p *Position) Mark(price float64) {
	if p.Quantity == 0 {
		p.CurrentPrice = 0
		p.MarketValue = 0
		p.UnrealizedPnL = 0
		return
	}
	p.CurrentPrice = price
	p.MarketValue = p.Quantity * price
	p.UnrealizedPnL = (price - p.AvgPrice) * p.Quantity
}

// Account is the broker-reported account snapshot.
type Account struct {
	ID             string
	Cash           float64
	Equity         float64
	BuyingPower    float64
	PositionsValue float64
	UnrealizedPnL  float64
	RealizedPnL    float64
	InitialCapital float64
}

// Quote is a top-of-book snapshot for one symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}
