package domain

import (
	"fmt"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

type OrderStatus string

const (
	StatusCreated         OrderStatus = "created"
	StatusPending         OrderStatus = "pending"
	StatusSubmitted       OrderStatus = "submitted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the order can still be cancelled at the venue.
func (s OrderStatus) IsOpen() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusPartiallyFilled:
		return true
	}
	return false
}

// Order is a request to trade. Price is the limit price (limit and
// stop-limit orders only); StopPrice arms stop and stop-limit orders.
type Order struct {
	ID           string
	Symbol       string
	Side         Side
	Type         OrderType
	Quantity     float64
	Price        float64
	StopPrice    float64
	Status       OrderStatus
	Filled       float64
	AvgFillPrice float64
	CreatedAt    time.Time
	SubmittedAt  time.Time
	FilledAt     time.Time
	Metadata     map[string]any
}

// NewOrder returns an order in the Created state.
func NewOrder(symbol string, side Side, typ OrderType, qty float64) *Order {
	return &Order{
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Quantity:  qty,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
	}
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() float64 {
	return o.Quantity - o.Filled
}

// ApplyFill advances the order's filled quantity and recomputes the
// volume-weighted average fill price. The status moves to Filled when the
// order quantity is reached, PartiallyFilled otherwise.
func (o *Order) ApplyFill(f Fill) error {
	if f.Quantity <= 0 {
		return fmt.Errorf("domain.ApplyFill: non-positive fill quantity %v", f.Quantity)
	}
	prev := o.Filled
	o.Filled += f.Quantity
	o.AvgFillPrice = (o.AvgFillPrice*prev + f.Price*f.Quantity) / o.Filled
	if o.Filled >= o.Quantity {
		o.Status = StatusFilled
		o.FilledAt = f.Timestamp
	} else {
		o.Status = StatusPartiallyFilled
	}
	return nil
}

// Fill is a single execution against an order.
type Fill struct {
	ID         string
	OrderID    string
	Symbol     string
	Side       Side
	Quantity   float64
	Price      float64
	Commission float64
	Timestamp  time.Time
}
