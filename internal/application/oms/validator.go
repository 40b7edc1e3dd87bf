// Package oms implements order validation, lifecycle custody, and routing
// to a broker.
package oms

import (
	"fmt"

	"github.com/alejandrodnm/quantx/internal/domain"
)

// Rule checks one structural property of an order. It returns ok and a
// reason when the check fails.
type Rule func(o *domain.Order) (ok bool, reason string)

// Validator is a composition of structural rules. Validation is pure and
// synchronous; it never touches broker or account state.
type Validator struct {
	rules []Rule
}

// NewValidator returns a validator loaded with the default rules:
// positive quantity, required prices per order type, non-empty symbol.
func NewValidator() *Validator {
	return &Validator{rules: []Rule{
		validQuantity,
		validPrices,
		validSymbol,
	}}
}

// AddRule appends a custom rule after the defaults.
func (v *Validator) AddRule(r Rule) {
	v.rules = append(v.rules, r)
}

// Validate runs all rules in order and stops at the first failure.
func (v *Validator) Validate(o *domain.Order) (bool, string) {
	for _, r := range v.rules {
		if ok, reason := r(o); !ok {
			return false, reason
		}
	}
	return true, ""
}

func validQuantity(o *domain.Order) (bool, string) {
	if o.Quantity <= 0 {
		return false, fmt.Sprintf("quantity must be positive, got %v", o.Quantity)
	}
	return true, ""
}

func validPrices(o *domain.Order) (bool, string) {
	switch o.Type {
	case domain.OrderLimit:
		if o.Price <= 0 {
			return false, "limit order requires a positive limit price"
		}
	case domain.OrderStop:
		if o.StopPrice <= 0 {
			return false, "stop order requires a positive stop price"
		}
	case domain.OrderStopLimit:
		if o.StopPrice <= 0 {
			return false, "stop-limit order requires a positive stop price"
		}
		if o.Price <= 0 {
			return false, "stop-limit order requires a positive limit price"
		}
	}
	return true, ""
}

func validSymbol(o *domain.Order) (bool, string) {
	if o.Symbol == "" {
		return false, "symbol must not be empty"
	}
	return true, ""
}
