package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderState tracks the venue lifecycle of an order.
type OrderState string

const (
	OrderStateOpen     OrderState = "open"
	OrderStateClosed   OrderState = "closed"
	OrderStateRejected OrderState = "rejected"
)

// OrderRequest is a venue-agnostic order submission.
// Market buys on venues that size by quote currency use QuoteAmount.
type OrderRequest struct {
	Instrument    Instrument      `json:"instrument"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteAmount   decimal.Decimal `json:"quoteAmount"`
}

// Validate rejects requests no venue would accept.
func (r OrderRequest) Validate() error {
	if err := r.Instrument.Validate(); err != nil {
		return err
	}
	if !r.Side.Valid() {
		return fmt.Errorf("order: invalid side %q", r.Side)
	}
	switch r.Type {
	case OrderTypeLimit:
		if r.Price.Sign() <= 0 {
			return fmt.Errorf("order: limit price must be > 0")
		}
		if r.Quantity.Sign() <= 0 {
			return fmt.Errorf("order: quantity must be > 0")
		}
	case OrderTypeMarket:
		if r.Quantity.Sign() <= 0 && r.QuoteAmount.Sign() <= 0 {
			return fmt.Errorf("order: market order needs quantity or quote amount")
		}
		if r.Quantity.Sign() < 0 || r.QuoteAmount.Sign() < 0 {
			return fmt.Errorf("order: negative size")
		}
	default:
		return fmt.Errorf("order: invalid type %q", r.Type)
	}
	return nil
}

// OrderAck is the normalized venue acknowledgement of a placed order.
type OrderAck struct {
	Exchange         string          `json:"exchange"`
	OrderID          string          `json:"orderId"`
	ClientOrderID    string          `json:"clientOrderId,omitempty"`
	Instrument       Instrument      `json:"instrument"`
	State            OrderState      `json:"state"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
	Timestamp        time.Time       `json:"timestamp"`
}

// CancelAck reports the outcome of a cancel including volume filled before it took effect.
type CancelAck struct {
	Exchange         string          `json:"exchange"`
	OrderID          string          `json:"orderId"`
	Instrument       Instrument      `json:"instrument"`
	State            OrderState      `json:"state"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
}

// OrderStatus is a point-in-time view of an existing order.
type OrderStatus struct {
	OrderID          string          `json:"orderId"`
	State            OrderState      `json:"state"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
}

// Balance is a per-asset account balance.
type Balance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}
