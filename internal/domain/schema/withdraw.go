package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// WithdrawRequest moves funds off a venue to an external address.
// AddressTag carries the memo or destination tag some assets need.
type WithdrawRequest struct {
	Exchange   string          `json:"exchange"`
	Asset      string          `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
	Address    string          `json:"address"`
	AddressTag string          `json:"addressTag,omitempty"`
	Network    string          `json:"network,omitempty"`
}

// Validate checks the fields every venue requires.
func (r WithdrawRequest) Validate() error {
	if strings.TrimSpace(r.Exchange) == "" {
		return fmt.Errorf("withdraw: exchange required")
	}
	if strings.TrimSpace(r.Asset) == "" {
		return fmt.Errorf("withdraw: asset required")
	}
	if r.Amount.Sign() <= 0 {
		return fmt.Errorf("withdraw: amount must be > 0")
	}
	if strings.TrimSpace(r.Address) == "" {
		return fmt.Errorf("withdraw: address required")
	}
	return nil
}

// WithdrawAck is the venue's acceptance of a withdrawal.
type WithdrawAck struct {
	Exchange string          `json:"exchange"`
	ID       string          `json:"id"`
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
}
