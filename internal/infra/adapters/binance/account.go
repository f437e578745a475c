package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
	"github.com/coachpo/venuekit/internal/numeric"
)

// Withdraw applies for an on-chain withdrawal from the spot wallet.
func (a *Adapter) Withdraw(ctx context.Context, req schema.WithdrawRequest) (schema.WithdrawAck, error) {
	params := url.Values{}
	params.Set("coin", req.Asset)
	params.Set("address", req.Address)
	params.Set("amount", numeric.Trim(req.Amount))
	if req.AddressTag != "" {
		params.Set("addressTag", req.AddressTag)
	}
	if req.Network != "" {
		params.Set("network", req.Network)
	}
	defer a.InvalidateBalances(ctx)

	var ack schema.WithdrawAck
	err := a.REST.DoOnce(ctx, "withdraw", a.signed(http.MethodPost, a.opts.withdrawURL(), params), func(body []byte) error {
		var resp struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		if resp.ID == "" {
			return errs.New(name, errs.CodeExchange, errs.WithMessage("withdraw accepted without id"))
		}
		ack = schema.WithdrawAck{Exchange: name, ID: resp.ID, Asset: req.Asset, Amount: req.Amount}
		return nil
	})
	return ack, err
}

// SetLeverage sets the initial leverage of a USD-M futures symbol.
func (a *Adapter) SetLeverage(ctx context.Context, inst schema.Instrument, leverage int) error {
	if !inst.IsFuture() {
		return errs.New(name, errs.CodeInvalid, errs.WithMessage("leverage applies to futures"))
	}
	params := url.Values{}
	params.Set("symbol", restSymbol(inst))
	params.Set("leverage", strconv.Itoa(leverage))
	return a.REST.Do(ctx, "leverage", a.signed(http.MethodPost, a.opts.leverageURL(), params), func(body []byte) error {
		var resp struct {
			Leverage int `json:"leverage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return err
		}
		if resp.Leverage != leverage {
			return errs.New(name, errs.CodeExchange, errs.WithMessage("leverage not applied: venue reports "+strconv.Itoa(resp.Leverage)))
		}
		return nil
	})
}
