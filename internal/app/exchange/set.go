package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

// Set is an immutable name-indexed collection of adapters.
type Set struct {
	adapters map[string]Adapter
}

// NewSet indexes adapters by name.
func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		s.adapters[strings.ToLower(a.Name())] = a
	}
	return s
}

// Get returns the adapter for exchange.
func (s *Set) Get(exchange string) (Adapter, error) {
	if s != nil {
		if a, ok := s.adapters[strings.ToLower(strings.TrimSpace(exchange))]; ok {
			return a, nil
		}
	}
	return nil, errs.New(exchange, errs.CodeInvalid, errs.WithMessage("exchange not configured"))
}

// Names lists configured exchanges.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.adapters))
	for n := range s.adapters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DefaultWaitInterval is the polling period used by WaitOrder.
const DefaultWaitInterval = 250 * time.Millisecond

// WaitOrder polls OrderStatus until the order is no longer open.
func WaitOrder(ctx context.Context, a Adapter, inst schema.Instrument, orderID string, interval time.Duration) (schema.OrderStatus, error) {
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := a.OrderStatus(ctx, inst, orderID)
		if err != nil {
			return schema.OrderStatus{}, fmt.Errorf("wait order %s: %w", orderID, err)
		}
		if status.State != schema.OrderStateOpen {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
