// Package connection runs one supervised streaming session per
// (instrument, channel) and feeds the order book engine and market data hub.
package connection

import (
	"time"

	"github.com/coachpo/venuekit/internal/app/exchange"
	"github.com/coachpo/venuekit/internal/domain/schema"
)

// State is a subscription lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Streaming
	Stale
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Streaming:
		return "streaming"
	case Stale:
		return "stale"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Key identifies one shared upstream subscription.
type Key struct {
	Instrument schema.Instrument
	Channel    exchange.Channel
}

func (k Key) String() string {
	return k.Instrument.String() + "/" + string(k.Channel)
}

// Transition records a state change. Err is set when a failure caused it.
type Transition struct {
	Key  Key
	From State
	To   State
	At   time.Time
	Err  error
}

// Info describes a live shared subscription.
type Info struct {
	Key   Key
	State State
	Refs  int
}
