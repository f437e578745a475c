package signing

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time for timestamps and nonces.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Fixed always returns the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

func randomNonce() string { return uuid.NewString() }
