//go:build js

package transport

import "fmt"

func newGorillaDialer(Options) (Dialer, error) {
	return nil, fmt.Errorf("transport: %s is not available in the browser", KindGorilla)
}
