// Package telemetry provides attribute conventions shared by venuekit metrics.
package telemetry

import (
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

const (
	// AttrExchange identifies the venue adapter.
	AttrExchange = attribute.Key("exchange")
	// AttrInstrument captures the canonical BASE-QUOTE symbol.
	AttrInstrument = attribute.Key("instrument")
	// AttrChannel distinguishes order-book and trade streams.
	AttrChannel = attribute.Key("channel")
	// AttrOperation names the adapter or cache operation.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome (hit, miss, success, error class).
	AttrResult = attribute.Key("result")
	// AttrReason gives free-form failure context.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels subscription lifecycle transitions.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrScript names the strategy script.
	AttrScript = attribute.Key("script")
	// AttrHostFunction names the sandbox host function invoked.
	AttrHostFunction = attribute.Key("host.function")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
)

var environment atomic.Value

// SetEnvironment records the deployment environment used in metric labels.
func SetEnvironment(env string) {
	environment.Store(strings.TrimSpace(env))
}

// Environment returns the configured environment name.
func Environment() string {
	if v, ok := environment.Load().(string); ok && v != "" {
		return v
	}
	return "development"
}

// StreamAttributes labels per-subscription metrics.
func StreamAttributes(exchange, instrument, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrExchange.String(exchange),
		AttrInstrument.String(instrument),
		AttrChannel.String(channel),
	}
}

// OperationAttributes labels adapter and cache operations.
func OperationAttributes(exchange, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrExchange.String(exchange),
		AttrOperation.String(operation),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// ScriptAttributes labels sandbox metrics.
func ScriptAttributes(script, fn string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrScript.String(script),
	}
	if fn != "" {
		attrs = append(attrs, AttrHostFunction.String(fn))
	}
	return attrs
}
