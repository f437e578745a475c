package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	SetEnvironment("")
	require.Equal(t, "development", Environment())
	SetEnvironment(" prod ")
	require.Equal(t, "prod", Environment())
	SetEnvironment("")
}

func TestOperationAttributesOmitEmptyResult(t *testing.T) {
	attrs := OperationAttributes("binance", "orderbook", "")
	for _, kv := range attrs {
		require.NotEqual(t, AttrResult, kv.Key)
	}
	attrs = OperationAttributes("binance", "orderbook", "hit")
	require.Equal(t, AttrResult, attrs[len(attrs)-1].Key)
}
