package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuekit/internal/app/sandbox"
	"github.com/coachpo/venuekit/internal/infra/config"
	"github.com/coachpo/venuekit/internal/observability"
)

func TestResolveConfigPathDefaults(t *testing.T) {
	t.Setenv(config.EnvPrefix+"CONFIG", "")
	require.Equal(t, "config/venuekit.yaml", resolveConfigPath(""))
	require.Equal(t, "custom.toml", resolveConfigPath(" custom.toml "))

	t.Setenv(config.EnvPrefix+"CONFIG", "/etc/venuekit.yaml")
	require.Equal(t, "/etc/venuekit.yaml", resolveConfigPath(""))
}

func TestRegistryKnowsEveryVenue(t *testing.T) {
	require.Equal(t, []string{"binance", "bithumb", "okx", "upbit"}, newRegistry().Names())
}

func TestScriptSpecsApplyOverrides(t *testing.T) {
	grid, err := sandbox.Compile("grid", "module.exports = { main() {} };")
	require.NoError(t, err)
	watcher, err := sandbox.Compile("watcher", "module.exports = { main() {} };")
	require.NoError(t, err)
	off, err := sandbox.Compile("off", "module.exports = { main() {} };")
	require.NoError(t, err)

	cfg := config.SandboxConfig{
		DefaultGrants:    []string{"orderbook"},
		DefaultExchanges: []string{"binance"},
		Scripts: map[string]config.ScriptConfig{
			"grid": {
				Grants:    []string{"place_order", "cancel_order"},
				Exchanges: []string{"upbit"},
				CallRate:  2,
				Config:    map[string]any{"levels": 5},
			},
			"off": {Disabled: true},
		},
	}

	specs := scriptSpecs([]*sandbox.Source{grid, watcher, off}, cfg)
	require.Len(t, specs, 2)

	require.Equal(t, "grid", specs[0].Name)
	require.Equal(t, []sandbox.Grant{sandbox.GrantPlaceOrder, sandbox.GrantCancelOrder}, specs[0].Grants.Functions)
	require.Equal(t, []string{"upbit"}, specs[0].Grants.Exchanges)
	require.Equal(t, 2.0, specs[0].CallRate)
	require.Equal(t, 5, specs[0].Config["levels"])
	require.Same(t, grid, specs[0].Compiled)

	require.Equal(t, "watcher", specs[1].Name)
	require.Equal(t, []sandbox.Grant{sandbox.GrantOrderBook}, specs[1].Grants.Functions)
	require.Equal(t, []string{"binance"}, specs[1].Grants.Exchanges)
}

func TestGracefulShutdownRunsEveryStep(t *testing.T) {
	var ran []string
	step := func(name string, err error) shutdownStep {
		return shutdownStep{name: name, timeout: time.Second, fn: func(context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}
	performGracefulShutdown(context.Background(), observability.Log(), []shutdownStep{
		step("first", errors.New("boom")),
		step("second", nil),
	})
	require.Equal(t, []string{"first", "second"}, ran)
}
