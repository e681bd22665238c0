package benchproxy

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"trace", log.LevelTrace},
		{"DEBUG", log.LevelDebug},
		{"", log.LevelInfo},
		{"info", log.LevelInfo},
		{"warning", log.LevelWarn},
		{" error ", log.LevelError},
		{"crit", log.LevelCrit},
	}
	for _, tt := range tests {
		lvl, err := LevelFromString(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, lvl, tt.in)
	}

	_, err := LevelFromString("loud")
	require.Error(t, err)
}

func TestBuildBackends(t *testing.T) {
	t.Setenv("BENCHPROXY_TEST_SECONDARY_URL", "https://node-c.example/rpc")

	config := NewConfig()
	config.BackendOptions.ResponseTimeout = TOMLDuration(3 * time.Second)
	config.Server.MaxConcurrentRPCs = 4
	config.Backends["primary"] = &BackendConfig{Role: RolePrimary, RPCURL: "http://127.0.0.1:8545"}
	config.Backends["node-c"] = &BackendConfig{Role: RoleSecondary, RPCURL: "$BENCHPROXY_TEST_SECONDARY_URL"}
	config.Backends["node-b"] = &BackendConfig{
		Role:    RoleSecondary,
		RPCURL:  "https://node-b.example",
		WSURL:   "wss://node-b.example/ws",
		Headers: map[string]string{"x-api-key": `\literal`},
	}

	primary, secondaries, err := BuildBackends(config)
	require.NoError(t, err)
	require.Equal(t, "primary", primary.Name)
	require.Equal(t, "ws://127.0.0.1:8545", primary.WSURL())
	require.Equal(t, 3*time.Second, primary.Timeout())

	require.Equal(t, []string{"node-b", "node-c"}, backendNames(secondaries))
	require.Equal(t, "wss://node-b.example/ws", secondaries[0].WSURL())
	require.Equal(t, map[string]string{"x-api-key": "literal"}, secondaries[0].headers)
	require.Equal(t, "https://node-c.example/rpc", secondaries[1].RPCURL())
	require.Equal(t, "wss://node-c.example/rpc", secondaries[1].WSURL())
}

func TestBuildBackendsErrors(t *testing.T) {
	config := NewConfig()
	config.Backends["node-b"] = &BackendConfig{Role: RoleSecondary, RPCURL: "http://b"}
	_, _, err := BuildBackends(config)
	require.Error(t, err)

	config.Backends["primary"] = &BackendConfig{Role: RolePrimary, RPCURL: "$BENCHPROXY_TEST_UNSET_URL"}
	_, _, err = BuildBackends(config)
	require.Error(t, err)
}
