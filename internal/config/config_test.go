package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaultsAndOverrides(t *testing.T) {
	raw := []byte(`
log_level = "DEBUG"
port_range_min = 11000
port_range_max = 12000
master_addr = "master.local:5050"
store_addrs = ["zk1:2181", "zk2:2181"]
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.LogLevel)
	require.Equal(t, 11000, cfg.PortRangeMin)
	require.Equal(t, 12000, cfg.PortRangeMax)
	require.Equal(t, "master.local:5050", cfg.MasterAddr)
	require.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.StoreAddrs)
	// Untouched fields keep their defaults.
	require.Equal(t, 300, cfg.TaskLaunchTimeoutSeconds)
}

func TestParse_RejectsInvertedPortRange(t *testing.T) {
	raw := []byte(`
port_range_min = 20000
port_range_max = 10000
`)
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
