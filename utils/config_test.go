package utils_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redkeeper/keeperstore/store"
	"github.com/redkeeper/keeperstore/utils"
	"github.com/redkeeper/keeperstore/utils/log"
)

const exampleConfig = `
root_directory: /var/lib/keeper
listen_url: 0.0.0.0:6000
log_level: debug
stop_grace_period: 5s
gc_interval: 1m
disk_usage_monitor_interval: 30s
command_file_size: 64MB
command_file_num_to_keep: 0
min_time_to_gc_after_create: 2m
max_commands_to_transfer_before_create_rdb: 1G
full_sync_retry_interval: 500ms
full_sync_retry_backoff_coeff: 3
`

func TestParseConfig(t *testing.T) {
	t.Parallel()

	// --- when ---
	c, err := utils.ParseConfig([]byte(exampleConfig))

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/keeper", c.RootDirectory)
	assert.Equal(t, "0.0.0.0:6000", c.ListenURL)
	assert.Equal(t, log.DEBUG, c.LogLevel)
	assert.Equal(t, 5*time.Second, c.StopGracePeriod)
	assert.Equal(t, time.Minute, c.GCInterval)
	assert.Equal(t, 30*time.Second, c.DiskUsageMonitorInterval)
	assert.Equal(t, 500*time.Millisecond, c.FullSyncRetryInterval)
	assert.Equal(t, 3, c.FullSyncRetryBackoff)
	assert.Equal(t, store.Config{
		CommandFileSize:                      64 << 20,
		CommandFileNumToKeep:                 0,
		MinTimeToGCAfterCreate:               2 * time.Minute,
		MaxCommandsToTransferBeforeCreateRdb: 1 << 30,
	}, c.StoreConfig())
}

func TestParseConfig_defaults(t *testing.T) {
	t.Parallel()

	// --- when ---
	c, err := utils.ParseConfig([]byte("root_directory: data\n"))

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, "localhost:5993", c.ListenURL)
	assert.Equal(t, log.INFO, c.LogLevel)
	assert.Equal(t, 30*time.Second, c.GCInterval)
	assert.Equal(t, 10*time.Minute, c.DiskUsageMonitorInterval)
	assert.Equal(t, time.Second, c.FullSyncRetryInterval)
	assert.Equal(t, 2, c.FullSyncRetryBackoff)
	assert.Equal(t, store.DefaultConfig(), c.StoreConfig())
}

func TestParseConfig_invalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"no root directory":     "listen_url: localhost:1\n",
		"broken yaml":           "root_directory: [data\n",
		"bad size":              "root_directory: data\ncommand_file_size: lots\n",
		"zero size":             "root_directory: data\ncommand_file_size: 0MB\n",
		"bad duration":          "root_directory: data\ngc_interval: often\n",
		"negative files to keep": "root_directory: data\ncommand_file_num_to_keep: -1\n",
	}
	for name, data := range tests {
		data := data
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := utils.ParseConfig([]byte(data))
			assert.Error(t, err)
		})
	}
}
