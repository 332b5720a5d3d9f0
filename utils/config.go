package utils

import (
	"fmt"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/redkeeper/keeperstore/store"
	"github.com/redkeeper/keeperstore/utils/log"
)

const (
	defaultListenURL                = "localhost:5993"
	defaultGCInterval               = 30 * time.Second
	defaultDiskUsageMonitorInterval = 10 * time.Minute
	defaultStopGracePeriod          = 10 * time.Second
	defaultFullSyncRetryInterval    = time.Second
	defaultFullSyncRetryBackoff     = 2
)

// KeeperConfig is the configuration of a keeperstore instance.
type KeeperConfig struct {
	RootDirectory            string
	ListenURL                string
	LogLevel                 log.Level
	StopGracePeriod          time.Duration
	GCInterval               time.Duration
	DiskUsageMonitorInterval time.Duration
	StartTime                time.Time

	CommandFileSize                      int64
	CommandFileNumToKeep                 int
	MinTimeToGCAfterCreate               time.Duration
	MaxCommandsToTransferBeforeCreateRdb int64

	FullSyncRetryInterval time.Duration
	FullSyncRetryBackoff  int
}

// ParseConfig parses a yaml configuration. Missing values get their defaults.
func ParseConfig(data []byte) (*KeeperConfig, error) {
	c := &KeeperConfig{}
	if err := c.Parse(data); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *KeeperConfig) Parse(data []byte) error {
	var aux struct {
		RootDirectory                        string `yaml:"root_directory"`
		ListenURL                            string `yaml:"listen_url"`
		LogLevel                             string `yaml:"log_level"`
		StopGracePeriod                      string `yaml:"stop_grace_period"`
		GCInterval                           string `yaml:"gc_interval"`
		DiskUsageMonitorInterval             string `yaml:"disk_usage_monitor_interval"`
		CommandFileSize                      string `yaml:"command_file_size"`
		CommandFileNumToKeep                 *int   `yaml:"command_file_num_to_keep"`
		MinTimeToGCAfterCreate               string `yaml:"min_time_to_gc_after_create"`
		MaxCommandsToTransferBeforeCreateRdb string `yaml:"max_commands_to_transfer_before_create_rdb"`
		FullSyncRetryInterval                string `yaml:"full_sync_retry_interval"`
		FullSyncRetryBackoffCoeff            int    `yaml:"full_sync_retry_backoff_coeff"`
	}
	if err := yaml.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "parse config")
	}

	if aux.RootDirectory == "" {
		return errors.New("invalid root directory")
	}
	c.RootDirectory = aux.RootDirectory

	c.ListenURL = aux.ListenURL
	if c.ListenURL == "" {
		c.ListenURL = defaultListenURL
	}
	c.LogLevel = log.ParseLevel(aux.LogLevel)

	defaults := store.DefaultConfig()
	var err error
	durations := []struct {
		name  string
		value string
		def   time.Duration
		dst   *time.Duration
	}{
		{"stop_grace_period", aux.StopGracePeriod, defaultStopGracePeriod, &c.StopGracePeriod},
		{"gc_interval", aux.GCInterval, defaultGCInterval, &c.GCInterval},
		{"disk_usage_monitor_interval", aux.DiskUsageMonitorInterval, defaultDiskUsageMonitorInterval,
			&c.DiskUsageMonitorInterval},
		{"min_time_to_gc_after_create", aux.MinTimeToGCAfterCreate, defaults.MinTimeToGCAfterCreate,
			&c.MinTimeToGCAfterCreate},
		{"full_sync_retry_interval", aux.FullSyncRetryInterval, defaultFullSyncRetryInterval,
			&c.FullSyncRetryInterval},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.name, d.value, d.def); err != nil {
			return err
		}
	}

	if c.CommandFileSize, err = parseSize("command_file_size", aux.CommandFileSize,
		defaults.CommandFileSize); err != nil {
		return err
	}
	if c.MaxCommandsToTransferBeforeCreateRdb, err = parseSize("max_commands_to_transfer_before_create_rdb",
		aux.MaxCommandsToTransferBeforeCreateRdb, defaults.MaxCommandsToTransferBeforeCreateRdb); err != nil {
		return err
	}

	c.CommandFileNumToKeep = defaults.CommandFileNumToKeep
	if aux.CommandFileNumToKeep != nil {
		if *aux.CommandFileNumToKeep < 0 {
			return fmt.Errorf("invalid command_file_num_to_keep: %d", *aux.CommandFileNumToKeep)
		}
		c.CommandFileNumToKeep = *aux.CommandFileNumToKeep
	}

	c.FullSyncRetryBackoff = defaultFullSyncRetryBackoff
	if aux.FullSyncRetryBackoffCoeff > 0 {
		c.FullSyncRetryBackoff = aux.FullSyncRetryBackoffCoeff
	}
	return nil
}

// StoreConfig returns the settings of the replication store.
func (c *KeeperConfig) StoreConfig() store.Config {
	return store.Config{
		CommandFileSize:                      c.CommandFileSize,
		CommandFileNumToKeep:                 c.CommandFileNumToKeep,
		MinTimeToGCAfterCreate:               c.MinTimeToGCAfterCreate,
		MaxCommandsToTransferBeforeCreateRdb: c.MaxCommandsToTransferBeforeCreateRdb,
	}
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, value)
	}
	return d, nil
}

// parseSize accepts human readable sizes such as "20MB" or "512K".
func parseSize(name, value string, def int64) (int64, error) {
	if value == "" {
		return def, nil
	}
	n, err := bytefmt.ToBytes(value)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, value)
	}
	return int64(n), nil
}
