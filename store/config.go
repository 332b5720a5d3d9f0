package store

import "time"

const (
	defaultCommandFileSize                      = 20 * 1024 * 1024
	defaultCommandFileNumToKeep                 = 2
	defaultMinTimeToGCAfterCreate               = 60 * time.Second
	defaultMaxCommandsToTransferBeforeCreateRdb = 500 * 1024 * 1024
)

// Config tunes segment rotation, retention and the full sync decision.
type Config struct {
	// CommandFileSize is the size at which the active command segment is rotated.
	CommandFileSize int64
	// CommandFileNumToKeep is how many segments worth of bytes behind the write position survive GC.
	CommandFileNumToKeep int
	// MinTimeToGCAfterCreate is the grace period since a segment was last modified before it can be deleted.
	MinTimeToGCAfterCreate time.Duration
	// MaxCommandsToTransferBeforeCreateRdb bounds the command tail served after a snapshot.
	// A longer tail rejects full sync so that a fresh snapshot gets created instead.
	MaxCommandsToTransferBeforeCreateRdb int64
}

func DefaultConfig() Config {
	return Config{
		CommandFileSize:                      defaultCommandFileSize,
		CommandFileNumToKeep:                 defaultCommandFileNumToKeep,
		MinTimeToGCAfterCreate:               defaultMinTimeToGCAfterCreate,
		MaxCommandsToTransferBeforeCreateRdb: defaultMaxCommandsToTransferBeforeCreateRdb,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CommandFileSize <= 0 {
		c.CommandFileSize = d.CommandFileSize
	}
	if c.CommandFileNumToKeep < 0 {
		c.CommandFileNumToKeep = d.CommandFileNumToKeep
	}
	if c.MinTimeToGCAfterCreate < 0 {
		c.MinTimeToGCAfterCreate = d.MinTimeToGCAfterCreate
	}
	if c.MaxCommandsToTransferBeforeCreateRdb <= 0 {
		c.MaxCommandsToTransferBeforeCreateRdb = d.MaxCommandsToTransferBeforeCreateRdb
	}
	return c
}
