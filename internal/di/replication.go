package di

import (
	"github.com/pkg/errors"

	"github.com/redkeeper/keeperstore/replication"
	"github.com/redkeeper/keeperstore/store"
	"github.com/redkeeper/keeperstore/utils/log"
)

func (c *Container) GetReplicationStore() *store.ReplicationStore {
	if c.replicationStore != nil {
		return c.replicationStore
	}
	rs, err := store.Open(c.GetAbsRootDir(), c.keeperConfig.StoreConfig())
	if err != nil {
		panic(errors.Wrap(err, "failed to open the replication store"))
	}
	if !rs.CheckOk() {
		log.Warn("the current snapshot under %s is unusable, a new one is needed before full sync", rs.BaseDir())
	}
	c.replicationStore = rs
	return c.replicationStore
}

func (c *Container) GetGCWorker() *store.GCWorker {
	if c.gcWorker != nil {
		return c.gcWorker
	}
	c.gcWorker = store.NewGCWorker(c.GetReplicationStore(), c.keeperConfig.GCInterval)
	return c.gcWorker
}

func (c *Container) GetSyncer() *replication.Syncer {
	if c.syncer != nil {
		return c.syncer
	}
	c.syncer = replication.NewSyncer(c.GetReplicationStore(),
		c.keeperConfig.FullSyncRetryInterval, c.keeperConfig.FullSyncRetryBackoff,
	)
	return c.syncer
}
