package replication

/**
This package drives the replication stream served from a store.ReplicationStore to one replica.

- Sender
	Sender is a store.FullSyncListener. It copies the snapshot and command bytes it is handed into a bounded
	channel and a goroutine writes them to the replica connection. A slow replica blocks the store reader
	instead of growing memory. Sender tracks the keeper offset the replica has received up to, so the
	replica can resume with a partial sync after a reconnect.

- Syncer
	Syncer picks the sync mode. A replica that knows its offset gets a partial sync from the command log.
	When the offset has been collected it falls back to a full sync, which is retried with backoff while
	the store cannot serve one.
*/
