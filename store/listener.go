package store

import "github.com/redkeeper/keeperstore/store/eof"

// CommandsListener receives command log bytes in order. p is only valid during the call.
type CommandsListener interface {
	// OnCommands is called with bytes starting at keeper offset offset.
	OnCommands(p []byte, offset int64) error
}

// CommandsListenerFunc adapts a function to CommandsListener.
type CommandsListenerFunc func(p []byte, offset int64) error

func (f CommandsListenerFunc) OnCommands(p []byte, offset int64) error {
	return f(p, offset)
}

// RdbListener receives one snapshot stream. p is only valid during the call.
type RdbListener interface {
	OnRdbBegin(marker eof.Marker, lastKeeperOffset int64) error
	OnRdbData(p []byte) error
	OnRdbEnd() error
}

// FullSyncListener receives a snapshot followed by the command log tail that continues it.
type FullSyncListener interface {
	RdbListener
	CommandsListener
}

// HistoryListener is implemented by listeners that need the History of the log they read.
// OnHistory is called once, before any byte is delivered.
type HistoryListener interface {
	OnHistory(h History) error
}

// offsetListener shifts log-relative offsets into the keeper frame.
type offsetListener struct {
	l    CommandsListener
	base int64
}

func (o offsetListener) OnCommands(p []byte, offset int64) error {
	return o.l.OnCommands(p, o.base+offset)
}
