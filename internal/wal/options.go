package wal

import "time"

// Policy configures durability/batching behavior for one WAL file.
type Policy struct {
	// SyncEveryRecords forces a flush+fsync once this many records have
	// accumulated unsynced. Must be >= 1.
	SyncEveryRecords int

	// AppendBufferMaxRecords bounds how many records sit in the in-memory
	// append buffer before being flushed to the file (not yet fsynced).
	// Must be >= 1.
	AppendBufferMaxRecords int

	// SyncInterval, if non-zero, triggers a background flush+fsync once
	// this much time has elapsed since the last sync.
	SyncInterval time.Duration

	// BackgroundFlushOnly, when true, makes AppendRecord a pure in-memory
	// operation; only the background ticker (driven by SyncInterval)
	// flushes and fsyncs.
	BackgroundFlushOnly bool
}

// DefaultPolicy balances latency and durability: small buffer, sync on
// every record, periodic background sync as a backstop.
func DefaultPolicy() Policy {
	return Policy{
		SyncEveryRecords:       1,
		AppendBufferMaxRecords: 32,
		SyncInterval:           200 * time.Millisecond,
		BackgroundFlushOnly:    false,
	}
}
