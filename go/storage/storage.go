// Package storage defines the Store interface the Remaster Manager and
// Worker read/write against, plus an in-memory implementation for tests and
// a RocksDB-backed implementation for production (spec.md §6, "Persisted
// state").
package storage

import "github.com/ctring/detock/go/txn"

// Record is the persisted shape of a key: its value plus the mastership
// metadata spec.md §6 specifies verbatim: { value, metadata: { master,
// counter } }.
type Record struct {
	Value   []byte
	Master  uint32
	Counter uint64
}

// Store is the key-value interface the core depends on. The core does not
// define the on-disk format (spec.md §1 Non-goals); this interface is the
// full extent of its contract with storage.
type Store interface {
	Get(key txn.Key) (rec Record, found bool, err error)
	Put(key txn.Key, rec Record) error
	Close() error
}

// MetadataOf is a convenience accessor bridging storage.Record and
// txn.KeyMetadata, used by worker to avoid repeating the field mapping.
func MetadataOf(rec Record) txn.KeyMetadata {
	return txn.KeyMetadata{Master: rec.Master, Counter: rec.Counter}
}
