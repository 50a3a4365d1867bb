package storage

import (
	"encoding/binary"

	"github.com/jgraettinger/gorocksdb"

	"github.com/ctring/detock/go/txn"
)

// RocksDB is the production Store, backed by github.com/jgraettinger/gorocksdb
// — the same RocksDB binding the teacher repository uses for its local shard
// stores. Records are encoded as a small fixed header (master, counter)
// followed by the raw value, avoiding a dependency on a serialization
// library for what is a three-field struct.
type RocksDB struct {
	db   *gorocksdb.DB
	ro   *gorocksdb.ReadOptions
	wo   *gorocksdb.WriteOptions
}

// OpenRocksDB opens (creating if absent) a RocksDB database at dir.
func OpenRocksDB(dir string) (*RocksDB, error) {
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	db, err := gorocksdb.OpenDb(opts, dir)
	if err != nil {
		return nil, err
	}
	return &RocksDB{
		db: db,
		ro: gorocksdb.NewDefaultReadOptions(),
		wo: gorocksdb.NewDefaultWriteOptions(),
	}, nil
}

const recordHeaderSize = 4 + 8 // master(uint32) + counter(uint64)

func encodeRecord(rec Record) []byte {
	buf := make([]byte, recordHeaderSize+len(rec.Value))
	binary.BigEndian.PutUint32(buf[0:4], rec.Master)
	binary.BigEndian.PutUint64(buf[4:12], rec.Counter)
	copy(buf[recordHeaderSize:], rec.Value)
	return buf
}

func decodeRecord(buf []byte) Record {
	return Record{
		Master:  binary.BigEndian.Uint32(buf[0:4]),
		Counter: binary.BigEndian.Uint64(buf[4:12]),
		Value:   append([]byte(nil), buf[recordHeaderSize:]...),
	}
}

func (r *RocksDB) Get(key txn.Key) (Record, bool, error) {
	slice, err := r.db.Get(r.ro, key)
	if err != nil {
		return Record{}, false, err
	}
	defer slice.Free()
	if !slice.Exists() {
		return Record{}, false, nil
	}
	return decodeRecord(slice.Data()), true, nil
}

func (r *RocksDB) Put(key txn.Key, rec Record) error {
	return r.db.Put(r.wo, key, encodeRecord(rec))
}

func (r *RocksDB) Close() error {
	r.db.Close()
	return nil
}
