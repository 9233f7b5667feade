// Package leveldb persists source records in a leveldb database under
// a flat prefixed keyspace, cbor encoded and zstd compressed.
package leveldb

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor"
	log "github.com/go-kit/kit/log"
	"github.com/klauspost/compress/zstd"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/redbmk/geotile"
)

// Storage cold storage
type Storage struct {
	*leveldb.DB
	logger log.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStorage returns a cold storage using leveldb
func NewStorage(path string, logger log.Logger) (*Storage, func() error, error) {
	o := &opt.Options{
		Filter: filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create DB at %s: %w", path, err)
	}

	s, err := newStorage(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db.Close, nil
}

// NewROStorage returns a read only storage using leveldb
func NewROStorage(path string, logger log.Logger) (*Storage, func() error, error) {
	o := &opt.Options{
		ErrorIfMissing: true,
		Filter:         filter.NewBloomFilter(10),
		ReadOnly:       true,
	}
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open DB for reading at %s: %w", path, err)
	}

	s, err := newStorage(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db.Close, nil
}

func newStorage(db *leveldb.DB, logger log.Logger) (*Storage, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &Storage{
		DB:     db,
		logger: logger,
		enc:    enc,
		dec:    dec,
	}, nil
}

// SaveSource writes one record, overwriting any previous generation.
func (s *Storage) SaveSource(rec *geotile.SourceRecord) error {
	b := new(bytes.Buffer)
	enc := cbor.NewEncoder(b, cbor.CanonicalEncOptions())
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("can't encode source record: %w", err)
	}

	return s.Put(geotile.SourceKey(rec.ID), s.enc.EncodeAll(b.Bytes(), nil), nil)
}

// LoadSource reads one record back, nil for an unknown source.
func (s *Storage) LoadSource(id string) (*geotile.SourceRecord, error) {
	v, err := s.Get(geotile.SourceKey(id), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return s.decodeRecord(v)
}

// DeleteSource drops a record, deleting an absent source is not an
// error.
func (s *Storage) DeleteSource(id string) error {
	return s.Delete(geotile.SourceKey(id), nil)
}

// LoadAllSources streams every record to add, only useful to replay
// sources at boot.
func (s *Storage) LoadAllSources(add func(*geotile.SourceRecord) error) error {
	iter := s.NewIterator(util.BytesPrefix([]byte{geotile.SourcePrefix}), &opt.ReadOptions{
		DontFillCache: true,
	})
	defer iter.Release()

	for iter.Next() {
		rec, err := s.decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if err := add(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Storage) decodeRecord(v []byte) (*geotile.SourceRecord, error) {
	raw, err := s.dec.DecodeAll(v, nil)
	if err != nil {
		return nil, fmt.Errorf("can't decompress source record: %w", err)
	}
	rec := &geotile.SourceRecord{}
	dec := cbor.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(rec); err != nil {
		return nil, fmt.Errorf("can't decode source record: %w", err)
	}
	return rec, nil
}
