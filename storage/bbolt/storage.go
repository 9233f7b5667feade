// Package bbolt persists source records in a bolt database, one value
// per source, cbor encoded and zstd compressed.
package bbolt

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor"
	log "github.com/go-kit/kit/log"
	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	"github.com/redbmk/geotile"
)

var sourceBucket = []byte("source")

// Storage cold storage
type Storage struct {
	*bbolt.DB
	logger log.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStorage returns a cold storage using bboltdb
func NewStorage(path string, logger log.Logger) (*Storage, func() error, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("can't open database at %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sourceBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("can't create bucket: %w", err)
	}

	s, err := newStorage(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db.Close, nil
}

// NewROStorage returns a read only storage using bboltdb
func NewROStorage(path string, logger log.Logger) (*Storage, func() error, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true})
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

func newStorage(db *bbolt.DB, logger log.Logger) (*Storage, error) {
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
	v := s.enc.EncodeAll(b.Bytes(), nil)

	return s.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sourceBucket).Put(geotile.SourceKey(rec.ID), v)
	})
}

// LoadSource reads one record back, nil for an unknown source.
func (s *Storage) LoadSource(id string) (*geotile.SourceRecord, error) {
	var rec *geotile.SourceRecord
	err := s.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(sourceBucket).Get(geotile.SourceKey(id))
		if v == nil {
			return nil
		}
		var err error
		rec, err = s.decodeRecord(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteSource drops a record, deleting an absent source is not an
// error.
func (s *Storage) DeleteSource(id string) error {
	return s.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sourceBucket).Delete(geotile.SourceKey(id))
	})
}

// LoadAllSources streams every record to add, only useful to replay
// sources at boot.
func (s *Storage) LoadAllSources(add func(*geotile.SourceRecord) error) error {
	return s.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(sourceBucket).Cursor()
		prefix := []byte{geotile.SourcePrefix}
		for key, value := c.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, value = c.Next() {
			rec, err := s.decodeRecord(value)
			if err != nil {
				return err
			}
			if err := add(rec); err != nil {
				return err
			}
		}
		return nil
	})
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
