package geotile

import (
	"time"
)

const (
	// SourcePrefix keys persisted source records in flat keyspace
	// stores.
	SourcePrefix = 'S'
)

// Store persists loaded sources so a daemon restart can replay them.
type Store interface {
	SaveSource(rec *SourceRecord) error

	// LoadSource returns nil for an unknown source.
	LoadSource(id string) (*SourceRecord, error)

	// DeleteSource drops a record, deleting an absent source is not an
	// error.
	DeleteSource(id string) error

	// LoadAllSources streams every record to add, stopping on the
	// first error add returns.
	LoadAllSources(add func(*SourceRecord) error) error
}

// SourceRecord is the persisted form of a load: the request that
// produced it plus a snapshot of the resolved GeoJSON payload. Replays
// build from the snapshot, never by fetching again.
type SourceRecord struct {
	ID      string
	Params  LoadParams
	GeoJSON []byte
	SavedAt time.Time
}

// SourceKey returns the store key of a source record.
func SourceKey(id string) []byte {
	k := make([]byte, 1+len(id))
	k[0] = SourcePrefix
	copy(k[1:], id)
	return k
}
