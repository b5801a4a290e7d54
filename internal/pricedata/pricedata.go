// Package pricedata stores the latest signed observation per (source, key).
package pricedata

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"anchored-view/internal/events"
)

// DefaultFutureTolerance bounds how far ahead of now a message timestamp may be.
const DefaultFutureTolerance = time.Hour

// Record is the stored (timestamp, value) pair.
type Record struct {
	Timestamp uint64
	Value     uint64
}

// Entry is a Record together with its key, used for snapshots.
type Entry struct {
	Source common.Address
	Key    string
	Record
}

type slot struct {
	source common.Address
	key    string
}

// Store keeps one slot per (source, key). It is not safe for concurrent use;
// the oracle serialises access.
type Store struct {
	data            map[slot]Record
	futureTolerance uint64
}

// New returns an empty store. A non-positive tolerance selects the default.
func New(futureTolerance time.Duration) *Store {
	if futureTolerance <= 0 {
		futureTolerance = DefaultFutureTolerance
	}
	return &Store{
		data:            make(map[slot]Record),
		futureTolerance: uint64(futureTolerance / time.Second),
	}
}

// Put records value for (source, key) when the write is acceptable and returns
// the resulting Write or NotWritten event. A replay of the stored record is
// not written again.
func (s *Store) Put(source common.Address, timestamp uint64, key string, value uint64, now uint64) events.Event {
	k := slot{source: source, key: key}
	prior, seen := s.data[k]
	replay := seen && prior.Timestamp == timestamp && prior.Value == value

	if source == (common.Address{}) || replay || timestamp < prior.Timestamp || timestamp > now+s.futureTolerance {
		return events.NotWritten{
			Source:           source,
			Key:              key,
			PriorTimestamp:   prior.Timestamp,
			MessageTimestamp: timestamp,
			Now:              now,
		}
	}

	s.data[k] = Record{Timestamp: timestamp, Value: value}
	return events.Write{Source: source, Key: key, Timestamp: timestamp, Value: value}
}

// Get returns the stored record, or the zero record when absent.
func (s *Store) Get(source common.Address, key string) Record {
	return s.data[slot{source: source, key: key}]
}

// Price returns only the stored value.
func (s *Store) Price(source common.Address, key string) uint64 {
	return s.Get(source, key).Value
}

// Entries returns a snapshot of every stored record.
func (s *Store) Entries() []Entry {
	out := make([]Entry, 0, len(s.data))
	for k, rec := range s.data {
		out = append(out, Entry{Source: k.source, Key: k.key, Record: rec})
	}
	return out
}

// Load restores entries from durable storage. Older entries never replace newer ones.
func (s *Store) Load(entries []Entry) {
	for _, e := range entries {
		k := slot{source: e.Source, key: e.Key}
		if cur, ok := s.data[k]; ok && cur.Timestamp > e.Timestamp {
			continue
		}
		s.data[k] = e.Record
	}
}
