package replay

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

// Memory is an in-process Guard. Keys are spread over independently locked
// shards so that only requests sharing a shard serialise.
type Memory struct {
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	records map[Key]*Record
}

// NewMemory returns a Memory guard with n shards (64 if n <= 0).
func NewMemory(n int) *Memory {
	if n <= 0 {
		n = defaultShards
	}
	m := &Memory{shards: make([]*shard, n)}
	for i := range m.shards {
		m.shards[i] = &shard{records: make(map[Key]*Record)}
	}
	return m
}

func (m *Memory) shardFor(k Key) *shard {
	d := xxhash.New()
	_, _ = d.WriteString(k.CallerID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(k.Nonce)
	return m.shards[d.Sum64()%uint64(len(m.shards))]
}

func (m *Memory) Begin(_ context.Context, key Key, contentHash Hash, expiresAt, now time.Time) (Decision, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.ExpiresAt.Before(now) {
		s.records[key] = &Record{
			ContentHash: contentHash,
			FirstSeen:   now,
			ExpiresAt:   expiresAt,
			State:       StateInFlight,
		}
		return Decision{Outcome: OutcomeFirst}, nil
	}
	return decide(rec, contentHash), nil
}

func (m *Memory) Complete(_ context.Context, key Key, resp *Response) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		rec.State = StateComplete
		rec.Response = resp
	}
	return nil
}

func (m *Memory) Abandon(_ context.Context, key Key) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.State == StateInFlight {
		rec.State = StateAbandoned
	}
	return nil
}

func (m *Memory) Purge(_ context.Context, now time.Time) (int, error) {
	purged := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, rec := range s.records {
			if rec.ExpiresAt.Before(now) {
				delete(s.records, k)
				purged++
			}
		}
		s.mu.Unlock()
	}
	return purged, nil
}

// Len returns the number of records currently held.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Lookup returns a copy of the record for key.
func (m *Memory) Lookup(key Key) (Record, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
