package store

import (
	"container/list"
	"sort"
	"time"

	"pewbridge/internal/storage"
)

// memoryBuffer holds records while the durable backend is away. It is not
// safe for concurrent use; Store guards it.
type memoryBuffer struct {
	maxRecords int
	maxPending int
	maxTombs   int

	order   *list.List // of storage.Key, oldest first
	records map[storage.Key]*list.Element
	data    map[storage.Key]storage.Record

	pendingOrder *list.List
	pending      map[storage.Key]*list.Element

	tombs       map[storage.Key]time.Time
	pendingTomb []storage.Tombstone

	evicted uint64
}

func newMemoryBuffer(maxRecords, maxPending, maxTombs int) *memoryBuffer {
	return &memoryBuffer{
		maxRecords:   maxRecords,
		maxPending:   maxPending,
		maxTombs:     maxTombs,
		order:        list.New(),
		records:      map[storage.Key]*list.Element{},
		data:         map[storage.Key]storage.Record{},
		pendingOrder: list.New(),
		pending:      map[storage.Key]*list.Element{},
		tombs:        map[storage.Key]time.Time{},
	}
}

func (m *memoryBuffer) tombstoned(k storage.Key) bool {
	_, ok := m.tombs[k]
	return ok
}

// put stores r and marks it for migration. Tombstoned keys are refused.
func (m *memoryBuffer) put(r storage.Record) bool {
	k := r.Key()
	if m.tombstoned(k) {
		return false
	}
	if el, ok := m.records[k]; ok {
		m.order.MoveToBack(el)
	} else {
		m.records[k] = m.order.PushBack(k)
	}
	m.data[k] = r

	if el, ok := m.pending[k]; ok {
		m.pendingOrder.MoveToBack(el)
	} else {
		m.pending[k] = m.pendingOrder.PushBack(k)
	}

	for m.maxRecords > 0 && m.order.Len() > m.maxRecords {
		m.dropOldest()
	}
	for m.maxPending > 0 && m.pendingOrder.Len() > m.maxPending {
		front := m.pendingOrder.Front()
		k := front.Value.(storage.Key)
		m.pendingOrder.Remove(front)
		delete(m.pending, k)
		m.evicted++
	}
	return true
}

func (m *memoryBuffer) dropOldest() {
	front := m.order.Front()
	if front == nil {
		return
	}
	k := front.Value.(storage.Key)
	m.remove(k)
	m.evicted++
}

func (m *memoryBuffer) remove(k storage.Key) (storage.Record, bool) {
	r, ok := m.data[k]
	if el, has := m.records[k]; has {
		m.order.Remove(el)
		delete(m.records, k)
	}
	delete(m.data, k)
	if el, has := m.pending[k]; has {
		m.pendingOrder.Remove(el)
		delete(m.pending, k)
	}
	return r, ok
}

// tombstone removes every match of (id, session) and records the deletion.
// An empty session matches all sessions holding id.
func (m *memoryBuffer) tombstone(id, session string, at time.Time, pending bool) []storage.Record {
	var keys []storage.Key
	if session != "" {
		keys = []storage.Key{{ID: id, Session: session}}
	} else {
		for k := range m.data {
			if k.ID == id {
				keys = append(keys, k)
			}
		}
	}
	var out []storage.Record
	for _, k := range keys {
		r, ok := m.remove(k)
		if !ok {
			continue
		}
		r.Deleted = true
		out = append(out, r)
		m.tombs[k] = at
		if pending {
			m.pendingTomb = append(m.pendingTomb, storage.Tombstone{ID: k.ID, Session: k.Session, DeletedAt: at})
		}
	}
	if m.maxTombs > 0 && len(m.pendingTomb) > m.maxTombs {
		drop := len(m.pendingTomb) - m.maxTombs
		m.pendingTomb = append([]storage.Tombstone(nil), m.pendingTomb[drop:]...)
	}
	return out
}

// markTombstone suppresses later writes of k without touching pending state.
func (m *memoryBuffer) markTombstone(k storage.Key, at time.Time) {
	m.tombs[k] = at
	m.remove(k)
}

func (m *memoryBuffer) find(id, session string) (storage.Record, bool) {
	if session != "" {
		r, ok := m.data[storage.Key{ID: id, Session: session}]
		return r, ok
	}
	var best storage.Record
	found := false
	for k, r := range m.data {
		if k.ID != id {
			continue
		}
		if !found || r.Timestamp > best.Timestamp {
			best, found = r, true
		}
	}
	return best, found
}

// newest returns up to limit records, newest first, one per id.
func (m *memoryBuffer) newest(limit int) []storage.Record {
	all := make([]storage.Record, 0, len(m.data))
	for _, r := range m.data {
		all = append(all, r)
	}
	sortNewestFirst(all)
	seen := make(map[string]struct{}, len(all))
	out := all[:0]
	for _, r := range all {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *memoryBuffer) bySender(q storage.SenderQuery) []storage.Record {
	var out []storage.Record
	for _, r := range m.data {
		if r.Sender != q.Sender {
			continue
		}
		if q.Session != "" && r.Session != q.Session {
			continue
		}
		if q.From > 0 && r.Timestamp < q.From {
			continue
		}
		if q.To > 0 && r.Timestamp > q.To {
			continue
		}
		out = append(out, r)
	}
	sortNewestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// pendingBatch returns up to n pending records, oldest first.
func (m *memoryBuffer) pendingBatch(n int) []storage.Record {
	out := make([]storage.Record, 0, min(n, m.pendingOrder.Len()))
	for el := m.pendingOrder.Front(); el != nil && len(out) < n; el = el.Next() {
		out = append(out, m.data[el.Value.(storage.Key)])
	}
	return out
}

// migrated drops records that reached the durable backend. Records rewritten
// after the batch was taken stay pending.
func (m *memoryBuffer) migrated(batch []storage.Record) {
	for _, r := range batch {
		k := r.Key()
		cur, ok := m.data[k]
		if !ok {
			continue
		}
		if cur.Content != r.Content || cur.Timestamp != r.Timestamp || cur.MediaType() != r.MediaType() {
			continue
		}
		m.remove(k)
	}
}

func (m *memoryBuffer) takeTombstones() []storage.Tombstone {
	out := m.pendingTomb
	m.pendingTomb = nil
	return out
}

func (m *memoryBuffer) restoreTombstones(ts []storage.Tombstone) {
	m.pendingTomb = append(ts, m.pendingTomb...)
	if m.maxTombs > 0 && len(m.pendingTomb) > m.maxTombs {
		m.pendingTomb = m.pendingTomb[len(m.pendingTomb)-m.maxTombs:]
	}
}

func (m *memoryBuffer) pruneTombs(olderThan time.Time) int {
	n := 0
	for k, at := range m.tombs {
		if at.Before(olderThan) {
			delete(m.tombs, k)
			n++
		}
	}
	return n
}

func sortNewestFirst(rs []storage.Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Timestamp != rs[j].Timestamp {
			return rs[i].Timestamp > rs[j].Timestamp
		}
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})
}
