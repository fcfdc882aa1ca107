// Package store holds the in-memory continuous task table. It is not safe
// for concurrent use: the manager's dispatch loop is its only owner.
package store

import "github.com/basket/bgtaskd/internal/record"

// TaskRecordStore maps record keys to live task records.
type TaskRecordStore struct {
	records map[string]*record.ContinuousTaskRecord
}

// New creates an empty store.
func New() *TaskRecordStore {
	return &TaskRecordStore{records: make(map[string]*record.ContinuousTaskRecord)}
}

// Insert adds rec under its key. Returns false when the key already exists.
func (s *TaskRecordStore) Insert(rec *record.ContinuousTaskRecord) bool {
	key := rec.Key()
	if _, ok := s.records[key]; ok {
		return false
	}
	s.records[key] = rec
	return true
}

// Get returns the live record for key, or nil.
func (s *TaskRecordStore) Get(key string) *record.ContinuousTaskRecord {
	return s.records[key]
}

// Update applies mutate to the record under key. Returns false when absent.
func (s *TaskRecordStore) Update(key string, mutate func(*record.ContinuousTaskRecord)) bool {
	rec, ok := s.records[key]
	if !ok {
		return false
	}
	mutate(rec)
	return true
}

// Remove deletes and returns the record under key, or nil.
func (s *TaskRecordStore) Remove(key string) *record.ContinuousTaskRecord {
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	delete(s.records, key)
	return rec
}

// ByUID returns snapshots of every record owned by uid.
func (s *TaskRecordStore) ByUID(uid int32) []*record.ContinuousTaskRecord {
	var out []*record.ContinuousTaskRecord
	for _, rec := range s.records {
		if rec.UID == uid {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// CountByUID returns the number of live records owned by uid.
func (s *TaskRecordStore) CountByUID(uid int32) int {
	n := 0
	for _, rec := range s.records {
		if rec.UID == uid {
			n++
		}
	}
	return n
}

// All returns snapshots of every record.
func (s *TaskRecordStore) All() []*record.ContinuousTaskRecord {
	out := make([]*record.ContinuousTaskRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// Keys returns the keys of every live record.
func (s *TaskRecordStore) Keys() []string {
	out := make([]string, 0, len(s.records))
	for key := range s.records {
		out = append(out, key)
	}
	return out
}

// RemoveIf deletes every record matching pred and returns the removed
// records (live pointers, no longer reachable from the store).
func (s *TaskRecordStore) RemoveIf(pred func(*record.ContinuousTaskRecord) bool) []*record.ContinuousTaskRecord {
	var out []*record.ContinuousTaskRecord
	for key, rec := range s.records {
		if pred(rec) {
			delete(s.records, key)
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of live records.
func (s *TaskRecordStore) Len() int {
	return len(s.records)
}
