// Package storage provides audit sinks for chat exchanges.
//
// Every sink receives masked text only; unmasked PII never reaches storage.
package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/polisai/polis-chatguard/pkg/domain"
)

// ErrSinkClosed is returned by sinks that no longer accept records.
var ErrSinkClosed = errors.New("audit sink closed")

// DefaultMemoryCapacity bounds the records kept by a MemoryAuditSink.
const DefaultMemoryCapacity = 10_000

// MemoryAuditSink keeps the most recent audit records in memory.
type MemoryAuditSink struct {
	mu       sync.RWMutex
	records  []domain.AuditRecord
	next     int
	full     bool
	capacity int
	closed   bool
}

// NewMemoryAuditSink creates a sink holding at most capacity records.
// A non-positive capacity uses DefaultMemoryCapacity.
func NewMemoryAuditSink(capacity int) *MemoryAuditSink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryAuditSink{
		records:  make([]domain.AuditRecord, capacity),
		capacity: capacity,
	}
}

// Record stores rec, overwriting the oldest record once the sink is full.
func (s *MemoryAuditSink) Record(_ context.Context, rec domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	s.records[s.next] = rec
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// Records returns the stored records, oldest first.
func (s *MemoryAuditSink) Records() []domain.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.full {
		return append([]domain.AuditRecord(nil), s.records[:s.next]...)
	}
	out := make([]domain.AuditRecord, 0, s.capacity)
	out = append(out, s.records[s.next:]...)
	return append(out, s.records[:s.next]...)
}

// ByCaller returns the stored records of one caller, oldest first.
func (s *MemoryAuditSink) ByCaller(callerKey string) []domain.AuditRecord {
	var out []domain.AuditRecord
	for _, rec := range s.Records() {
		if rec.CallerKey == callerKey {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of stored records.
func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return s.capacity
	}
	return s.next
}

// Close makes further Record calls fail.
func (s *MemoryAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
