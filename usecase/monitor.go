package usecase

import (
	"sync"
	"time"

	"github.com/voxchat/voxchat/domain"
)

// monitorCapacity is the number of most-recent failures retained.
const monitorCapacity = 100

// ErrorRecord is one terminal failure observed by the gateway.
type ErrorRecord struct {
	Kind      domain.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
	ModelID   string           `json:"model,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ErrorMonitor keeps a bounded ring of recent terminal failures. Oldest
// entries are evicted first once the ring is full.
type ErrorMonitor struct {
	mu      sync.Mutex
	records []ErrorRecord
}

// MonitorStats summarizes the ring contents.
type MonitorStats struct {
	TotalErrors int                      `json:"total_errors"`
	ErrorCounts map[domain.ErrorKind]int `json:"error_counts"`
	Recent      []ErrorRecord            `json:"recent_errors"`
}

// NewErrorMonitor builds an empty monitor.
func NewErrorMonitor() *ErrorMonitor {
	return &ErrorMonitor{}
}

// Add appends a record, evicting the oldest when full.
func (m *ErrorMonitor) Add(rec ErrorRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)
	if len(m.records) > monitorCapacity {
		m.records = m.records[len(m.records)-monitorCapacity:]
	}
}

// Stats returns aggregate counts and the ten most recent failures.
func (m *ErrorMonitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.ErrorKind]int, len(m.records))
	for _, rec := range m.records {
		counts[rec.Kind]++
	}

	recent := m.records
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	out := make([]ErrorRecord, len(recent))
	copy(out, recent)

	return MonitorStats{
		TotalErrors: len(m.records),
		ErrorCounts: counts,
		Recent:      out,
	}
}

// Clear empties the ring.
func (m *ErrorMonitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}
