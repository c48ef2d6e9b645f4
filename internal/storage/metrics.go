package storage

import (
	"sync"
	"time"
)

const (
	slowQueryThreshold = time.Second
	slowQueryCapacity  = 100
)

// SlowQuery records one query that exceeded the slow threshold.
type SlowQuery struct {
	Query    string        `json:"query"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// QueryStats is a snapshot of the store's query counters.
type QueryStats struct {
	QueryCount     int64         `json:"query_count"`
	TotalQueryTime time.Duration `json:"total_query_time"`
	SlowQueries    []SlowQuery   `json:"slow_queries"`
}

// queryMetrics counts queries, sums their durations, and retains a bounded
// ring of the most recent slow queries.
type queryMetrics struct {
	mu        sync.Mutex
	count     int64
	totalTime time.Duration
	slow      []SlowQuery
}

func newQueryMetrics() *queryMetrics {
	return &queryMetrics{slow: make([]SlowQuery, 0, slowQueryCapacity)}
}

// observe records a completed query.
func (m *queryMetrics) observe(query string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.count++
	m.totalTime += duration

	if duration > slowQueryThreshold {
		m.slow = append(m.slow, SlowQuery{Query: query, Duration: duration, At: time.Now().UTC()})
		if len(m.slow) > slowQueryCapacity {
			m.slow = m.slow[len(m.slow)-slowQueryCapacity:]
		}
	}
}

// snapshot returns a copy of the current counters.
func (m *queryMetrics) snapshot() QueryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	slow := make([]SlowQuery, len(m.slow))
	copy(slow, m.slow)
	return QueryStats{
		QueryCount:     m.count,
		TotalQueryTime: m.totalTime,
		SlowQueries:    slow,
	}
}
