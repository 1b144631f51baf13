package storage

import (
	"encoding/json"
	"time"
)

// SessionRecord is the persisted form of a terminal session.
type SessionRecord struct {
	ID              string          `json:"id" db:"id"`
	Kind            string          `json:"kind" db:"kind"` // execution, benchmark
	State           string          `json:"state" db:"state"`
	Language        string          `json:"language" db:"language"`
	AlgorithmID     string          `json:"algorithm_id,omitempty" db:"algorithm_id"`
	CodeHash        string          `json:"code_hash" db:"code_hash"`
	Backend         string          `json:"backend,omitempty" db:"backend"`
	Error           string          `json:"error,omitempty" db:"error"`
	Steps           int             `json:"steps" db:"steps"`
	ElapsedMS       float64         `json:"elapsed_ms" db:"elapsed_ms"`
	PeakMemoryBytes int64           `json:"peak_memory_bytes" db:"peak_memory_bytes"`
	Snapshot        json.RawMessage `json:"snapshot" db:"snapshot"` // full status document served to late pollers
	RequestIP       string          `json:"request_ip,omitempty" db:"request_ip"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	FinishedAt      time.Time       `json:"finished_at" db:"finished_at"`
}

// SessionFilter provides criteria for listing stored sessions.
type SessionFilter struct {
	Kind     string
	State    string
	Language string
	Since    *time.Time
	Limit    int
	Offset   int
}

func (f SessionFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}
