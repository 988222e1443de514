// Package observation holds the append-only record of capability calls made
// during one inference session.
package observation

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/martinemde/av/capability"
)

// Observation is one completed capability call.
type Observation struct {
	Seq        int                `json:"seq"`
	CallID     string             `json:"call_id,omitempty"`
	Capability string             `json:"capability"`
	Arguments  json.RawMessage    `json:"arguments"`
	Outcome    capability.Outcome `json:"outcome"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Failed reports whether the call did not succeed.
func (o Observation) Failed() bool { return !o.Outcome.Succeeded() }

// Store is an append-only, ordered log of observations.
type Store struct {
	mu  sync.RWMutex
	obs []Observation
	now func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Append records o, assigning its sequence number and, when unset, its
// timestamp. The stored copy is returned.
func (s *Store) Append(o Observation) Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.Seq = len(s.obs) + 1
	if o.Timestamp.IsZero() {
		o.Timestamp = s.now()
	}
	if o.Arguments != nil {
		o.Arguments = append(json.RawMessage(nil), o.Arguments...)
	}
	s.obs = append(s.obs, o)
	return o
}

// History returns a copy of all observations in append order.
func (s *Store) History() []Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Observation, len(s.obs))
	copy(out, s.obs)
	return out
}

// Last returns up to n most recent observations in append order.
func (s *Store) Last(n int) []Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.obs) {
		n = len(s.obs)
	}
	if n <= 0 {
		return nil
	}
	out := make([]Observation, n)
	copy(out, s.obs[len(s.obs)-n:])
	return out
}

// Size returns the number of observations.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.obs)
}

// TrailingFailures counts consecutive failed capability observations at the
// end of the log. Malformed-reply entries are skipped: they neither count nor
// break the run.
func (s *Store) TrailingFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := len(s.obs) - 1; i >= 0; i-- {
		o := s.obs[i]
		if o.Capability == "" {
			continue
		}
		if !o.Failed() {
			break
		}
		n++
	}
	return n
}
