// Copyright 2025 Lynkr
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a request-scoped scratch-pad keyed by X-Session-Id. It
// carries continuity hints between requests; it is not a durable
// conversation store. A session is owned by one request at a time.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`

	// Scratch holds per-session hints such as the last routed
	// provider and accumulated turn counters.
	Scratch map[string]any `json:"-"`
}

// SessionStore keeps live sessions in memory and expires idle ones.
type SessionStore struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	stop chan struct{}
	once sync.Once
}

// NewSessionStore creates a store whose sessions expire after ttl of
// inactivity.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionStore{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

// Get returns the session with the given id, creating it on first
// use. Empty ids mint a fresh session.
func (s *SessionStore) Get(id, userID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if id != "" {
		if sess, ok := s.sessions[id]; ok {
			sess.LastSeen = now
			return sess
		}
	} else {
		id = uuid.NewString()
	}

	sess := &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		LastSeen:  now,
		Scratch:   make(map[string]any),
	}
	s.sessions[id] = sess
	return sess
}

// Len returns the live session count.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartCleanup launches the background expiry loop. Stop terminates
// it.
func (s *SessionStore) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.expire()
			}
		}
	}()
}

// Stop terminates the cleanup loop. Safe to call more than once.
func (s *SessionStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *SessionStore) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.ttl)
	for id, sess := range s.sessions {
		if sess.LastSeen.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}
