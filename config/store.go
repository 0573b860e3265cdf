// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import "sync"

// Event is the typed change notification delivered to
// subscribers: the configuration before and after the update.
// Both snapshots are immutable; listeners must not modify them.
type Event struct {
	Old *Config
	New *Config
}

// Listener observes configuration changes. A listener may
// refuse a change by returning an error, which aborts the
// update and surfaces to the Update caller.
type Listener func(Event) error

// Store is the process-wide configuration observable. Reads
// return immutable snapshots; updates are validated, then
// offered to every listener before taking effect.
type Store struct {
	mu   sync.Mutex
	cur  *Config
	subs map[int]Listener
	next int
}

// NewStore wraps an initial configuration, which must already
// be validated (Load does this).
func NewStore(initial *Config) *Store {
	return &Store{cur: initial.clone(), subs: make(map[int]Listener)}
}

// Current returns the active configuration snapshot. The
// returned value must be treated as read-only.
func (s *Store) Current() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Subscribe registers fn and returns a cancellation token.
// Listeners are invoked under the store mutex, so they must not
// call back into the Store.
func (s *Store) Subscribe(fn Listener) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Update applies mutate to a copy of the current configuration,
// validates it, and offers the change to every listener. If
// validation or any listener refuses, nothing changes and the
// error is returned. On success the new snapshot becomes
// Current for all subsequent readers; in-flight readers keep
// the snapshot they already hold.
func (s *Store) Update(mutate func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.clone()
	mutate(next)
	if err := next.Validate(); err != nil {
		return err
	}
	ev := Event{Old: s.cur, New: next}
	for _, fn := range s.subs {
		if err := fn(ev); err != nil {
			return err
		}
	}
	s.cur = next
	return nil
}
