// Copyright 2024-2026 Aiku AI

package connector

import "sync"

// Network names one side of the bridge.
type Network int

const (
	NetworkDiscord Network = iota
	NetworkMatrix
)

// idSet is a bounded FIFO set. When full, the oldest id is evicted.
type idSet struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

func newIDSet(capacity int) *idSet {
	return &idSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
}

func (s *idSet) add(key string) {
	if _, ok := s.members[key]; ok {
		return
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
	s.order = append(s.order, key)
	s.members[key] = struct{}{}
}

func (s *idSet) remove(key string) bool {
	if _, ok := s.members[key]; !ok {
		return false
	}
	delete(s.members, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// EchoSuppressor remembers ids of messages the bridge sent itself so that
// the copy coming back from the destination network is not relayed again.
// Only ids are compared, never content.
type EchoSuppressor struct {
	mu   sync.Mutex
	sets map[Network]*idSet
}

func NewEchoSuppressor(capacity int) *EchoSuppressor {
	if capacity <= 0 {
		capacity = defaultEchoCapacity
	}
	return &EchoSuppressor{
		sets: map[Network]*idSet{
			NetworkDiscord: newIDSet(capacity),
			NetworkMatrix:  newIDSet(capacity),
		},
	}
}

// Record marks id as sent by the bridge on network.
func (e *EchoSuppressor) Record(network Network, id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sets[network].add(id)
}

// Consume reports whether id was sent by the bridge and forgets it.
func (e *EchoSuppressor) Consume(network Network, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sets[network].remove(id)
}

// Len returns the number of remembered ids for network.
func (e *EchoSuppressor) Len(network Network) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sets[network].order)
}
