// Package subscription maintains the group/device/point containment
// hierarchy and per-connection subscription sets, and answers which
// connections care about a point update in time proportional to the
// hierarchy depth.
package subscription

import (
	"sort"
	"sync"
	"time"
)

// Set holds one connection's subscriptions across the three hierarchy levels
type Set struct {
	mu           sync.Mutex
	groups       map[uint64]struct{}
	devices      map[uint64]struct{}
	points       map[uint64]struct{}
	lastActivity time.Time
}

func newSet() *Set {
	return &Set{
		groups:       make(map[uint64]struct{}),
		devices:      make(map[uint64]struct{}),
		points:       make(map[uint64]struct{}),
		lastActivity: time.Now(),
	}
}

// Status is a diagnostic snapshot of one connection's subscriptions
type Status struct {
	ConnectionID string    `json:"connection_id"`
	Groups       []uint64  `json:"groups"`
	Devices      []uint64  `json:"devices"`
	Points       []uint64  `json:"points"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Set) add(level level, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.byLevel(level)
	if _, ok := target[id]; ok {
		s.lastActivity = time.Now()
		return false
	}
	target[id] = struct{}{}
	s.lastActivity = time.Now()
	return true
}

func (s *Set) remove(level level, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.byLevel(level)
	if _, ok := target[id]; !ok {
		return false
	}
	delete(target, id)
	s.lastActivity = time.Now()
	return true
}

func (s *Set) byLevel(l level) map[uint64]struct{} {
	switch l {
	case levelGroup:
		return s.groups
	case levelDevice:
		return s.devices
	default:
		return s.points
	}
}

func (s *Set) status(connectionID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ConnectionID: connectionID,
		Groups:       sortedIDs(s.groups),
		Devices:      sortedIDs(s.devices),
		Points:       sortedIDs(s.points),
		LastActivity: s.lastActivity,
	}
}

// snapshot returns copies of all three id sets for atomic teardown
func (s *Set) snapshot() (groups, devices, points []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.groups), sortedIDs(s.devices), sortedIDs(s.points)
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type level int

const (
	levelGroup level = iota
	levelDevice
	levelPoint
)

// connSet is the reverse index bucket: the connections subscribed to one id
type connSet struct {
	mu    sync.RWMutex
	conns map[string]struct{}
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[string]struct{})}
}

func (c *connSet) add(connectionID string) {
	c.mu.Lock()
	c.conns[connectionID] = struct{}{}
	c.mu.Unlock()
}

func (c *connSet) remove(connectionID string) {
	c.mu.Lock()
	delete(c.conns, connectionID)
	c.mu.Unlock()
}

func (c *connSet) collect(into map[string]struct{}) {
	c.mu.RLock()
	for conn := range c.conns {
		into[conn] = struct{}{}
	}
	c.mu.RUnlock()
}
