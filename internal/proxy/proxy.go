// Package proxy assigns egress proxy identities to worker slots and rotates
// them when a retry asks for a fresh route.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// ErrNoIdentities is returned when a manager is built from an empty set.
var ErrNoIdentities = errors.New("no proxy identities configured")

// Identity is one egress route.
type Identity struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	ExternalIP string `json:"external_ip,omitempty"`
}

// Key identifies the route for comparison.
func (i Identity) Key() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URL returns the forward-proxy URL for the transport layer.
func (i Identity) URL() *url.URL {
	return &url.URL{Scheme: "http", Host: i.Key()}
}

// Stats summarises the pool and its assignments.
type Stats struct {
	Total    int            `json:"total"`
	Assigned int            `json:"assigned_workers"`
	Usage    map[string]int `json:"usage"`
}

// Manager hands out identities round-robin. All state is guarded by mu and
// the lock is never held across I/O.
type Manager struct {
	mu          sync.Mutex
	identities  []Identity
	cursor      int
	assignments map[int]Identity
	logger      *zap.Logger
}

// NewManager validates identities and builds a Manager.
func NewManager(identities []Identity, logger *zap.Logger) (*Manager, error) {
	if len(identities) == 0 {
		return nil, ErrNoIdentities
	}
	seen := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		if id.Host == "" || id.Port <= 0 {
			return nil, fmt.Errorf("proxy %q: host and port are required", id.Name)
		}
		if _, dup := seen[id.Key()]; dup {
			return nil, fmt.Errorf("proxy %q: duplicate route %s", id.Name, id.Key())
		}
		seen[id.Key()] = struct{}{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		identities:  append([]Identity(nil), identities...),
		assignments: make(map[int]Identity),
		logger:      logger,
	}, nil
}

// Assign returns the slot's identity, assigning the next one in rotation if
// the slot has none yet.
func (m *Manager) Assign(slot int) Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.assignments[slot]; ok {
		return id
	}
	id := m.nextLocked()
	m.assignments[slot] = id
	m.logger.Debug("proxy assigned", zap.Int("worker", slot), zap.String("proxy", id.Name))
	return id
}

// Rotate returns an identity whose key differs from current. With a single
// route it logs and returns current.
func (m *Manager) Rotate(current Identity) Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range 2 * len(m.identities) {
		id := m.nextLocked()
		if id.Key() != current.Key() {
			m.logger.Debug("proxy rotated", zap.String("from", current.Name), zap.String("to", id.Name))
			return id
		}
	}
	m.logger.Warn("no alternate proxy available, reusing current", zap.String("proxy", current.Name))
	return current
}

// Reassign records id as the slot's affinity, e.g. after a rotation.
func (m *Manager) Reassign(slot int, id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[slot] = id
}

// Assignments snapshots the slot to identity map.
func (m *Manager) Assignments() map[int]Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]Identity, len(m.assignments))
	for k, v := range m.assignments {
		out[k] = v
	}
	return out
}

// Identities returns the configured routes in order.
func (m *Manager) Identities() []Identity {
	return append([]Identity(nil), m.identities...)
}

// Stats reports per-identity worker counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	usage := make(map[string]int, len(m.identities))
	for _, id := range m.identities {
		usage[id.Name] = 0
	}
	for _, id := range m.assignments {
		usage[id.Name]++
	}
	return Stats{Total: len(m.identities), Assigned: len(m.assignments), Usage: usage}
}

func (m *Manager) nextLocked() Identity {
	id := m.identities[m.cursor%len(m.identities)]
	m.cursor = (m.cursor + 1) % len(m.identities)
	return id
}
