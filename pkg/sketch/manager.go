package sketch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/model"
)

// Exchange is what a host sends when asked for its sketch: its own matrix
// filter and every peer filter it has cached.
type Exchange struct {
	Local *MatrixFilter
	Cache map[string]*MatrixFilter
}

// Fetcher retrieves a peer's exchange.
type Fetcher interface {
	Fetch(ctx context.Context, host string) (*Exchange, error)
}

// Manager owns the local sketch and the cache of peer sketches. It is safe
// for concurrent use.
type Manager struct {
	host    string
	params  Params
	fetcher Fetcher
	group   singleflight.Group

	// OnRefresh, if set, is called after a peer's sketch has been merged.
	OnRefresh func(host string, connections int)

	mu    sync.Mutex
	local *MatrixFilter
	cache map[string]*MatrixFilter
}

// NewManager creates a manager for the local host.
func NewManager(host string, params Params, fetcher Fetcher) *Manager {
	return &Manager{
		host:    host,
		params:  params,
		fetcher: fetcher,
		local:   NewMatrixFilter(params),
		cache:   make(map[string]*MatrixFilter),
	}
}

// Host returns the local host identity.
func (m *Manager) Host() string { return m.host }

// AddLocal records key as upstream of network vertex v in the local sketch.
func (m *Manager) AddLocal(v *model.Vertex, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.Add(v, key)
}

// UpdateLocalAncestors unions ancestors into v's local entry.
func (m *Manager) UpdateLocalAncestors(v *model.Vertex, ancestors *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.UpdateAncestors(v, ancestors)
}

// Local returns a copy of the local sketch.
func (m *Manager) Local() *MatrixFilter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.Clone()
}

// Peer returns a copy of the cached sketch of host.
func (m *Manager) Peer(host string) (*MatrixFilter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.cache[host]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// Ensure returns the sketch of host, fetching it only when it is not cached.
func (m *Manager) Ensure(ctx context.Context, host string) (*MatrixFilter, error) {
	if f, ok := m.Peer(host); ok {
		return f, nil
	}
	return m.Refresh(ctx, host)
}

// Refresh fetches the sketch of host and merges it into the cache.
// Concurrent refreshes of one host share a single exchange.
func (m *Manager) Refresh(ctx context.Context, host string) (*MatrixFilter, error) {
	if m.fetcher == nil {
		return nil, fmt.Errorf("no sketch fetcher configured for %s", host)
	}
	_, err, _ := m.group.Do(host, func() (any, error) {
		x, err := m.fetcher.Fetch(ctx, host)
		if err != nil {
			return nil, err
		}
		m.Merge(host, x)
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refreshing sketch of %s: %w", host, err)
	}
	f, ok := m.Peer(host)
	if !ok {
		return nil, fmt.Errorf("sketch of %s missing after refresh", host)
	}
	return f, nil
}

// Merge stores the responder's own sketch under host and merges the
// responder's cache, skipping any entry about this host.
func (m *Manager) Merge(host string, x *Exchange) {
	m.mu.Lock()
	if x.Local != nil {
		m.cache[host] = x.Local.Clone()
	}
	for h, f := range x.Cache {
		if h == m.host || h == host || f == nil {
			continue
		}
		existing, ok := m.cache[h]
		if !ok {
			m.cache[h] = f.Clone()
			continue
		}
		if err := existing.Merge(f); err != nil {
			logging.Warn("replacing incompatible cached sketch", "host", h, "error", err)
			m.cache[h] = f.Clone()
		}
	}
	connections := 0
	if f, ok := m.cache[host]; ok {
		connections = f.Len()
	}
	notify := m.OnRefresh
	m.mu.Unlock()

	logging.Debug("merged peer sketch", "host", host, "connections", connections, "relayed", len(x.Cache))
	if notify != nil {
		notify(host, connections)
	}
}

// exchange returns copies of the local sketch and cache for a peer.
func (m *Manager) exchange() *Exchange {
	m.mu.Lock()
	defer m.mu.Unlock()
	x := &Exchange{Local: m.local.Clone(), Cache: make(map[string]*MatrixFilter, len(m.cache))}
	for h, f := range m.cache {
		x.Cache[h] = f.Clone()
	}
	return x
}

// Summary describes the sketches a manager holds.
type Summary struct {
	Host        string         `json:"host"`
	Connections []string       `json:"connections"`
	Peers       map[string]int `json:"peers"`
}

// Summary returns the local connections and the size of each cached peer
// sketch.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{Host: m.host, Connections: m.local.Connections(), Peers: make(map[string]int, len(m.cache))}
	for h, f := range m.cache {
		s.Peers[h] = f.Len()
	}
	return s
}

// PeerHosts returns the cached peer hosts in sorted order.
func (m *Manager) PeerHosts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts := make([]string, 0, len(m.cache))
	for h := range m.cache {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}
