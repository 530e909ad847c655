package rpc

import (
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// NodeID is a dense index assigned to each distinct peer IP the first
// time it is dialed, mirroring RPCClientMgr's NodeID indirection
// (rpc_client_mgr.hpp) that lets the hot path index into an array instead
// of hashing an IP string on every call.
type NodeID uint16

// maxClients bounds the number of distinct peers a ClientManager will
// track, matching rpc_client_mgr.hpp's
// `rpc_clients_[std::numeric_limits<NodeID>::max() + 1]`.
const maxClients = math.MaxUint16 + 1

// ClientManager is the Go counterpart of RPCClientMgr: a cache of Client
// connections keyed first by peer IP (resolved once to a NodeID) then by
// that NodeID, so repeat calls to the same node reuse flows instead of
// redialing.
type ClientManager struct {
	port         uint16
	numFlows     int
	creditWindow int
	log          hclog.Logger

	mu        sync.RWMutex
	ipToID    map[string]NodeID
	nextID    int
	clients   [maxClients]*Client
}

// NewClientManager builds a manager that dials peers on the given port.
func NewClientManager(port uint16, numFlows, creditWindow int, log hclog.Logger) *ClientManager {
	return &ClientManager{
		port:         port,
		numFlows:     numFlows,
		creditWindow: creditWindow,
		log:          log,
		ipToID:       make(map[string]NodeID),
	}
}

// Get returns the cached Client for ip, dialing one on first use. It
// returns ErrTooManyPeers once every NodeID slot is assigned, mirroring
// the original's fixed-size array bound.
func (m *ClientManager) Get(ip string) (*Client, error) {
	m.mu.RLock()
	if id, ok := m.ipToID[ip]; ok {
		c := m.clients[id]
		m.mu.RUnlock()
		if c != nil {
			return c, nil
		}
	} else {
		m.mu.RUnlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ipToID[ip]; ok {
		if c := m.clients[id]; c != nil {
			return c, nil
		}
	}
	if m.nextID >= maxClients {
		return nil, ErrTooManyPeers
	}
	id := NodeID(m.nextID)
	m.nextID++

	addr := fmt.Sprintf("%s:%d", ip, m.port)
	c, err := Dial(addr, m.numFlows, m.creditWindow, m.log)
	if err != nil {
		return nil, err
	}
	m.ipToID[ip] = id
	m.clients[id] = c
	return c, nil
}

// Invalidate drops a cached client, e.g. after repeated WrongClient
// responses suggest the cached connection is stale (caller
// "must refresh directory and retry").
func (m *ClientManager) Invalidate(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ipToID[ip]
	if !ok {
		return
	}
	if c := m.clients[id]; c != nil {
		c.Close()
	}
	m.clients[id] = nil
	delete(m.ipToID, ip)
}

// Close tears down every cached client.
func (m *ClientManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c != nil {
			c.Close()
		}
	}
}

// ErrTooManyPeers is returned once ClientManager has assigned every
// available NodeID slot.
var ErrTooManyPeers = fmt.Errorf("rpc: too many distinct peers (max %d)", maxClients)
