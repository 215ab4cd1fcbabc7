// Package hub tracks live connections and fans notifications out to them.
package hub

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrDuplicatePeer is returned when a peer id is registered twice.
var ErrDuplicatePeer = errors.New("peer already registered")

// Peer is a registered connection.
type Peer interface {
	// ID identifies the connection for exclusion and unregistration.
	ID() string
	// Deliver queues msg without blocking. It returns false when the peer
	// could not take the message because it is closed or backed up.
	Deliver(msg []byte) bool
	// Close asks the connection to shut down.
	Close()
}

// Delivery counts the outcome of one broadcast.
type Delivery struct {
	Delivered int
	Dropped   int
}

// Hub is the connection registry. Its lock is independent of the store's
// and is never held while a peer is called.
type Hub struct {
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[string]Peer
}

// New creates an empty hub
func New(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger.Named("hub"),
		peers:  make(map[string]Peer),
	}
}

// Register adds p to the hub.
func (h *Hub) Register(p Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[p.ID()]; ok {
		return ErrDuplicatePeer
	}
	h.peers[p.ID()] = p
	h.logger.Debug("Peer registered", zap.String("peer_id", p.ID()), zap.Int("peers", len(h.peers)))
	return nil
}

// Unregister removes the peer with id. It reports whether it was present.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[id]; !ok {
		return false
	}
	delete(h.peers, id)
	h.logger.Debug("Peer unregistered", zap.String("peer_id", id), zap.Int("peers", len(h.peers)))
	return true
}

// Broadcast delivers msg to every peer except excludeID. It works on a
// snapshot taken at call time, so peers registering meanwhile may miss the
// message, and a peer that cannot take it is skipped.
func (h *Hub) Broadcast(msg []byte, excludeID string) Delivery {
	var d Delivery
	for _, p := range h.snapshot() {
		if p.ID() == excludeID {
			continue
		}
		if p.Deliver(msg) {
			d.Delivered++
			continue
		}
		d.Dropped++
		h.logger.Warn("Dropped notification for peer", zap.String("peer_id", p.ID()))
	}
	return d
}

// Len returns the number of registered peers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// CloseAll closes and forgets every peer.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	peers := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[string]Peer)
	h.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	if len(peers) > 0 {
		h.logger.Info("Closed all peers", zap.Int("count", len(peers)))
	}
}

func (h *Hub) snapshot() []Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	return peers
}
