package server

import (
	"sync"

	"github.com/waxwing-chat/waxwing/internal/metrics"
)

// Directory is the live mapping from user identity to open connection. It
// is the only shared mutable state in the relay; every method is safe for
// concurrent use.
type Directory struct {
	mu      sync.RWMutex
	clients map[int64]*Client
}

func NewDirectory() *Directory {
	return &Directory{clients: make(map[int64]*Client)}
}

// Register inserts or replaces the entry for userID. A replaced client is
// abandoned, not closed; closing it is the caller's concern.
func (d *Directory) Register(userID int64, c *Client) {
	d.mu.Lock()
	d.clients[userID] = c
	metrics.ActiveConnections.Set(float64(len(d.clients)))
	d.mu.Unlock()
}

// Deregister removes the entry for userID, but only while it still maps to
// c: a connection that was replaced must not evict its replacement when it
// finally winds down. Reports whether the live entry was removed, so the
// caller knows if the user actually went away; no-op if the entry is
// absent or already replaced.
func (d *Directory) Deregister(userID int64, c *Client) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clients[userID] != c {
		return false
	}
	delete(d.clients, userID)
	metrics.ActiveConnections.Set(float64(len(d.clients)))
	return true
}

// Lookup returns the live connection for userID, or nil.
func (d *Directory) Lookup(userID int64) *Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clients[userID]
}

// Deliver sends payload to userID if a connection is present. Absent
// recipients and recipients with a full send queue are dropped silently.
func (d *Directory) Deliver(userID int64, payload string) {
	if c := d.Lookup(userID); c != nil {
		if c.enqueue(payload) {
			metrics.Deliveries.Inc()
		}
	}
}

// Broadcast delivers payload to every listed identity that has a live
// connection. One dead or slow recipient never blocks the rest.
func (d *Directory) Broadcast(payload string, userIDs []int64) {
	d.mu.RLock()
	recipients := make([]*Client, 0, len(userIDs))
	for _, id := range userIDs {
		if c, ok := d.clients[id]; ok {
			recipients = append(recipients, c)
		}
	}
	d.mu.RUnlock()

	for _, c := range recipients {
		if c.enqueue(payload) {
			metrics.Deliveries.Inc()
		}
	}
}

// Len reports the number of registered connections.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.clients)
}
