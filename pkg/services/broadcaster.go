package services

import (
	"sync"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// StatusUpdate is one server status transition published to SSE watchers.
type StatusUpdate struct {
	ServerID   string              `json:"server_id"`
	Status     models.ServerStatus `json:"status"`
	SyncStatus models.SyncStatus   `json:"sync_status"`
}

// statusBroadcaster fans status transitions out to per-server subscribers.
// Slow subscribers drop updates instead of blocking the publisher.
type statusBroadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan StatusUpdate
	nextID int
}

func newStatusBroadcaster() *statusBroadcaster {
	return &statusBroadcaster{
		subs: make(map[string]map[int]chan StatusUpdate),
	}
}

// subscribe registers a watcher for one server. The returned cancel func
// closes the channel and removes the subscription.
func (b *statusBroadcaster) subscribe(serverID string) (<-chan StatusUpdate, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StatusUpdate, 16)
	id := b.nextID
	b.nextID++

	byID := b.subs[serverID]
	if byID == nil {
		byID = make(map[int]chan StatusUpdate)
		b.subs[serverID] = byID
	}
	byID[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[serverID][id]; ok {
			delete(b.subs[serverID], id)
			close(cur)
		}
	}
	return ch, cancel
}

// publish delivers an update to every subscriber of its server.
func (b *statusBroadcaster) publish(update StatusUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[update.ServerID] {
		select {
		case ch <- update:
		default:
		}
	}
}
