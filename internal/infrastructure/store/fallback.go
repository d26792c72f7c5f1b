package store

import (
	"sort"
	"sync"

	"github.com/davidleathers/nellis-auction-tracker/internal/domain/auction"
)

// memoryFallback shadows the durable backend while it is unreachable.
// An entry's presence marks it dirty: it was written during an outage and
// is newer than whatever the durable backend holds, so reads serve it
// first. A successful durable write for the same key clears the entry.
type memoryFallback struct {
	mu       sync.RWMutex
	auctions map[string]*auction.Auction
	history  map[string][]auction.BidHistoryEntry
	creds    []byte
	credsSet bool
	settings *auction.Settings
}

func newMemoryFallback() *memoryFallback {
	return &memoryFallback{
		auctions: make(map[string]*auction.Auction),
		history:  make(map[string][]auction.BidHistoryEntry),
	}
}

func (m *memoryFallback) saveAuction(a *auction.Auction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[a.ID] = a.Clone()
}

func (m *memoryFallback) getAuction(id string) (*auction.Auction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auctions[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (m *memoryFallback) deleteAuction(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.auctions, id)
	delete(m.history, id)
}

// clearAuction drops only the record, keeping any shadowed history.
func (m *memoryFallback) clearAuction(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.auctions, id)
}

func (m *memoryFallback) listAuctions() []*auction.Auction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*auction.Auction, 0, len(m.auctions))
	for _, a := range m.auctions {
		out = append(out, a.Clone())
	}
	return out
}

func (m *memoryFallback) appendHistory(id string, e auction.BidHistoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append(m.history[id], e)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].TSMillis > entries[j].TSMillis
	})
	if len(entries) > BidHistoryMax {
		entries = entries[:BidHistoryMax]
	}
	m.history[id] = entries
}

// getHistory returns entries newest first.
func (m *memoryFallback) getHistory(id string, limit int) []auction.BidHistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[id]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]auction.BidHistoryEntry, len(entries))
	copy(out, entries)
	return out
}

func (m *memoryFallback) setCredentials(sealed []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = append([]byte(nil), sealed...)
	m.credsSet = true
}

func (m *memoryFallback) getCredentials() ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.credsSet {
		return nil, false
	}
	return append([]byte(nil), m.creds...), true
}

func (m *memoryFallback) clearCredentials() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	m.credsSet = false
}

func (m *memoryFallback) setSettings(s auction.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.settings = &cp
}

func (m *memoryFallback) getSettings() (auction.Settings, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return auction.Settings{}, false
	}
	return *m.settings, true
}

func (m *memoryFallback) clearSettings() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = nil
}

func (m *memoryFallback) counts() (auctions, history int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, entries := range m.history {
		total += len(entries)
	}
	return len(m.auctions), total
}
