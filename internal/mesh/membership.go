package mesh

import (
	"sync"
	"time"
)

// ProcessRecord is one process registered with the root.
type ProcessRecord struct {
	Address      string    `json:"address"`
	ProcessID    string    `json:"process_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`

	connID string
}

// membership is the root's address list, kept in registration order and
// de-duplicated by address.
type membership struct {
	mu      sync.Mutex
	records []ProcessRecord
}

func newMembership() *membership {
	return &membership{}
}

// Add records address for connID and returns the addresses registered before
// it. A repeat address keeps its position and takes the new owner; added
// reports whether the address was new.
func (m *membership) Add(address, processID, connID string) (earlier []string, added bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].Address == address {
			m.records[i].ProcessID = processID
			m.records[i].connID = connID
			m.records[i].RegisteredAt = time.Now()
			return m.addressesLocked(i), false
		}
	}
	earlier = m.addressesLocked(len(m.records))
	m.records = append(m.records, ProcessRecord{
		Address:      address,
		ProcessID:    processID,
		RegisteredAt: time.Now(),
		connID:       connID,
	})
	return earlier, true
}

func (m *membership) addressesLocked(n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = m.records[i].Address
	}
	return out
}

// DropConn forgets addresses registered over connID.
func (m *membership) DropConn(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped []string
	kept := m.records[:0]
	for _, r := range m.records {
		if r.connID == connID {
			dropped = append(dropped, r.Address)
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return dropped
}

// Addresses returns the known addresses in registration order.
func (m *membership) Addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addressesLocked(len(m.records))
}

func (m *membership) Snapshot() []ProcessRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProcessRecord, len(m.records))
	copy(out, m.records)
	return out
}
