// Package enumerator interns strings into small dense integer ids.
//
// Ids are assigned in order of first occurrence starting at 1; 0 is never
// assigned and stands for "absent". Two enumerators built from different
// histories generally disagree on ids for the same symbol.
package enumerator

import (
	"fmt"
	"sync"

	"github.com/drpcorg/mrindex/mrerrors"
)

type SymbolID uint32

// None is the reserved absent id.
const None SymbolID = 0

type Enumerator interface {
	// IDFor returns the id of symbol, assigning the next free one on first
	// occurrence. For persistent tables the assignment is written before
	// IDFor returns.
	IDFor(symbol string) (SymbolID, error)
	// SymbolFor fails with mrerrors.ErrSymbolNotFound for ids this table
	// never assigned.
	SymbolFor(id SymbolID) (string, error)
	// Lookup never assigns.
	Lookup(symbol string) (SymbolID, bool)
	Len() int
}

func notFound(id SymbolID) error {
	return fmt.Errorf("%w: id %d", mrerrors.ErrSymbolNotFound, id)
}

// Memory is a session-scoped enumerator.
type Memory struct {
	mu      sync.RWMutex
	ids     map[string]SymbolID
	symbols []string
}

func NewMemory() *Memory {
	return &Memory{ids: make(map[string]SymbolID)}
}

func (m *Memory) IDFor(symbol string) (SymbolID, error) {
	m.mu.RLock()
	id, ok := m.ids[symbol]
	m.mu.RUnlock()
	if ok {
		return id, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok = m.ids[symbol]; ok {
		return id, nil
	}
	m.symbols = append(m.symbols, symbol)
	id = SymbolID(len(m.symbols))
	m.ids[symbol] = id
	return id, nil
}

func (m *Memory) SymbolFor(id SymbolID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == None || int(id) > len(m.symbols) {
		return "", notFound(id)
	}
	return m.symbols[id-1], nil
}

func (m *Memory) Lookup(symbol string) (SymbolID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[symbol]
	return id, ok
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.symbols)
}
