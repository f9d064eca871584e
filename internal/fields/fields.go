// Package fields maintains the bidirectional field-name <-> field-id map and
// per-field attribute flags (searchable, filterable, sortable, distinct) that
// every other component addresses fields by id rather than by name.
package fields

import (
	"sort"
	"sync"

	qerrors "github.com/quillsearch/quill/internal/errors"
)

// MaxFieldID is the largest id a field map can hand out. Field ids are
// persisted as uint16, so ids 0..65535 hold 65536 distinct fields and the
// next one trips AttributeLimitReached.
const MaxFieldID = 65535

// Flags describes how a field participates in indexing and search.
type Flags struct {
	Searchable bool
	Filterable bool
	Sortable   bool
	Distinct   bool
}

// Map is a bidirectional name<->id map plus per-field Flags. It is not
// safe to mutate concurrently with readers holding a stale snapshot; callers
// serialize mutation through the owning index's single WriteTxn.
type Map struct {
	mu       sync.RWMutex
	nameToID map[string]uint16
	idToName map[uint16]string
	flags    map[uint16]Flags
	nextID   uint16
	used     map[uint16]bool
}

// New returns an empty field map.
func New() *Map {
	return &Map{
		nameToID: make(map[string]uint16),
		idToName: make(map[uint16]string),
		flags:    make(map[uint16]Flags),
		used:     make(map[uint16]bool),
	}
}

// IDFor returns the id for name, allocating one if name is new. Returns
// ErrCodeAttributeLimitReached once every uint16 id has been handed out.
func (m *Map) IDFor(name string) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.nameToID[name]; ok {
		return id, nil
	}

	id, err := m.allocate()
	if err != nil {
		return 0, err
	}
	m.nameToID[name] = id
	m.idToName[id] = name
	return id, nil
}

func (m *Map) allocate() (uint16, error) {
	for {
		if int(m.nextID) > MaxFieldID || len(m.used) > MaxFieldID {
			return 0, qerrors.ClientInputError(qerrors.ErrCodeAttributeLimitReached,
				"maximum number of distinct fields (65536) reached for this index", nil)
		}
		id := m.nextID
		m.nextID++
		if !m.used[id] {
			m.used[id] = true
			return id, nil
		}
	}
}

// NameFor returns the field name for id, and whether it exists.
func (m *Map) NameFor(id uint16) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.idToName[id]
	return name, ok
}

// Lookup returns the id for an existing field name without allocating one.
func (m *Map) Lookup(name string) (uint16, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.nameToID[name]
	return id, ok
}

// SetFlags records the attribute flags for an already-registered field id.
func (m *Map) SetFlags(id uint16, f Flags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[id] = f
}

// FlagsFor returns the flags for id, defaulting to the zero value
// (non-searchable, non-filterable, non-sortable, non-distinct) if unset.
func (m *Map) FlagsFor(id uint16) Flags {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags[id]
}

// Names returns every registered field name sorted by id, for deterministic
// iteration (settings serialization, schema diffing).
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint16, 0, len(m.idToName))
	for id := range m.idToName {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = m.idToName[id]
	}
	return out
}

// Len reports how many distinct fields are registered.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.idToName)
}
