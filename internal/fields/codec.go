package fields

import "encoding/json"

// snapshot is the serialized form persisted into the fields_ids_map bucket.
type snapshot struct {
	NameToID map[string]uint16  `json:"name_to_id"`
	Flags    map[uint16]Flags   `json:"flags"`
	NextID   uint16             `json:"next_id"`
}

// MarshalJSON encodes the field map for persistence in internal/storage's
// fields_ids_map bucket.
func (m *Map) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(snapshot{
		NameToID: m.nameToID,
		Flags:    m.flags,
		NextID:   m.nextID,
	})
}

// UnmarshalJSON restores a field map from its persisted form.
func (m *Map) UnmarshalJSON(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nameToID == nil {
		m.nameToID = make(map[string]uint16)
	}
	if m.idToName == nil {
		m.idToName = make(map[uint16]string)
	}
	if m.flags == nil {
		m.flags = make(map[uint16]Flags)
	}
	if m.used == nil {
		m.used = make(map[uint16]bool)
	}
	for name, id := range s.NameToID {
		m.nameToID[name] = id
		m.idToName[id] = name
		m.used[id] = true
	}
	m.flags = s.Flags
	m.nextID = s.NextID
	return nil
}
