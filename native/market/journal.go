package market

type dirtyKind uint8

const (
	dirtyListing dirtyKind = iota + 1
	dirtyOffer
	dirtyBalance
	dirtyWhitelist
	dirtySettlement
	dirtyCounters
)

type dirtyKey struct {
	kind dirtyKind
	id   string
}

type journalEntry struct {
	undo  func()
	dirty dirtyKey
}

// journal records how to undo every in-memory ledger mutation and which
// persisted records those mutations touched.
type journal struct {
	entries []journalEntry
}

func (j *journal) append(undo func(), dirty dirtyKey) {
	j.entries = append(j.entries, journalEntry{undo: undo, dirty: dirty})
}

// revert undoes every entry in reverse order. The dirty set survives so a
// rollback of already persisted changes can be written back.
func (j *journal) revert() {
	for i := len(j.entries) - 1; i >= 0; i-- {
		if j.entries[i].undo != nil {
			j.entries[i].undo()
			j.entries[i].undo = nil
		}
	}
}

func (j *journal) dirtyKeys() []dirtyKey {
	seen := make(map[dirtyKey]struct{}, len(j.entries))
	out := make([]dirtyKey, 0, len(j.entries))
	for _, entry := range j.entries {
		if entry.dirty.kind == 0 {
			continue
		}
		if _, ok := seen[entry.dirty]; ok {
			continue
		}
		seen[entry.dirty] = struct{}{}
		out = append(out, entry.dirty)
	}
	return out
}

func (j *journal) empty() bool { return len(j.entries) == 0 }

func mapPut[K comparable, V any](j *journal, m map[K]V, key K, value V, dirty dirtyKey) {
	prev, had := m[key]
	m[key] = value
	j.append(func() {
		if had {
			m[key] = prev
			return
		}
		delete(m, key)
	}, dirty)
}

func mapDelete[K comparable, V any](j *journal, m map[K]V, key K, dirty dirtyKey) bool {
	prev, had := m[key]
	if !had {
		return false
	}
	delete(m, key)
	j.append(func() { m[key] = prev }, dirty)
	return true
}

// nestedPut inserts key into the inner map stored under outer, creating the
// inner map when needed.
func nestedPut[O, K comparable, V any](j *journal, m map[O]map[K]V, outer O, key K, value V, dirty dirtyKey) {
	inner, ok := m[outer]
	if !ok {
		inner = make(map[K]V)
		mapPut(j, m, outer, inner, dirtyKey{})
	}
	mapPut(j, inner, key, value, dirty)
}

// nestedDelete removes key from the inner map stored under outer and drops the
// inner map once it is empty.
func nestedDelete[O, K comparable, V any](j *journal, m map[O]map[K]V, outer O, key K, dirty dirtyKey) bool {
	inner, ok := m[outer]
	if !ok {
		return false
	}
	if !mapDelete(j, inner, key, dirty) {
		return false
	}
	if len(inner) == 0 {
		mapDelete(j, m, outer, dirtyKey{})
	}
	return true
}
