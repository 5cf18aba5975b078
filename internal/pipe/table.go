package pipe

// Table indexes channels by their 64-bit id and keeps an intrusive
// traversal list (newest channel first, since Insert prepends) the wake
// scheduler walks to find
// signaled channels that missed the fast-path cache (spec component B).
//
// Keys are stored directly as uint64 regardless of host pointer width;
// a 32-bit port of this device would otherwise have to decide whether
// the table keys on the truncated 32-bit id or the full 64-bit one, but
// a Go port simply keys on the 64-bit id directly.
type Table struct {
	byID map[uint64]*Channel
	head *Channel
}

// NewTable constructs an empty channel table.
func NewTable() *Table {
	return &Table{byID: make(map[uint64]*Channel)}
}

// Lookup returns the channel registered under id, or nil.
func (t *Table) Lookup(id uint64) *Channel {
	return t.byID[id]
}

// Insert adds ch to the table and prepends it to the traversal list.
// Returns false without modifying the table if id is already present.
func (t *Table) Insert(ch *Channel) bool {
	if _, exists := t.byID[ch.ID]; exists {
		return false
	}
	t.byID[ch.ID] = ch
	ch.prev = nil
	ch.next = t.head
	if t.head != nil {
		t.head.prev = ch
	}
	t.head = ch
	return true
}

// Remove unlinks and returns the channel registered under id.
func (t *Table) Remove(id uint64) (*Channel, bool) {
	ch, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	if ch.prev != nil {
		ch.prev.next = ch.next
	} else {
		t.head = ch.next
	}
	if ch.next != nil {
		ch.next.prev = ch.prev
	}
	ch.next, ch.prev = nil, nil
	return ch, true
}

// Head returns the current head of the traversal list, or nil if the
// table is empty.
func (t *Table) Head() *Channel {
	return t.head
}

// Len returns the number of open channels.
func (t *Table) Len() int {
	return len(t.byID)
}

// Snapshot returns a copy of the ids of every currently open channel, in
// traversal-list order. It exists for tests and for a debug introspection
// hook, never for command-path logic.
func (t *Table) Snapshot() []uint64 {
	ids := make([]uint64, 0, len(t.byID))
	for ch := t.head; ch != nil; ch = ch.next {
		ids = append(ids, ch.ID)
	}
	return ids
}
