package model

import "fmt"

// TypeBucket collects the definitions created during one transformation so
// they become visible in the binary all at once (Commit) or not at all (Drop).
// Only one bucket per binary may be open at a time.
type TypeBucket struct {
	binary  *Binary
	pending map[TypeKey]Type
	order   []TypeKey
	nextID  uint64
	closed  bool
}

// NewTypeBucket opens a bucket on b
func NewTypeBucket(b *Binary) *TypeBucket {
	return &TypeBucket{
		binary:  b,
		pending: make(map[TypeKey]Type),
		nextID:  b.nextID,
	}
}

// Binary returns the binary the bucket commits into
func (tb *TypeBucket) Binary() *Binary {
	return tb.binary
}

// Type resolves key among the pending definitions first, then in the binary
func (tb *TypeBucket) Type(key TypeKey) (Type, error) {
	if t, ok := tb.pending[key]; ok {
		return t, nil
	}
	return tb.binary.Type(key)
}

// Make records a new definition in the bucket and returns its key
func (tb *TypeBucket) Make(t Type) TypeKey {
	tb.checkOpen()
	if p, ok := t.(*PrimitiveType); ok {
		return tb.PrimitiveType(p.PrimitiveKind, p.Size)
	}
	t.meta().ID = tb.nextID
	tb.nextID++
	tb.add(t)
	return t.Key()
}

// PrimitiveType returns the primitive of the given shape, scheduling it for
// creation if the binary does not record it yet
func (tb *TypeBucket) PrimitiveType(kind PrimitiveKind, size uint64) TypeKey {
	tb.checkOpen()
	key := PrimitiveKey(kind, size)
	if tb.binary.Has(key) {
		return key
	}
	if _, ok := tb.pending[key]; !ok {
		tb.add(&PrimitiveType{Metadata: Metadata{ID: key.ID}, PrimitiveKind: kind, Size: size})
	}
	return key
}

func (tb *TypeBucket) add(t Type) {
	tb.pending[t.Key()] = t
	tb.order = append(tb.order, t.Key())
}

// Len returns the number of pending definitions
func (tb *TypeBucket) Len() int {
	return len(tb.order)
}

// Commit moves every pending definition into the binary
func (tb *TypeBucket) Commit() {
	tb.checkOpen()
	for _, key := range tb.order {
		tb.binary.types[key] = tb.pending[key]
	}
	if tb.nextID > tb.binary.nextID {
		tb.binary.nextID = tb.nextID
	}
	tb.close()
}

// Drop discards every pending definition
func (tb *TypeBucket) Drop() {
	tb.checkOpen()
	tb.close()
}

func (tb *TypeBucket) close() {
	tb.pending = nil
	tb.order = nil
	tb.closed = true
}

func (tb *TypeBucket) checkOpen() {
	if tb.closed {
		panic(fmt.Sprintf("type bucket on %p used after commit or drop", tb.binary))
	}
}
