package xcache

import (
	"sync"
	"unsafe"

	"github.com/twmb/go-rbtree"
)

// idNode is the intrusive rbtree node for the filter-id table: the tree
// orders live ids so register() can walk to the smallest gap instead of
// scanning a flat array, the same tradeoff the teacher's broker.go makes
// with its fixed [kmsg.MaxKey+1]int16 versions array when the key space is
// dense, except here the id space is unbounded and sparse once filters
// churn, which is exactly what an ordered tree is for.
type idNode struct {
	rbtree.Node
	id     int64
	filter interface{}
}

func idLess(a, b *rbtree.Node) bool {
	return containerOf(a).id < containerOf(b).id
}

// containerOf recovers the enclosing idNode from the embedded rbtree.Node
// the tree hands back. Valid because rbtree.Node is idNode's first field,
// so the two addresses coincide; this is the standard intrusive-container
// pattern such node-based tree packages are built around, trading the
// interface{}-keyed map the teacher uses for request kinds for a structure
// that never boxes the filter id itself.
func containerOf(n *rbtree.Node) *idNode {
	if n == nil {
		return nil
	}
	return (*idNode)(unsafe.Pointer(n))
}

// FilterIDTable maps long ids to filter objects (spec §4.B). It only
// answers id -> filter; the reverse lookup, filter -> id, is kept by the
// owning BinaryCache in its filterToID map. BinaryCache registers and
// unregisters ids under its subMu, so {register, add} and {remove,
// unregister} are atomic with respect to other listener add/remove calls
// on the same cache; the ListenerRegistry's lock is not held for them, so
// a concurrent Collect may run between the two halves of a pair.
// FilterIDTable's own mutex protects against the Channel's I/O thread
// calling lookup concurrently with a user thread calling
// register/unregister.
type FilterIDTable struct {
	mu   sync.RWMutex
	tree rbtree.Tree
}

// NewFilterIDTable returns an empty table. Ids start at 1 (spec §4.B).
func NewFilterIDTable() *FilterIDTable {
	return &FilterIDTable{}
}

// Register assigns the smallest unused positive id to filter and returns
// it (spec §4.B). A prior Unregister frees its id back into that search
// rather than retiring it forever, so a register following a burst of
// churn can land back on a low id instead of only ever growing.
func (t *FilterIDTable) Register(filter interface{}) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.smallestUnusedLocked()
	n := &idNode{id: id, filter: filter}
	t.tree.Insert(&n.Node, idLess)
	return id
}

// smallestUnusedLocked walks candidate ids from 1, probing the tree
// rather than a flat presence array, until it finds one with no node.
// Must be called with t.mu held.
func (t *FilterIDTable) smallestUnusedLocked() int64 {
	for id := int64(1); ; id++ {
		if t.find(id) == nil {
			return id
		}
	}
}

// Lookup returns the filter registered under id, or nil if none.
func (t *FilterIDTable) Lookup(id int64) interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.find(id)
	if n == nil {
		return nil
	}
	return n.filter
}

// Unregister frees id's slot. A no-op if id was never registered or was
// already unregistered.
func (t *FilterIDTable) Unregister(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.find(id)
	if n == nil {
		return
	}
	t.tree.Delete(&n.Node)
}

func (t *FilterIDTable) find(id int64) *idNode {
	key := &idNode{id: id}
	n := t.tree.Find(&key.Node, idLess)
	if n == nil {
		return nil
	}
	return containerOf(n)
}

// Len reports the number of live (registered, not-yet-unregistered) ids.
func (t *FilterIDTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}
