package xcache

import "sync"

// ListenerKind replaces the source's runtime type tests against tagged
// marker interfaces (ISynchronousListener, IPrimingListener,
// CacheTriggerListener) with an explicit enum attached at registration, per
// the redesign note in spec §9.
type ListenerKind uint8

const (
	// ListenerStandard is a plain asynchronous listener: dispatched on the
	// Event Dispatcher's queue, receives full old/new values unless the
	// subscription was registered lite.
	ListenerStandard ListenerKind = iota
	// ListenerSynchronous bypasses the dispatcher queue and runs inline on
	// the event-reception thread.
	ListenerSynchronous
	// ListenerPriming behaves like ListenerSynchronous but additionally
	// forces the server subscription to always be (re)sent so the proxy
	// emits the synthetic "current value" event on registration.
	ListenerPriming
	// ListenerTransformer marks a filter-scoped listener as an event
	// transformer: it must never receive a NonTransformable event.
	ListenerTransformer
)

func (k ListenerKind) synchronous() bool {
	return k == ListenerSynchronous || k == ListenerPriming
}

// Listener receives CacheEvents. OnEvent is called either inline (for
// ListenerSynchronous/ListenerPriming) or from the Event Dispatcher's
// single worker goroutine (otherwise); see event.go.
type Listener interface {
	OnEvent(e *CacheEvent)
}

// registration pairs a listener with the kind it was added under and
// whether it was added lite (no old/new payload requested).
type registration struct {
	listener Listener
	kind     ListenerKind
	lite     bool
}

// ListenerSet is the immutable snapshot returned by Collect: the set of
// registrations that should receive a given event.
type ListenerSet []registration

func (s ListenerSet) contains(l Listener) bool {
	for _, r := range s {
		if r.listener == l {
			return true
		}
	}
	return false
}

// optimizationPlan is the cached dispatch-plan discriminator from spec §3.
type optimizationPlan uint8

const (
	planNone optimizationPlan = iota
	planNoListeners
	planAllListener
	planKeyListener
	planNoOptimize
)

// filterScope wraps a Filter (global scope). It is not used as a map key:
// the registry keeps the filter-scoped and key-scoped maps spec.md
// describes separately rather than unifying them behind one interface{}
// key space, since filters and keys have unrelated equality semantics and
// the invariants in §3 are stated per-map.
type filterScope struct {
	filter Filter // nil means "matches all"
}

// ListenerRegistry is the bookkeeping structure of spec §4.A / §3. One
// instance is owned exclusively by a BinaryCache. All reads and writes take
// the same lock (mu), including the fast paths in Collect that return the
// cached plan's set; any plan-invalidating transition resets the cached
// set under that lock, so a reader never sees a plan paired with a set
// from another plan.
type ListenerRegistry struct {
	mu sync.Mutex

	global         map[Filter][]registration // nil Filter key means "matches all"
	byKey          map[string][]registration
	standardGlobal map[Filter][]registration
	standardByKey  map[string][]registration

	filterIDs *FilterIDTable

	plan           optimizationPlan
	cachedListeners ListenerSet
}

// NewListenerRegistry returns an empty registry backed by the given
// filter-id table, owned by the same BinaryCache. The registry only reads
// the table (Collect's filter-id lookups); BinaryCache registers and
// unregisters ids under its own subMu, not under the registry's lock.
func NewListenerRegistry(filterIDs *FilterIDTable) *ListenerRegistry {
	return &ListenerRegistry{
		global:         make(map[Filter][]registration),
		byKey:          make(map[string][]registration),
		standardGlobal: make(map[Filter][]registration),
		standardByKey:  make(map[string][]registration),
		filterIDs:      filterIDs,
	}
}

// AddGlobal registers l against filter (nil for "matches all"). Idempotent
// per (filter, listener): re-adding the same pair with the same lite flag
// is a no-op for the server-subscription bookkeeping layered on top in
// binarycache.go, but the registry itself always records kind/lite as
// given by the most recent call, per spec §4.A: "if is_lite=true, any
// existing 'standard' membership for that (scope, listener) is cleared."
func (r *ListenerRegistry) AddGlobal(l Listener, filter Filter, kind ListenerKind, lite bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.global[filter] = upsert(r.global[filter], l, kind, lite)
	if lite {
		r.standardGlobal[filter] = removeListener(r.standardGlobal[filter], l)
		if len(r.standardGlobal[filter]) == 0 {
			delete(r.standardGlobal, filter)
		}
	} else {
		r.standardGlobal[filter] = upsert(r.standardGlobal[filter], l, kind, lite)
	}
	r.invalidateUnlessPreserved(planAllListener)
}

// AddKey registers l against key (already the binary/opaque key form this
// layer operates on - see converter.go for object<->binary translation).
func (r *ListenerRegistry) AddKey(l Listener, key []byte, kind ListenerKind, lite bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := string(key)
	preserveKeyListener := r.plan == planKeyListener && len(r.global) == 0 &&
		(len(r.byKey[k]) == 0 || sameListenersAs(r.byKey[k], r.cachedListeners))

	r.byKey[k] = upsert(r.byKey[k], l, kind, lite)
	if lite {
		r.standardByKey[k] = removeListener(r.standardByKey[k], l)
		if len(r.standardByKey[k]) == 0 {
			delete(r.standardByKey, k)
		}
	} else {
		r.standardByKey[k] = upsert(r.standardByKey[k], l, kind, lite)
	}

	// Adding the identical single key-listener to a new key while the plan
	// is already KeyListener keeps the plan, per spec §3's invariant list.
	if preserveKeyListener && sameListenersAs(r.byKey[k], r.cachedListeners) {
		return
	}
	r.plan = planNone
	r.cachedListeners = nil
}

// RemoveGlobal removes l from filter's registrations. No-op if absent.
func (r *ListenerRegistry) RemoveGlobal(l Listener, filter Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.global[filter] = removeListener(r.global[filter], l)
	if len(r.global[filter]) == 0 {
		delete(r.global, filter)
	}
	r.standardGlobal[filter] = removeListener(r.standardGlobal[filter], l)
	if len(r.standardGlobal[filter]) == 0 {
		delete(r.standardGlobal, filter)
	}
	r.plan = planNone
	r.cachedListeners = nil
}

// RemoveKey removes l from key's registrations. No-op if absent.
func (r *ListenerRegistry) RemoveKey(l Listener, key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := string(key)

	// Removing a key while the cached single-listener still owns other
	// keys keeps the KeyListener plan (spec §3).
	preserve := r.plan == planKeyListener && len(r.global) == 0

	r.byKey[k] = removeListener(r.byKey[k], l)
	if len(r.byKey[k]) == 0 {
		delete(r.byKey, k)
	}
	r.standardByKey[k] = removeListener(r.standardByKey[k], l)
	if len(r.standardByKey[k]) == 0 {
		delete(r.standardByKey, k)
	}

	if preserve && r.allKeyListenerSetsEqual() {
		return
	}
	r.plan = planNone
	r.cachedListeners = nil
}

// IsEmpty reports whether the registry holds no registrations at all.
func (r *ListenerRegistry) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.global) == 0 && len(r.byKey) == 0
}

// IsEmptyFilter reports whether filter has no registrations.
func (r *ListenerRegistry) IsEmptyFilter(filter Filter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.global[filter]) == 0
}

// IsEmptyKey reports whether key has no registrations.
func (r *ListenerRegistry) IsEmptyKey(key []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey[string(key)]) == 0
}

// ContainsStandardFilter reports whether filter has at least one non-lite
// listener.
func (r *ListenerRegistry) ContainsStandardFilter(filter Filter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.standardGlobal[filter]) > 0
}

// ContainsStandardKey reports whether key has at least one non-lite
// listener.
func (r *ListenerRegistry) ContainsStandardKey(key []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.standardByKey[string(key)]) > 0
}

// Collect implements the dispatch-plan algorithm of spec §4.A. Every call,
// including the fast paths (NoListeners, AllListener, KeyListener), takes
// mu; the fast paths are not lock-free (see recomputeLocked's doc comment).
// A None plan is recomputed first, under the same lock.
func (r *ListenerRegistry) Collect(e *CacheEvent) ListenerSet {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plan == planNone {
		r.recomputeLocked() // never leaves the plan at None
	}

	switch r.plan {
	case planNoListeners:
		return nil
	case planAllListener:
		return r.cachedListeners
	case planKeyListener:
		if _, ok := r.byKey[string(e.Key)]; ok {
			return r.cachedListeners
		}
		return nil
	default: // planNoOptimize
		return r.collectNoOptimize(e)
	}
}

// recomputeLocked must be called with mu held. It implements the
// OptimizationPlan lifecycle transitions of spec §3: NoListeners when both
// maps are empty, AllListener when there is exactly one global entry under
// a nil filter and no key entries, KeyListener when there are no global
// entries and every key-listener set is element-wise equal, NoOptimize
// otherwise.
//
// A note on "lock-free fast paths": spec §5 describes Collect's fast paths
// as lock-free reads of the cached plan+set pair. This implementation
// takes the lock on every call for correctness simplicity (the invariant
// that matters - a reader never observes a torn plan/set pair - holds
// either way), and the lock is uncontended in the common case since no
// writer is active. Making the read path literally lock-free would need
// an atomic.Value holding an immutable (plan, set) struct swapped on every
// write; left as straightforward future work, not a behavioral difference.
func (r *ListenerRegistry) recomputeLocked() {
	switch {
	case len(r.global) == 0 && len(r.byKey) == 0:
		r.plan = planNoListeners
		r.cachedListeners = nil
	case len(r.byKey) == 0 && len(r.global) == 1:
		if regs, ok := r.global[nil]; ok {
			r.plan = planAllListener
			r.cachedListeners = append(ListenerSet(nil), regs...)
			return
		}
		r.plan = planNoOptimize
	case len(r.global) == 0 && r.allKeyListenerSetsEqual():
		r.plan = planKeyListener
		for _, regs := range r.byKey {
			r.cachedListeners = append(ListenerSet(nil), regs...)
			break
		}
	default:
		r.plan = planNoOptimize
		r.cachedListeners = nil
	}
}

func (r *ListenerRegistry) allKeyListenerSetsEqual() bool {
	if len(r.byKey) == 0 {
		return false
	}
	var first []registration
	for _, regs := range r.byKey {
		if first == nil {
			first = regs
			continue
		}
		if !sameListeners(first, regs) {
			return false
		}
	}
	return true
}

// collectNoOptimize is the general-purpose path: union filter matches
// (either from the event's attached filter ids, or by evaluating every
// registered filter), plus key-scoped listeners unless the event is
// Transformed, per spec §4.A step 3 and §3's CacheEvent.Transformed rule.
func (r *ListenerRegistry) collectNoOptimize(e *CacheEvent) ListenerSet {
	var out ListenerSet
	seen := make(map[Listener]bool)

	add := func(regs []registration) {
		for _, reg := range regs {
			if seen[reg.listener] {
				continue
			}
			seen[reg.listener] = true
			out = append(out, reg)
		}
	}

	if len(e.FilterIDs) > 0 {
		var matched []Filter
		for _, id := range e.FilterIDs {
			f, _ := r.filterIDs.Lookup(id).(Filter)
			if f == nil {
				continue
			}
			matched = append(matched, f)
			add(r.global[f])
		}
		e.MatchedFilters = matched
	} else {
		var matched []Filter
		for f, regs := range r.global {
			if f == nil {
				continue
			}
			if f.Evaluate(e) {
				matched = append(matched, f)
				add(regs)
			}
		}
		if regs, ok := r.global[nil]; ok {
			add(regs)
		}
		e.MatchedFilters = matched
	}

	if e.TransformState != TransformTransformed {
		add(r.byKey[string(e.Key)])
	}

	// An event transformer filter does not receive a NonTransformable
	// event (spec §4.A).
	if e.TransformState == TransformNonTransformable {
		out = filterOutTransformers(out)
	}

	return out
}

func filterOutTransformers(in ListenerSet) ListenerSet {
	var out ListenerSet
	for _, reg := range in {
		if reg.kind == ListenerTransformer {
			continue
		}
		out = append(out, reg)
	}
	return out
}

func upsert(regs []registration, l Listener, kind ListenerKind, lite bool) []registration {
	for i, r := range regs {
		if r.listener == l {
			regs[i] = registration{listener: l, kind: kind, lite: lite}
			return regs
		}
	}
	return append(regs, registration{listener: l, kind: kind, lite: lite})
}

func removeListener(regs []registration, l Listener) []registration {
	for i, r := range regs {
		if r.listener == l {
			out := append(regs[:i:i], regs[i+1:]...)
			return out
		}
	}
	return regs
}

func sameListeners(a, b []registration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].listener != b[i].listener {
			return false
		}
	}
	return true
}

func sameListenersAs(regs []registration, set ListenerSet) bool {
	return sameListeners(regs, []registration(set))
}

// invalidateUnlessPreserved resets the cached plan. A global add/remove
// never preserves the AllListener/KeyListener shape implicitly - per spec
// §3 those two plans are only ever re-entered by a fresh recompute, so a
// global mutation always falls back to None and lets the next Collect
// recompute from scratch. The want parameter documents which plan a caller
// site is mutating around, for readability at call sites.
func (r *ListenerRegistry) invalidateUnlessPreserved(want optimizationPlan) {
	_ = want
	r.plan = planNone
	r.cachedListeners = nil
}
