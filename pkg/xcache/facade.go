package xcache

import (
	"context"
	"sync"
	"sync/atomic"
)

// DeactivationListener is notified when a named cache stops being usable,
// either because its channel died or because the cache was explicitly
// destroyed server-side. Per the design note in spec §9 resolving the
// release-vs-destroy Open Question: ReleaseCache is a purely local teardown
// and does not fire these, since the caller asked for it and already knows.
type DeactivationListener interface {
	OnDeactivated(cacheName string)
}

// NamedCacheHandle is the per-cache record spec §4.G's ScopedStore holds:
// name, a weak reference back to the owning Service, the channel-backed
// BinaryCache, and the bookkeeping needed to answer is_active() and fan out
// deactivation notifications.
type NamedCacheHandle struct {
	name            string
	scopedName      string
	deferKeyAssoc   bool
	cache           *BinaryCache
	service         *Service // weak: only used for logging and re-ensure on restart

	mu                    sync.Mutex
	active                int32
	deactivationListeners []DeactivationListener
}

// IsActive reports whether this handle's cache still has a live channel.
func (h *NamedCacheHandle) IsActive() bool {
	return atomic.LoadInt32(&h.active) == 1 && h.cache.IsActive()
}

// AddDeactivationListener registers l. Idempotent per listener identity.
func (h *NamedCacheHandle) AddDeactivationListener(l DeactivationListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.deactivationListeners {
		if existing == l {
			return
		}
	}
	h.deactivationListeners = append(h.deactivationListeners, l)
}

// RemoveDeactivationListener unregisters l. No-op if absent.
func (h *NamedCacheHandle) RemoveDeactivationListener(l DeactivationListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.deactivationListeners {
		if existing == l {
			h.deactivationListeners = append(h.deactivationListeners[:i:i], h.deactivationListeners[i+1:]...)
			return
		}
	}
}

// onChannelClosed is called by BinaryCache.OnChannelClosed. It flips the
// handle inactive and fires deactivation listeners exactly once.
func (h *NamedCacheHandle) onChannelClosed() {
	if !atomic.CompareAndSwapInt32(&h.active, 1, 0) {
		return
	}
	h.notifyDeactivated()
}

// onDestroyed is called by Service.DestroyCache once the server has
// confirmed the cache no longer exists.
func (h *NamedCacheHandle) onDestroyed() {
	atomic.StoreInt32(&h.active, 0)
	h.notifyDeactivated()
}

func (h *NamedCacheHandle) notifyDeactivated() {
	h.mu.Lock()
	ls := append([]DeactivationListener(nil), h.deactivationListeners...)
	h.mu.Unlock()
	for _, l := range ls {
		l.OnDeactivated(h.name)
	}
}

// NamedCache is component F: the Converter Cache Façade. It is the object
// surface applications use; every method converts via the handle's
// ConverterPair and delegates the binary call to the underlying BinaryCache
// (component E), matching the layering in spec §4.F.
type NamedCache[K, V any] struct {
	handle     *NamedCacheHandle
	converters *ConverterPair
}

// newNamedCache wraps handle for K/V access. Unexported: applications obtain
// a NamedCache through Service.EnsureCache or the Safe Wrapper, never
// directly, so the handle and converters always originate from the same
// scoped store entry.
func newNamedCache[K, V any](handle *NamedCacheHandle, converters *ConverterPair) *NamedCache[K, V] {
	return &NamedCache[K, V]{handle: handle, converters: converters}
}

// Handle exposes the underlying NamedCacheHandle, e.g. to register a
// DeactivationListener or check IsActive without an operation round trip.
func (nc *NamedCache[K, V]) Handle() *NamedCacheHandle { return nc.handle }

func (nc *NamedCache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	kb, err := nc.converters.KeyToBinary(key)
	if err != nil {
		return zero, false, err
	}
	vb, found, err := nc.handle.cache.Get(ctx, kb)
	if err != nil || !found {
		return zero, found, err
	}
	v, err := nc.converters.BinaryToValue(vb)
	if err != nil {
		return zero, false, err
	}
	return v.(V), true, nil
}

func (nc *NamedCache[K, V]) GetAll(ctx context.Context, keys []K) (map[K]V, error) {
	binKeys := make([][]byte, len(keys))
	keysByBin := make(map[string]K, len(keys))
	for i, k := range keys {
		kb, err := nc.converters.KeyToBinary(k)
		if err != nil {
			return nil, err
		}
		binKeys[i] = kb
		keysByBin[string(nc.converters.BinaryToUndecorated(kb))] = k
	}

	entries, err := nc.handle.cache.GetAll(ctx, binKeys)
	if err != nil {
		return nil, err
	}

	out := make(map[K]V, len(entries))
	for kbStr, vb := range entries {
		k, ok := keysByBin[string(nc.converters.BinaryToUndecorated([]byte(kbStr)))]
		if !ok {
			continue
		}
		v, err := nc.converters.BinaryToValue(vb)
		if err != nil {
			return nil, err
		}
		out[k] = v.(V)
	}
	return out, nil
}

func (nc *NamedCache[K, V]) Put(ctx context.Context, key K, value V, ttlMillis int64) (V, bool, error) {
	var zero V
	kb, err := nc.converters.KeyToBinary(key)
	if err != nil {
		return zero, false, err
	}
	vb, err := nc.converters.ValueToBinary(value)
	if err != nil {
		return zero, false, err
	}
	oldB, hadOld, err := nc.handle.cache.Put(ctx, kb, vb, ttlMillis, true)
	if err != nil || !hadOld {
		return zero, hadOld, err
	}
	old, err := nc.converters.BinaryToValue(oldB)
	if err != nil {
		return zero, false, err
	}
	return old.(V), true, nil
}

func (nc *NamedCache[K, V]) PutAll(ctx context.Context, entries map[K]V) error {
	binEntries := make(map[string][]byte, len(entries))
	for k, v := range entries {
		kb, err := nc.converters.KeyToBinary(k)
		if err != nil {
			return err
		}
		vb, err := nc.converters.ValueToBinary(v)
		if err != nil {
			return err
		}
		binEntries[string(kb)] = vb
	}
	return nc.handle.cache.PutAll(ctx, binEntries)
}

func (nc *NamedCache[K, V]) Remove(ctx context.Context, key K) (V, bool, error) {
	var zero V
	kb, err := nc.converters.KeyToBinary(key)
	if err != nil {
		return zero, false, err
	}
	oldB, hadOld, err := nc.handle.cache.Remove(ctx, kb, true)
	if err != nil || !hadOld {
		return zero, hadOld, err
	}
	old, err := nc.converters.BinaryToValue(oldB)
	if err != nil {
		return zero, false, err
	}
	return old.(V), true, nil
}

func (nc *NamedCache[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	kb, err := nc.converters.KeyToBinary(key)
	if err != nil {
		return false, err
	}
	return nc.handle.cache.ContainsKey(ctx, kb)
}

func (nc *NamedCache[K, V]) Size(ctx context.Context) (int, error) {
	return nc.handle.cache.Size(ctx)
}

func (nc *NamedCache[K, V]) IsEmpty(ctx context.Context) (bool, error) {
	return nc.handle.cache.IsEmpty(ctx)
}

func (nc *NamedCache[K, V]) Clear(ctx context.Context) error {
	return nc.handle.cache.Clear(ctx)
}

func (nc *NamedCache[K, V]) Truncate(ctx context.Context) error {
	return nc.handle.cache.Truncate(ctx)
}

// typedListener adapts a Listener operating on binary CacheEvents to one
// that decodes keys/values to K/V before calling a caller-supplied handler.
// Decode errors are not logged and do not skip the handler: a key that
// fails to decode is passed as K's zero value, and an old/new value that
// fails to decode is passed as V's zero value with its ok flag false.
type typedListener[K, V any] struct {
	converters *ConverterPair
	onEvent    func(kind CacheEventKind, key K, old, new_ V, oldOK, newOK bool)
}

func (t *typedListener[K, V]) OnEvent(e *CacheEvent) {
	var zeroK K
	var zeroV V
	key := zeroK
	if kv, err := t.converters.BinaryToValue(t.converters.BinaryToUndecorated(e.Key)); err == nil {
		key = kv.(K)
	}
	old, oldOK := zeroV, false
	if len(e.OldValue) > 0 {
		if v, err := t.converters.BinaryToValue(e.OldValue); err == nil {
			old, oldOK = v.(V), true
		}
	}
	newV, newOK := zeroV, false
	if len(e.NewValue) > 0 {
		if v, err := t.converters.BinaryToValue(e.NewValue); err == nil {
			newV, newOK = v.(V), true
		}
	}
	t.onEvent(e.Kind, key, old, newV, oldOK, newOK)
}

// AddListener registers a standard, asynchronous, cache-wide listener.
func (nc *NamedCache[K, V]) AddListener(ctx context.Context, onEvent func(kind CacheEventKind, key K, old, new_ V, oldOK, newOK bool)) (Listener, error) {
	l := &typedListener[K, V]{converters: nc.converters, onEvent: onEvent}
	if err := nc.handle.cache.ListenerAddFilter(ctx, l, nil, ListenerStandard, false); err != nil {
		return nil, err
	}
	return l, nil
}

// RemoveListener unregisters a listener previously returned by AddListener.
func (nc *NamedCache[K, V]) RemoveListener(ctx context.Context, l Listener) error {
	return nc.handle.cache.ListenerRemoveFilter(ctx, l, nil)
}
