package xcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// lockDeprecatedWarned is the process-wide compare-and-set flag from the
// design note in spec §9 ("Global per-process 'lock deprecated warned'
// flag. Replace by an atomic boolean guarded by a compare-and-set to emit
// the warning once"). It is intentionally package-level, not per-cache:
// the warning is about the deprecated API surface, not about any one
// cache instance.
var lockDeprecatedWarned int32

// InKeySetFilter is implemented by filters that restrict events/queries to
// a known key set, the case spec §4.E gates priming+lite support on for
// proxies at protocol version <= 5.
type InKeySetFilter interface {
	Filter
	Keys() [][]byte
}

type subState struct {
	sent bool
	lite bool
}

// BinaryCache is component E: the binary-level cache client speaking the
// wire protocol over a Channel. It owns a ListenerRegistry and
// FilterIDTable exclusively (spec §3 Ownership) and holds a weak upward
// reference to its NamedCacheHandle, used only to notify the handle when
// the channel closes (OnChannelClosed), so nothing below the handle holds
// the converters or the service.
type BinaryCache struct {
	name    string
	channel Channel
	cfg     *cfg

	protocolVersion ProtocolVersion

	listeners  *ListenerRegistry
	filterIDs  *FilterIDTable
	dispatcher *EventDispatcher

	owner *NamedCacheHandle // weak: channel-closed notification only

	subMu       sync.Mutex
	filterSubs  map[Filter]subState
	filterToID  map[Filter]int64
	keySubs     map[string]subState

	closed int32
}

// NewBinaryCache wraps channel as a binary cache named name. dispatcher is
// shared with every other BinaryCache belonging to the same service (spec
// §5: "one event-dispatcher thread per service").
func NewBinaryCache(name string, channel Channel, c *cfg, protocolVersion ProtocolVersion, dispatcher *EventDispatcher) *BinaryCache {
	filterIDs := NewFilterIDTable()
	return &BinaryCache{
		name:            name,
		channel:         channel,
		cfg:             c,
		protocolVersion: protocolVersion,
		listeners:       NewListenerRegistry(filterIDs),
		filterIDs:       filterIDs,
		dispatcher:      dispatcher,
		filterSubs:      make(map[Filter]subState),
		filterToID:      make(map[Filter]int64),
		keySubs:         make(map[string]subState),
	}
}

// IsActive reports whether the underlying channel is open (spec §3: "Active
// while the underlying channel is open").
func (bc *BinaryCache) IsActive() bool {
	return atomic.LoadInt32(&bc.closed) == 0 && bc.channel != nil && bc.channel.IsOpen()
}

// bind attaches ch as this cache's channel, called once by EnsureCache after
// the channel has been opened with bc itself as the Receiver (the cache must
// exist, to be handed to Connection.OpenChannel, before it has a channel to
// hold).
func (bc *BinaryCache) bind(ch Channel) {
	bc.channel = ch
	atomic.StoreInt32(&bc.closed, 0)
}

func (bc *BinaryCache) logf(level LogLevel, msg string, keyvals ...interface{}) {
	if bc.cfg == nil || bc.cfg.logger == nil {
		return
	}
	keyvals = append([]interface{}{"cache", bc.name}, keyvals...)
	bc.cfg.logger.Log(level, msg, keyvals...)
}

func (bc *BinaryCache) do(ctx context.Context, kind MessageKind, body interface{}) (interface{}, error) {
	if !bc.IsActive() {
		return nil, ErrChannelClosed
	}
	if bc.cfg != nil {
		logDebugDump(bc.cfg.logger, "request", body)
		if bc.cfg.requestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, bc.cfg.requestTimeout)
			defer cancel()
		}
	}
	start := time.Now()
	respMsg, err := bc.channel.Request(ctx, newEnvelope(kind, body))
	if bc.cfg != nil {
		bc.cfg.hooks.each(func(h Hook) {
			if rh, ok := h.(RequestHook); ok {
				rh.OnRequest(kind, time.Since(start), err)
			}
		})
	}
	if err != nil {
		return nil, fmt.Errorf("xcache: request kind %d: %w", kind, err)
	}
	env, ok := respMsg.(envelope)
	if !ok || env.kind != kind {
		return nil, ErrUnexpectedMessageKind
	}
	if se, ok := env.body.(*ServerError); ok {
		return nil, se
	}
	if bc.cfg != nil {
		logDebugDump(bc.cfg.logger, "response", env.body)
	}
	return env.body, nil
}

// Get returns the value for key, or found=false if absent.
func (bc *BinaryCache) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	body, err := bc.do(ctx, KindGet, GetRequest{Key: key})
	if err != nil {
		return nil, false, err
	}
	resp := body.(GetResponse)
	return resp.Value, resp.Found, nil
}

// GetAll returns the subset of keys present in the cache.
func (bc *BinaryCache) GetAll(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	body, err := bc.do(ctx, KindGetAll, GetAllRequest{Keys: keys})
	if err != nil {
		return nil, err
	}
	return body.(GetAllResponse).Entries, nil
}

func (bc *BinaryCache) ContainsKey(ctx context.Context, key []byte) (bool, error) {
	body, err := bc.do(ctx, KindContainsKey, ContainsKeyRequest{Key: key})
	if err != nil {
		return false, err
	}
	return body.(ContainsKeyResponse).Contains, nil
}

func (bc *BinaryCache) ContainsValue(ctx context.Context, value []byte) (bool, error) {
	body, err := bc.do(ctx, KindContainsValue, ContainsValueRequest{Value: value})
	if err != nil {
		return false, err
	}
	return body.(ContainsValueResponse).Contains, nil
}

func (bc *BinaryCache) ContainsAll(ctx context.Context, keys [][]byte) (bool, error) {
	body, err := bc.do(ctx, KindContainsAll, ContainsAllRequest{Keys: keys})
	if err != nil {
		return false, err
	}
	return body.(ContainsAllResponse).Contains, nil
}

func (bc *BinaryCache) Size(ctx context.Context) (int, error) {
	body, err := bc.do(ctx, KindSize, SizeRequest{})
	if err != nil {
		return 0, err
	}
	return body.(SizeResponse).Size, nil
}

func (bc *BinaryCache) IsEmpty(ctx context.Context) (bool, error) {
	body, err := bc.do(ctx, KindIsEmpty, IsEmptyRequest{})
	if err != nil {
		return false, err
	}
	return body.(IsEmptyResponse).Empty, nil
}

// Put stores value under key. ttlMillis follows the sentinel convention in
// spec §4.E: TTLDefault (0) for the cache's configured default,
// TTLNeverExpire (-1) to never expire, positive for an explicit TTL in
// milliseconds. An unsupported negative TTL is propagated as a server
// error with no client-side fallback.
func (bc *BinaryCache) Put(ctx context.Context, key, value []byte, ttlMillis int64, returnOld bool) ([]byte, bool, error) {
	body, err := bc.do(ctx, KindPut, PutRequest{Key: key, Value: value, TTLMillis: ttlMillis, ReturnOld: returnOld})
	if err != nil {
		return nil, false, err
	}
	resp := body.(PutResponse)
	return resp.OldValue, resp.HadOld, nil
}

// PutAll stores entries in bulk, transparently compressing the batch when
// it is large enough and a codec is configured (see codec.go). The batch is
// flattened into a single blob via encodeEntries before compress() sees it,
// since compress operates on one []byte rather than a map.
func (bc *BinaryCache) PutAll(ctx context.Context, entries map[string][]byte) error {
	req := PutAllRequest{Entries: entries}
	if bc.cfg.compression != CompressionNone {
		flat := encodeEntries(entries)
		compressed, applied, err := maybeCompress(bc.cfg.compression, flat)
		if err != nil {
			return fmt.Errorf("xcache: compress PutAll batch: %w", err)
		}
		if applied {
			req = PutAllRequest{Compressed: compressed, Codec: bc.cfg.compression}
		}
	}
	_, err := bc.do(ctx, KindPutAll, req)
	return err
}

func (bc *BinaryCache) Remove(ctx context.Context, key []byte, returnOld bool) ([]byte, bool, error) {
	body, err := bc.do(ctx, KindRemove, RemoveRequest{Key: key, ReturnOld: returnOld})
	if err != nil {
		return nil, false, err
	}
	resp := body.(RemoveResponse)
	return resp.OldValue, resp.HadOld, nil
}

func (bc *BinaryCache) RemoveAll(ctx context.Context, keys [][]byte) error {
	_, err := bc.do(ctx, KindRemoveAll, RemoveAllRequest{Keys: keys})
	return err
}

func (bc *BinaryCache) Clear(ctx context.Context) error {
	_, err := bc.do(ctx, KindClear, ClearRequest{})
	return err
}

// Truncate removes every entry without generating events. Spec §4.E: it
// MUST fail locally, without any wire traffic, when the negotiated
// protocol version is <= 5.
func (bc *BinaryCache) Truncate(ctx context.Context) error {
	if !bc.protocolVersion.supportsTruncate() {
		return ErrUnsupportedByProxy
	}
	_, err := bc.do(ctx, KindTruncate, TruncateRequest{})
	return err
}

func (bc *BinaryCache) Invoke(ctx context.Context, key, processor []byte) ([]byte, error) {
	body, err := bc.do(ctx, KindInvoke, InvokeRequest{Key: key, Processor: processor})
	if err != nil {
		return nil, err
	}
	return body.(InvokeResponse).Result, nil
}

func (bc *BinaryCache) InvokeAllKeys(ctx context.Context, keys [][]byte, processor []byte) (map[string][]byte, error) {
	body, err := bc.do(ctx, KindInvokeAllKeys, InvokeAllKeysRequest{Keys: keys, Processor: processor})
	if err != nil {
		return nil, err
	}
	return body.(InvokeAllResponse).Results, nil
}

func (bc *BinaryCache) InvokeAllFilter(ctx context.Context, filter, processor []byte) (map[string][]byte, error) {
	body, err := bc.do(ctx, KindInvokeAllFilter, InvokeAllFilterRequest{Filter: filter, Processor: processor})
	if err != nil {
		return nil, err
	}
	return body.(InvokeAllResponse).Results, nil
}

func (bc *BinaryCache) AggregateKeys(ctx context.Context, keys [][]byte, aggregator []byte) ([]byte, error) {
	body, err := bc.do(ctx, KindAggregateKeys, AggregateKeysRequest{Keys: keys, Aggregator: aggregator})
	if err != nil {
		return nil, err
	}
	return body.(AggregateResponse).Result, nil
}

func (bc *BinaryCache) AggregateFilter(ctx context.Context, filter, aggregator []byte) ([]byte, error) {
	body, err := bc.do(ctx, KindAggregateFilter, AggregateFilterRequest{Filter: filter, Aggregator: aggregator})
	if err != nil {
		return nil, err
	}
	return body.(AggregateResponse).Result, nil
}

func (bc *BinaryCache) AddIndex(ctx context.Context, extractor []byte, ordered bool, comparator []byte) error {
	_, err := bc.do(ctx, KindAddIndex, AddIndexRequest{Extractor: extractor, Ordered: ordered, Comparator: comparator})
	return err
}

func (bc *BinaryCache) RemoveIndex(ctx context.Context, extractor []byte) error {
	_, err := bc.do(ctx, KindRemoveIndex, RemoveIndexRequest{Extractor: extractor})
	return err
}

// Lock is deprecated: it logs a one-shot process-wide warning on first use
// and forbids the wildcard "lock entire cache" key, represented by a nil
// key, entirely locally (spec §4.E).
func (bc *BinaryCache) Lock(ctx context.Context, key []byte, waitMillis int64) (bool, error) {
	if key == nil {
		return false, ErrWildcardLock
	}
	if atomic.CompareAndSwapInt32(&lockDeprecatedWarned, 0, 1) {
		bc.logf(LogLevelWarn, "Lock/Unlock are deprecated and will be removed in a future release")
	}
	body, err := bc.do(ctx, KindLock, LockRequest{Key: key, WaitMillis: waitMillis})
	if err != nil {
		return false, err
	}
	return body.(LockResponse).Acquired, nil
}

func (bc *BinaryCache) Unlock(ctx context.Context, key []byte) (bool, error) {
	if key == nil {
		return false, ErrWildcardLock
	}
	body, err := bc.do(ctx, KindUnlock, UnlockRequest{Key: key})
	if err != nil {
		return false, err
	}
	return body.(UnlockResponse).Released, nil
}

// Query sends one Query round trip; it is the QueryFunc the Paged Query
// Engine (query.go) drives in its cookie/anchor loop.
func (bc *BinaryCache) Query(ctx context.Context, filterBinary []byte, keysOnly bool, cookie, filterCookie []byte) (*QueryResponse, error) {
	body, err := bc.do(ctx, KindQuery, QueryRequest{Filter: filterBinary, KeysOnly: keysOnly, Cookie: cookie, FilterCookie: filterCookie})
	if err != nil {
		return nil, err
	}
	resp := body.(QueryResponse)
	return &resp, nil
}

func (bc *BinaryCache) GetKeysPage(ctx context.Context, cookie []byte) (keys [][]byte, nextCookie []byte, err error) {
	body, err := bc.do(ctx, KindGetKeysPage, GetKeysPageRequest{Cookie: cookie})
	if err != nil {
		return nil, nil, err
	}
	resp := body.(GetKeysPageResponse)
	return resp.Keys, resp.Cookie, nil
}

// --- listener registration: component E's de-duplicating server-subscribe logic ---

func desiredSubLite(prevState subState, existed bool, requestedLite bool) (send bool, sendLite bool) {
	switch {
	case !existed:
		return true, requestedLite
	case prevState.lite && !requestedLite:
		return true, false // upgrade
	default:
		return false, prevState.lite
	}
}

// ListenerAddFilter registers l against filter (nil filter means "matches
// all"). It de-duplicates the server subscription per spec §4.E: a first
// registration for the scope sends one add; a same-liteness re-add sends
// nothing; upgrading lite to standard sends one more add; priming
// listeners always send regardless of existing state.
func (bc *BinaryCache) ListenerAddFilter(ctx context.Context, l Listener, filter Filter, kind ListenerKind, lite bool) error {
	if kind == ListenerPriming && lite {
		if _, ok := filter.(InKeySetFilter); ok && !bc.protocolVersion.supportsLitePriming() {
			return ErrUnsupportedByProxy
		}
	}

	bc.subMu.Lock()
	defer bc.subMu.Unlock()

	prev, existed := bc.filterSubs[filter]
	send, sendLite := desiredSubLite(prev, existed, lite)
	priming := kind == ListenerPriming
	if priming {
		send = true
		sendLite = lite
	}

	var filterID int64
	if existed {
		filterID = bc.filterToID[filter]
	} else {
		filterID = bc.filterIDs.Register(filter)
	}

	if send {
		_, err := bc.do(ctx, KindListenerFilter, ListenerFilterRequest{
			Filter: nil, FilterID: filterID, Add: true, Lite: sendLite, Priming: priming,
		})
		if err != nil {
			if !existed {
				bc.filterIDs.Unregister(filterID)
			}
			return err
		}
	}

	bc.listeners.AddGlobal(l, filter, kind, lite)
	bc.filterToID[filter] = filterID
	bc.filterSubs[filter] = subState{sent: true, lite: sendLite}
	return nil
}

// ListenerRemoveFilter removes l from filter's registrations. Per spec
// §4.E, a server remove is only sent once the scope becomes completely
// empty. A partial removal sends nothing, even when the listeners left
// are all lite: the server subscription keeps its current liteness.
func (bc *BinaryCache) ListenerRemoveFilter(ctx context.Context, l Listener, filter Filter) error {
	bc.subMu.Lock()
	defer bc.subMu.Unlock()

	bc.listeners.RemoveGlobal(l, filter)

	if !bc.listeners.IsEmptyFilter(filter) {
		return nil
	}
	state, existed := bc.filterSubs[filter]
	if !existed {
		return nil
	}

	filterID := bc.filterToID[filter]
	_, err := bc.do(ctx, KindListenerFilter, ListenerFilterRequest{
		FilterID: filterID, Add: false, Lite: state.lite,
	})
	if err != nil {
		return err
	}
	delete(bc.filterSubs, filter)
	delete(bc.filterToID, filter)
	bc.filterIDs.Unregister(filterID)
	return nil
}

// ListenerAddKey is ListenerAddFilter's key-scoped twin.
func (bc *BinaryCache) ListenerAddKey(ctx context.Context, l Listener, key []byte, kind ListenerKind, lite bool) error {
	bc.subMu.Lock()
	defer bc.subMu.Unlock()

	k := string(key)
	prev, existed := bc.keySubs[k]
	send, sendLite := desiredSubLite(prev, existed, lite)
	priming := kind == ListenerPriming
	if priming {
		send = true
		sendLite = lite
	}

	if send {
		_, err := bc.do(ctx, KindListenerKey, ListenerKeyRequest{Key: key, Add: true, Lite: sendLite, Priming: priming})
		if err != nil {
			return err
		}
	}

	bc.listeners.AddKey(l, key, kind, lite)
	bc.keySubs[k] = subState{sent: true, lite: sendLite}
	return nil
}

func (bc *BinaryCache) ListenerRemoveKey(ctx context.Context, l Listener, key []byte) error {
	bc.subMu.Lock()
	defer bc.subMu.Unlock()

	bc.listeners.RemoveKey(l, key)

	if !bc.listeners.IsEmptyKey(key) {
		return nil
	}
	k := string(key)
	state, existed := bc.keySubs[k]
	if !existed {
		return nil
	}
	_, err := bc.do(ctx, KindListenerKey, ListenerKeyRequest{Key: key, Add: false, Lite: state.lite})
	if err != nil {
		return err
	}
	delete(bc.keySubs, k)
	return nil
}

// OnMessage implements Receiver for unsolicited event delivery (spec
// §4.E "Event reception"). It resolves applicable listeners via the
// registry, dispatching synchronous/priming ones inline and enqueuing the
// rest on the shared Event Dispatcher.
func (bc *BinaryCache) OnMessage(msg Message) {
	env, ok := msg.(envelope)
	if !ok || env.kind != KindEvent {
		bc.logf(LogLevelWarn, "dropping message of unexpected kind", "kind", msg.Kind())
		return
	}
	wire := env.body.(EventMessage)
	if bc.cfg != nil {
		logDebugDump(bc.cfg.logger, "event", wire)
	}

	e := &CacheEvent{
		Source:         bc,
		Kind:           wire.Type,
		Key:            wire.Key,
		OldValue:       wire.Old,
		NewValue:       wire.New,
		IsSynthetic:    wire.IsSynthetic,
		TransformState: wire.TransformState,
		IsPriming:      wire.IsPriming,
		FilterIDs:      wire.FilterIDs,
	}

	listeners := bc.listeners.Collect(e)
	if len(listeners) == 0 {
		bc.logf(LogLevelDebug, "orphaned event dropped, no matching listener")
		return
	}

	var inline, async ListenerSet
	for _, reg := range listeners {
		if reg.kind.synchronous() {
			inline = append(inline, reg)
		} else {
			async = append(async, reg)
		}
	}
	if len(inline) > 0 {
		bc.dispatcher.DispatchInline(e, inline)
	}
	if len(async) > 0 {
		bc.dispatcher.Enqueue(runnableCacheEvent{event: e, listeners: async})
	}
}

// OnChannelClosed marks this cache inactive. Ownership of reconnect logic
// lives in the Safe Wrapper (safe.go); this method only flips the local
// "active" bit and notifies the cache's owner for deactivation-listener
// delivery (facade.go).
func (bc *BinaryCache) OnChannelClosed(ch Channel) {
	atomic.StoreInt32(&bc.closed, 1)
	bc.logf(LogLevelInfo, "channel closed")
	if bc.owner != nil {
		bc.owner.onChannelClosed()
	}
}

var _ Receiver = (*BinaryCache)(nil)
