package xcache

import (
	"context"
	"strings"
	"testing"
)

func TestBinaryCachePutGetRemove(t *testing.T) {
	bc, _ := newTestBinaryCache("c1", newMemCacheHandler())
	ctx := context.Background()

	if _, had, err := bc.Put(ctx, []byte("k"), []byte("v"), TTLDefault, true); err != nil || had {
		t.Fatalf("Put: had=%v err=%v", had, err)
	}

	v, found, err := bc.Get(ctx, []byte("k"))
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("Get = (%q, %v, %v), want (v, true, nil)", v, found, err)
	}

	old, had, err := bc.Remove(ctx, []byte("k"), true)
	if err != nil || !had || string(old) != "v" {
		t.Fatalf("Remove = (%q, %v, %v), want (v, true, nil)", old, had, err)
	}

	if _, found, err := bc.Get(ctx, []byte("k")); err != nil || found {
		t.Fatalf("Get after Remove: found=%v err=%v", found, err)
	}
}

func TestBinaryCacheSizeIsEmptyClear(t *testing.T) {
	bc, _ := newTestBinaryCache("c1", newMemCacheHandler())
	ctx := context.Background()

	empty, err := bc.IsEmpty(ctx)
	if err != nil || !empty {
		t.Fatalf("IsEmpty = (%v, %v), want (true, nil)", empty, err)
	}

	bc.Put(ctx, []byte("a"), []byte("1"), TTLDefault, false)
	bc.Put(ctx, []byte("b"), []byte("2"), TTLDefault, false)

	size, err := bc.Size(ctx)
	if err != nil || size != 2 {
		t.Fatalf("Size = (%d, %v), want (2, nil)", size, err)
	}

	if err := bc.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if size, _ := bc.Size(ctx); size != 0 {
		t.Errorf("Size after Clear = %d, want 0", size)
	}
}

func TestBinaryCachePutAllCompressesLargeBatch(t *testing.T) {
	m := newMemCacheHandler()
	c := defaultCfg()
	c.compression = CompressionSnappy
	ch := newFakeChannel("c1", m.handle)
	d := NewEventDispatcher(c.logger, false)
	bc := NewBinaryCache("c1", ch, &c, protocolVersionLegacyMax+1, d)
	ch.receiver = bc

	entries := make(map[string][]byte, 64)
	for i := 0; i < 64; i++ {
		entries[strings.Repeat("k", i+1)] = []byte(strings.Repeat("v", 64))
	}

	if err := bc.PutAll(context.Background(), entries); err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	if len(m.data) != len(entries) {
		t.Fatalf("server received %d entries, want %d", len(m.data), len(entries))
	}
}

func TestBinaryCacheTruncateUnsupportedByLegacyProxy(t *testing.T) {
	m := newMemCacheHandler()
	c := defaultCfg()
	ch := newFakeChannel("c1", m.handle)
	d := NewEventDispatcher(c.logger, false)
	bc := NewBinaryCache("c1", ch, &c, protocolVersionLegacyMax, d)
	ch.receiver = bc

	if err := bc.Truncate(context.Background()); err != ErrUnsupportedByProxy {
		t.Errorf("Truncate on legacy proxy = %v, want ErrUnsupportedByProxy", err)
	}
}

func TestBinaryCacheLockRejectsWildcard(t *testing.T) {
	bc, _ := newTestBinaryCache("c1", newMemCacheHandler())
	if _, err := bc.Lock(context.Background(), nil, 0); err != ErrWildcardLock {
		t.Errorf("Lock(nil) = %v, want ErrWildcardLock", err)
	}
}

func TestBinaryCacheRequestAfterChannelClosed(t *testing.T) {
	bc, ch := newTestBinaryCache("c1", newMemCacheHandler())
	ch.Close()

	if _, _, err := bc.Get(context.Background(), []byte("k")); err != ErrChannelClosed {
		t.Errorf("Get after channel closed = %v, want ErrChannelClosed", err)
	}
	if bc.IsActive() {
		t.Errorf("IsActive after channel closed = true, want false")
	}
}

func TestBinaryCacheListenerAddFilterDeduplicatesServerSubscribe(t *testing.T) {
	m := newMemCacheHandler()
	bc, _ := newTestBinaryCache("c1", m)
	ctx := context.Background()

	l1 := &recordingListener{name: "l1"}
	l2 := &recordingListener{name: "l2"}

	if err := bc.ListenerAddFilter(ctx, l1, nil, ListenerStandard, false); err != nil {
		t.Fatalf("ListenerAddFilter(l1): %v", err)
	}
	if m.listenerFilter != 1 {
		t.Fatalf("listenerFilter subscribe count = %d, want 1", m.listenerFilter)
	}

	// A second listener on the same (nil) scope must not re-subscribe.
	if err := bc.ListenerAddFilter(ctx, l2, nil, ListenerStandard, false); err != nil {
		t.Fatalf("ListenerAddFilter(l2): %v", err)
	}
	if m.listenerFilter != 1 {
		t.Fatalf("listenerFilter subscribe count after second add = %d, want 1", m.listenerFilter)
	}

	// Removing l1 while l2 remains must not send an unsubscribe.
	if err := bc.ListenerRemoveFilter(ctx, l1, nil); err != nil {
		t.Fatalf("ListenerRemoveFilter(l1): %v", err)
	}
	if m.listenerFilter != 1 {
		t.Fatalf("listenerFilter subscribe count after partial remove = %d, want 1", m.listenerFilter)
	}

	// Removing the last listener for the scope must send exactly one
	// unsubscribe.
	if err := bc.ListenerRemoveFilter(ctx, l2, nil); err != nil {
		t.Fatalf("ListenerRemoveFilter(l2): %v", err)
	}
	if m.listenerFilter != 0 {
		t.Errorf("listenerFilter subscribe count after full remove = %d, want 0", m.listenerFilter)
	}
}

func TestBinaryCacheOnMessageDispatchesToListener(t *testing.T) {
	m := newMemCacheHandler()
	bc, ch := newTestBinaryCache("c1", m)
	ctx := context.Background()

	l := &recordingListener{}
	if err := bc.ListenerAddKey(ctx, l, []byte("k"), ListenerStandard, false); err != nil {
		t.Fatalf("ListenerAddKey: %v", err)
	}

	ch.deliverEvent(EventMessage{Type: EventUpdated, Key: []byte("k"), New: []byte("v2")})
	bc.dispatcher.Drain()

	if len(l.events) != 1 {
		t.Fatalf("listener received %d events, want 1", len(l.events))
	}
	if l.events[0].Kind != EventUpdated {
		t.Errorf("event kind = %v, want EventUpdated", l.events[0].Kind)
	}
}

func TestBinaryCacheOnChannelClosedNotifiesOwner(t *testing.T) {
	m := newMemCacheHandler()
	bc, ch := newTestBinaryCache("c1", m)

	handle := &NamedCacheHandle{name: "c1", cache: bc, active: 1}
	bc.owner = handle

	notified := false
	handle.AddDeactivationListener(deactivationFunc(func(name string) { notified = true }))

	ch.Close()

	if !notified {
		t.Errorf("closing the channel did not notify the owning handle's deactivation listeners")
	}
	if handle.IsActive() {
		t.Errorf("handle still reports active after its channel closed")
	}
}

type deactivationFunc func(name string)

func (f deactivationFunc) OnDeactivated(name string) { f(name) }
