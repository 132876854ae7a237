package xcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// fakeConnection is a Connection double that routes the bootstrap
// protocol (EnsureCache/DestroyCache/LookupNameService) through an
// in-memory handler, and provisions one memCacheHandler per scoped cache
// name the first time a named-cache channel is opened against it.
type fakeConnection struct {
	mu         sync.Mutex
	caches     map[string]*memCacheHandler
	destroyed  map[string]bool
	bootOpens  int
	lastBootCh *fakeChannel
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{caches: make(map[string]*memCacheHandler), destroyed: make(map[string]bool)}
}

func (c *fakeConnection) OpenChannel(ctx context.Context, protocolID int32, serviceName string, receiver Receiver, principal *Principal) (Channel, error) {
	if protocolID == protocolIDCacheService {
		ch := newFakeChannel(serviceName, c.bootstrapHandle)
		ch.receiver = receiver

		c.mu.Lock()
		c.bootOpens++
		c.lastBootCh = ch
		c.mu.Unlock()

		return ch, nil
	}
	c.mu.Lock()
	h, ok := c.caches[serviceName]
	if !ok {
		h = newMemCacheHandler()
		c.caches[serviceName] = h
	}
	c.mu.Unlock()

	ch := newFakeChannel(serviceName, h.handle)
	ch.receiver = receiver
	return ch, nil
}

func (c *fakeConnection) bootstrapHandle(kind MessageKind, body interface{}) (interface{}, error) {
	switch kind {
	case KindEnsureCache:
		req := body.(EnsureCacheRequest)
		return EnsureCacheResponse{ChannelURI: req.Name}, nil
	case KindDestroyCache:
		req := body.(DestroyCacheRequest)
		c.mu.Lock()
		delete(c.caches, req.Name)
		c.destroyed[req.Name] = true
		c.mu.Unlock()
		return DestroyCacheResponse{}, nil
	case KindLookupNameService:
		req := body.(LookupNameServiceRequest)
		return LookupNameServiceResponse{Endpoints: []string{req.ClusterName + "/" + req.ServiceName}}, nil
	default:
		return nil, fmt.Errorf("fakeConnection bootstrap: unhandled kind %d", kind)
	}
}

func newTestService(opts ...Opt) *Service {
	conn := newFakeConnection()
	return NewService(conn, stringSerializer{}, prefixDecorator{}, NewHashPartitionStrategy(31), protocolVersionLegacyMax+1, opts...)
}

func TestServiceEnsureCacheRoundTrips(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	handle, err := svc.EnsureCache(ctx, "orders")
	if err != nil {
		t.Fatalf("EnsureCache: %v", err)
	}
	if !handle.IsActive() {
		t.Fatalf("handle not active right after EnsureCache")
	}

	if _, _, err := handle.cache.Put(ctx, []byte("k"), []byte("v"), TTLDefault, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, found, err := handle.cache.Get(ctx, []byte("k"))
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("Get = (%q, %v, %v), want (v, true, nil)", v, found, err)
	}
}

func TestServiceEnsureCacheIsGetOrCreate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	h1, err := svc.EnsureCache(ctx, "orders")
	if err != nil {
		t.Fatalf("EnsureCache (1st): %v", err)
	}
	h2, err := svc.EnsureCache(ctx, "orders")
	if err != nil {
		t.Fatalf("EnsureCache (2nd): %v", err)
	}
	if h1 != h2 {
		t.Errorf("EnsureCache returned distinct handles for the same still-active cache")
	}
}

func TestServiceScopedNamesDoNotCollide(t *testing.T) {
	conn := newFakeConnection()
	svcA := NewService(conn, stringSerializer{}, prefixDecorator{}, NewHashPartitionStrategy(31), protocolVersionLegacyMax+1, WithScopeName("tenantA"))
	svcB := NewService(conn, stringSerializer{}, prefixDecorator{}, NewHashPartitionStrategy(31), protocolVersionLegacyMax+1, WithScopeName("tenantB"))
	ctx := context.Background()

	ha, err := svcA.EnsureCache(ctx, "orders")
	if err != nil {
		t.Fatalf("EnsureCache (A): %v", err)
	}
	hb, err := svcB.EnsureCache(ctx, "orders")
	if err != nil {
		t.Fatalf("EnsureCache (B): %v", err)
	}

	ha.cache.Put(ctx, []byte("k"), []byte("A-value"), TTLDefault, false)
	hb.cache.Put(ctx, []byte("k"), []byte("B-value"), TTLDefault, false)

	va, _, _ := ha.cache.Get(ctx, []byte("k"))
	vb, _, _ := hb.cache.Get(ctx, []byte("k"))
	if string(va) == string(vb) {
		t.Errorf("scoped caches with the same local name shared storage: %q == %q", va, vb)
	}
}

func TestServiceReleaseCacheDoesNotFireDeactivation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	handle, err := svc.EnsureCache(ctx, "orders")
	if err != nil {
		t.Fatalf("EnsureCache: %v", err)
	}
	fired := false
	handle.AddDeactivationListener(deactivationFunc(func(string) { fired = true }))

	if err := svc.ReleaseCache("orders"); err != nil {
		t.Fatalf("ReleaseCache: %v", err)
	}
	if fired {
		t.Errorf("ReleaseCache fired a deactivation listener; spec §9 says it must not")
	}
	if handle.IsActive() {
		t.Errorf("handle still active after ReleaseCache")
	}
}

func TestServiceDestroyCacheFiresDeactivation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	handle, err := svc.EnsureCache(ctx, "orders")
	if err != nil {
		t.Fatalf("EnsureCache: %v", err)
	}
	fired := false
	handle.AddDeactivationListener(deactivationFunc(func(string) { fired = true }))

	if err := svc.DestroyCache(ctx, "orders"); err != nil {
		t.Fatalf("DestroyCache: %v", err)
	}
	if !fired {
		t.Errorf("DestroyCache did not fire the deactivation listener")
	}
	if handle.IsActive() {
		t.Errorf("handle still active after DestroyCache")
	}
}

func TestServiceLookupNameService(t *testing.T) {
	svc := newTestService()
	endpoints, err := svc.LookupNameService(context.Background(), "cluster1", "MyService")
	if err != nil {
		t.Fatalf("LookupNameService: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0] != "cluster1/MyService" {
		t.Errorf("LookupNameService = %v, want [cluster1/MyService]", endpoints)
	}
}
