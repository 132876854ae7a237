package xcache

import (
	"context"
	"sync"
)

// factoryMu is the process-wide factory lock. It is acquired inside the
// service instance lock (SafeService.mu), not before it, and is held only
// around the call that actually dials/handshakes a new connection, so two
// SafeServices restarting concurrently never race each other's connection
// setup. No code path takes SafeService.mu while holding factoryMu.
var factoryMu sync.Mutex

// wrapperState is SafeService's Initial/Started/Stopped state machine.
// SafeNamedCache keeps no state of its own; it goes through its
// SafeService.
type wrapperState int32

const (
	stateInitial wrapperState = iota
	stateStarted
	stateStopped
)

// ServiceFactory dials and hands back a freshly connected Service. Supplied
// by the caller, since the address-provider/name-service bootstrap that
// decides where to dial is an external concern (spec §6).
type ServiceFactory func(ctx context.Context) (*Service, error)

// SafeService is component H applied to a Service: application code always
// holds one of these rather than a bare *Service, so a dropped connection
// is transparently replaced on the next call instead of surfacing as a
// permanent failure.
type SafeService struct {
	factory ServiceFactory

	mu    sync.Mutex
	state wrapperState
	inner *Service
}

// NewSafeService wraps factory. The first call to EnsureCache (or any other
// operation) performs the initial connect; construction itself never dials.
func NewSafeService(factory ServiceFactory) *SafeService {
	return &SafeService{factory: factory}
}

// ensureRunning returns the live inner Service, restarting it if this is
// the first call or if the previous one was torn down. drain, when true,
// blocks until the outgoing service's event dispatcher has delivered every
// already-queued event before the replacement takes over, so a restart
// triggered mid-delivery never drops an event the caller was already
// waiting on (spec §5's restart note).
func (s *SafeService) ensureRunning(ctx context.Context, drain bool) (*Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateStopped {
		return nil, ErrExplicitlyStopped
	}
	if s.state == stateStarted && s.inner != nil {
		if s.inner.IsRunning() {
			return s.inner, nil
		}
		s.inner.logf(LogLevelWarn, "service connection no longer running, restarting")
	}
	return s.restartLocked(ctx, drain)
}

// restartLocked must be called with s.mu held. factoryMu is acquired only
// here, inside the already-held service instance lock, so the two are
// always taken in the same order.
func (s *SafeService) restartLocked(ctx context.Context, drain bool) (*Service, error) {
	if drain && s.inner != nil {
		s.inner.dispatcher.Drain()
	}

	factoryMu.Lock()
	svc, err := s.factory(ctx)
	factoryMu.Unlock()
	if err != nil {
		return nil, err
	}

	s.inner = svc
	s.state = stateStarted
	return svc, nil
}

// restart reconnects immediately, even if the current inner Service still
// looks alive, e.g. after a caller observes repeated request failures that
// IsActive doesn't yet reflect, and returns the new Service.
func (s *SafeService) restart(ctx context.Context, drain bool) (*Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateStopped {
		return nil, ErrExplicitlyStopped
	}
	return s.restartLocked(ctx, drain)
}

// EnsureCache returns a SafeNamedCache for name, connecting the service
// first if necessary.
func (s *SafeService) EnsureCache(ctx context.Context, name string) (*SafeNamedCache, error) {
	svc, err := s.ensureRunning(ctx, false)
	if err != nil {
		return nil, err
	}
	handle, err := svc.EnsureCache(ctx, name)
	if err != nil {
		return nil, err
	}
	return &SafeNamedCache{service: s, name: name, handle: handle}, nil
}

// converters returns the ConverterPair of the currently running inner
// service, connecting it first if necessary.
func (s *SafeService) converters(ctx context.Context) (*ConverterPair, error) {
	svc, err := s.ensureRunning(ctx, false)
	if err != nil {
		return nil, err
	}
	return svc.Converters(), nil
}

// releaseCache forwards to the currently running inner service, if any.
func (s *SafeService) releaseCache(name string) error {
	s.mu.Lock()
	svc := s.inner
	s.mu.Unlock()
	if svc == nil {
		return nil
	}
	return svc.ReleaseCache(name)
}

// Stop permanently stops this wrapper: every cache is released and the
// dispatcher is shut down. Subsequent operations return ErrExplicitlyStopped
// rather than attempting to reconnect.
func (s *SafeService) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateStopped {
		return
	}
	s.state = stateStopped
	if s.inner != nil {
		s.inner.ReleaseAll(ctx)
	}
}

// SafeNamedCache is component H applied to a single named cache: it holds
// onto the most recently ensured NamedCacheHandle and transparently
// re-ensures the cache (which may itself trigger a service reconnect)
// whenever the handle is found inactive.
type SafeNamedCache struct {
	service *SafeService
	name    string

	mu     sync.Mutex
	handle *NamedCacheHandle
}

// ensureHandle returns a live handle, re-ensuring through the owning
// SafeService if the cached one has gone inactive.
func (sc *SafeNamedCache) ensureHandle(ctx context.Context) (*NamedCacheHandle, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.handle != nil && sc.handle.IsActive() {
		return sc.handle, nil
	}

	svc, err := sc.service.ensureRunning(ctx, false)
	if err != nil {
		return nil, err
	}
	handle, err := svc.EnsureCache(ctx, sc.name)
	if err != nil {
		return nil, err
	}
	sc.handle = handle
	return handle, nil
}

// Handle returns the current live handle, reconnecting if necessary.
func (sc *SafeNamedCache) Handle(ctx context.Context) (*NamedCacheHandle, error) {
	return sc.ensureHandle(ctx)
}

// Release detaches this cache from its owning service without notifying
// deactivation listeners (Service.ReleaseCache's contract).
func (sc *SafeNamedCache) Release() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.handle = nil
	return sc.service.releaseCache(sc.name)
}

// Typed returns a NamedCache[K, V] view over sc, reconnecting first if
// necessary. It is a package-level function rather than a method because
// Go methods cannot carry their own type parameters independent of the
// receiver's.
func Typed[K, V any](ctx context.Context, sc *SafeNamedCache) (*NamedCache[K, V], error) {
	handle, err := sc.ensureHandle(ctx)
	if err != nil {
		return nil, err
	}
	converters, err := sc.service.converters(ctx)
	if err != nil {
		return nil, err
	}
	return newNamedCache[K, V](handle, converters), nil
}
