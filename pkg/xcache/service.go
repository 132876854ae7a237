package xcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol channel ids negotiated with the proxy. Like the type_id ordering
// in messages.go, the numeric values are this implementation's own choice;
// a real deployment negotiates them during the initial handshake (spec §6),
// which is an external concern by the time a Connection reaches this
// package.
const (
	protocolIDCacheService int32 = 11
	protocolIDNamedCache   int32 = 17
)

// serviceReceiver backs the persistent bootstrap channel used for
// EnsureCache/DestroyCache/LookupNameService round trips against the proxy
// service. It never receives unsolicited events, but OnChannelClosed marks
// the owning Service dead so SafeService.ensureRunning (safe.go) can detect
// the connection is gone and restart instead of handing back a corpse.
type serviceReceiver struct{ s *Service }

func (serviceReceiver) OnMessage(Message) {}

func (r serviceReceiver) OnChannelClosed(Channel) {
	atomic.StoreInt32(&r.s.dead, 1)
}

// Service is component G: the Remote Cache Service. It owns the scoped
// named-cache store and is the only thing that ever calls
// Connection.OpenChannel, per the lock-ordering note in spec §5 (process
// factory lock, then service instance lock, then named-cache store lock,
// then listener-registry lock - ListenerRegistry's own mu is always the
// innermost lock acquired).
type Service struct {
	cfg  cfg
	conn Connection

	serializer Serializer
	decorator  Decorator
	partitions PartitionStrategy

	dispatcher      *EventDispatcher
	protocolVersion ProtocolVersion

	mu    sync.Mutex
	store map[string]*NamedCacheHandle

	// chMu guards primaryCh, the persistent bootstrap channel every
	// EnsureCache/DestroyCache/LookupNameService call shares rather than
	// opening and closing a fresh one each time. dead flips once that
	// channel's I/O thread reports it closed, giving SafeService something
	// concrete to check instead of assuming a non-nil *Service is still
	// live (spec §4.H, §5 restart note).
	chMu      sync.Mutex
	primaryCh Channel
	dead      int32
}

// NewService builds a Service against conn, using serializer/decorator/
// partitions for every cache it ensures. protocolVersion is the value
// negotiated during the connection handshake (an external concern); it
// gates Truncate and lite-priming support (messages.go).
func NewService(conn Connection, serializer Serializer, decorator Decorator, partitions PartitionStrategy, protocolVersion ProtocolVersion, opts ...Opt) *Service {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	return &Service{
		cfg:             c,
		conn:            conn,
		serializer:      serializer,
		decorator:       decorator,
		partitions:      partitions,
		dispatcher:      NewEventDispatcher(c.logger, c.strictListenerDispatch),
		protocolVersion: protocolVersion,
		store:           make(map[string]*NamedCacheHandle),
	}
}

func (s *Service) scopedName(name string) string {
	if s.cfg.scopeName == "" {
		return name
	}
	return s.cfg.scopeName + ":" + name
}

func (s *Service) logf(level LogLevel, msg string, keyvals ...interface{}) {
	s.cfg.logger.Log(level, msg, keyvals...)
}

func (s *Service) fireConnectHook(name string, dt time.Duration, err error) {
	s.cfg.hooks.each(func(h Hook) {
		if ch, ok := h.(ChannelConnectHook); ok {
			ch.OnChannelConnect(name, dt, err)
		}
	})
}

func (s *Service) fireDisconnectHook(name string) {
	s.cfg.hooks.each(func(h Hook) {
		if ch, ok := h.(ChannelDisconnectHook); ok {
			ch.OnChannelDisconnect(name)
		}
	})
}

// channelPrincipal derives the per-channel token for serviceName from the
// configured Principal (auth.go) rather than handing the caller's raw
// shared secret to every channel opened, so a token observed on one
// service can't be replayed against another (spec §6).
func (s *Service) channelPrincipal(serviceName string) *Principal {
	if s.cfg.principal == nil {
		return nil
	}
	token := deriveChannelToken(s.cfg.principal, serviceName)
	if token == nil {
		return s.cfg.principal
	}
	return &Principal{Name: s.cfg.principal.Name, Secret: token}
}

// bootstrapChannel returns the persistent channel used for
// EnsureCache/DestroyCache/LookupNameService, opening (or reopening, after
// the previous one died) one against the configured proxy service name.
func (s *Service) bootstrapChannel(ctx context.Context) (Channel, error) {
	s.chMu.Lock()
	defer s.chMu.Unlock()

	if s.primaryCh != nil && s.primaryCh.IsOpen() {
		return s.primaryCh, nil
	}

	ch, err := s.conn.OpenChannel(ctx, protocolIDCacheService, s.cfg.proxyServiceName, serviceReceiver{s}, s.channelPrincipal(s.cfg.proxyServiceName))
	if err != nil {
		return nil, fmt.Errorf("open cache service channel: %w", err)
	}
	s.primaryCh = ch
	atomic.StoreInt32(&s.dead, 0)
	return ch, nil
}

// IsRunning reports whether this Service's bootstrap channel is still
// alive. SafeService.ensureRunning checks this before handing back a
// cached *Service, restarting one whose connection has died underneath it
// (spec §4.H).
func (s *Service) IsRunning() bool {
	return atomic.LoadInt32(&s.dead) == 0
}

// EnsureCache returns the handle for name, opening and provisioning a new
// channel-backed BinaryCache if this is the first request for it in this
// scope, or if a previously returned handle's channel has since died (spec
// §4.G: "get-or-create, keyed by scoped name").
func (s *Service) EnsureCache(ctx context.Context, name string) (*NamedCacheHandle, error) {
	scoped := s.scopedName(name)

	s.mu.Lock()
	if h, ok := s.store[scoped]; ok && h.IsActive() {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	start := time.Now()
	handle, err := s.openCache(ctx, name, scoped)
	s.fireConnectHook(scoped, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("xcache: ensure cache %q: %w", name, err)
	}

	s.mu.Lock()
	s.store[scoped] = handle
	s.mu.Unlock()

	return handle, nil
}

func (s *Service) openCache(ctx context.Context, name, scoped string) (*NamedCacheHandle, error) {
	bootCh, err := s.bootstrapChannel(ctx)
	if err != nil {
		return nil, err
	}

	respMsg, err := bootCh.Request(ctx, newEnvelope(KindEnsureCache, EnsureCacheRequest{Name: scoped}))
	if err != nil {
		return nil, fmt.Errorf("ensure_cache request: %w", err)
	}
	env, ok := respMsg.(envelope)
	if !ok || env.kind != KindEnsureCache {
		return nil, ErrUnexpectedMessageKind
	}
	if se, ok := env.body.(*ServerError); ok {
		return nil, se
	}
	resp := env.body.(EnsureCacheResponse)

	binaryCache := NewBinaryCache(scoped, nil, &s.cfg, s.protocolVersion, s.dispatcher)
	handle := &NamedCacheHandle{
		name:          name,
		scopedName:    scoped,
		deferKeyAssoc: s.cfg.deferKeyAssociationCheck,
		cache:         binaryCache,
		service:       s,
		active:        1,
	}
	binaryCache.owner = handle

	cacheCh, err := s.conn.OpenChannel(ctx, protocolIDNamedCache, resp.ChannelURI, binaryCache, s.channelPrincipal(resp.ChannelURI))
	if err != nil {
		return nil, fmt.Errorf("open named cache channel: %w", err)
	}
	binaryCache.bind(cacheCh)

	return handle, nil
}

// Converters builds a ConverterPair suitable for any cache this service
// ensures, using the serializer/decorator/partitions it was constructed
// with (component C, spec §4.C).
func (s *Service) Converters() *ConverterPair {
	return NewConverterPair(s.serializer, s.decorator, s.partitions, s.cfg.deferKeyAssociationCheck)
}

// ReleaseCache detaches name from the store and closes its channel, without
// notifying deactivation listeners: the caller asked for this teardown and
// already knows about it, unlike an unexpected disconnect or a server-side
// destroy (spec §9 Open Question resolution, see DESIGN.md).
func (s *Service) ReleaseCache(name string) error {
	scoped := s.scopedName(name)

	s.mu.Lock()
	h, ok := s.store[scoped]
	if ok {
		delete(s.store, scoped)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	atomic.StoreInt32(&h.active, 0)

	s.fireDisconnectHook(scoped)
	return h.cache.channel.Close()
}

// DestroyCache asks the proxy to destroy name cluster-wide, then detaches
// and deactivates any local handle (deactivation listeners DO fire here,
// unlike ReleaseCache, since the cache itself stopped existing).
func (s *Service) DestroyCache(ctx context.Context, name string) error {
	scoped := s.scopedName(name)

	bootCh, err := s.bootstrapChannel(ctx)
	if err != nil {
		return fmt.Errorf("xcache: destroy cache %q: %w", name, err)
	}

	respMsg, err := bootCh.Request(ctx, newEnvelope(KindDestroyCache, DestroyCacheRequest{Name: scoped}))
	if err != nil {
		return fmt.Errorf("xcache: destroy cache %q: %w", name, err)
	}
	env, ok := respMsg.(envelope)
	if !ok || env.kind != KindDestroyCache {
		return ErrUnexpectedMessageKind
	}
	if se, ok := env.body.(*ServerError); ok {
		return se
	}

	s.mu.Lock()
	h, ok := s.store[scoped]
	if ok {
		delete(s.store, scoped)
	}
	s.mu.Unlock()

	if ok {
		h.cache.channel.Close()
		h.onDestroyed()
	}
	return nil
}

// ReleaseAll releases every cache currently held by this service, e.g. when
// shutting the service itself down (called from safe.go's Stop path).
func (s *Service) ReleaseAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.store))
	for _, h := range s.store {
		names = append(names, h.name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.ReleaseCache(name); err != nil {
			s.logf(LogLevelWarn, "release cache failed during release_all", "cache", name, "err", err)
		}
	}

	s.chMu.Lock()
	if s.primaryCh != nil {
		s.primaryCh.Close()
		s.primaryCh = nil
	}
	s.chMu.Unlock()

	s.dispatcher.Stop()
}

// LookupNameService resolves serviceName within clusterName to a set of
// proxy endpoints, the bootstrap step that normally precedes constructing a
// Connection at all (spec §6); exposed here since it shares the same
// bootstrap-channel machinery as EnsureCache/DestroyCache.
func (s *Service) LookupNameService(ctx context.Context, clusterName, serviceName string) ([]string, error) {
	bootCh, err := s.bootstrapChannel(ctx)
	if err != nil {
		return nil, err
	}

	respMsg, err := bootCh.Request(ctx, newEnvelope(KindLookupNameService, LookupNameServiceRequest{ClusterName: clusterName, ServiceName: serviceName}))
	if err != nil {
		return nil, err
	}
	env, ok := respMsg.(envelope)
	if !ok || env.kind != KindLookupNameService {
		return nil, ErrUnexpectedMessageKind
	}
	if se, ok := env.body.(*ServerError); ok {
		return nil, se
	}
	return env.body.(LookupNameServiceResponse).Endpoints, nil
}
