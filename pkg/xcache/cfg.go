package xcache

import "time"

// cfg collects every knob this package exposes. It is filled by Opt
// functions passed to NewService, the same functional-options shape as the
// teacher's own cfg.go (referenced throughout broker.go as b.cl.cfg.*).
// Upstream XML parsing and name-service/address-provider bootstrap are
// external collaborators (spec §6); by the time a cfg reaches this
// package, all of that has already been resolved into these fields.
type cfg struct {
	clusterName      string
	proxyServiceName string
	scopeName        string

	requestTimeout time.Duration

	deferKeyAssociationCheck bool

	logger Logger
	hooks  hooks

	compression Compression

	principal *Principal

	strictListenerDispatch bool
}

func defaultCfg() cfg {
	return cfg{
		proxyServiceName: "ExtendTcpProxyService",
		requestTimeout:    30 * time.Second,
		logger:            nopLogger{},
		compression:       CompressionNone,
	}
}

// Opt configures a Service constructed by NewService.
type Opt interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

// WithClusterName sets the logical cluster name used for log messages and
// name-service lookups.
func WithClusterName(name string) Opt {
	return optFunc(func(c *cfg) { c.clusterName = name })
}

// WithProxyServiceName sets the remote proxy service name EnsureCache is
// issued against. Defaults to "ExtendTcpProxyService".
func WithProxyServiceName(name string) Opt {
	return optFunc(func(c *cfg) { c.proxyServiceName = name })
}

// WithScopeName scopes the named-cache store so that caches with the same
// name but different scopes do not collide (spec §4.G's ScopedStore).
func WithScopeName(name string) Opt {
	return optFunc(func(c *cfg) { c.scopeName = name })
}

// WithRequestTimeout bounds every Channel.Request call a BinaryCache
// issues, as a deadline on the request's context. Requests on the
// Service's bootstrap channel (EnsureCache, DestroyCache,
// LookupNameService) are not bounded by it.
func WithRequestTimeout(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.requestTimeout = d })
}

// WithDeferKeyAssociationCheck disables partition-affinity decoration of
// binary keys, letting the server compute it instead (spec §4.C).
func WithDeferKeyAssociationCheck(defer_ bool) Opt {
	return optFunc(func(c *cfg) { c.deferKeyAssociationCheck = defer_ })
}

// WithLogger installs a Logger. The default discards everything.
func WithLogger(lg Logger) Opt {
	return optFunc(func(c *cfg) { c.logger = lg })
}

// WithHooks registers optional observers (ChannelConnectHook,
// ChannelDisconnectHook, RequestHook).
func WithHooks(hs ...Hook) Opt {
	return optFunc(func(c *cfg) { c.hooks = append(c.hooks, hs...) })
}

// WithCompression selects the codec applied to oversized PutAll binary
// payloads before they are handed to Channel.Request. InvokeAll requests
// are never compressed. See codec.go.
func WithCompression(c2 Compression) Opt {
	return optFunc(func(c *cfg) { c.compression = c2 })
}

// WithPrincipal sets the identity used to open channels (see auth.go).
func WithPrincipal(p *Principal) Opt {
	return optFunc(func(c *cfg) { c.principal = p })
}

// WithStrictListenerDispatch makes synchronous listener panics/errors
// re-raise to the event dispatcher instead of being logged and absorbed
// (spec §7 propagation policy).
func WithStrictListenerDispatch(strict bool) Opt {
	return optFunc(func(c *cfg) { c.strictListenerDispatch = strict })
}
