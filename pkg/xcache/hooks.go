package xcache

import "time"

// Hook is the marker interface for optional observers. Concrete hooks
// implement one or more of the interfaces below; hooks.each dispatches to
// whichever subset a registered hook satisfies, the same pattern as the
// teacher's cfg.hooks.each(func(h Hook) { if h, ok := h.(BrokerConnectHook);
// ok { ... } }) in broker.go.
type Hook interface{}

// ChannelConnectHook fires after a channel open attempt, success or not.
type ChannelConnectHook interface {
	OnChannelConnect(cacheOrService string, dt time.Duration, err error)
}

// ChannelDisconnectHook fires when Service.ReleaseCache (including via
// ReleaseAll) closes a named cache's channel. It does not fire when
// DestroyCache closes a channel or when the transport reports one closed.
type ChannelDisconnectHook interface {
	OnChannelDisconnect(cacheOrService string)
}

// RequestHook fires after every request/response round trip a BinaryCache
// makes, successful or not, mirroring BrokerWriteHook/BrokerReadHook's
// pairing of timing data with the outcome. Requests on the Service's
// bootstrap channel do not fire it.
type RequestHook interface {
	OnRequest(kind MessageKind, dt time.Duration, err error)
}

type hooks []Hook

func (hs hooks) each(fn func(Hook)) {
	for _, h := range hs {
		fn(h)
	}
}
