package xcache

import (
	"context"
	"fmt"
	"sync/atomic"
)

// fakeChannel is an in-process Channel double: Request dispatches straight
// to a handler function instead of crossing any wire, letting BinaryCache
// (and everything layered above it) be exercised without a real Connection
// or Serializer. Kept in-package (rather than a separate public test-double
// package) since envelope, the concrete Message every request travels in,
// is intentionally unexported - see DESIGN.md.
type fakeChannel struct {
	open        int32
	serviceName string
	handler     func(kind MessageKind, body interface{}) (interface{}, error)
	receiver    Receiver
}

func newFakeChannel(serviceName string, handler func(MessageKind, interface{}) (interface{}, error)) *fakeChannel {
	return &fakeChannel{open: 1, serviceName: serviceName, handler: handler}
}

func (c *fakeChannel) Request(ctx context.Context, msg Message) (Message, error) {
	if atomic.LoadInt32(&c.open) == 0 {
		return nil, ErrChannelClosed
	}
	env, ok := msg.(envelope)
	if !ok {
		return nil, fmt.Errorf("fakeChannel: unexpected message type %T", msg)
	}
	respBody, err := c.handler(env.kind, env.body)
	if err != nil {
		return nil, err
	}
	return newEnvelope(env.kind, respBody), nil
}

func (c *fakeChannel) Send(ctx context.Context, msg Message) (Waiter, error) {
	return nil, fmt.Errorf("fakeChannel: Send not supported")
}

func (c *fakeChannel) IsOpen() bool { return atomic.LoadInt32(&c.open) == 1 }

func (c *fakeChannel) Close() error {
	if atomic.CompareAndSwapInt32(&c.open, 1, 0) {
		if c.receiver != nil {
			c.receiver.OnChannelClosed(c)
		}
	}
	return nil
}

func (c *fakeChannel) ServiceName() string { return c.serviceName }

// deliverEvent simulates the proxy pushing an unsolicited event down the
// channel, the same call path a real transport's I/O goroutine would use.
func (c *fakeChannel) deliverEvent(body EventMessage) {
	if c.receiver != nil {
		c.receiver.OnMessage(newEnvelope(KindEvent, body))
	}
}

// memCacheHandler backs a fakeChannel with a tiny in-memory key/value store
// plus minimal listener-subscription bookkeeping, enough to exercise
// BinaryCache's request plumbing and server-subscribe de-duplication
// end-to-end without a real proxy.
type memCacheHandler struct {
	data           map[string][]byte
	listenerFilter int
	listenerKey    int
	nextProtocol   ProtocolVersion
}

func newMemCacheHandler() *memCacheHandler {
	return &memCacheHandler{data: make(map[string][]byte)}
}

func (m *memCacheHandler) handle(kind MessageKind, body interface{}) (interface{}, error) {
	switch kind {
	case KindGet:
		req := body.(GetRequest)
		v, ok := m.data[string(req.Key)]
		return GetResponse{Value: v, Found: ok}, nil
	case KindPut:
		req := body.(PutRequest)
		old, had := m.data[string(req.Key)]
		m.data[string(req.Key)] = req.Value
		return PutResponse{OldValue: old, HadOld: had}, nil
	case KindPutAll:
		req := body.(PutAllRequest)
		entries := req.Entries
		if req.Compressed != nil {
			flat, err := decompress(req.Codec, req.Compressed)
			if err != nil {
				return nil, err
			}
			decoded, err := decodeEntries(flat)
			if err != nil {
				return nil, err
			}
			entries = decoded
		}
		for k, v := range entries {
			m.data[k] = v
		}
		return PutAllResponse{}, nil
	case KindRemove:
		req := body.(RemoveRequest)
		old, had := m.data[string(req.Key)]
		delete(m.data, string(req.Key))
		return RemoveResponse{OldValue: old, HadOld: had}, nil
	case KindSize:
		return SizeResponse{Size: len(m.data)}, nil
	case KindIsEmpty:
		return IsEmptyResponse{Empty: len(m.data) == 0}, nil
	case KindClear:
		m.data = make(map[string][]byte)
		return ClearResponse{}, nil
	case KindListenerFilter:
		req := body.(ListenerFilterRequest)
		if req.Add {
			m.listenerFilter++
		} else {
			m.listenerFilter--
		}
		return ListenerFilterResponse{}, nil
	case KindListenerKey:
		req := body.(ListenerKeyRequest)
		if req.Add {
			m.listenerKey++
		} else {
			m.listenerKey--
		}
		return ListenerKeyResponse{}, nil
	default:
		return nil, fmt.Errorf("memCacheHandler: unhandled kind %d", kind)
	}
}

func newTestBinaryCache(name string, m *memCacheHandler) (*BinaryCache, *fakeChannel) {
	ch := newFakeChannel(name, m.handle)
	c := defaultCfg()
	d := NewEventDispatcher(c.logger, false)
	bc := NewBinaryCache(name, ch, &c, protocolVersionLegacyMax+1, d)
	ch.receiver = bc
	return bc, ch
}
