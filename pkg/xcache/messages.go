package xcache

// MessageKind identifies the operation a Message carries. Each cache
// operation maps to exactly one kind, per spec §6; the numeric values are
// this implementation's choice (type_id ordering is implementation
// defined).
type MessageKind int32

const (
	KindGet MessageKind = iota + 1
	KindGetAll
	KindContainsKey
	KindContainsValue
	KindContainsAll
	KindPut
	KindPutAll
	KindRemove
	KindRemoveAll
	KindSize
	KindIsEmpty
	KindClear
	KindTruncate
	KindQuery
	KindGetKeysPage
	KindInvoke
	KindInvokeAllKeys
	KindInvokeAllFilter
	KindAggregateKeys
	KindAggregateFilter
	KindAddIndex
	KindRemoveIndex
	KindListenerFilter
	KindListenerKey
	KindLock
	KindUnlock
	KindEnsureCache
	KindDestroyCache
	KindLookupNameService
	KindEvent
)

// ProtocolVersion is the proxy's negotiated implementation version. Feature
// gates compare against this (spec §6: truncate and lite priming listeners
// over in-key-set filters both require version > protocolVersionLegacyMax).
type ProtocolVersion int32

const protocolVersionLegacyMax ProtocolVersion = 5

func (v ProtocolVersion) supportsTruncate() bool {
	return v > protocolVersionLegacyMax
}

func (v ProtocolVersion) supportsLitePriming() bool {
	return v > protocolVersionLegacyMax
}

// PutRequest/PutResponse and friends below are plain Go values the binary
// cache client fills in, wraps in an envelope (the concrete Message, see
// below) and hands to a Channel; the wire encoding of that envelope is
// left to the Channel's implementation.

// TTL sentinels for Put, per spec §4.E.
const (
	TTLDefault    int64 = 0
	TTLNeverExpire int64 = -1
)

type GetRequest struct{ Key []byte }
type GetResponse struct{ Value []byte; Found bool }

type GetAllRequest struct{ Keys [][]byte }
type GetAllResponse struct{ Entries map[string][]byte }

type ContainsKeyRequest struct{ Key []byte }
type ContainsKeyResponse struct{ Contains bool }

type ContainsValueRequest struct{ Value []byte }
type ContainsValueResponse struct{ Contains bool }

type ContainsAllRequest struct{ Keys [][]byte }
type ContainsAllResponse struct{ Contains bool }

type PutRequest struct {
	Key       []byte
	Value     []byte
	TTLMillis int64
	ReturnOld bool
}
type PutResponse struct{ OldValue []byte; HadOld bool }

// PutAllRequest carries the batch either as a plain map, or - once the
// encoded batch crosses compressionThreshold and a codec is configured -
// as a single compressed blob with Codec set to how to decompress it
// (see codec.go). Exactly one of Entries or Compressed is populated.
type PutAllRequest struct {
	Entries    map[string][]byte
	Compressed []byte
	Codec      Compression
}
type PutAllResponse struct{}

type RemoveRequest struct{ Key []byte; ReturnOld bool }
type RemoveResponse struct{ OldValue []byte; HadOld bool }

type RemoveAllRequest struct{ Keys [][]byte }
type RemoveAllResponse struct{}

type SizeRequest struct{}
type SizeResponse struct{ Size int }

type IsEmptyRequest struct{}
type IsEmptyResponse struct{ Empty bool }

type ClearRequest struct{}
type ClearResponse struct{}

type TruncateRequest struct{}
type TruncateResponse struct{}

type InvokeRequest struct{ Key []byte; Processor []byte }
type InvokeResponse struct{ Result []byte }

type InvokeAllKeysRequest struct{ Keys [][]byte; Processor []byte }
type InvokeAllFilterRequest struct{ Filter []byte; Processor []byte }
type InvokeAllResponse struct{ Results map[string][]byte }

type AggregateKeysRequest struct{ Keys [][]byte; Aggregator []byte }
type AggregateFilterRequest struct{ Filter []byte; Aggregator []byte }
type AggregateResponse struct{ Result []byte }

type AddIndexRequest struct{ Extractor []byte; Ordered bool; Comparator []byte }
type AddIndexResponse struct{}

type RemoveIndexRequest struct{ Extractor []byte }
type RemoveIndexResponse struct{}

type LockRequest struct{ Key []byte; WaitMillis int64 }
type LockResponse struct{ Acquired bool }

type UnlockRequest struct{ Key []byte }
type UnlockResponse struct{ Released bool }

// QueryRequest/QueryResponse drive the paged query engine of §4.D.
type QueryRequest struct {
	Filter      []byte
	KeysOnly    bool
	Cookie      []byte
	FilterCookie []byte
}
type QueryResponse struct {
	Rows         [][]byte // keys, or key+value pairs depending on KeysOnly
	Cookie       []byte
	FilterBottom []byte
	FilterTop    []byte
	FilterCookie []byte
}

type GetKeysPageRequest struct{ Cookie []byte }
type GetKeysPageResponse struct {
	Keys   [][]byte
	Cookie []byte
}

// ListenerFilterRequest/ListenerKeyRequest register or unregister server
// subscriptions. Add is false for a removal.
type ListenerFilterRequest struct {
	Filter  []byte
	FilterID int64
	Add     bool
	Lite    bool
	Trigger []byte
	Priming bool
}
type ListenerFilterResponse struct{}

type ListenerKeyRequest struct {
	Key     []byte
	Add     bool
	Lite    bool
	Priming bool
}
type ListenerKeyResponse struct{}

type EnsureCacheRequest struct{ Name string }
type EnsureCacheResponse struct{ ChannelURI string }

type DestroyCacheRequest struct{ Name string }
type DestroyCacheResponse struct{}

type LookupNameServiceRequest struct{ ClusterName, ServiceName string }
type LookupNameServiceResponse struct{ Endpoints []string }

// EventMessage is the unsolicited payload shape described in spec §6.
type EventMessage struct {
	Type           CacheEventKind
	FilterIDs      []int64
	Key            []byte
	Old            []byte
	New            []byte
	IsSynthetic    bool
	TransformState TransformState
	IsPriming      bool
}

// envelope is the concrete Message every request/response/event travels in.
// It lets the rest of this package work with plain data structs (the ones
// above) instead of hand-writing a Kind() method on each one; the wire
// codec that actually serializes a Message is an external collaborator
// (spec §1) free to encode the envelope however it likes.
type envelope struct {
	kind MessageKind
	body interface{}
}

func (e envelope) Kind() MessageKind { return e.kind }

func newEnvelope(kind MessageKind, body interface{}) envelope {
	return envelope{kind: kind, body: body}
}
