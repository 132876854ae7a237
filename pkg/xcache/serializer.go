package xcache

// Serializer is the object<->binary collaborator spec §1 treats as
// external: this package only ever calls ToBinary/FromBinary, never
// inspects the resulting bytes beyond what the Decorator needs.
type Serializer interface {
	ToBinary(v interface{}) ([]byte, error)
	FromBinary(b []byte) (interface{}, error)
}

// KeyAssociation is implemented by key types that want to co-locate with
// another key's partition (spec §4.C: "k exposes an 'associated key'
// (co-locating key)"). Keys that don't implement it are never
// partition-associated with anything else.
type KeyAssociation interface {
	AssociatedKey() interface{}
}

// Decorator appends/strips/reads the partition-affinity prefix on a binary
// key. Spec §1 lists "a binary key decoration helper that appends the
// partition-affinity bytes" as part of the external serializer
// collaborator; this package calls it but does not define its wire
// encoding.
type Decorator interface {
	// Decorate returns binary prefixed with ordinal's partition-affinity
	// encoding. Calling Decorate on an already-decorated binary is
	// invalid; callers must check IsDecorated first.
	Decorate(binary []byte, ordinal int32) []byte
	// IsDecorated reports whether binary already carries a partition
	// prefix.
	IsDecorated(binary []byte) bool
	// Undecorate strips the prefix if present, returning binary unchanged
	// otherwise.
	Undecorate(binary []byte) []byte
	// OrdinalOf extracts the partition ordinal from an already-decorated
	// binary.
	OrdinalOf(binary []byte) int32
}

// PartitionStrategy computes the partition ordinal owning a binary key,
// the computation key_to_binary performs itself once it has an
// association's serialized binary to work from (spec §4.C).
type PartitionStrategy interface {
	Ordinal(binary []byte) int32
}

// hashPartitionStrategy is a default, deployment-agnostic strategy usable
// wherever a caller hasn't wired in the cluster's real partition count and
// distribution function. It is intentionally simple: FNV-1a over the
// binary, modulo a fixed partition count.
type hashPartitionStrategy struct {
	partitionCount int32
}

// NewHashPartitionStrategy returns a PartitionStrategy suitable for tests
// and for deployments that haven't negotiated a cluster-specific one.
func NewHashPartitionStrategy(partitionCount int32) PartitionStrategy {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	return hashPartitionStrategy{partitionCount: partitionCount}
}

func (s hashPartitionStrategy) Ordinal(binary []byte) int32 {
	var h uint32 = 2166136261
	for _, b := range binary {
		h ^= uint32(b)
		h *= 16777619
	}
	return int32(h % uint32(s.partitionCount))
}
