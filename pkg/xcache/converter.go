package xcache

// ConverterPair is component C: object<->binary conversion parameterized
// by the current Serializer, plus partition-affinity decoration of keys.
// It holds no cache state and is cheap to recreate whenever the
// serializer changes (e.g. after a reconnect renegotiates a different
// one).
type ConverterPair struct {
	serializer    Serializer
	decorator     Decorator
	partitions    PartitionStrategy
	deferKeyAssoc bool
}

// NewConverterPair builds a converter over serializer. deferKeyAssoc
// disables association lookup and decoration entirely, matching the
// "defer-key-association-check" config option (spec §4.C, §6).
func NewConverterPair(serializer Serializer, decorator Decorator, partitions PartitionStrategy, deferKeyAssoc bool) *ConverterPair {
	return &ConverterPair{
		serializer:    serializer,
		decorator:     decorator,
		partitions:    partitions,
		deferKeyAssoc: deferKeyAssoc,
	}
}

// KeyToBinary serializes k and, unless deferKeyAssoc is set, decorates the
// result with the partition ordinal of k's associated key (or of k itself
// when it has none), per spec §4.C.
func (c *ConverterPair) KeyToBinary(k interface{}) ([]byte, error) {
	b, err := c.serializer.ToBinary(k)
	if err != nil {
		return nil, err
	}
	if c.deferKeyAssoc {
		return b, nil
	}

	assocBinary := b
	if ka, ok := k.(KeyAssociation); ok {
		if assoc := ka.AssociatedKey(); assoc != nil {
			ab, err := c.serializer.ToBinary(assoc)
			if err != nil {
				return nil, err
			}
			assocBinary = ab
		}
	}
	ordinal := c.partitions.Ordinal(assocBinary)
	return c.decorator.Decorate(b, ordinal), nil
}

// ValueToBinary is plain serialization with no decoration (spec §4.C).
func (c *ConverterPair) ValueToBinary(v interface{}) ([]byte, error) {
	return c.serializer.ToBinary(v)
}

// BinaryToValue deserializes b. Callers must Undecorate a key binary
// before calling this, since a decorated prefix is not valid serializer
// input.
func (c *ConverterPair) BinaryToValue(b []byte) (interface{}, error) {
	return c.serializer.FromBinary(b)
}

// BinaryToDecorated ensures b carries a partition-affinity prefix,
// computing and attaching one from b's association (or from b itself when
// there is none) if it doesn't already have one. Per spec §4.C this is
// idempotent: calling it on an already-decorated binary returns it
// unchanged.
func (c *ConverterPair) BinaryToDecorated(b []byte) ([]byte, error) {
	if c.decorator.IsDecorated(b) {
		return b, nil
	}

	assocBinary := b
	if v, err := c.serializer.FromBinary(b); err == nil {
		if ka, ok := v.(KeyAssociation); ok {
			if assoc := ka.AssociatedKey(); assoc != nil {
				ab, err := c.serializer.ToBinary(assoc)
				if err != nil {
					return nil, err
				}
				assocBinary = ab
			}
		}
	}
	ordinal := c.partitions.Ordinal(assocBinary)
	return c.decorator.Decorate(b, ordinal), nil
}

// BinaryToUndecorated strips a partition-affinity prefix if present,
// per spec §4.C / testable property 3.
func (c *ConverterPair) BinaryToUndecorated(b []byte) []byte {
	return c.decorator.Undecorate(b)
}
