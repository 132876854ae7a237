package xcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4"
)

// Compression selects the codec applied to oversized binary batches before
// they cross Channel.Request, the same layering Kafka producers use: the
// framing layer (Channel) never knows a payload was compressed, only the
// application layer that built the payload does. See SPEC_FULL.md's
// DOMAIN STACK section for why this lives here rather than in the
// (explicitly external) wire codec.
type Compression int8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionLZ4
	CompressionFlate
)

// compressionThreshold is the payload size, in bytes, above which a batch
// is worth compressing. Below it the framing overhead isn't worth paying.
const compressionThreshold = 1024

// maybeCompress compresses b when it is large enough and a codec other
// than CompressionNone is configured. It returns the possibly-compressed
// bytes and whether compression was applied (the flag is threaded onto the
// outgoing PutAll message so the receiving side - or a symmetric client -
// knows to decompress). PutAll is its only caller.
func maybeCompress(c Compression, b []byte) ([]byte, bool, error) {
	if c == CompressionNone || len(b) < compressionThreshold {
		return b, false, nil
	}
	out, err := compress(c, b)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func compress(c Compression, b []byte) ([]byte, error) {
	switch c {
	case CompressionSnappy:
		return snappy.Encode(nil, b), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, fmt.Errorf("xcache: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("xcache: lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionFlate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("xcache: flate compress: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			return nil, fmt.Errorf("xcache: flate compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("xcache: flate compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("xcache: unknown compression codec %d", c)
	}
}

// decompress reverses compress for a payload tagged with codec c.
func decompress(c Compression, b []byte) ([]byte, error) {
	switch c {
	case CompressionSnappy:
		out, err := snappy.Decode(nil, b)
		if err != nil {
			return nil, fmt.Errorf("xcache: snappy decompress: %w", err)
		}
		return out, nil
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(b))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("xcache: lz4 decompress: %w", err)
		}
		return out, nil
	case CompressionFlate:
		r := flate.NewReader(bytes.NewReader(b))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("xcache: flate decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("xcache: unknown compression codec %d", c)
	}
}

// encodeEntries flattens a key/value batch into a single length-prefixed
// blob so it can be handed to compress() as one buffer. This is purely an
// in-package framing used between maybeCompress and its loopback-tested
// counterpart; the real wire codec (external collaborator, spec §1)
// remains free to frame PutAll however it likes for an uncompressed batch.
func encodeEntries(entries map[string][]byte) []byte {
	var buf bytes.Buffer
	for k, v := range entries {
		writeLenPrefixed(&buf, []byte(k))
		writeLenPrefixed(&buf, v)
	}
	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// decodeEntries reverses encodeEntries.
func decodeEntries(b []byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	r := bytes.NewReader(b)
	for r.Len() > 0 {
		k, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("xcache: decode entries: %w", err)
		}
		v, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("xcache: decode entries: %w", err)
		}
		out[string(k)] = v
	}
	return out, nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
