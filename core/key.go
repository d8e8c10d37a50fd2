package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Cell keys are encoded as three uvarint-length-prefixed components (row,
// family, qualifier) followed by the bitwise-inverted big-endian timestamp,
// so that CompareKeys orders keys (row ASC, family ASC, qualifier ASC,
// timestamp DESC) and the newest version of a column is always first.
// Timestamps are non-negative; LatestTimestamp never reaches the key codec
// because it is rewritten before persistence.

const keyTimestampSize = 8

// EncodeCellKey builds the storage key for a cell coordinate.
func EncodeCellKey(row, family, qualifier []byte, ts int64) []byte {
	size := 3*binary.MaxVarintLen32 + len(row) + len(family) + len(qualifier) + keyTimestampSize
	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, uint64(len(row)))
	buf = append(buf, row...)
	buf = binary.AppendUvarint(buf, uint64(len(family)))
	buf = append(buf, family...)
	buf = binary.AppendUvarint(buf, uint64(len(qualifier)))
	buf = append(buf, qualifier...)
	var tsBuf [keyTimestampSize]byte
	binary.BigEndian.PutUint64(tsBuf[:], ^uint64(ts))
	return append(buf, tsBuf[:]...)
}

// DecodeCellKey splits an encoded key into its components. The returned
// slices alias key.
func DecodeCellKey(key []byte) (row, family, qualifier []byte, ts int64, err error) {
	parts := make([][]byte, 3)
	pos := 0
	for i := range parts {
		l, n := binary.Uvarint(key[pos:])
		if n <= 0 || pos+n+int(l) > len(key) {
			return nil, nil, nil, 0, fmt.Errorf("malformed cell key component %d", i)
		}
		pos += n
		parts[i] = key[pos : pos+int(l)]
		pos += int(l)
	}
	if len(key)-pos != keyTimestampSize {
		return nil, nil, nil, 0, fmt.Errorf("malformed cell key: %d trailing bytes, want %d", len(key)-pos, keyTimestampSize)
	}
	ts = int64(^binary.BigEndian.Uint64(key[pos:]))
	return parts[0], parts[1], parts[2], ts, nil
}

// CompareKeys compares two encoded cell keys component-wise. Because the
// components are length-prefixed, plain bytes.Compare would order by prefix
// length first; this comparator decodes the boundaries instead. Malformed
// keys fall back to raw byte order so the comparison stays total.
func CompareKeys(a, b []byte) int {
	pa, pb := 0, 0
	for i := 0; i < 3; i++ {
		la, na := binary.Uvarint(a[pa:])
		lb, nb := binary.Uvarint(b[pb:])
		if na <= 0 || nb <= 0 || pa+na+int(la) > len(a) || pb+nb+int(lb) > len(b) {
			return bytes.Compare(a, b)
		}
		pa += na
		pb += nb
		if cmp := bytes.Compare(a[pa:pa+int(la)], b[pb:pb+int(lb)]); cmp != 0 {
			return cmp
		}
		pa += int(la)
		pb += int(lb)
	}
	// Inverted big-endian timestamps compare correctly as raw bytes.
	return bytes.Compare(a[pa:], b[pb:])
}

// EncodeMetricValue encodes a float64 metric value as its 8-byte big-endian
// bit pattern.
func EncodeMetricValue(v float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return buf
}

// DecodeMetricValue decodes a value produced by EncodeMetricValue.
func DecodeMetricValue(data []byte) (float64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid metric value length: got %d, want 8", len(data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}
