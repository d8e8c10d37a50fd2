package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/INLOpen/flowbase/core"
)

// A data block holds a run of cell entries in encoded-key order, followed by
// a trailer of restart point offsets (uint32 each) and their count (uint32).
// Entry format:
//
//	shared_key_len (uvarint), unshared_key_len (uvarint), payload_len (uvarint),
//	unshared_key, payload
//
// Keys are prefix-compressed against the previous entry; entries at restart
// points store their full key so a scan can start at any restart offset.
type block struct {
	data []byte
}

func newBlock(blockData []byte) *block {
	return &block{data: blockData}
}

// entriesData returns the portion of the block holding cell entries,
// excluding the restart point trailer.
func (b *block) entriesData() ([]byte, error) {
	if len(b.data) < 4 {
		return nil, fmt.Errorf("block of %d bytes has no trailer: %w", len(b.data), ErrCorrupted)
	}
	numRestartPointsOffset := len(b.data) - 4
	numRestartPoints := binary.LittleEndian.Uint32(b.data[numRestartPointsOffset:])
	trailerSize := int(numRestartPoints)*4 + 4
	if len(b.data) < trailerSize {
		return nil, fmt.Errorf("block size %d smaller than trailer size %d: %w", len(b.data), trailerSize, ErrCorrupted)
	}
	return b.data[:len(b.data)-trailerSize], nil
}

// find locates the payload stored under an exact encoded cell key. Cell keys
// are unique within a segment because the version timestamp is part of the
// key, so the first exact match is the only one.
func (b *block) find(keyToFind []byte) ([]byte, bool, error) {
	entriesData, err := b.entriesData()
	if err != nil {
		return nil, false, err
	}

	numRestartPointsOffset := len(b.data) - 4
	numRestartPoints := binary.LittleEndian.Uint32(b.data[numRestartPointsOffset:])

	// Binary search the restart points for the rightmost one whose first key
	// is <= keyToFind, then scan linearly from there.
	var searchStartOffset uint32
	if numRestartPoints > 0 {
		restartPointsStartOffset := numRestartPointsOffset - int(numRestartPoints)*4
		searchIndex := sort.Search(int(numRestartPoints), func(i int) bool {
			offset := binary.LittleEndian.Uint32(b.data[restartPointsStartOffset+i*4:])
			tempIter := newBlockIterator(entriesData[offset:])
			if tempIter.next() {
				return core.CompareKeys(tempIter.key(), keyToFind) >= 0
			}
			return false
		})
		if searchIndex > 0 {
			searchStartOffset = binary.LittleEndian.Uint32(b.data[restartPointsStartOffset+(searchIndex-1)*4:])
		}
	}

	iter := newBlockIterator(entriesData[searchStartOffset:])
	for iter.next() {
		cmp := core.CompareKeys(iter.key(), keyToFind)
		if cmp == 0 {
			return iter.payload(), true, nil
		}
		if cmp > 0 {
			break
		}
	}
	if err := iter.err; err != nil {
		return nil, false, fmt.Errorf("block find: %w", err)
	}
	return nil, false, nil
}

// blockIterator walks the entries of a single data block in order.
type blockIterator struct {
	reader *bytes.Reader

	previousKey    []byte
	currentKey     []byte
	currentPayload []byte
	err            error
}

// newBlockIterator creates an iterator over entry data. The data must begin
// at a restart point (or at the start of the block) so the first entry's key
// is stored unshared.
func newBlockIterator(entriesData []byte) *blockIterator {
	return &blockIterator{reader: bytes.NewReader(entriesData)}
}

func (bi *blockIterator) next() bool {
	if bi.err != nil || bi.reader.Len() == 0 {
		return false
	}

	sharedLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		if err == io.EOF {
			return false
		}
		bi.err = fmt.Errorf("block iterator: failed to read shared key length: %w", err)
		return false
	}
	unsharedLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read unshared key length: %w", err)
		return false
	}
	payloadLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read payload length: %w", err)
		return false
	}

	if uint64(len(bi.previousKey)) < sharedLen {
		bi.err = fmt.Errorf("block iterator: shared prefix %d exceeds previous key length %d: %w",
			sharedLen, len(bi.previousKey), ErrCorrupted)
		return false
	}

	key := make([]byte, sharedLen+unsharedLen)
	copy(key, bi.previousKey[:sharedLen])
	if _, err := io.ReadFull(bi.reader, key[sharedLen:]); err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read unshared key: %w", err)
		return false
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(bi.reader, payload); err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read payload: %w", err)
		return false
	}

	bi.currentKey = key
	bi.currentPayload = payload
	bi.previousKey = append(bi.previousKey[:0], key...)
	return true
}

func (bi *blockIterator) key() []byte     { return bi.currentKey }
func (bi *blockIterator) payload() []byte { return bi.currentPayload }
func (bi *blockIterator) error() error    { return bi.err }
