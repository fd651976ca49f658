package vhd

import "encoding/binary"

// BAT is the Block Allocation Table: one uint32 sector pointer per
// data block, blockUnused for an absent block.
type BAT struct {
	entries []uint32
}

// NewBAT returns a table of n entries, all unused.
func NewBAT(n uint32) *BAT {
	entries := make([]uint32, n)
	for i := range entries {
		entries[i] = blockUnused
	}
	return &BAT{entries: entries}
}

// ReadBAT reads n entries starting at offset.
func ReadBAT(r readerAt, offset int64, n uint32) (*BAT, error) {
	buf := make([]byte, int(n)*4)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return nil, errIO(err)
	}

	entries := make([]uint32, n)
	for i := range entries {
		entries[i] = binary.BigEndian.Uint32(buf[i*4:])
	}
	return &BAT{entries: entries}, nil
}

// Write serializes the table at offset, padded up to a sector boundary
// with 0xFF so that any trailing unused entries round-trip as the
// sentinel value.
func (b *BAT) Write(w writerAt, offset int64) (int, error) {
	raw := make([]byte, len(b.entries)*4)
	for i, v := range b.entries {
		binary.BigEndian.PutUint32(raw[i*4:], v)
	}

	padded := padTo0xFF(raw, int(roundUpSector(uint64(len(raw)))))
	if _, err := w.WriteAt(padded, offset); err != nil {
		return 0, errIO(err)
	}
	return len(padded), nil
}

// Len returns the number of entries in the table.
func (b *BAT) Len() int { return len(b.entries) }

// Get returns the block pointer stored at index.
func (b *BAT) Get(index int) (uint32, error) {
	if index < 0 || index >= len(b.entries) {
		return 0, errBlockIndex(index)
	}
	return b.entries[index], nil
}

// Set stores id at index.
func (b *BAT) Set(index int, id uint32) error {
	if index < 0 || index >= len(b.entries) {
		return errBlockIndex(index)
	}
	b.entries[index] = id
	return nil
}
