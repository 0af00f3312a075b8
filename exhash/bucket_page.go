package exhash

import (
	"bytes"

	"hashdb/common"
	"hashdb/disk/pages"
)

// bucketPage is a typed view over a raw page holding (key, value) pairs. The
// page starts with two bitmaps of the bucket's capacity: occupied marks slots
// that were ever written, readable marks slots currently holding a live
// entry. Removal only clears the readable bit; the physical order of the
// entry array carries no meaning.
type bucketPage struct {
	p           *pages.RawPage
	keySize     int
	valSize     int
	capacity    int
	bitmapBytes int
}

type entry struct {
	key   []byte
	value []byte
}

// bucketCapacity returns how many entries of the given size fit into a page
// together with the two bitmaps covering them.
func bucketCapacity(entrySize int) int {
	capacity := 8 * common.PageSize / (8*entrySize + 2)
	for 2*((capacity+7)/8)+capacity*entrySize > common.PageSize {
		capacity--
	}
	return capacity
}

func castBucketPage(p *pages.RawPage, keySize, valSize int) *bucketPage {
	capacity := bucketCapacity(keySize + valSize)
	return &bucketPage{
		p:           p,
		keySize:     keySize,
		valSize:     valSize,
		capacity:    capacity,
		bitmapBytes: (capacity + 7) / 8,
	}
}

func (b *bucketPage) data() []byte {
	return b.p.GetData()
}

func (b *bucketPage) entrySize() int {
	return b.keySize + b.valSize
}

func (b *bucketPage) entryOffset(idx int) int {
	return 2*b.bitmapBytes + idx*b.entrySize()
}

func (b *bucketPage) keyAt(idx int) []byte {
	off := b.entryOffset(idx)
	return b.data()[off : off+b.keySize]
}

func (b *bucketPage) valueAt(idx int) []byte {
	off := b.entryOffset(idx) + b.keySize
	return b.data()[off : off+b.valSize]
}

func (b *bucketPage) isOccupied(idx int) bool {
	return b.data()[idx/8]&(1<<(idx%8)) != 0
}

func (b *bucketPage) setOccupied(idx int) {
	b.data()[idx/8] |= 1 << (idx % 8)
}

func (b *bucketPage) isReadable(idx int) bool {
	return b.data()[b.bitmapBytes+idx/8]&(1<<(idx%8)) != 0
}

func (b *bucketPage) setReadable(idx int) {
	b.data()[b.bitmapBytes+idx/8] |= 1 << (idx % 8)
}

// removeAt clears the readable bit only. The occupied bit stays set.
func (b *bucketPage) removeAt(idx int) {
	b.data()[b.bitmapBytes+idx/8] &= ^(byte(1) << (idx % 8))
}

// insert places the pair into the first non-readable slot. An exact (key,
// value) duplicate is rejected, as is a full bucket.
func (b *bucketPage) insert(key, value []byte) bool {
	available := -1
	for i := 0; i < b.capacity; i++ {
		if b.isReadable(i) {
			if bytes.Equal(key, b.keyAt(i)) && bytes.Equal(value, b.valueAt(i)) {
				return false
			}
		} else if available == -1 {
			available = i
		}
	}

	if available == -1 {
		return false
	}

	copy(b.keyAt(available), key)
	copy(b.valueAt(available), value)
	b.setOccupied(available)
	b.setReadable(available)
	return true
}

// remove deletes the first readable slot matching the exact pair.
func (b *bucketPage) remove(key, value []byte) bool {
	for i := 0; i < b.capacity; i++ {
		if b.isReadable(i) && bytes.Equal(key, b.keyAt(i)) && bytes.Equal(value, b.valueAt(i)) {
			b.removeAt(i)
			return true
		}
	}
	return false
}

// getValue collects the values of every readable slot matching key.
func (b *bucketPage) getValue(key []byte) [][]byte {
	result := make([][]byte, 0)
	for i := 0; i < b.capacity; i++ {
		if b.isReadable(i) && bytes.Equal(key, b.keyAt(i)) {
			value := make([]byte, b.valSize)
			copy(value, b.valueAt(i))
			result = append(result, value)
		}
	}
	return result
}

func (b *bucketPage) isFull() bool {
	return b.numReadable() == b.capacity
}

func (b *bucketPage) isEmpty() bool {
	for i := 0; i < b.bitmapBytes; i++ {
		if b.data()[b.bitmapBytes+i] != 0 {
			return false
		}
	}
	return true
}

func (b *bucketPage) numReadable() int {
	n := 0
	for i := 0; i < b.capacity; i++ {
		if b.isReadable(i) {
			n++
		}
	}
	return n
}

// getArrayCopy returns copies of all live entries, used by splits before the
// bucket is reset and its entries redistributed.
func (b *bucketPage) getArrayCopy() []entry {
	entries := make([]entry, 0, b.numReadable())
	for i := 0; i < b.capacity; i++ {
		if !b.isReadable(i) {
			continue
		}
		key := make([]byte, b.keySize)
		value := make([]byte, b.valSize)
		copy(key, b.keyAt(i))
		copy(value, b.valueAt(i))
		entries = append(entries, entry{key: key, value: value})
	}
	return entries
}

// reset zeroes the bitmaps and the entry array.
func (b *bucketPage) reset() {
	b.p.Clear()
}
