package exhash

import (
	"encoding/binary"
	"fmt"

	"hashdb/common"
	"hashdb/disk/pages"
)

// MaxBucketDepth bounds both local and global depth. The directory addresses
// at most 1 << MaxBucketDepth buckets.
const MaxBucketDepth uint32 = 9

const directorySize = 1 << MaxBucketDepth

// directory page byte layout
const (
	dirPageIdOffset      = 0
	dirGlobalDepthOffset = 4
	dirLocalDepthsOffset = 8
	dirBucketIdsOffset   = dirLocalDepthsOffset + directorySize
)

// directoryPage is a typed view over the raw page that holds the hash table
// directory: the global depth and, for every directory slot, the bucket page
// id it routes to plus that bucket's local depth. Only the first
// 2^globalDepth slots are meaningful.
type directoryPage struct {
	p *pages.RawPage
}

func castDirectoryPage(p *pages.RawPage) *directoryPage {
	return &directoryPage{p: p}
}

// initDirectoryPage resets the page into an empty single-slot directory.
func initDirectoryPage(p *pages.RawPage) *directoryPage {
	p.Clear()
	d := &directoryPage{p: p}
	d.setPageId(p.GetPageId())
	return d
}

func (d *directoryPage) data() []byte {
	return d.p.GetData()
}

func (d *directoryPage) getPageId() common.PageID {
	return common.PageID(binary.BigEndian.Uint32(d.data()[dirPageIdOffset:]))
}

func (d *directoryPage) setPageId(pageID common.PageID) {
	binary.BigEndian.PutUint32(d.data()[dirPageIdOffset:], uint32(pageID))
}

func (d *directoryPage) getGlobalDepth() uint32 {
	return binary.BigEndian.Uint32(d.data()[dirGlobalDepthOffset:])
}

func (d *directoryPage) setGlobalDepth(depth uint32) {
	binary.BigEndian.PutUint32(d.data()[dirGlobalDepthOffset:], depth)
}

func (d *directoryPage) getGlobalDepthMask() uint32 {
	return (1 << d.getGlobalDepth()) - 1
}

// size returns the number of addressable directory slots.
func (d *directoryPage) size() uint32 {
	return 1 << d.getGlobalDepth()
}

// incrGlobalDepth doubles the directory. Every new slot inherits the bucket
// page id and local depth of its low-order sibling.
func (d *directoryPage) incrGlobalDepth() {
	size := d.size()
	if size*2 > directorySize {
		panic("directory cannot grow beyond its maximum size")
	}

	for i := size; i < size*2; i++ {
		d.setBucketPageId(i, d.getBucketPageId(i-size))
		d.setLocalDepth(i, d.getLocalDepth(i-size))
	}
	d.setGlobalDepth(d.getGlobalDepth() + 1)
}

func (d *directoryPage) decrGlobalDepth() {
	if d.getGlobalDepth() == 0 {
		panic("directory global depth went below zero")
	}
	d.setGlobalDepth(d.getGlobalDepth() - 1)
}

// canShrink reports whether the directory can halve, which is the case only
// when no bucket uses all globalDepth bits.
func (d *directoryPage) canShrink() bool {
	if d.getGlobalDepth() == 0 {
		return false
	}
	for i := uint32(0); i < d.size(); i++ {
		if d.getLocalDepth(i) == d.getGlobalDepth() {
			return false
		}
	}
	return true
}

func (d *directoryPage) getBucketPageId(idx uint32) common.PageID {
	return common.PageID(binary.BigEndian.Uint32(d.data()[dirBucketIdsOffset+4*idx:]))
}

func (d *directoryPage) setBucketPageId(idx uint32, pageID common.PageID) {
	binary.BigEndian.PutUint32(d.data()[dirBucketIdsOffset+4*idx:], uint32(pageID))
}

func (d *directoryPage) getLocalDepth(idx uint32) uint32 {
	return uint32(d.data()[dirLocalDepthsOffset+idx])
}

func (d *directoryPage) setLocalDepth(idx uint32, depth uint32) {
	d.data()[dirLocalDepthsOffset+idx] = byte(depth)
}

func (d *directoryPage) incrLocalDepth(idx uint32) {
	d.setLocalDepth(idx, d.getLocalDepth(idx)+1)
}

func (d *directoryPage) decrLocalDepth(idx uint32) {
	depth := d.getLocalDepth(idx)
	if depth == 0 {
		panic("bucket local depth went below zero")
	}
	d.setLocalDepth(idx, depth-1)
}

// getLocalDepthMask masks a hash down to the bits the bucket at idx
// discriminates.
func (d *directoryPage) getLocalDepthMask(idx uint32) uint32 {
	return (1 << d.getLocalDepth(idx)) - 1
}

// getSplitImageIndex returns the slot differing from idx in exactly bit
// localDepth-1, the sibling a bucket splits into and merges with.
func (d *directoryPage) getSplitImageIndex(idx uint32) uint32 {
	return idx ^ (1 << (d.getLocalDepth(idx) - 1))
}

// verifyIntegrity panics when a directory invariant is broken. A violation is
// a bug in the split or merge paths, not a recoverable condition.
func (d *directoryPage) verifyIntegrity() {
	type bucketInfo struct {
		localDepth uint32
		firstIdx   uint32
		count      uint32
	}
	seen := map[common.PageID]*bucketInfo{}

	globalDepth := d.getGlobalDepth()
	for i := uint32(0); i < d.size(); i++ {
		localDepth := d.getLocalDepth(i)
		if localDepth > globalDepth {
			panic(fmt.Sprintf("local depth %d of slot %d exceeds global depth %d", localDepth, i, globalDepth))
		}

		pageID := d.getBucketPageId(i)
		info, ok := seen[pageID]
		if !ok {
			seen[pageID] = &bucketInfo{localDepth: localDepth, firstIdx: i, count: 1}
			continue
		}

		info.count++
		if info.localDepth != localDepth {
			panic(fmt.Sprintf("slots %d and %d share bucket page %d but disagree on local depth: %d != %d",
				info.firstIdx, i, pageID, info.localDepth, localDepth))
		}
		mask := uint32(1<<localDepth) - 1
		if info.firstIdx&mask != i&mask {
			panic(fmt.Sprintf("slots %d and %d share bucket page %d but differ in their low %d bits",
				info.firstIdx, i, pageID, localDepth))
		}
	}

	for pageID, info := range seen {
		if want := uint32(1) << (globalDepth - info.localDepth); info.count != want {
			panic(fmt.Sprintf("bucket page %d is aliased by %d slots, local depth %d requires %d",
				pageID, info.count, info.localDepth, want))
		}
	}
}
