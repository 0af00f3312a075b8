package buffer

import (
	"sync"

	"hashdb/common"
	"hashdb/disk"
	"hashdb/disk/pages"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Pool is the page cache interface consumed by everything that stores its
// state in pages. Both the single instance pool and the parallel pool
// implement it.
type Pool interface {
	// FetchPage returns the page pinned. Every successful call must be paired
	// with exactly one UnpinPage.
	FetchPage(pageID common.PageID) (*pages.RawPage, error)

	// UnpinPage decrements the page's pin count and ORs isDirty into its dirty
	// flag. Returns false when the page is not resident or not pinned.
	UnpinPage(pageID common.PageID, isDirty bool) bool

	// NewPage allocates a fresh disk page and returns it pinned.
	NewPage() (*pages.RawPage, error)

	// DeletePage drops the page from the pool and recycles its disk id.
	// Returns false while the page is pinned.
	DeletePage(pageID common.PageID) bool

	// FlushPage writes the page back regardless of its dirty flag and clears
	// the flag. Returns false when the page is not resident.
	FlushPage(pageID common.PageID) bool

	// FlushAllPages writes back every resident page.
	FlushAllPages() error

	GetPoolSize() int
}

var _ Pool = &BufferPool{}

// BufferPool owns a fixed set of frames shadowing on-disk pages. Pages are
// materialized on demand and stay resident while pinned; unpinned pages are
// handed to the replacer and may be evicted on a miss. All state is guarded
// by a single mutex, which is also held across disk IO; a ParallelBufferPool
// shards page ids over several instances to spread that contention.
type BufferPool struct {
	poolSize    int
	frames      []*pages.RawPage
	pageTable   map[common.PageID]int // page_id => frame index holding that page
	freeList    []int                 // frame indexes that never held a page or were freed
	replacer    IReplacer
	diskManager disk.IDiskManager
	allocator   pageAllocator
	lock        sync.Mutex
	log         *logrus.Entry
}

// pageAllocator hands out and recycles disk page ids. A standalone pool
// delegates to the disk manager; pools owned by a ParallelBufferPool allocate
// only ids of their own residue class so that page_id mod N keeps routing to
// the instance that created the page.
type pageAllocator interface {
	allocate() common.PageID
	deallocate(pageID common.PageID)
}

type diskAllocator struct {
	dm disk.IDiskManager
}

func (a diskAllocator) allocate() common.PageID         { return a.dm.AllocatePage() }
func (a diskAllocator) deallocate(pageID common.PageID) { a.dm.DeallocatePage(pageID) }

type stridedAllocator struct {
	next     common.PageID
	stride   common.PageID
	freeList []common.PageID
}

func (a *stridedAllocator) allocate() common.PageID {
	if len(a.freeList) > 0 {
		pageID := a.freeList[0]
		a.freeList = a.freeList[1:]
		return pageID
	}

	pageID := a.next
	a.next += a.stride
	return pageID
}

func (a *stridedAllocator) deallocate(pageID common.PageID) {
	a.freeList = append(a.freeList, pageID)
}

func NewBufferPool(dm disk.IDiskManager, poolSize int) *BufferPool {
	return NewBufferPoolWithReplacer(dm, poolSize, NewLruReplacer(poolSize))
}

func NewBufferPoolWithReplacer(dm disk.IDiskManager, poolSize int, replacer IReplacer) *BufferPool {
	return newBufferPool(dm, poolSize, replacer, diskAllocator{dm: dm})
}

// newBufferPoolInstance creates a pool that is one shard of a parallel pool.
func newBufferPoolInstance(dm disk.IDiskManager, poolSize, numInstances, instanceIndex int) *BufferPool {
	alloc := &stridedAllocator{next: common.PageID(instanceIndex), stride: common.PageID(numInstances)}
	return newBufferPool(dm, poolSize, NewLruReplacer(poolSize), alloc)
}

func newBufferPool(dm disk.IDiskManager, poolSize int, replacer IReplacer, alloc pageAllocator) *BufferPool {
	freeList := make([]int, poolSize)
	for i := 0; i < poolSize; i++ {
		freeList[i] = i
	}

	return &BufferPool{
		poolSize:    poolSize,
		frames:      make([]*pages.RawPage, poolSize),
		pageTable:   map[common.PageID]int{},
		freeList:    freeList,
		replacer:    replacer,
		diskManager: dm,
		allocator:   alloc,
		log:         logrus.WithField("component", "buffer"),
	}
}

func (b *BufferPool) FetchPage(pageID common.PageID) (*pages.RawPage, error) {
	if pageID < 0 {
		return nil, disk.ErrInvalidPageID
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if frameIdx, ok := b.pageTable[pageID]; ok {
		p := b.frames[frameIdx]
		p.IncrPinCount()
		b.replacer.Pin(frameIdx)
		return p, nil
	}

	frameIdx, err := b.reserveFrame()
	if err != nil {
		return nil, err
	}

	p := b.frames[frameIdx]
	if err := b.diskManager.ReadPage(pageID, p.GetData()); err != nil {
		// put the frame back, the miss failed.
		b.freeList = append(b.freeList, frameIdx)
		return nil, err
	}

	p.SetPageId(pageID)
	p.IncrPinCount()
	b.pageTable[pageID] = frameIdx
	b.replacer.Pin(frameIdx)
	return p, nil
}

func (b *BufferPool) UnpinPage(pageID common.PageID, isDirty bool) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	frameIdx, ok := b.pageTable[pageID]
	if !ok {
		return false
	}

	p := b.frames[frameIdx]
	if isDirty {
		p.SetDirty()
	}

	if p.GetPinCount() <= 0 {
		return false
	}

	p.DecrPinCount()
	if p.GetPinCount() == 0 {
		b.replacer.Unpin(frameIdx)
	}
	return true
}

func (b *BufferPool) NewPage() (*pages.RawPage, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	frameIdx, err := b.reserveFrame()
	if err != nil {
		return nil, err
	}

	pageID := b.allocator.allocate()

	p := b.frames[frameIdx]
	p.SetPageId(pageID)
	p.IncrPinCount()
	b.pageTable[pageID] = frameIdx
	b.replacer.Pin(frameIdx)
	return p, nil
}

func (b *BufferPool) DeletePage(pageID common.PageID) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	frameIdx, ok := b.pageTable[pageID]
	if !ok {
		b.allocator.deallocate(pageID)
		return true
	}

	p := b.frames[frameIdx]
	if p.GetPinCount() > 0 {
		return false
	}

	delete(b.pageTable, pageID)
	b.replacer.Pin(frameIdx) // frame left the eviction candidates, it is free now
	p.Clear()
	p.SetPageId(common.InvalidPageID)
	b.freeList = append(b.freeList, frameIdx)
	b.allocator.deallocate(pageID)
	return true
}

func (b *BufferPool) FlushPage(pageID common.PageID) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.flushPage(pageID)
}

func (b *BufferPool) FlushAllPages() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	for pageID := range b.pageTable {
		if !b.flushPage(pageID) {
			return errors.Errorf("page %d disappeared during flush", pageID)
		}
	}
	return nil
}

func (b *BufferPool) GetPoolSize() int {
	return b.poolSize
}

func (b *BufferPool) flushPage(pageID common.PageID) bool {
	frameIdx, ok := b.pageTable[pageID]
	if !ok {
		return false
	}

	p := b.frames[frameIdx]
	if err := b.diskManager.WritePage(pageID, p.GetData()); err != nil {
		panic(err)
	}
	p.SetClean()
	return true
}

// reserveFrame returns a frame index free to hold a new page, preferring the
// free list over evicting a victim. The caller must hold b.lock. The frame's
// RawPage is allocated and cleared.
func (b *BufferPool) reserveFrame() (int, error) {
	if len(b.freeList) > 0 {
		frameIdx := b.freeList[0]
		b.freeList = b.freeList[1:]
		if b.frames[frameIdx] == nil {
			b.frames[frameIdx] = pages.NewRawPage(common.InvalidPageID)
		}
		b.frames[frameIdx].Clear()
		return frameIdx, nil
	}

	victimIdx, err := b.replacer.ChooseVictim()
	if err != nil {
		return 0, errors.Wrap(err, "no free frame")
	}

	victim := b.frames[victimIdx]
	if victim.GetPinCount() != 0 {
		panic(errors.Errorf("frame %d chosen as victim while pinned, pin count: %d, page_id: %d",
			victimIdx, victim.GetPinCount(), victim.GetPageId()))
	}

	if victim.IsDirty() {
		if err := b.diskManager.WritePage(victim.GetPageId(), victim.GetData()); err != nil {
			b.replacer.Unpin(victimIdx)
			return 0, err
		}
	}

	b.log.WithFields(logrus.Fields{"page_id": victim.GetPageId(), "frame": victimIdx}).
		Debug("evicted page")

	delete(b.pageTable, victim.GetPageId())
	victim.Clear()
	return victimIdx, nil
}
