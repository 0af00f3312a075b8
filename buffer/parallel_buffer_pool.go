package buffer

import (
	"sync/atomic"

	"hashdb/common"
	"hashdb/disk"
	"hashdb/disk/pages"

	"golang.org/x/sync/errgroup"
)

var _ Pool = &ParallelBufferPool{}

// ParallelBufferPool shards pages over a fixed set of independent BufferPool
// instances keyed by page_id mod N, so that unrelated pages do not contend on
// one pool mutex. The router itself holds no latch; each instance
// synchronizes itself.
type ParallelBufferPool struct {
	instances  []*BufferPool
	startIndex atomic.Uint64
}

func NewParallelBufferPool(dm disk.IDiskManager, numInstances, poolSize int) *ParallelBufferPool {
	instances := make([]*BufferPool, numInstances)
	for i := range instances {
		instances[i] = newBufferPoolInstance(dm, poolSize, numInstances, i)
	}
	return &ParallelBufferPool{instances: instances}
}

func (p *ParallelBufferPool) instance(pageID common.PageID) *BufferPool {
	return p.instances[int(pageID)%len(p.instances)]
}

func (p *ParallelBufferPool) FetchPage(pageID common.PageID) (*pages.RawPage, error) {
	if pageID < 0 {
		return nil, disk.ErrInvalidPageID
	}
	return p.instance(pageID).FetchPage(pageID)
}

func (p *ParallelBufferPool) UnpinPage(pageID common.PageID, isDirty bool) bool {
	return p.instance(pageID).UnpinPage(pageID, isDirty)
}

// NewPage asks each instance in turn for a new page, starting from a cursor
// that advances on every call so concurrent callers spread over instances.
// It fails only when every instance is out of frames.
func (p *ParallelBufferPool) NewPage() (*pages.RawPage, error) {
	n := len(p.instances)
	start := int(p.startIndex.Add(1)-1) % n

	var lastErr error
	for i := 0; i < n; i++ {
		page, err := p.instances[(start+i)%n].NewPage()
		if err == nil {
			return page, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *ParallelBufferPool) DeletePage(pageID common.PageID) bool {
	return p.instance(pageID).DeletePage(pageID)
}

func (p *ParallelBufferPool) FlushPage(pageID common.PageID) bool {
	return p.instance(pageID).FlushPage(pageID)
}

func (p *ParallelBufferPool) FlushAllPages() error {
	g := errgroup.Group{}
	for _, instance := range p.instances {
		instance := instance
		g.Go(instance.FlushAllPages)
	}
	return g.Wait()
}

func (p *ParallelBufferPool) GetPoolSize() int {
	total := 0
	for _, instance := range p.instances {
		total += instance.GetPoolSize()
	}
	return total
}
