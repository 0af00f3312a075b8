package pages

import (
	"hashdb/common"
	"sync"
)

// RawPage is the in-memory image of a physical page. Besides the page bytes
// it carries the bookkeeping the buffer pool needs: a pin count, a dirty flag
// and a read/write latch that is distinct from the buffer pool's own latch.
type RawPage struct {
	pageID   common.PageID
	pinCount int
	isDirty  bool
	rwLatch  sync.RWMutex
	data     []byte
}

func NewRawPage(pageID common.PageID) *RawPage {
	return &RawPage{
		pageID: pageID,
		data:   make([]byte, common.PageSize),
	}
}

func (p *RawPage) GetPageId() common.PageID {
	return p.pageID
}

func (p *RawPage) SetPageId(pageID common.PageID) {
	p.pageID = pageID
}

func (p *RawPage) GetData() []byte {
	return p.data
}

func (p *RawPage) GetPinCount() int {
	return p.pinCount
}

func (p *RawPage) IncrPinCount() {
	p.pinCount++
}

func (p *RawPage) DecrPinCount() {
	if p.pinCount <= 0 {
		panic("pin count went below zero")
	}
	p.pinCount--
}

func (p *RawPage) IsDirty() bool {
	return p.isDirty
}

func (p *RawPage) SetDirty() {
	p.isDirty = true
}

func (p *RawPage) SetClean() {
	p.isDirty = false
}

// Clear zeroes the page image and clears the dirty flag so the frame can hold
// a freshly allocated page. The page id and pin count are left unchanged.
func (p *RawPage) Clear() {
	for i := range p.data {
		p.data[i] = 0
	}
	p.isDirty = false
}

func (p *RawPage) WLatch() {
	p.rwLatch.Lock()
}

func (p *RawPage) WUnlatch() {
	p.rwLatch.Unlock()
}

func (p *RawPage) RLatch() {
	p.rwLatch.RLock()
}

func (p *RawPage) RUnLatch() {
	p.rwLatch.RUnlock()
}
