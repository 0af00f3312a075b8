package disk

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"hashdb/common"

	"github.com/pkg/errors"
)

var ErrInvalidPageID = errors.New("invalid page id")

// IDiskManager reads and writes fixed-size pages of a database file and hands
// out page ids. Deallocated ids are recycled by later allocations.
type IDiskManager interface {
	ReadPage(pageID common.PageID, buf []byte) error
	WritePage(pageID common.PageID, data []byte) error
	AllocatePage() common.PageID
	DeallocatePage(pageID common.PageID)
	Close() error
}

var _ IDiskManager = &Manager{}

// Manager is the file backed disk manager. Physical slot 0 of the file is a
// header page holding the free list and the last allocated page id; logical
// page n lives at file offset (n+1)*PageSize. Freed pages are threaded into
// an on-disk linked list so their ids can be handed out again.
type Manager struct {
	file     *os.File
	filename string
	mu       sync.Mutex
	header   *header
}

type header struct {
	freeListHead common.PageID
	freeListTail common.PageID
	lastPageID   common.PageID
}

// NewDiskManager opens or creates the database file. The second return value
// reports whether the file was newly created.
func NewDiskManager(file string) (*Manager, bool, error) {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_RDWR, os.ModePerm)
	if err != nil {
		return nil, false, errors.Wrap(err, "could not open db file")
	}

	d := &Manager{file: f, filename: file}

	stats, err := f.Stat()
	if err != nil {
		return nil, false, errors.Wrap(err, "could not stat db file")
	}

	if stats.Size() == 0 {
		d.setHeader(header{
			freeListHead: common.InvalidPageID,
			freeListTail: common.InvalidPageID,
			lastPageID:   common.InvalidPageID,
		})
		return d, true, nil
	}

	return d, false, nil
}

func (d *Manager) ReadPage(pageID common.PageID, buf []byte) error {
	if pageID < 0 {
		return ErrInvalidPageID
	}
	if len(buf) != common.PageSize {
		return errors.Errorf("read buffer is %d bytes, expected %d", len(buf), common.PageSize)
	}

	n, err := d.file.ReadAt(buf, pageOffset(pageID))
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// the page was allocated but never written. Its content is all zeros.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "ReadPage failed, page_id: %d", pageID)
	}

	return nil
}

func (d *Manager) WritePage(pageID common.PageID, data []byte) error {
	if pageID < 0 {
		return ErrInvalidPageID
	}
	if len(data) != common.PageSize {
		return errors.Errorf("page data is %d bytes, expected %d", len(data), common.PageSize)
	}

	n, err := d.file.WriteAt(data, pageOffset(pageID))
	if err != nil {
		return errors.Wrapf(err, "WritePage failed, page_id: %d", pageID)
	}
	if n != common.PageSize {
		panic("written bytes are not equal to page size")
	}

	return nil
}

// AllocatePage returns a page id for a new page, recycling a previously
// deallocated id when one exists.
func (d *Manager) AllocatePage() common.PageID {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.popFreeList(); ok {
		return p
	}

	h := d.getHeader()
	h.lastPageID++
	d.setHeader(h)
	return h.lastPageID
}

// DeallocatePage appends the page to the free list and sets it as tail.
func (d *Manager) DeallocatePage(pageID common.PageID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.getHeader()

	if h.freeListHead == common.InvalidPageID {
		h.freeListHead = pageID
		h.freeListTail = pageID
		d.setHeader(h)
		return
	}

	// link the new tail from the old one. The freed page's bytes carry the
	// next pointer, nothing else in it is meaningful anymore.
	data := make([]byte, common.PageSize)
	if err := d.ReadPage(h.freeListTail, data); err != nil {
		panic(err)
	}
	binary.BigEndian.PutUint32(data, uint32(pageID))
	if err := d.WritePage(h.freeListTail, data); err != nil {
		panic(err)
	}

	h.freeListTail = pageID
	d.setHeader(h)
}

func (d *Manager) Close() error {
	return d.file.Close()
}

func (d *Manager) popFreeList() (common.PageID, bool) {
	h := d.getHeader()
	if h.freeListHead == common.InvalidPageID {
		return common.InvalidPageID, false
	}

	pageID := h.freeListHead
	if h.freeListHead == h.freeListTail {
		h.freeListHead, h.freeListTail = common.InvalidPageID, common.InvalidPageID
		d.setHeader(h)
		return pageID, true
	}

	data := make([]byte, common.PageSize)
	if err := d.ReadPage(h.freeListHead, data); err != nil {
		panic(err)
	}
	h.freeListHead = common.PageID(binary.BigEndian.Uint32(data))
	d.setHeader(h)
	return pageID, true
}

func (d *Manager) getHeader() header {
	if d.header != nil {
		return *d.header
	}

	data := make([]byte, common.PageSize)
	if _, err := d.file.ReadAt(data, 0); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		panic(err)
	}

	h := readHeader(data)
	d.header = &h
	return h
}

func (d *Manager) setHeader(h header) {
	d.header = &h
	page := make([]byte, common.PageSize)
	writeHeader(h, page)
	if _, err := d.file.WriteAt(page, 0); err != nil {
		panic(err)
	}
}

func pageOffset(pageID common.PageID) int64 {
	return int64(common.PageSize) * int64(pageID+1)
}

func readHeader(data []byte) header {
	return header{
		freeListHead: common.PageID(binary.BigEndian.Uint32(data)),
		freeListTail: common.PageID(binary.BigEndian.Uint32(data[4:])),
		lastPageID:   common.PageID(binary.BigEndian.Uint32(data[8:])),
	}
}

func writeHeader(h header, dest []byte) {
	binary.BigEndian.PutUint32(dest, uint32(h.freeListHead))
	binary.BigEndian.PutUint32(dest[4:], uint32(h.freeListTail))
	binary.BigEndian.PutUint32(dest[8:], uint32(h.lastPageID))
}
