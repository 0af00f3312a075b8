package common

import "fmt"

// RID uniquely names a tuple as (page, slot). It is the granularity at which
// the lock manager hands out shared and exclusive locks.
type RID struct {
	PageID PageID
	SlotID uint32
}

func NewRID(pageID PageID, slotID uint32) RID {
	return RID{PageID: pageID, SlotID: slotID}
}

func (r RID) String() string {
	return fmt.Sprintf("%d:%d", r.PageID, r.SlotID)
}
