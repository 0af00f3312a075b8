package common

// PageID identifies a physical page in the database file. It is signed so
// that InvalidPageID can act as the unassigned sentinel.
type PageID int32

const InvalidPageID PageID = -1

// FrameID is an index into a buffer pool's frame array.
type FrameID = int

// TxnID orders transactions by age. A lower id is an older transaction.
type TxnID uint64

// PageSize is the size of a physical page in bytes.
const PageSize int = 4096
