package exhash

import (
	"sync"

	"hashdb/buffer"
	"hashdb/common"
	"hashdb/disk/pages"

	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
)

// HashFunc maps a serialized key to the 32 bits the directory indexes with.
type HashFunc func(key []byte) uint32

// defaultHash downcasts the 64-bit murmur hash to 32 bits.
func defaultHash(key []byte) uint32 {
	return uint32(murmur3.Sum64(key))
}

// HashTable is a disk-resident extendible hash table. The directory and the
// buckets live in buffer pool pages; the table itself owns only page ids.
// Point operations take the table latch in read mode plus the bucket page's
// latch, structural changes (splits and merges) take the table latch in write
// mode.
type HashTable struct {
	pool            buffer.Pool
	keySerializer   KeySerializer
	valueSerializer ValueSerializer
	hash            HashFunc

	directoryPageID common.PageID
	dirLock         sync.Mutex // guards lazy creation of the directory
	tableLatch      sync.RWMutex

	log *logrus.Entry
}

func NewHashTable(pool buffer.Pool, keySerializer KeySerializer, valueSerializer ValueSerializer) *HashTable {
	return NewHashTableWithHashFunc(pool, keySerializer, valueSerializer, defaultHash)
}

func NewHashTableWithHashFunc(pool buffer.Pool, keySerializer KeySerializer, valueSerializer ValueSerializer, hash HashFunc) *HashTable {
	return &HashTable{
		pool:            pool,
		keySerializer:   keySerializer,
		valueSerializer: valueSerializer,
		hash:            hash,
		directoryPageID: common.InvalidPageID,
		log:             logrus.WithField("component", "exhash"),
	}
}

// GetValue returns every value stored under key.
func (h *HashTable) GetValue(key any) ([]any, error) {
	keyBytes, err := h.keySerializer.Serialize(key)
	if err != nil {
		return nil, err
	}

	h.tableLatch.RLock()
	defer h.tableLatch.RUnlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return nil, err
	}

	bucketPageID := dir.getBucketPageId(h.keyToDirectoryIndex(keyBytes, dir))

	bucketRaw, err := h.pool.FetchPage(bucketPageID)
	if err != nil {
		h.unpinDirectory(dir, false)
		return nil, err
	}

	bucketRaw.RLatch()
	bucket := h.castBucket(bucketRaw)
	valueBytes := bucket.getValue(keyBytes)
	bucketRaw.RUnLatch()

	h.pool.UnpinPage(bucketPageID, false)
	h.unpinDirectory(dir, false)

	values := make([]any, 0, len(valueBytes))
	for _, vb := range valueBytes {
		v, err := h.valueSerializer.Deserialize(vb)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Insert adds the (key, value) pair. It reports false when the exact pair is
// already present or when the bucket chain cannot grow any further.
func (h *HashTable) Insert(key, value any) (bool, error) {
	keyBytes, err := h.keySerializer.Serialize(key)
	if err != nil {
		return false, err
	}
	valueBytes, err := h.valueSerializer.Serialize(value)
	if err != nil {
		return false, err
	}

	for {
		inserted, needsSplit, err := h.tryInsert(keyBytes, valueBytes)
		if err != nil || !needsSplit {
			return inserted, err
		}

		ok, err := h.splitBucket(keyBytes)
		if err != nil {
			return false, err
		}
		if !ok {
			// the bucket cannot split anymore, the insert fails
			return false, nil
		}
	}
}

// tryInsert is the fast path: with the table latch in read mode it inserts
// into the target bucket unless the bucket is full.
func (h *HashTable) tryInsert(keyBytes, valueBytes []byte) (inserted, needsSplit bool, err error) {
	h.tableLatch.RLock()
	defer h.tableLatch.RUnlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return false, false, err
	}

	bucketPageID := dir.getBucketPageId(h.keyToDirectoryIndex(keyBytes, dir))

	bucketRaw, err := h.pool.FetchPage(bucketPageID)
	if err != nil {
		h.unpinDirectory(dir, false)
		return false, false, err
	}

	bucketRaw.WLatch()
	bucket := h.castBucket(bucketRaw)

	if bucket.isFull() {
		bucketRaw.WUnlatch()
		h.pool.UnpinPage(bucketPageID, false)
		h.unpinDirectory(dir, false)
		return false, true, nil
	}

	inserted = bucket.insert(keyBytes, valueBytes)
	bucketRaw.WUnlatch()
	h.pool.UnpinPage(bucketPageID, inserted)
	h.unpinDirectory(dir, false)
	return inserted, false, nil
}

// splitBucket grows the table so the key's bucket gains room: it bumps the
// bucket's local depth (doubling the directory when the bucket already uses
// every global bit), allocates the split image bucket, rewrites every
// aliasing directory slot and redistributes the old bucket's entries over the
// pair. Returns false when the bucket is already at maximum depth.
func (h *HashTable) splitBucket(keyBytes []byte) (bool, error) {
	h.tableLatch.Lock()
	defer h.tableLatch.Unlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return false, err
	}

	splitIdx := h.keyToDirectoryIndex(keyBytes, dir)
	depth := dir.getLocalDepth(splitIdx)

	if depth >= MaxBucketDepth {
		h.unpinDirectory(dir, false)
		return false, nil
	}

	if depth == dir.getGlobalDepth() {
		dir.incrGlobalDepth()
	}
	dir.incrLocalDepth(splitIdx)

	splitPageID := dir.getBucketPageId(splitIdx)
	splitRaw, err := h.pool.FetchPage(splitPageID)
	if err != nil {
		h.unpinDirectory(dir, true)
		return false, err
	}

	newRaw, err := h.pool.NewPage()
	if err != nil {
		h.pool.UnpinPage(splitPageID, false)
		h.unpinDirectory(dir, true)
		return false, err
	}
	newPageID := newRaw.GetPageId()

	splitRaw.WLatch()
	newRaw.WLatch()

	splitBucket := h.castBucket(splitRaw)
	newBucket := h.castBucket(newRaw)

	entries := splitBucket.getArrayCopy()
	splitBucket.reset()

	// every slot aliasing the old bucket now routes by one more bit, either
	// back to it or to its new split image.
	newIdx := splitIdx ^ (1 << depth)
	mask := uint32(1<<(depth+1)) - 1
	for i := uint32(0); i < dir.size(); i++ {
		switch i & mask {
		case splitIdx & mask:
			dir.setBucketPageId(i, splitPageID)
			dir.setLocalDepth(i, depth+1)
		case newIdx & mask:
			dir.setBucketPageId(i, newPageID)
			dir.setLocalDepth(i, depth+1)
		}
	}

	for _, e := range entries {
		if h.hash(e.key)&mask == splitIdx&mask {
			splitBucket.insert(e.key, e.value)
		} else {
			newBucket.insert(e.key, e.value)
		}
	}

	h.log.WithFields(logrus.Fields{
		"bucket_page":  splitPageID,
		"image_page":   newPageID,
		"local_depth":  depth + 1,
		"global_depth": dir.getGlobalDepth(),
	}).Debug("split bucket")

	newRaw.WUnlatch()
	splitRaw.WUnlatch()

	h.pool.UnpinPage(splitPageID, true)
	h.pool.UnpinPage(newPageID, true)
	h.unpinDirectory(dir, true)
	return true, nil
}

// Remove deletes the exact (key, value) pair. Emptying a bucket triggers a
// merge attempt with its split image.
func (h *HashTable) Remove(key, value any) (bool, error) {
	keyBytes, err := h.keySerializer.Serialize(key)
	if err != nil {
		return false, err
	}
	valueBytes, err := h.valueSerializer.Serialize(value)
	if err != nil {
		return false, err
	}

	h.tableLatch.RLock()

	dir, err := h.fetchDirectory()
	if err != nil {
		h.tableLatch.RUnlock()
		return false, err
	}

	bucketIdx := h.keyToDirectoryIndex(keyBytes, dir)
	bucketPageID := dir.getBucketPageId(bucketIdx)

	bucketRaw, err := h.pool.FetchPage(bucketPageID)
	if err != nil {
		h.unpinDirectory(dir, false)
		h.tableLatch.RUnlock()
		return false, err
	}

	bucketRaw.WLatch()
	bucket := h.castBucket(bucketRaw)
	removed := bucket.remove(keyBytes, valueBytes)
	becameEmpty := removed && bucket.isEmpty()
	bucketRaw.WUnlatch()

	h.pool.UnpinPage(bucketPageID, removed)
	h.unpinDirectory(dir, false)
	h.tableLatch.RUnlock()

	if becameEmpty {
		if err := h.merge(bucketIdx); err != nil {
			return false, err
		}
	}
	return removed, nil
}

// merge folds the empty bucket at bucketIdx into its split image. It no-ops
// unless the bucket has a positive local depth, the split image shares that
// depth, and the bucket is still empty by the time the table latch is held in
// write mode. Afterwards the directory halves as long as it can.
func (h *HashTable) merge(bucketIdx uint32) error {
	h.tableLatch.Lock()
	defer h.tableLatch.Unlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return err
	}

	// the directory may have shrunk since the remove released its latches
	if bucketIdx >= dir.size() {
		h.unpinDirectory(dir, false)
		return nil
	}

	depth := dir.getLocalDepth(bucketIdx)
	if depth == 0 {
		h.unpinDirectory(dir, false)
		return nil
	}

	imageIdx := dir.getSplitImageIndex(bucketIdx)
	if dir.getLocalDepth(imageIdx) != depth {
		h.unpinDirectory(dir, false)
		return nil
	}

	bucketPageID := dir.getBucketPageId(bucketIdx)
	bucketRaw, err := h.pool.FetchPage(bucketPageID)
	if err != nil {
		h.unpinDirectory(dir, false)
		return err
	}

	bucketRaw.RLatch()
	empty := h.castBucket(bucketRaw).isEmpty()
	bucketRaw.RUnLatch()
	h.pool.UnpinPage(bucketPageID, false)

	if !empty {
		h.unpinDirectory(dir, false)
		return nil
	}

	if !h.pool.DeletePage(bucketPageID) {
		panic("could not delete an unpinned empty bucket page")
	}

	imagePageID := dir.getBucketPageId(imageIdx)
	dir.setBucketPageId(bucketIdx, imagePageID)
	dir.decrLocalDepth(bucketIdx)
	dir.decrLocalDepth(imageIdx)

	for i := uint32(0); i < dir.size(); i++ {
		pageID := dir.getBucketPageId(i)
		if pageID == bucketPageID || pageID == imagePageID {
			dir.setBucketPageId(i, imagePageID)
			dir.setLocalDepth(i, dir.getLocalDepth(imageIdx))
		}
	}

	for dir.canShrink() {
		dir.decrGlobalDepth()
	}

	h.log.WithFields(logrus.Fields{
		"bucket_page":  bucketPageID,
		"image_page":   imagePageID,
		"global_depth": dir.getGlobalDepth(),
	}).Debug("merged bucket into split image")

	h.unpinDirectory(dir, true)
	return nil
}

// GetGlobalDepth returns the directory's current global depth.
func (h *HashTable) GetGlobalDepth() (uint32, error) {
	h.tableLatch.RLock()
	defer h.tableLatch.RUnlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return 0, err
	}
	depth := dir.getGlobalDepth()
	h.unpinDirectory(dir, false)
	return depth, nil
}

// VerifyIntegrity panics when the directory breaks one of its invariants.
func (h *HashTable) VerifyIntegrity() error {
	h.tableLatch.RLock()
	defer h.tableLatch.RUnlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return err
	}
	dir.verifyIntegrity()
	h.unpinDirectory(dir, false)
	return nil
}

func (h *HashTable) keyToDirectoryIndex(keyBytes []byte, dir *directoryPage) uint32 {
	return h.hash(keyBytes) & dir.getGlobalDepthMask()
}

func (h *HashTable) castBucket(p *pages.RawPage) *bucketPage {
	return castBucketPage(p, h.keySerializer.Size(), h.valueSerializer.Size())
}

// fetchDirectory returns the directory page pinned, creating the directory
// and its first bucket on first access.
func (h *HashTable) fetchDirectory() (*directoryPage, error) {
	h.dirLock.Lock()
	if h.directoryPageID == common.InvalidPageID {
		if err := h.initDirectory(); err != nil {
			h.dirLock.Unlock()
			return nil, err
		}
	}
	h.dirLock.Unlock()

	raw, err := h.pool.FetchPage(h.directoryPageID)
	if err != nil {
		return nil, err
	}
	return castDirectoryPage(raw), nil
}

func (h *HashTable) initDirectory() error {
	dirRaw, err := h.pool.NewPage()
	if err != nil {
		return err
	}
	dir := initDirectoryPage(dirRaw)

	bucketRaw, err := h.pool.NewPage()
	if err != nil {
		h.pool.UnpinPage(dirRaw.GetPageId(), false)
		return err
	}

	dir.setBucketPageId(0, bucketRaw.GetPageId())
	dir.setLocalDepth(0, 0)

	h.pool.UnpinPage(bucketRaw.GetPageId(), true)
	h.pool.UnpinPage(dirRaw.GetPageId(), true)

	h.directoryPageID = dirRaw.GetPageId()
	h.log.WithField("directory_page", h.directoryPageID).Debug("initialized hash table directory")
	return nil
}

func (h *HashTable) unpinDirectory(dir *directoryPage, isDirty bool) {
	h.pool.UnpinPage(dir.getPageId(), isDirty)
}
