package exhash

import (
	"testing"

	"hashdb/common"
	"hashdb/disk/pages"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory() *directoryPage {
	p := pages.NewRawPage(7)
	d := initDirectoryPage(p)
	d.setBucketPageId(0, 100)
	d.setLocalDepth(0, 0)
	return d
}

func TestDirectoryPage_Starts_With_A_Single_Slot(t *testing.T) {
	d := newTestDirectory()

	assert.Equal(t, common.PageID(7), d.getPageId())
	assert.Equal(t, uint32(0), d.getGlobalDepth())
	assert.Equal(t, uint32(1), d.size())
	assert.Equal(t, uint32(0), d.getGlobalDepthMask())
}

func TestDirectoryPage_IncrGlobalDepth_Should_Copy_Low_Order_Siblings(t *testing.T) {
	d := newTestDirectory()

	d.incrGlobalDepth()
	require.Equal(t, uint32(2), d.size())
	assert.Equal(t, common.PageID(100), d.getBucketPageId(1))
	assert.Equal(t, uint32(0), d.getLocalDepth(1))

	d.setBucketPageId(1, 200)
	d.setLocalDepth(0, 1)
	d.setLocalDepth(1, 1)

	d.incrGlobalDepth()
	require.Equal(t, uint32(4), d.size())
	assert.Equal(t, common.PageID(100), d.getBucketPageId(2))
	assert.Equal(t, common.PageID(200), d.getBucketPageId(3))
	assert.Equal(t, uint32(1), d.getLocalDepth(2))
	assert.Equal(t, uint32(1), d.getLocalDepth(3))

	assert.NotPanics(t, d.verifyIntegrity)
}

func TestDirectoryPage_CanShrink_Only_When_No_Bucket_Uses_Every_Bit(t *testing.T) {
	d := newTestDirectory()
	assert.False(t, d.canShrink())

	d.incrGlobalDepth()
	// both slots still at local depth 0 < 1
	assert.True(t, d.canShrink())

	d.setLocalDepth(0, 1)
	d.setLocalDepth(1, 1)
	d.setBucketPageId(1, 200)
	assert.False(t, d.canShrink())
}

func TestDirectoryPage_SplitImageIndex_Flips_The_Top_Local_Bit(t *testing.T) {
	d := newTestDirectory()
	d.incrGlobalDepth()
	d.incrGlobalDepth()

	d.setLocalDepth(2, 2)
	assert.Equal(t, uint32(0), d.getSplitImageIndex(2))

	d.setLocalDepth(1, 1)
	assert.Equal(t, uint32(0), d.getSplitImageIndex(1))
}

func TestDirectoryPage_VerifyIntegrity_Should_Catch_Broken_Invariants(t *testing.T) {
	d := newTestDirectory()
	d.incrGlobalDepth()
	d.setBucketPageId(0, 100)
	d.setBucketPageId(1, 200)
	d.setLocalDepth(0, 1)
	d.setLocalDepth(1, 1)
	assert.NotPanics(t, d.verifyIntegrity)

	// local depth above global depth
	d.setLocalDepth(1, 2)
	assert.Panics(t, d.verifyIntegrity)
	d.setLocalDepth(1, 1)

	// aliasing slots must agree on local depth
	d.setBucketPageId(1, 100)
	d.setLocalDepth(0, 1)
	d.setLocalDepth(1, 0)
	assert.Panics(t, d.verifyIntegrity)

	d.setLocalDepth(0, 0)
	d.setLocalDepth(1, 0)
	assert.NotPanics(t, d.verifyIntegrity)
}

func TestDirectoryPage_Cannot_Grow_Beyond_Max_Depth(t *testing.T) {
	d := newTestDirectory()
	for i := uint32(0); i < MaxBucketDepth; i++ {
		d.incrGlobalDepth()
	}
	assert.Equal(t, MaxBucketDepth, d.getGlobalDepth())
	assert.Panics(t, d.incrGlobalDepth)
}
