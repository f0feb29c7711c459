package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testLeaseDuration = 5 * time.Minute

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testService(t *testing.T, now *time.Time) Service {
	t.Helper()
	svc, err := NewService(testStore(t), testLeaseDuration, zap.NewNop(), nil, nil,
		WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, testLeaseDuration, nil, nil, nil)
	assert.ErrorContains(t, err, "store is required")

	_, err = NewService(testStore(t), 0, nil, nil, nil)
	assert.ErrorContains(t, err, "lease duration")
}

func TestPopulateSeedsAndPreservesLeases(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	inserted, err := svc.Populate(ctx, 4, map[int]bool{2: true})
	require.NoError(t, err)
	assert.Equal(t, 4, inserted)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 4, Pending: 3, Completed: 1}, st)

	// Lease an item, repopulate, and confirm the lease survives.
	a, err := svc.AssignNext(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 0, a.Item.OriginalIndex)

	inserted, err = svc.Populate(ctx, 4, map[int]bool{2: true})
	require.NoError(t, err)
	assert.Zero(t, inserted)

	item, err := svc.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusLeased, item.Status)
	assert.Equal(t, "alice", item.LeasedBy)
}

func TestPopulatePrunesRowsPastSnapshot(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 5, nil)
	require.NoError(t, err)
	_, err = svc.Populate(ctx, 3, nil)
	require.NoError(t, err)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)

	_, err = svc.Get(ctx, 4)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignNextIsExclusiveAndOrdered(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 3, nil)
	require.NoError(t, err)

	a, err := svc.AssignNext(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Item.OriginalIndex)
	assert.Equal(t, StatusLeased, a.Item.Status)
	require.NotNil(t, a.Item.LeasedAt)

	b, err := svc.AssignNext(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Item.OriginalIndex, "next reviewer skips the leased item")
}

func TestAssignNextIdempotentForHolder(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 3, nil)
	require.NoError(t, err)

	first, err := svc.AssignNext(ctx, "alice")
	require.NoError(t, err)
	again, err := svc.AssignNext(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, first.Item.OriginalIndex, again.Item.OriginalIndex)
	assert.Equal(t, first.Item.LeasedAt.UnixNano(), again.Item.LeasedAt.UnixNano(),
		"re-entry must not refresh the lease")

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Leased)
}

func TestAssignNextExhausted(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 2, map[int]bool{0: true})
	require.NoError(t, err)

	_, err = svc.AssignNext(ctx, "alice")
	require.NoError(t, err)

	_, err = svc.AssignNext(ctx, "bob")
	var exhausted *ErrExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Completed)
	assert.Equal(t, 2, exhausted.Total)
}

func TestLeaseExpiryIsLazyAndStrict(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 2, nil)
	require.NoError(t, err)

	_, err = svc.AssignNext(ctx, "alice")
	require.NoError(t, err)

	// Exactly at the boundary the lease still stands: expiry requires the
	// lease timestamp to be strictly older than the cutoff.
	now = now.Add(testLeaseDuration)
	released, err := svc.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	b, err := svc.AssignNext(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Item.OriginalIndex)
	assert.Zero(t, b.ExpiredReleased)

	// One tick past the boundary alice's lease is reclaimed, and the next
	// assignment hands her item out again and reports the reclaim.
	now = now.Add(time.Nanosecond)
	c, err := svc.AssignNext(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Item.OriginalIndex)
	assert.Equal(t, "carol", c.Item.LeasedBy)
	assert.Equal(t, 1, c.ExpiredReleased)

	released, err = svc.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released, "expiry is idempotent")
}

func TestAssignSpecific(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 3, map[int]bool{2: true})
	require.NoError(t, err)

	a, err := svc.AssignSpecific(ctx, 1, "alice")
	require.NoError(t, err)
	assert.False(t, a.ReadOnly)
	assert.Equal(t, "alice", a.Item.LeasedBy)

	// Someone else's lease yields a read-only view and leaves the lease
	// untouched.
	b, err := svc.AssignSpecific(ctx, 1, "bob")
	require.NoError(t, err)
	assert.True(t, b.ReadOnly)
	assert.Equal(t, "alice", b.Item.LeasedBy)

	// Completed items can be re-leased for correction.
	c, err := svc.AssignSpecific(ctx, 2, "bob")
	require.NoError(t, err)
	assert.False(t, c.ReadOnly)
	assert.Equal(t, StatusLeased, c.Item.Status)

	_, err = svc.AssignSpecific(ctx, 99, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignSpecificReleasesOtherLease(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 3, nil)
	require.NoError(t, err)

	_, err = svc.AssignNext(ctx, "alice")
	require.NoError(t, err)
	_, err = svc.AssignSpecific(ctx, 2, "alice")
	require.NoError(t, err)

	item, err := svc.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status, "previous lease returned to the pool")

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Leased)
}

func TestForceCompleteRefusesCompletedItem(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 1, map[int]bool{0: true})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, 0, "bob", true)
	assert.ErrorIs(t, err, ErrLeaseConflict)
}

func TestCompleteRequiresLeaseUnlessForced(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 2, nil)
	require.NoError(t, err)

	// No lease at all: a pending item cannot be completed directly.
	_, err = svc.Complete(ctx, 0, "alice", false)
	assert.ErrorIs(t, err, ErrLeaseConflict)

	_, err = svc.AssignNext(ctx, "alice")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, 0, "bob", false)
	assert.ErrorIs(t, err, ErrLeaseConflict)

	item, err := svc.Complete(ctx, 0, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, item.Status)
	assert.Equal(t, "alice", item.CompletedBy)
	assert.Empty(t, item.LeasedBy)
	assert.Nil(t, item.LeasedAt)

	// Forced completion overrides a live foreign lease.
	_, err = svc.AssignSpecific(ctx, 1, "alice")
	require.NoError(t, err)
	item, err = svc.Complete(ctx, 1, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, item.Status)
	assert.Equal(t, "bob", item.CompletedBy)
}

func TestReopen(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 1, map[int]bool{0: true})
	require.NoError(t, err)

	require.NoError(t, svc.Reopen(ctx, 0))

	item, err := svc.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Empty(t, item.CompletedBy)
	assert.Nil(t, item.CompletedAt)
}

func TestReleaseOnlyByHolder(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 1, nil)
	require.NoError(t, err)
	_, err = svc.AssignNext(ctx, "alice")
	require.NoError(t, err)

	// A non-holder release is a no-op.
	require.NoError(t, svc.Release(ctx, 0, "bob"))
	item, err := svc.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusLeased, item.Status)

	require.NoError(t, svc.Release(ctx, 0, "alice"))
	item, err = svc.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Empty(t, item.LeasedBy)
}

func TestActiveLease(t *testing.T) {
	now := time.Now()
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 2, nil)
	require.NoError(t, err)

	_, held, err := svc.ActiveLease(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, held)

	_, err = svc.AssignNext(ctx, "alice")
	require.NoError(t, err)

	item, held, err := svc.ActiveLease(ctx, "alice")
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, 0, item.OriginalIndex)

	// An expired lease no longer counts as held.
	now = now.Add(testLeaseDuration + time.Second)
	_, held, err = svc.ActiveLease(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestHistoryOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := testService(t, &now)
	ctx := context.Background()

	_, err := svc.Populate(ctx, 3, nil)
	require.NoError(t, err)

	for _, idx := range []int{2, 0, 1} {
		_, err = svc.AssignSpecific(ctx, idx, "alice")
		require.NoError(t, err)
		_, err = svc.Complete(ctx, idx, "alice", false)
		require.NoError(t, err)
		now = now.Add(time.Minute)
	}

	items, err := svc.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].OriginalIndex, "most recent first")
	assert.Equal(t, 0, items[1].OriginalIndex)
}
