package aggregator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmon/fleetmon/pkg/ssa"
	"github.com/fleetmon/fleetmon/pkg/types"
)

func fleetRecords() []types.SiteRecord {
	return []types.SiteRecord{
		{Alias: "europe"},
		{Alias: "berlin", RemoteCmd: "rsd", ConnectStatus: types.StatusError, ActiveTransfers: 1},
		{Alias: "munich", RemoteCmd: "rsd", ConnectStatus: types.StatusDisabled, ActiveTransfers: 2},
		{Alias: "vienna", RemoteCmd: "rsd", ConnectStatus: types.StatusDisconnected, ActiveTransfers: 3},
		{Alias: "asia"},
		{Alias: "tokyo", RemoteCmd: "rsd", ConnectStatus: types.StatusWarn, ActiveTransfers: 10},
	}
}

func TestRecomputeGroups(t *testing.T) {
	store := ssa.NewStore(fleetRecords())
	a := New(store)

	a.RecomputeGroups()

	europe, err := store.Record(0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisabled, europe.ConnectStatus, "max severity of members")
	assert.Equal(t, uint64(6), europe.ActiveTransfers, "sum of members")

	// The run stops at the next group row: tokyo belongs to asia.
	asia, err := store.Record(4)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWarn, asia.ConnectStatus)
	assert.Equal(t, uint64(10), asia.ActiveTransfers)
}

func TestRecomputeGroupsMergesHistories(t *testing.T) {
	store := ssa.NewStore(fleetRecords())
	require.NoError(t, store.Update(1, func(r *types.SiteRecord) {
		r.LogHistory[types.HistoryReceive][0] = 3
	}))
	require.NoError(t, store.Update(2, func(r *types.SiteRecord) {
		r.LogHistory[types.HistoryReceive][0] = 1
		r.LogHistory[types.HistoryReceive][1] = 5
	}))

	New(store).RecomputeGroups()

	europe, err := store.Record(0)
	require.NoError(t, err)
	assert.Equal(t, byte(3), europe.LogHistory[types.HistoryReceive][0])
	assert.Equal(t, byte(5), europe.LogHistory[types.HistoryReceive][1])
}

func seedCounters(t *testing.T, store *ssa.Store, i int, current, baseline uint64) {
	t.Helper()
	require.NoError(t, store.Update(i, func(r *types.SiteRecord) {
		r.SpecialFlag |= types.CountersInitialized
		r.FilesSent[types.SlotCurrent] = current
		for s := types.SlotHour; s <= types.SlotYear; s++ {
			r.FilesSent[s] = baseline
		}
	}))
}

func TestBoundaryPassHourOnly(t *testing.T) {
	store := ssa.NewStore(fleetRecords())
	a := New(store)
	seedCounters(t, store, 1, 150, 100)

	prev := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	now := time.Date(2026, 3, 14, 11, 0, 5, 0, time.UTC)
	a.BoundaryPass(prev, now)

	rec, err := store.Record(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), rec.FilesSent[types.SlotHour], "hour baseline re-seeded")
	assert.Equal(t, uint64(100), rec.FilesSent[types.SlotDay], "day baseline untouched inside the day")
	assert.Equal(t, uint64(100), rec.FilesSent[types.SlotYear])
}

func TestBoundaryPassMidnight(t *testing.T) {
	store := ssa.NewStore(fleetRecords())
	a := New(store)
	seedCounters(t, store, 1, 150, 100)

	tops := [types.StorageTime]uint64{100, 80, 60, 40, 20, 10, 5}
	require.NoError(t, store.Update(1, func(r *types.SiteRecord) {
		r.TopTransferRate = tops
		r.TopTransferTime = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
		r.FilesPending = 42
	}))

	prev := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	now := time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC)
	a.BoundaryPass(prev, now)

	rec, err := store.Record(1)
	require.NoError(t, err)
	assert.Equal(t, [types.StorageTime]uint64{0, 100, 80, 60, 40, 20, 10}, rec.TopTransferRate)
	assert.True(t, rec.TopTransferTime.IsZero(), "slot 0 top time cleared")

	assert.Equal(t, uint64(150), rec.FilesSent[types.SlotHour])
	assert.Equal(t, uint64(150), rec.FilesSent[types.SlotDay])
	assert.Equal(t, uint64(100), rec.FilesSent[types.SlotMonth], "month boundary not crossed")

	// Nothing else on the record moved.
	assert.Equal(t, uint64(42), rec.FilesPending)
}

func TestBoundaryPassYearRollsEverySlot(t *testing.T) {
	store := ssa.NewStore(fleetRecords())
	a := New(store)
	seedCounters(t, store, 1, 150, 100)

	// 2029-01-01 is a Monday, so the ISO week rolls with the year.
	prev := time.Date(2028, 12, 31, 23, 30, 0, 0, time.UTC)
	now := time.Date(2029, 1, 1, 0, 0, 1, 0, time.UTC)
	a.BoundaryPass(prev, now)

	rec, err := store.Record(1)
	require.NoError(t, err)
	for s := types.SlotHour; s <= types.SlotYear; s++ {
		assert.Equal(t, uint64(150), rec.FilesSent[s], "slot %d", s)
	}
}

func TestRollSlotOverflow(t *testing.T) {
	rec := types.SiteRecord{Alias: "berlin"}
	rec.FilesSent[types.SlotCurrent] = 10
	rec.FilesSent[types.SlotHour] = 100

	deltas := rollSlot(&rec, types.SlotHour, zerolog.Nop())

	assert.Zero(t, deltas[0], "rollover delta is zero")
	assert.Equal(t, uint64(10), rec.FilesSent[types.SlotHour], "baseline re-seeded")

	// Counting resumes from the new baseline.
	rec.FilesSent[types.SlotCurrent] = 25
	deltas = rollSlot(&rec, types.SlotHour, zerolog.Nop())
	assert.Equal(t, uint64(15), deltas[0])
}

func TestTickSkipsBoundaryInsideHour(t *testing.T) {
	store := ssa.NewStore(fleetRecords())
	a := New(store)
	seedCounters(t, store, 1, 150, 100)

	a.lastPass = time.Date(2026, 3, 14, 10, 10, 0, 0, time.UTC)
	a.Tick(time.Date(2026, 3, 14, 10, 50, 0, 0, time.UTC))

	rec, err := store.Record(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), rec.FilesSent[types.SlotHour], "no pass inside the same hour")

	a.Tick(time.Date(2026, 3, 14, 11, 0, 2, 0, time.UTC))
	rec, err = store.Record(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), rec.FilesSent[types.SlotHour])
}

func TestUninitializedCountersAreSkipped(t *testing.T) {
	store := ssa.NewStore(fleetRecords())
	a := New(store)
	require.NoError(t, store.Update(1, func(r *types.SiteRecord) {
		r.FilesSent[types.SlotCurrent] = 500
	}))

	prev := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	a.BoundaryPass(prev, prev.Add(time.Hour))

	rec, err := store.Record(1)
	require.NoError(t, err)
	assert.Zero(t, rec.FilesSent[types.SlotHour], "no baseline before first counter sighting")
}
