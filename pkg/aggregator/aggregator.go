package aggregator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetmon/fleetmon/pkg/log"
	"github.com/fleetmon/fleetmon/pkg/ssa"
	"github.com/fleetmon/fleetmon/pkg/types"
)

// Aggregator is the periodic summarizer. It recomputes group rows from
// the member sites that follow them, and at each hour boundary turns
// the absolute counters reported by the remotes into per-period deltas
// (hour, day, week, month, year), rotating the 7-day top arrays at UTC
// midnight.
type Aggregator struct {
	store  *ssa.Store
	log    zerolog.Logger
	rescan time.Duration

	lastPass time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// counterNames matches the fixed family order of a record's rings.
var counterNames = []string{
	"files_sent", "bytes_sent", "files_received", "bytes_received",
	"connections", "errors", "log_bytes",
}

// New creates an aggregator over the shared status area.
func New(store *ssa.Store) *Aggregator {
	return &Aggregator{
		store:    store,
		log:      log.WithComponent("aggregator"),
		rescan:   types.DefaultRescanTime,
		lastPass: time.Now().UTC(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the rescan loop.
func (a *Aggregator) Start() {
	go a.run()
}

// Stop halts the loop.
func (a *Aggregator) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *Aggregator) run() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Tick(time.Now().UTC())
		case <-a.stopCh:
			return
		}
	}
}

// Tick performs one scheduling step at the given instant: always a
// group recompute, plus the boundary pass when an hour boundary was
// crossed since the previous tick.
func (a *Aggregator) Tick(now time.Time) {
	a.RecomputeGroups()
	if now.Truncate(time.Hour).After(a.lastPass.Truncate(time.Hour)) {
		a.BoundaryPass(a.lastPass, now)
	}
	a.lastPass = now
}

// RecomputeGroups re-derives every group row from the contiguous run of
// non-group sites that follows it: connect status is the maximum
// severity, log histories the element-wise maximum, numeric fields the
// sum.
func (a *Aggregator) RecomputeGroups() {
	recs := a.store.Records()

	for i := 0; i < len(recs); i++ {
		if !recs[i].IsGroup() {
			continue
		}

		var agg types.SiteRecord
		for j := i + 1; j < len(recs) && !recs[j].IsGroup(); j++ {
			m := &recs[j]
			if m.ConnectStatus > agg.ConnectStatus {
				agg.ConnectStatus = m.ConnectStatus
			}
			agg.FilesPending += m.FilesPending
			agg.BytesPending += m.BytesPending
			agg.TransferRate += m.TransferRate
			agg.FileRate += m.FileRate
			agg.ErrorCounter += m.ErrorCounter
			agg.HostErrorCounter += m.HostErrorCounter
			agg.ActiveTransfers += m.ActiveTransfers
			agg.JobsInQueue += m.JobsInQueue
			agg.NoOfHosts += m.NoOfHosts
			agg.NoOfDirs += m.NoOfDirs
			agg.NoOfJobs += m.NoOfJobs
			for s := 0; s < types.CounterSlots; s++ {
				agg.FilesSent[s] += m.FilesSent[s]
				agg.BytesSent[s] += m.BytesSent[s]
				agg.FilesReceived[s] += m.FilesReceived[s]
				agg.BytesReceived[s] += m.BytesReceived[s]
				agg.Connections[s] += m.Connections[s]
				agg.TotalErrors[s] += m.TotalErrors[s]
				agg.LogBytesReceived[s] += m.LogBytesReceived[s]
			}
			for c := 0; c < types.HistoryCategories; c++ {
				for h := 0; h < types.MaxLogHistory; h++ {
					if m.LogHistory[c][h] > agg.LogHistory[c][h] {
						agg.LogHistory[c][h] = m.LogHistory[c][h]
					}
				}
			}
			if m.LastDataTime.After(agg.LastDataTime) {
				agg.LastDataTime = m.LastDataTime
			}
		}

		if err := a.store.Update(i, func(r *types.SiteRecord) {
			r.ConnectStatus = agg.ConnectStatus
			r.FilesPending = agg.FilesPending
			r.BytesPending = agg.BytesPending
			r.TransferRate = agg.TransferRate
			r.FileRate = agg.FileRate
			r.ErrorCounter = agg.ErrorCounter
			r.HostErrorCounter = agg.HostErrorCounter
			r.ActiveTransfers = agg.ActiveTransfers
			r.JobsInQueue = agg.JobsInQueue
			r.NoOfHosts = agg.NoOfHosts
			r.NoOfDirs = agg.NoOfDirs
			r.NoOfJobs = agg.NoOfJobs
			r.FilesSent = agg.FilesSent
			r.BytesSent = agg.BytesSent
			r.FilesReceived = agg.FilesReceived
			r.BytesReceived = agg.BytesReceived
			r.Connections = agg.Connections
			r.TotalErrors = agg.TotalErrors
			r.LogBytesReceived = agg.LogBytesReceived
			r.LogHistory = agg.LogHistory
			r.LastDataTime = agg.LastDataTime
		}); err != nil {
			a.log.Warn().Err(err).Int("index", i).Msg("failed to update group row")
		}
	}
}

// BoundaryPass runs the periodic delta computation for every boundary
// crossed between prev and now: the hour always, day/week/month/year
// when the respective calendar unit of now differs from prev's. Day
// boundaries additionally rotate the top arrays.
func (a *Aggregator) BoundaryPass(prev, now time.Time) {
	prev, now = prev.UTC(), now.UTC()

	slots := []int{types.SlotHour}
	dayCrossed := now.YearDay() != prev.YearDay() || now.Year() != prev.Year()
	if dayCrossed {
		slots = append(slots, types.SlotDay)
	}
	py, pw := prev.ISOWeek()
	ny, nw := now.ISOWeek()
	if py != ny || pw != nw {
		slots = append(slots, types.SlotWeek)
	}
	if now.Month() != prev.Month() || now.Year() != prev.Year() {
		slots = append(slots, types.SlotMonth)
	}
	if now.Year() != prev.Year() {
		slots = append(slots, types.SlotYear)
	}

	n := a.store.Len()
	totals := make(map[int][]uint64, len(slots))
	for _, s := range slots {
		totals[s] = make([]uint64, len(counterNames))
	}

	for i := 0; i < n; i++ {
		rec, err := a.store.Record(i)
		if err != nil || rec.IsGroup() {
			continue
		}
		if rec.SpecialFlag&types.CountersInitialized == 0 {
			continue
		}

		deltas := make(map[int][]uint64, len(slots))
		if err := a.store.Update(i, func(r *types.SiteRecord) {
			for _, s := range slots {
				deltas[s] = rollSlot(r, s, a.log)
			}
			if dayCrossed {
				rotateTops(r)
			}
		}); err != nil {
			continue
		}

		for _, s := range slots {
			for c := range deltas[s] {
				totals[s][c] += deltas[s][c]
			}
		}
		a.logSummary(rec.Alias, types.SlotHour, deltas[types.SlotHour])
	}

	for _, s := range slots {
		a.logSummary("fleet", s, totals[s])
	}
}

// rollSlot computes the deltas of one period slot against the current
// counters and re-seeds the baseline. A counter that went backwards
// (remote restart or wrap) yields a zero delta.
func rollSlot(r *types.SiteRecord, slot int, logger zerolog.Logger) []uint64 {
	rings := []*types.CounterRing{
		&r.FilesSent, &r.BytesSent, &r.FilesReceived, &r.BytesReceived,
		&r.Connections, &r.TotalErrors, &r.LogBytesReceived,
	}
	deltas := make([]uint64, len(rings))
	for c, ring := range rings {
		cur, base := ring[types.SlotCurrent], ring[slot]
		if cur < base {
			logger.Warn().Str("site", r.Alias).Str("counter", counterNames[c]).
				Uint64("current", cur).Uint64("baseline", base).
				Msg("counter overflowed, delta treated as zero")
		} else {
			deltas[c] = cur - base
		}
		ring[slot] = cur
	}
	return deltas
}

// rotateTops shifts the 7-day top arrays one day to the right and
// clears today's slot and its timestamps.
func rotateTops(r *types.SiteRecord) {
	for _, top := range []*[types.StorageTime]uint64{
		&r.TopTransferRate, &r.TopFileRate, &r.TopTransfers,
	} {
		for i := types.StorageTime - 1; i >= 1; i-- {
			top[i] = top[i-1]
		}
		top[0] = 0
	}
	r.TopTransferTime = time.Time{}
	r.TopFileRateTime = time.Time{}
	r.TopTransfersTime = time.Time{}
}

func (a *Aggregator) logSummary(name string, slot int, deltas []uint64) {
	if deltas == nil {
		return
	}
	ev := a.log.Info().Str("site", name).Str("period", slotName(slot))
	for c, d := range deltas {
		ev = ev.Uint64(counterNames[c], d)
	}
	ev.Msg("period summary")
}

func slotName(slot int) string {
	switch slot {
	case types.SlotHour:
		return "hour"
	case types.SlotDay:
		return "day"
	case types.SlotWeek:
		return "week"
	case types.SlotMonth:
		return "month"
	case types.SlotYear:
		return "year"
	default:
		return "current"
	}
}
