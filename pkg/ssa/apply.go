package ssa

import (
	"time"

	"github.com/fleetmon/fleetmon/pkg/protocol"
	"github.com/fleetmon/fleetmon/pkg/types"
)

// ApplyResult reports side effects an update should have outside the
// status area.
type ApplyResult struct {
	// FirstLogCaps is true when this was the first LC sighting for the
	// session, which triggers the GOT_LC handshake with the supervisor.
	FirstLogCaps bool
	// HostCount/DirCount/JobCount changed: the snapshot manager must
	// resize its lists.
	CountChanged bool
}

// Apply merges one parsed update into the site record at index i. List
// entry updates (HL, DL, JL, EL) are not status area business and are
// ignored here; the polling client routes them to its snapshot manager.
func (s *Store) Apply(i int, u protocol.Update, now time.Time) (ApplyResult, error) {
	var res ApplyResult
	err := s.Update(i, func(r *types.SiteRecord) {
		r.LastDataTime = now
		switch v := u.(type) {
		case protocol.IntervalSummary:
			applyIntervalSummary(r, v, now)
		case protocol.HostCount:
			res.CountChanged = v.Count != r.NoOfHosts
			r.NoOfHosts = v.Count
		case protocol.DirCount:
			res.CountChanged = v.Count != r.NoOfDirs
			r.NoOfDirs = v.Count
		case protocol.JobCount:
			res.CountChanged = v.Count != r.NoOfJobs
			r.NoOfJobs = v.Count
		case protocol.MaxConnections:
			r.MaxConnections = v.Value
		case protocol.SubsystemStatus:
			on := v.Value != 0
			switch v.Subsystem {
			case protocol.SubsystemAMG:
				r.AMGStatus = on
			case protocol.SubsystemFD:
				r.FDStatus = on
			case protocol.SubsystemArchiveWatch:
				r.ArchiveWatch = on
			}
		case protocol.DangerJobs:
			r.DangerNoOfJobs = v.Threshold
		case protocol.VersionUpdate:
			r.RemoteVersion = v.Version
		case protocol.WorkDirUpdate:
			r.RemoteWorkDir = v.Dir
		case protocol.LogCapabilities:
			res.FirstLogCaps = r.Capabilities == 0 && v.Mask != 0
			r.Capabilities = v.Mask
		case protocol.LogHistoryUpdate:
			applyLogHistory(r, v, now)
		case protocol.SysLogRadar:
			r.LogFifoCounter = v.Counter
			for j := 0; j < len(v.Fifo) && j < types.LogFifoSize; j++ {
				r.LogFifo[j] = v.Fifo[j]
			}
		}
	})
	return res, err
}

// applyIntervalSummary writes the live activity fields and, when present,
// the slot-0 counters. The first counter observation seeds the baseline
// slots 1..5 and flags the record initialized.
func applyIntervalSummary(r *types.SiteRecord, is protocol.IntervalSummary, now time.Time) {
	r.FilesPending = is.FilesPending
	r.BytesPending = is.BytesPending
	r.TransferRate = is.TransferRate
	r.FileRate = is.FileRate
	r.ErrorCounter = is.ErrorCounter
	r.HostErrorCounter = is.HostErrorCounter
	r.ActiveTransfers = is.ActiveTransfers
	r.JobsInQueue = is.JobsInQueue

	// Track today's maxima.
	if is.TransferRate > r.TopTransferRate[0] {
		r.TopTransferRate[0] = is.TransferRate
		r.TopTransferTime = r.LastDataTime
	}
	if is.FileRate > r.TopFileRate[0] {
		r.TopFileRate[0] = is.FileRate
		r.TopFileRateTime = r.LastDataTime
	}
	if is.ActiveTransfers > r.TopTransfers[0] {
		r.TopTransfers[0] = is.ActiveTransfers
		r.TopTransfersTime = r.LastDataTime
	}

	if is.Present > 0 {
		r.FilesSent[types.SlotCurrent] = is.FilesSent
	}
	if is.Present > 1 {
		r.BytesSent[types.SlotCurrent] = is.BytesSent
	}
	if is.Present > 2 {
		r.Connections[types.SlotCurrent] = is.Connections
	}
	if is.Present > 3 {
		r.TotalErrors[types.SlotCurrent] = is.TotalErrors
	}
	if is.Present > 4 {
		r.FilesReceived[types.SlotCurrent] = is.FilesReceived
	}
	if is.Present > 5 {
		r.BytesReceived[types.SlotCurrent] = is.BytesReceived
	}

	if is.Present > 0 && r.SpecialFlag&types.CountersInitialized == 0 {
		seedBaselines(r)
		r.SpecialFlag |= types.CountersInitialized
	}
}

// seedBaselines copies slot 0 into slots 1..5 of every counter family so
// the first period starts with zero deltas.
func seedBaselines(r *types.SiteRecord) {
	for _, ring := range rings(r) {
		for s := types.SlotHour; s <= types.SlotYear; s++ {
			ring[s] = ring[types.SlotCurrent]
		}
	}
}

// rings returns the counter families of a record in a fixed order.
func rings(r *types.SiteRecord) []*types.CounterRing {
	return []*types.CounterRing{
		&r.FilesSent,
		&r.BytesSent,
		&r.FilesReceived,
		&r.BytesReceived,
		&r.Connections,
		&r.TotalErrors,
		&r.LogBytesReceived,
	}
}

// applyLogHistory merges an RH/TH/SH update. A full-length update
// replaces the whole array. A shorter update right-aligns the new bytes
// after shifting the array left by one, but the shift happens at most
// once per hour per category.
func applyLogHistory(r *types.SiteRecord, lh protocol.LogHistoryUpdate, now time.Time) {
	if lh.Category < 0 || lh.Category >= types.HistoryCategories {
		return
	}
	hist := &r.LogHistory[lh.Category]
	n := len(lh.Severities)
	if n >= types.MaxLogHistory {
		copy(hist[:], lh.Severities[:types.MaxLogHistory])
		return
	}

	hour := now.UTC().Truncate(time.Hour).Unix()
	if r.ShiftDone[lh.Category] != hour {
		copy(hist[:], hist[1:])
		hist[types.MaxLogHistory-1] = types.NoInformation
		r.ShiftDone[lh.Category] = hour
	}
	copy(hist[types.MaxLogHistory-n:], lh.Severities)
}
