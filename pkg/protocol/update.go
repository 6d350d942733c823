package protocol

import (
	"github.com/fleetmon/fleetmon/pkg/types"
)

// Update is one typed record decoded from a single protocol message.
// Updates carry only what the remote reported; applying them to a site
// record is the caller's business.
type Update interface {
	update()
}

// IntervalSummary is the IS tag: the periodic snapshot of live activity.
// The first eight integers are always present; Present tells how many of
// the optional slot-0 counters followed (0..6, in wire order FilesSent,
// BytesSent, Connections, TotalErrors, FilesReceived, BytesReceived).
type IntervalSummary struct {
	FilesPending     uint64
	BytesPending     uint64
	TransferRate     uint64
	FileRate         uint64
	ErrorCounter     uint64
	HostErrorCounter uint64
	ActiveTransfers  uint64
	JobsInQueue      uint64

	Present       int
	FilesSent     uint64
	BytesSent     uint64
	Connections   uint64
	TotalErrors   uint64
	FilesReceived uint64
	BytesReceived uint64
}

// HostCount is the NH tag.
type HostCount struct{ Count int }

// DirCount is the ND tag.
type DirCount struct{ Count int }

// JobCount is the NJ tag.
type JobCount struct{ Count int }

// MaxConnections is the MC tag.
type MaxConnections struct{ Value uint64 }

// Subsystem selectors for SubsystemStatus.
const (
	SubsystemAMG = iota
	SubsystemFD
	SubsystemArchiveWatch
)

// SubsystemStatus covers the AM, FD and AW tags.
type SubsystemStatus struct {
	Subsystem int
	Value     int
}

// DangerJobs is the DJ tag.
type DangerJobs struct{ Threshold uint64 }

// VersionUpdate is the AV tag.
type VersionUpdate struct{ Version string }

// WorkDirUpdate is the WD tag.
type WorkDirUpdate struct{ Dir string }

// LogCapabilities is the LC tag. The first sighting triggers the GOT_LC
// handshake with the supervisor.
type LogCapabilities struct{ Mask uint32 }

// TypesizeUpdate is the TD tag. N is how many values were present.
type TypesizeUpdate struct {
	Values types.Typesize
	N      int
}

// HostListEntry is the HL tag: one row of the host list snapshot under
// construction.
type HostListEntry struct {
	Pos   int
	Entry types.HostEntry
}

// DirListEntry is the DL tag.
type DirListEntry struct {
	Pos   int
	Entry types.DirEntry
}

// JobListEntry is the JL (or blurred Jl) tag.
type JobListEntry struct {
	Pos   int
	Entry types.JobEntry
}

// ErrorHistoryUpdate is the EL tag: the error history of one remote host.
// The tail beyond len(History) is zero-filled by the applier.
type ErrorHistoryUpdate struct {
	HostPos int
	History []int
}

// LogHistoryUpdate covers the RH, TH and SH tags. Severities holds one
// decoded severity byte per hour, newest last.
type LogHistoryUpdate struct {
	Category   int // types.HistoryReceive, HistoryTransfer, HistorySystem
	Severities []byte
}

// SysLogRadar is the SR tag: the entry counter plus the severity fifo.
type SysLogRadar struct {
	Counter uint64
	Fifo    []byte
}

// CommandReply is a numeric "nnn-" status line.
type CommandReply struct{ Code int }

// ShutdownNotice is the remote's shutdown literal.
type ShutdownNotice struct{}

func (IntervalSummary) update()    {}
func (HostCount) update()          {}
func (DirCount) update()           {}
func (JobCount) update()           {}
func (MaxConnections) update()     {}
func (SubsystemStatus) update()    {}
func (DangerJobs) update()         {}
func (VersionUpdate) update()      {}
func (WorkDirUpdate) update()      {}
func (LogCapabilities) update()    {}
func (TypesizeUpdate) update()     {}
func (HostListEntry) update()      {}
func (DirListEntry) update()       {}
func (JobListEntry) update()       {}
func (ErrorHistoryUpdate) update() {}
func (LogHistoryUpdate) update()   {}
func (SysLogRadar) update()        {}
func (CommandReply) update()       {}
func (ShutdownNotice) update()     {}
