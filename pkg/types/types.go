package types

import (
	"time"
)

// Field and layout limits shared between the supervisor, the pollers and
// external viewers. Changing any of these changes the published record
// layout, so bump LayoutVersion when they change.
const (
	MaxAliasLength        = 12
	MaxRealHostnameLength = 70
	MaxVersionLength      = 40
	MaxPathLength         = 1024
	MaxRecipientLength    = 256
	MaxDirNameLength      = 256
	MaxUserNameLength     = 80

	// StorageTime is the number of day slots kept in the rolling
	// top-N arrays (slot 0 is today).
	StorageTime = 7

	// MaxLogHistory is the number of hourly severity bytes kept per
	// log category (48 hours).
	MaxLogHistory = 48

	// LogFifoSize is the length of the system-log radar ring.
	LogFifoSize = 8

	// ErrorHistoryLength is the number of error slots kept per remote host.
	ErrorHistoryLength = 16

	// DataStepSize is the granularity in entries by which list snapshots
	// grow and shrink.
	DataStepSize = 20

	// MaxTypesizeValues is the length of the typesize vector a remote
	// reports at session start.
	MaxTypesizeValues = 16

	// LayoutVersion is the version byte of the published status area.
	LayoutVersion = 1
)

// Severity bytes carried in log histories and the log fifo. A value above
// ColorPoolSize is not a valid severity and is mapped to NoInformation.
const (
	ColorPoolSize = 20
	NoInformation = byte(0)
)

// GroupIdentifier marks a host-list row as a group header when it is the
// first byte of the primary real hostname.
const GroupIdentifier = byte('>')

// Default timing values, overridable per deployment in the configuration.
const (
	DefaultTCPTimeout     = 120 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultRetryInterval  = 60 * time.Second
	DefaultRescanTime     = 1 * time.Second
	DefaultMaxLogFiles    = 7
	DefaultSwitchFileTime = 24 * time.Hour
)

// Restart throttling for crashed site workers.
const (
	MaxWorkerRestarts  = 20
	RestartCrashWindow = 5 * time.Second
)

// ConnectStatus is the live connection state of a monitored site. Values
// are ordered by severity so that group rows can aggregate with max.
type ConnectStatus int

const (
	StatusOK           ConnectStatus = 0
	StatusWarn         ConnectStatus = 1
	StatusError        ConnectStatus = 2
	StatusDisconnected ConnectStatus = 3
	StatusDefunct      ConnectStatus = 4
	StatusDisabled     ConnectStatus = 5
)

func (s ConnectStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarn:
		return "warn"
	case StatusError:
		return "error"
	case StatusDisconnected:
		return "disconnected"
	case StatusDefunct:
		return "defunct"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// SwitchMode controls automatic failover between the two endpoints of a site.
type SwitchMode int

const (
	SwitchNone SwitchMode = iota
	SwitchAuto
	SwitchUser
)

func (m SwitchMode) String() string {
	switch m {
	case SwitchAuto:
		return "auto"
	case SwitchUser:
		return "user"
	default:
		return "none"
	}
}

// Option bits on a site record. The low bits configure the transport, the
// log bits select which remote log streams the site wants forwarded.
const (
	OptTLS           = 1 << 0
	OptCompression   = 1 << 1
	OptStrictHostKey = 1 << 2
	OptSystemLog     = 1 << 3
	OptReceiveLog    = 1 << 4
	OptTransferLog   = 1 << 5

	// OptLogMask covers all log stream bits.
	OptLogMask = OptSystemLog | OptReceiveLog | OptTransferLog
)

// SpecialFlag bits.
const (
	// CountersInitialized is set once the six-slot counter baselines have
	// been seeded from the first remote observation.
	CountersInitialized = 1 << 0
)

// Counter ring slot indices. Slot 0 is the live counter as reported by the
// remote; slots 1..5 hold the value of slot 0 at the start of the current
// hour, day, week, month and year.
const (
	SlotCurrent = iota
	SlotHour
	SlotDay
	SlotWeek
	SlotMonth
	SlotYear
	CounterSlots
)

// Log history categories (RH, TH, SH tags).
const (
	HistoryReceive = iota
	HistoryTransfer
	HistorySystem
	HistoryCategories
)

// Endpoint is one of the two configured addresses of a remote status daemon.
type Endpoint struct {
	Host string
	Port int
}

// CounterRing is one six-slot counter family (see SlotCurrent..SlotYear).
type CounterRing [CounterSlots]uint64

// SiteRecord is the fixed-layout per-site record kept in the shared status
// area. Exactly one polling client writes the live fields of a record; the
// aggregator owns the baseline slots 1..5 and the Top* arrays; the
// supervisor owns group rows. Seq is incremented around every mutation so
// lock-free readers can detect torn reads.
type SiteRecord struct {
	// Identity.
	Alias         string
	Endpoints     [2]Endpoint
	RemoteCmd     string // empty means this row is a group aggregate
	RemoteVersion string
	RemoteWorkDir string

	// Live status, owned by the polling client.
	ConnectStatus    ConnectStatus
	AMGStatus        bool
	FDStatus         bool
	ArchiveWatch     bool
	FilesPending     uint64
	BytesPending     uint64
	TransferRate     uint64
	FileRate         uint64
	ErrorCounter     uint64
	JobsInQueue      uint64
	ActiveTransfers  uint64
	HostErrorCounter uint64
	MaxConnections   uint64
	DangerNoOfJobs   uint64
	NoOfHosts        int
	NoOfDirs         int
	NoOfJobs         int

	// Rolling per-day maxima, rotated at UTC midnight by the aggregator.
	TopTransferRate  [StorageTime]uint64
	TopFileRate      [StorageTime]uint64
	TopTransfers     [StorageTime]uint64
	TopTransferTime  time.Time
	TopFileRateTime  time.Time
	TopTransfersTime time.Time

	// Six-slot counter rings.
	FilesSent        CounterRing
	BytesSent        CounterRing
	FilesReceived    CounterRing
	BytesReceived    CounterRing
	Connections      CounterRing
	TotalErrors      CounterRing
	LogBytesReceived CounterRing

	// Log radar fifo and 48 hour histories, one severity byte per hour.
	LogFifo        [LogFifoSize]byte
	LogFifoCounter uint64
	LogHistory     [HistoryCategories][MaxLogHistory]byte

	// ShiftDone records, per history category, the last hour for which the
	// hourly left-shift has already been applied.
	ShiftDone [HistoryCategories]int64

	// Timing.
	PollInterval   time.Duration
	ConnectTime    time.Duration
	DisconnectTime time.Duration
	LastDataTime   time.Time

	// Failover.
	SwitchMode SwitchMode
	Toggle     int

	// Flags.
	Options      uint32
	Capabilities uint32
	SpecialFlag  uint32

	// Seq is bumped before and after each mutation (odd while a write is
	// in flight).
	Seq uint64
}

// IsGroup reports whether this record is a group aggregate row.
func (r *SiteRecord) IsGroup() bool {
	return r.RemoteCmd == ""
}

// CurrentEndpoint returns the endpoint selected by the failover toggle.
func (r *SiteRecord) CurrentEndpoint() Endpoint {
	return r.Endpoints[r.Toggle&1]
}

// SupervisorStatus is the process-wide status record published alongside
// the site records.
type SupervisorStatus struct {
	StartTime      time.Time
	SysLogStatus   ConnectStatus
	MonLogStatus   bool
	LogFifo        [LogFifoSize]byte
	LogFifoCounter uint64
	LogBytes       CounterRing
}

// ProcEntry is the runtime bookkeeping for the tasks serving one site.
type ProcEntry struct {
	Alias       string
	ClientID    string // poll session identifier, empty while stopped
	ForwarderID string
	StartTime   time.Time
	NextRetry   time.Time
	Restarts    int
	GaveUp      bool
	LastCrash   time.Time
	LogCaps     uint32
}

// HostEntry is one row of a site's host-list snapshot. HostID is the
// CRC-32 checksum of the alias string.
type HostEntry struct {
	HostID       uint32
	Alias        string
	RealHostname [2]string
	ErrorHistory [ErrorHistoryLength]int
}

// IsGroup reports whether this host row is a group header.
func (h *HostEntry) IsGroup() bool {
	return len(h.RealHostname[0]) > 0 && h.RealHostname[0][0] == GroupIdentifier
}

// DirEntry is one row of a site's directory-list snapshot.
type DirEntry struct {
	DirID       uint32
	EntryTime   time.Time
	Alias       string
	Name        string
	OrigName    string
	HomeDirUser string
	HomeDirLen  int
}

// JobEntry is one row of a site's job-list snapshot.
type JobEntry struct {
	JobID       uint32
	DirID       uint32
	NoOfLoption int
	EntryTime   time.Time
	Priority    byte
	Recipient   string
}

// Typesize is the vector of compile-time sizes a remote node declares so
// variable width textual fields can be interpreted without recompiling.
type Typesize [MaxTypesizeValues]int

// Well known typesize vector positions.
const (
	TSMsgNameLength = iota
	TSFilenameLength
	TSHostnameLength
	TSAliasLength
	TSDirAliasLength
	TSRecipientLength
	TSPathLength
	TSUserLength
)

// Control channel opcodes (single byte, optionally followed by a fixed
// 32-bit big-endian site index).
const (
	OpShutdown    = byte(1)
	OpShutdownAll = byte(2)
	OpStart       = byte(3)
	OpIsAlive     = byte(4)
	OpGotLC       = byte(5)
	OpDisableMon  = byte(6)
	OpEnableMon   = byte(7)

	AckByte        = byte(0x06)
	AckStoppedByte = byte(0x07)
)

// Process exit codes of the fleetmon wrapper.
const (
	ExitSuccess          = 0
	ExitSyntax           = 1
	ExitAlreadyRunning   = 5
	ExitIncorrect        = 6
	ExitDisabledBySysadm = 7
)
