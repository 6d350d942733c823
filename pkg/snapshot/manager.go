package snapshot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetmon/fleetmon/pkg/log"
	"github.com/fleetmon/fleetmon/pkg/metrics"
	"github.com/fleetmon/fleetmon/pkg/protocol"
	"github.com/fleetmon/fleetmon/pkg/types"
)

// Manager owns one site's list snapshots: the host, directory and job
// lists the remote streams position by position, the typesize vector,
// and the accumulated old_dir_list/old_job_list history.
//
// A new count (NH/ND/NJ) resizes the active list, moving the previous
// content to a tmp companion first. When the stream writes the last
// position the snapshot is committed: persisted, and for dirs and jobs
// reshuffled into the history. The database may be nil, in which case
// the manager degrades to memory only.
type Manager struct {
	db        *DB
	alias     string
	log       zerolog.Logger
	retention time.Duration

	typesize types.Typesize
	hosts    []types.HostEntry
	dirs     []types.DirEntry
	jobs     []types.JobEntry
	tmpDirs  []types.DirEntry
	tmpJobs  []types.JobEntry
}

// NewManager creates a snapshot manager for one site, loading whatever
// earlier sessions persisted. retention is the history expiry window
// (max_log_files * switch_file_time).
func NewManager(db *DB, alias string, retention time.Duration) *Manager {
	m := &Manager{
		db:        db,
		alias:     alias,
		log:       log.WithSite(alias),
		retention: retention,
	}
	if db != nil {
		for bucket, v := range map[string]interface{}{
			m.bucket("host_list"):    &m.hosts,
			m.bucket("dir_list"):     &m.dirs,
			m.bucket("job_list"):     &m.jobs,
			m.bucket("tmp_dir_list"): &m.tmpDirs,
			m.bucket("tmp_job_list"): &m.tmpJobs,
			m.bucket("typesize"):     &m.typesize,
		} {
			if err := db.load(bucket, v); err != nil {
				m.log.Warn().Err(err).Str("bucket", bucket).Msg("failed to load snapshot, starting empty")
			}
		}
	}
	return m
}

// Apply routes one list-related update into the snapshots. lastData is
// the remote's last data time, used to stamp new entries and to drive
// the reshuffle retention purge.
func (m *Manager) Apply(u protocol.Update, lastData time.Time) error {
	switch v := u.(type) {
	case protocol.TypesizeUpdate:
		m.typesize = v.Values
		m.persist("typesize", &m.typesize)
	case protocol.HostCount:
		m.hosts = resize(m.hosts, v.Count)
	case protocol.DirCount:
		m.tmpDirs = append(m.tmpDirs[:0], m.dirs...)
		m.persist("tmp_dir_list", m.tmpDirs)
		m.dirs = resize[types.DirEntry](nil, v.Count)
	case protocol.JobCount:
		m.tmpJobs = append(m.tmpJobs[:0], m.jobs...)
		m.persist("tmp_job_list", m.tmpJobs)
		m.jobs = resize[types.JobEntry](nil, v.Count)
	case protocol.HostListEntry:
		if !m.checkPos(v.Pos, len(m.hosts), "host") {
			return nil
		}
		if v.Pos < len(m.hosts) {
			m.hosts[v.Pos] = v.Entry
		}
		if v.Pos+1 >= len(m.hosts) {
			m.persist("host_list", m.hosts)
		}
	case protocol.DirListEntry:
		if !m.checkPos(v.Pos, len(m.dirs), "dir") {
			return nil
		}
		if v.Pos < len(m.dirs) {
			e := v.Entry
			e.EntryTime = lastData
			m.dirs[v.Pos] = e
		}
		if v.Pos+1 >= len(m.dirs) {
			m.commitDirs(lastData)
		}
	case protocol.JobListEntry:
		if !m.checkPos(v.Pos, len(m.jobs), "job") {
			return nil
		}
		if v.Pos < len(m.jobs) {
			e := v.Entry
			e.EntryTime = lastData
			m.jobs[v.Pos] = e
		}
		if v.Pos+1 >= len(m.jobs) {
			m.commitJobs(lastData)
		}
	case protocol.ErrorHistoryUpdate:
		if v.HostPos < 0 || v.HostPos >= len(m.hosts) {
			m.log.Warn().Int("pos", v.HostPos).Int("hosts", len(m.hosts)).
				Msg("error history position out of range, dropped")
			return nil
		}
		h := &m.hosts[v.HostPos]
		for i := range h.ErrorHistory {
			if i < len(v.History) {
				h.ErrorHistory[i] = v.History[i]
			} else {
				h.ErrorHistory[i] = 0
			}
		}
		m.persist("host_list", m.hosts)
	default:
		return fmt.Errorf("update %T is not snapshot business", u)
	}
	return nil
}

// Typesize returns the remote's declared field width vector.
func (m *Manager) Typesize() types.Typesize {
	return m.typesize
}

// Hosts returns a copy of the active host list.
func (m *Manager) Hosts() []types.HostEntry {
	return append([]types.HostEntry(nil), m.hosts...)
}

// Dirs returns a copy of the active directory list.
func (m *Manager) Dirs() []types.DirEntry {
	return append([]types.DirEntry(nil), m.dirs...)
}

// Jobs returns a copy of the active job list.
func (m *Manager) Jobs() []types.JobEntry {
	return append([]types.JobEntry(nil), m.jobs...)
}

// OldDirs returns the accumulated directory history.
func (m *Manager) OldDirs() []types.DirEntry {
	var out []types.DirEntry
	if m.db != nil {
		if err := m.db.load(m.bucket("old_dir_list"), &out); err != nil {
			m.log.Warn().Err(err).Msg("failed to load old dir list")
		}
	}
	return out
}

// OldJobs returns the accumulated job history.
func (m *Manager) OldJobs() []types.JobEntry {
	var out []types.JobEntry
	if m.db != nil {
		if err := m.db.load(m.bucket("old_job_list"), &out); err != nil {
			m.log.Warn().Err(err).Msg("failed to load old job list")
		}
	}
	return out
}

func (m *Manager) commitDirs(lastData time.Time) {
	m.persist("dir_list", m.dirs)
	if len(m.tmpDirs) == 0 {
		return
	}
	timer := metrics.NewTimer()
	old := m.OldDirs()
	old = reshuffle(old, m.tmpDirs, m.dirs,
		func(e *types.DirEntry) uint32 { return e.DirID },
		func(e *types.DirEntry) time.Time { return e.EntryTime },
		lastData, m.retention)
	m.persist("old_dir_list", old)
	m.tmpDirs = nil
	m.persist("tmp_dir_list", m.tmpDirs)
	timer.ObserveDurationVec(metrics.ReshuffleDuration, "dir_list")
}

func (m *Manager) commitJobs(lastData time.Time) {
	m.persist("job_list", m.jobs)
	if len(m.tmpJobs) == 0 {
		return
	}
	timer := metrics.NewTimer()
	old := m.OldJobs()
	old = reshuffle(old, m.tmpJobs, m.jobs,
		func(e *types.JobEntry) uint32 { return e.JobID },
		func(e *types.JobEntry) time.Time { return e.EntryTime },
		lastData, m.retention)
	m.persist("old_job_list", old)
	m.tmpJobs = nil
	m.persist("tmp_job_list", m.tmpJobs)
	timer.ObserveDurationVec(metrics.ReshuffleDuration, "job_list")
}

// checkPos validates a reported list position. The count itself is the
// end marker and carries no entry; anything beyond is dropped.
func (m *Manager) checkPos(pos, count int, list string) bool {
	if pos < 0 || pos > count {
		m.log.Warn().Int("pos", pos).Int("count", count).Str("list", list).
			Msg("list position out of range, dropped")
		return false
	}
	return true
}

func (m *Manager) persist(kind string, v interface{}) {
	if m.db == nil {
		return
	}
	if err := m.db.save(m.bucket(kind), v); err != nil {
		m.log.Warn().Err(err).Str("list", kind).Msg("failed to persist snapshot")
	}
}

func (m *Manager) bucket(kind string) string {
	return kind + "." + m.alias
}

// Drop removes every bucket belonging to this site. Used when a site
// disappears from the configuration.
func (m *Manager) Drop() {
	if m.db == nil {
		return
	}
	for _, kind := range []string{"host_list", "dir_list", "job_list",
		"tmp_dir_list", "tmp_job_list", "old_dir_list", "old_job_list", "typesize"} {
		if err := m.db.drop(m.bucket(kind)); err != nil {
			m.log.Warn().Err(err).Str("list", kind).Msg("failed to drop snapshot bucket")
		}
	}
}

// resize returns a list of exactly count entries, its capacity stepped
// in DataStepSize blocks. Surviving prefix entries are kept.
func resize[E any](list []E, count int) []E {
	if count < 0 {
		count = 0
	}
	step := types.DataStepSize
	capacity := ((count + step - 1) / step) * step
	out := make([]E, count, max(capacity, count))
	copy(out, list)
	return out
}
