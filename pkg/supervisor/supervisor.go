package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetmon/fleetmon/pkg/aggregator"
	"github.com/fleetmon/fleetmon/pkg/config"
	"github.com/fleetmon/fleetmon/pkg/events"
	"github.com/fleetmon/fleetmon/pkg/log"
	"github.com/fleetmon/fleetmon/pkg/logfwd"
	"github.com/fleetmon/fleetmon/pkg/metrics"
	"github.com/fleetmon/fleetmon/pkg/snapshot"
	"github.com/fleetmon/fleetmon/pkg/ssa"
	"github.com/fleetmon/fleetmon/pkg/types"
)

const (
	tickInterval     = time.Second
	childStopTimeout = time.Second

	// maxLogFileSize is the rotation threshold for all files under
	// <work>/log.
	maxLogFileSize = 2 << 20
)

// ErrDisabled is returned by Run when the block sentinel exists: a
// sysadmin has taken monitoring out of service.
var ErrDisabled = errors.New("monitoring disabled by sysadmin")

// BlockPath is the sentinel file a sysadmin creates to keep the
// supervisor from running.
func BlockPath(workDir string) string {
	return filepath.Join(workDir, "etc", "block")
}

// Blocked reports whether the block sentinel exists.
func Blocked(workDir string) bool {
	_, err := os.Stat(BlockPath(workDir))
	return err == nil
}

// Supervisor owns the shared status area and every per-site task: it
// spawns polling clients and log forwarders, reaps and restarts them,
// serves the control socket, reloads the configuration, and drives the
// aggregator and heartbeat on a one second tick.
type Supervisor struct {
	cfg     *config.Config
	cfgPath string
	workDir string
	fifoDir string
	logDir  string

	store   *ssa.Store
	db      *snapshot.DB
	snaps   map[string]*snapshot.Manager
	broker  *events.Broker
	agg     *aggregator.Aggregator
	pub     *ssa.Publisher
	watcher *config.Watcher
	log     zerolog.Logger

	sysLog *logfwd.RotatingWriter
	monLog *logfwd.RotatingWriter

	ctrlCh chan controlMsg
	ctrlLn net.Listener
	exits  chan childExit
	sigCh  chan os.Signal

	clients    map[int]*child
	forwarders map[int]*child
	procs      []types.ProcEntry

	// baseCtx parents every child task so teardown can cancel them as a
	// group.
	baseCtx  context.Context
	baseStop context.CancelFunc

	startTime  time.Time
	auxStopped bool
}

// New builds a supervisor from a validated configuration. Nothing runs
// until Run is called.
func New(cfg *config.Config, cfgPath string) *Supervisor {
	store := ssa.NewStore(cfg.Records())
	for i := 0; i < store.Len(); i++ {
		store.Update(i, func(r *types.SiteRecord) {
			r.DangerNoOfJobs = cfg.DangerJobs
		})
	}

	recs := store.Records()
	procs := make([]types.ProcEntry, len(recs))
	for i, r := range recs {
		procs[i] = types.ProcEntry{Alias: r.Alias}
	}

	return &Supervisor{
		cfg:        cfg,
		cfgPath:    cfgPath,
		workDir:    cfg.WorkDir,
		fifoDir:    filepath.Join(cfg.WorkDir, "fifo"),
		logDir:     filepath.Join(cfg.WorkDir, "log"),
		store:      store,
		snaps:      make(map[string]*snapshot.Manager),
		broker:     events.NewBroker(),
		log:        log.WithComponent("supervisor"),
		ctrlCh:     make(chan controlMsg, 32),
		exits:      make(chan childExit, 256),
		sigCh:      make(chan os.Signal, 4),
		clients:    make(map[int]*child),
		forwarders: make(map[int]*child),
		procs:      procs,
		startTime:  time.Now(),
	}
}

// Store exposes the shared status area for collectors and tests.
func (s *Supervisor) Store() *ssa.Store {
	return s.store
}

// Broker exposes the event broker.
func (s *Supervisor) Broker() *events.Broker {
	return s.broker
}

// Run starts every subsystem and blocks in the control loop until the
// context is cancelled, a termination signal arrives, or a shutdown
// command comes in over the control socket.
func (s *Supervisor) Run(ctx context.Context) error {
	if Blocked(s.workDir) {
		return ErrDisabled
	}
	for _, dir := range []string{s.fifoDir, s.logDir, filepath.Join(s.workDir, "etc")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if db, err := snapshot.Open(s.fifoDir); err != nil {
		// Sites keep running with in-memory lists only.
		s.log.Warn().Err(err).Msg("snapshot database unavailable, lists will not persist")
	} else {
		s.db = db
	}
	s.openAuxLogs()

	if err := s.listenControl(); err != nil {
		return err
	}
	defer s.closeControl()
	metrics.RegisterComponent("ssa", true, "status area attached")
	metrics.RegisterComponent("control", true, "control socket listening")

	s.baseCtx, s.baseStop = context.WithCancel(context.Background())
	defer s.baseStop()

	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(s.sigCh)

	if w, err := config.NewWatcher(s.cfgPath); err != nil {
		s.log.Warn().Err(err).Msg("config watcher unavailable, reload on change disabled")
	} else {
		s.watcher = w
	}

	s.broker.Start()
	s.agg = aggregator.New(s.store)
	s.pub = ssa.NewPublisher(s.store, s.fifoDir, tickInterval)
	s.pub.Start()
	metrics.RegisterComponent("publisher", true, "publishing status area")
	go s.logEvents(s.baseCtx)

	for i := 0; i < s.store.Len(); i++ {
		s.startClient(i)
	}
	s.heartbeat()
	s.log.Info().Int("sites", s.store.Len()).Str("work_dir", s.workDir).Msg("supervisor started")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return nil
		case sig := <-s.sigCh:
			s.log.Info().Str("signal", sig.String()).Msg("termination signal")
			s.teardown()
			return nil
		case msg := <-s.ctrlCh:
			if shutdown := s.dispatch(msg); shutdown {
				s.teardown()
				return nil
			}
		case exit := <-s.exits:
			s.reap(exit)
		case now := <-ticker.C:
			if s.watcher != nil && s.watcher.Changed() {
				s.reload()
			}
			s.agg.Tick(now)
			s.heartbeat()
		}
	}
}

// dispatch handles one control message. It returns true when the
// supervisor must shut down.
func (s *Supervisor) dispatch(msg controlMsg) bool {
	switch msg.op {
	case types.OpShutdown:
		msg.ack(types.AckByte)
		return true
	case types.OpShutdownAll:
		msg.ack(types.AckByte)
		s.stopAux()
		return true
	case types.OpStart:
		s.reload()
		msg.ack(types.AckByte)
	case types.OpIsAlive:
		if s.auxStopped {
			msg.ack(types.AckStoppedByte)
		} else {
			msg.ack(types.AckByte)
		}
	case types.OpGotLC:
		s.gotLC(msg.index)
		msg.ack(types.AckByte)
	case types.OpDisableMon:
		s.disableSite(msg.index)
		msg.ack(types.AckByte)
	case types.OpEnableMon:
		s.enableSite(msg.index)
		msg.ack(types.AckByte)
	case opRespawn:
		s.startClient(msg.index)
	default:
		s.log.Warn().Uint8("opcode", msg.op).Msg("unknown control opcode")
		msg.ack(types.AckByte)
	}
	return false
}

// gotLC reacts to a site's first log-capability report: when the
// remote can serve a log stream the site's options ask for, the log
// forwarder is (re)spawned with the intersection mask.
func (s *Supervisor) gotLC(i int) {
	rec, err := s.store.Record(i)
	if err != nil {
		s.log.Warn().Err(err).Msg("log capability report for unknown site")
		return
	}
	if i < len(s.procs) {
		s.procs[i].LogCaps = rec.Capabilities
	}
	mask := rec.Options & rec.Capabilities & types.OptLogMask
	if mask == 0 {
		s.log.Debug().Str("site", rec.Alias).Msg("no overlapping log streams, forwarder not started")
		return
	}
	s.startForwarder(i, mask)
}

func (s *Supervisor) disableSite(i int) {
	rec, err := s.store.Record(i)
	if err != nil {
		return
	}
	s.stopClient(i)
	s.stopForwarder(i)
	if err := s.store.SetConnectStatus(i, types.StatusDisabled); err != nil {
		s.log.Warn().Err(err).Msg("failed to mark site disabled")
	}
	s.broker.Publish(events.NewEvent(events.EventSiteDisabled, rec.Alias, "monitoring disabled"))
	s.log.Info().Str("site", rec.Alias).Msg("monitoring disabled")
}

func (s *Supervisor) enableSite(i int) {
	rec, err := s.store.Record(i)
	if err != nil || rec.IsGroup() {
		return
	}
	if i < len(s.procs) {
		s.procs[i].Restarts = 0
		s.procs[i].GaveUp = false
	}
	if err := s.store.SetConnectStatus(i, types.StatusDisconnected); err != nil {
		s.log.Warn().Err(err).Msg("failed to mark site disconnected")
	}
	s.startClient(i)
	s.broker.Publish(events.NewEvent(events.EventSiteEnabled, rec.Alias, "monitoring enabled"))
	s.log.Info().Str("site", rec.Alias).Msg("monitoring enabled")
}

// reload re-reads the configuration. On parse failure the running state
// is kept. On success every client is stopped, the status area is
// rebuilt preserving per-alias state, snapshots of removed sites are
// dropped and all clients are restarted.
func (s *Supervisor) reload() {
	cfg, err := config.Load(s.cfgPath)
	if err != nil {
		s.log.Error().Err(err).Msg("config reload failed, keeping running state")
		return
	}

	s.stopAllChildren()

	keep := make(map[string]bool, len(cfg.Sites))
	for _, site := range cfg.Sites {
		keep[site.Alias] = true
	}
	for alias, m := range s.snaps {
		if !keep[alias] {
			m.Drop()
			delete(s.snaps, alias)
		}
	}

	s.store.Rebuild(cfg.Records())
	for i := 0; i < s.store.Len(); i++ {
		s.store.Update(i, func(r *types.SiteRecord) {
			r.DangerNoOfJobs = cfg.DangerJobs
		})
	}

	oldProcs := make(map[string]types.ProcEntry, len(s.procs))
	for _, p := range s.procs {
		oldProcs[p.Alias] = p
	}
	recs := s.store.Records()
	s.procs = make([]types.ProcEntry, len(recs))
	for i, r := range recs {
		s.procs[i] = types.ProcEntry{Alias: r.Alias}
		if op, ok := oldProcs[r.Alias]; ok {
			s.procs[i].Restarts = op.Restarts
			s.procs[i].GaveUp = op.GaveUp
			s.procs[i].LastCrash = op.LastCrash
		}
	}

	s.cfg = cfg
	for i := 0; i < s.store.Len(); i++ {
		s.startClient(i)
	}

	metrics.ConfigReloadsTotal.Inc()
	s.broker.Publish(events.NewEvent(events.EventConfigReloaded, "", "configuration reloaded"))
	s.log.Info().Int("sites", s.store.Len()).Msg("configuration reloaded")
}

// heartbeat publishes the liveness file other tools probe.
func (s *Supervisor) heartbeat() {
	info := ssa.ActiveInfo{
		PID:          os.Getpid(),
		StartTime:    s.startTime,
		Sites:        s.store.Len(),
		ClientIDs:    make([]uuid.UUID, s.store.Len()),
		ForwarderIDs: make([]uuid.UUID, s.store.Len()),
	}
	for i, c := range s.clients {
		if i < info.Sites {
			info.ClientIDs[i] = c.id
		}
	}
	for i, c := range s.forwarders {
		if i < info.Sites {
			info.ForwarderIDs[i] = c.id
		}
	}
	if err := ssa.WriteActive(s.fifoDir, info); err != nil {
		s.log.Warn().Err(err).Msg("failed to write active file")
	}
}

func (s *Supervisor) teardown() {
	s.log.Info().Msg("shutting down")
	s.stopAllChildren()
	s.baseStop()
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.pub != nil {
		s.pub.Stop()
	}
	s.broker.Stop()
	if s.db != nil {
		s.db.Close()
	}
	s.stopAux()
	s.heartbeat()
	s.log.Info().Msg("supervisor stopped")
}

// openAuxLogs opens the two process-wide log files. A failure degrades
// to console logging only.
func (s *Supervisor) openAuxLogs() {
	var err error
	if s.sysLog, err = logfwd.NewRotatingWriter(logfwd.SystemLogPath(s.workDir), maxLogFileSize, s.cfg.MaxLogFiles); err != nil {
		s.log.Warn().Err(err).Msg("system log unavailable")
	}
	if s.monLog, err = logfwd.NewRotatingWriter(logfwd.MonitorLogPath(s.workDir), maxLogFileSize, s.cfg.MaxLogFiles); err != nil {
		s.log.Warn().Err(err).Msg("monitor log unavailable")
	}
	s.store.UpdateStatus(func(st *types.SupervisorStatus) {
		st.StartTime = s.startTime
		if s.sysLog != nil {
			st.SysLogStatus = types.StatusOK
		} else {
			st.SysLogStatus = types.StatusError
		}
		st.MonLogStatus = s.monLog != nil
	})
}

func (s *Supervisor) stopAux() {
	if s.auxStopped {
		return
	}
	s.auxStopped = true
	if s.sysLog != nil {
		s.sysLog.Close()
	}
	if s.monLog != nil {
		s.monLog.Close()
	}
	s.store.UpdateStatus(func(st *types.SupervisorStatus) {
		st.SysLogStatus = types.StatusDisconnected
		st.MonLogStatus = false
	})
}

// logEvents mirrors the event stream into the process-wide log files:
// everything into the system log, site status changes into the monitor
// log. Each event also pushes a severity byte onto the status radar.
func (s *Supervisor) logEvents(ctx context.Context) {
	sub := s.broker.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			line := fmt.Sprintf("%s %s %s %s\n",
				ev.Timestamp.UTC().Format(time.RFC3339), ev.Type, ev.Site, ev.Message)
			n := 0
			if s.sysLog != nil && !s.auxStopped {
				if w, err := s.sysLog.Write([]byte(line)); err == nil {
					n += w
				}
			}
			if s.monLog != nil && !s.auxStopped && strings.HasPrefix(string(ev.Type), "site.") {
				if w, err := s.monLog.Write([]byte(line)); err == nil {
					n += w
				}
			}
			s.store.PushLogFifo(eventSeverity(ev.Type))
			if n > 0 {
				s.store.UpdateStatus(func(st *types.SupervisorStatus) {
					st.LogBytes[types.SlotCurrent] += uint64(n)
				})
			}
		}
	}
}

// eventSeverity maps event types onto the radar severity scale, which
// shares its ordering with ConnectStatus.
func eventSeverity(t events.EventType) byte {
	switch t {
	case events.EventSiteConnected, events.EventSiteEnabled, events.EventConfigReloaded:
		return byte(types.StatusOK)
	case events.EventSiteFailover, events.EventChildRestarted:
		return byte(types.StatusWarn)
	case events.EventSiteDisconnected, events.EventSiteShutdown:
		return byte(types.StatusDisconnected)
	case events.EventSiteDefunct, events.EventChildGaveUp:
		return byte(types.StatusDefunct)
	case events.EventSiteDisabled:
		return byte(types.StatusDisabled)
	default:
		return byte(types.StatusWarn)
	}
}
