package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetmon/fleetmon/pkg/events"
	"github.com/fleetmon/fleetmon/pkg/logfwd"
	"github.com/fleetmon/fleetmon/pkg/metrics"
	"github.com/fleetmon/fleetmon/pkg/poller"
	"github.com/fleetmon/fleetmon/pkg/protocol"
	"github.com/fleetmon/fleetmon/pkg/snapshot"
	"github.com/fleetmon/fleetmon/pkg/types"
)

type childKind string

const (
	kindClient    childKind = "client"
	kindForwarder childKind = "forwarder"
)

// child is one supervised task: a polling client or a log forwarder.
type child struct {
	kind   childKind
	index  int
	alias  string
	id     uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
}

// childExit is what a finished child reports back to the control loop.
type childExit struct {
	kind  childKind
	index int
	alias string
	id    uuid.UUID
	err   error
	at    time.Time
}

// runChild executes a child's body, converting panics into crash exits
// so a broken site task never takes the supervisor down.
func (s *Supervisor) runChild(ctx context.Context, c *child, run func(context.Context) error) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("child panic: %v", r)
		}
		close(c.done)
		s.exits <- childExit{kind: c.kind, index: c.index, alias: c.alias, id: c.id, err: err, at: time.Now()}
	}()
	err = run(ctx)
}

// startClient spawns the polling client for the site at index i. Group
// rows, already-running sites and sites the restart policy gave up on
// are skipped.
func (s *Supervisor) startClient(i int) {
	rec, err := s.store.Record(i)
	if err != nil || rec.IsGroup() {
		return
	}
	if _, running := s.clients[i]; running {
		return
	}
	if i < len(s.procs) && s.procs[i].GaveUp {
		return
	}
	if rec.ConnectStatus == types.StatusDisabled {
		return
	}

	cl, err := poller.New(s.store, s.snapFor(rec.Alias), i, poller.Options{
		RetryInterval: time.Duration(s.cfg.RetryInterval) * time.Second,
		TCPTimeout:    time.Duration(s.cfg.TCPTimeout) * time.Second,
		Broker:        s.broker,
		OnLogCaps:     s.notifyLogCaps,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("site", rec.Alias).Msg("failed to create polling client")
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	c := &child{
		kind:   kindClient,
		index:  i,
		alias:  rec.Alias,
		id:     uuid.New(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.clients[i] = c
	if i < len(s.procs) {
		s.procs[i].ClientID = c.id.String()
		s.procs[i].StartTime = time.Now()
	}
	go s.runChild(ctx, c, cl.Run)
}

// startForwarder (re)spawns the log forwarder for site i with the given
// stream mask.
func (s *Supervisor) startForwarder(i int, mask uint32) {
	s.stopForwarder(i)

	fw, err := logfwd.New(s.store, i, s.workDir, mask, maxLogFileSize, s.cfg.MaxLogFiles)
	if err != nil {
		s.log.Warn().Err(err).Int("site", i).Msg("failed to create log forwarder")
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	c := &child{
		kind:   kindForwarder,
		index:  i,
		alias:  s.procs[i].Alias,
		id:     uuid.New(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.forwarders[i] = c
	s.procs[i].ForwarderID = c.id.String()
	s.log.Info().Str("site", c.alias).Uint32("mask", mask).Msg("log forwarder started")
	go s.runChild(ctx, c, func(ctx context.Context) error {
		fw.Run(ctx)
		return nil
	})
}

func (s *Supervisor) stopClient(i int) {
	if c, ok := s.clients[i]; ok {
		s.stopChild(c)
		delete(s.clients, i)
		if i < len(s.procs) {
			s.procs[i].ClientID = ""
		}
	}
}

func (s *Supervisor) stopForwarder(i int) {
	if c, ok := s.forwarders[i]; ok {
		s.stopChild(c)
		delete(s.forwarders, i)
		if i < len(s.procs) {
			s.procs[i].ForwarderID = ""
		}
	}
}

// stopChild cancels one child and waits a bounded time for it to
// return. A goroutine cannot be killed, so a straggler is logged and
// abandoned.
func (s *Supervisor) stopChild(c *child) {
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(childStopTimeout):
		s.log.Warn().Str("site", c.alias).Str("kind", string(c.kind)).Msg("child did not stop in time")
	}
}

func (s *Supervisor) stopAllChildren() {
	for i := range s.clients {
		s.stopClient(i)
	}
	for i := range s.forwarders {
		s.stopForwarder(i)
	}
	// Drain the exit reports of the children just stopped so the control
	// loop does not treat them as crashes later.
	for {
		select {
		case <-s.exits:
		default:
			return
		}
	}
}

// reap handles one child exit. Cancelled children just get their slot
// cleared; crashed polling clients are rescheduled with escalating
// backoff until the restart policy gives up.
func (s *Supervisor) reap(exit childExit) {
	switch exit.kind {
	case kindForwarder:
		// A straggler that outlived its replacement must not clear the
		// replacement's slot.
		if c, ok := s.forwarders[exit.index]; !ok || c.id != exit.id {
			return
		}
		delete(s.forwarders, exit.index)
		if exit.index < len(s.procs) {
			s.procs[exit.index].ForwarderID = ""
		}
		return
	case kindClient:
		if c, ok := s.clients[exit.index]; !ok || c.id != exit.id {
			return
		}
		delete(s.clients, exit.index)
		if exit.index < len(s.procs) {
			s.procs[exit.index].ClientID = ""
		}
	}
	if exit.err == nil {
		return
	}
	if exit.index >= len(s.procs) {
		return
	}

	p := &s.procs[exit.index]
	metrics.ChildRestartsTotal.WithLabelValues(string(exit.kind)).Inc()
	if !p.LastCrash.IsZero() && exit.at.Sub(p.LastCrash) < types.RestartCrashWindow {
		p.Restarts++
	}
	p.LastCrash = exit.at

	if p.Restarts >= types.MaxWorkerRestarts {
		p.GaveUp = true
		if err := s.store.SetConnectStatus(exit.index, types.StatusDefunct); err != nil {
			s.log.Warn().Err(err).Msg("failed to mark site defunct")
		}
		s.broker.Publish(events.NewEvent(events.EventChildGaveUp, exit.alias, "restart limit reached"))
		s.log.Error().Str("site", exit.alias).Int("restarts", p.Restarts).
			Msg("restart limit reached, giving up on site")
		return
	}

	delay := restartDelay(p.Restarts)
	if errors.Is(exit.err, protocol.ErrShutdown) {
		// The remote said goodbye; probing again sooner is pointless.
		delay = time.Duration(s.cfg.RetryInterval) * time.Second
	}
	p.NextRetry = exit.at.Add(delay)
	s.broker.Publish(events.NewEvent(events.EventChildRestarted, exit.alias, exit.err.Error()))
	s.log.Warn().Err(exit.err).Str("site", exit.alias).Dur("retry_in", delay).
		Int("restarts", p.Restarts).Msg("child exited, restart scheduled")

	index := exit.index
	time.AfterFunc(delay, func() {
		select {
		case s.ctrlCh <- controlMsg{op: opRespawn, index: index}:
		default:
		}
	})
}

// restartDelay escalates with the crash count, capped at half a minute.
func restartDelay(restarts int) time.Duration {
	shift := restarts
	if shift > 5 {
		shift = 5
	}
	return time.Duration(1<<uint(shift)) * time.Second
}

// snapFor returns (creating if needed) the snapshot manager of a site.
func (s *Supervisor) snapFor(alias string) *snapshot.Manager {
	if m, ok := s.snaps[alias]; ok {
		return m
	}
	retention := time.Duration(s.cfg.MaxLogFiles) * time.Duration(s.cfg.SwitchFileTime) * time.Second
	m := snapshot.NewManager(s.db, alias, retention)
	s.snaps[alias] = m
	return m
}

// notifyLogCaps is handed to every polling client; it runs on the
// client's goroutine and forwards the capability report into the
// control loop.
func (s *Supervisor) notifyLogCaps(index int) {
	select {
	case s.ctrlCh <- controlMsg{op: types.OpGotLC, index: index}:
	default:
		s.log.Warn().Int("site", index).Msg("control channel full, log capability report dropped")
	}
}
