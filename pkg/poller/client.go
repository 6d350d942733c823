package poller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetmon/fleetmon/pkg/events"
	"github.com/fleetmon/fleetmon/pkg/log"
	"github.com/fleetmon/fleetmon/pkg/metrics"
	"github.com/fleetmon/fleetmon/pkg/protocol"
	"github.com/fleetmon/fleetmon/pkg/snapshot"
	"github.com/fleetmon/fleetmon/pkg/ssa"
	"github.com/fleetmon/fleetmon/pkg/types"
)

const readBufferSize = 4096

// errScheduledDisconnect marks the end of a session that reached its
// configured connect time. Run reconnects after the disconnect time.
var errScheduledDisconnect = errors.New("scheduled disconnect")

// Client speaks the client half of the status protocol with one remote
// node. It owns its site's record in the status area (live fields and
// slot-0 counters) and routes list updates to the snapshot manager.
type Client struct {
	store  *ssa.Store
	snap   *snapshot.Manager
	broker *events.Broker
	index  int
	alias  string
	log    zerolog.Logger
	parser *protocol.Parser

	pollInterval   time.Duration
	retryInterval  time.Duration
	timeout        time.Duration
	connectTime    time.Duration
	disconnectTime time.Duration
	switchMode     types.SwitchMode
	options        uint32

	// onLogCaps fires once per session when the remote first declares
	// log capabilities; the supervisor reacts by spawning the site's
	// log forwarder.
	onLogCaps func(index int)

	// dial is swappable for tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	// failSince is the first connect failure on the current toggle;
	// zero while the endpoint is healthy.
	failSince time.Time

	// timedOut marks the last failure as a timeout rather than an
	// error; it sticks until the next successful read.
	timedOut bool

	awaitReply   bool
	quietPeriods int
}

// Options configures a polling client beyond what its site record
// already carries.
type Options struct {
	RetryInterval time.Duration
	TCPTimeout    time.Duration
	Broker        *events.Broker
	OnLogCaps     func(index int)
}

// New creates a polling client for the site at the given record index.
func New(store *ssa.Store, snap *snapshot.Manager, index int, opts Options) (*Client, error) {
	rec, err := store.Record(index)
	if err != nil {
		return nil, err
	}
	if rec.IsGroup() {
		return nil, fmt.Errorf("site %s is a group row and owns no polling client", rec.Alias)
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = types.DefaultRetryInterval
	}
	if opts.TCPTimeout <= 0 {
		opts.TCPTimeout = types.DefaultTCPTimeout
	}

	logger := log.WithSite(rec.Alias)
	c := &Client{
		store:          store,
		snap:           snap,
		broker:         opts.Broker,
		index:          index,
		alias:          rec.Alias,
		log:            logger,
		parser:         protocol.NewParser(logger),
		pollInterval:   rec.PollInterval,
		retryInterval:  opts.RetryInterval,
		timeout:        opts.TCPTimeout,
		connectTime:    rec.ConnectTime,
		disconnectTime: rec.DisconnectTime,
		switchMode:     rec.SwitchMode,
		options:        rec.Options,
		onLogCaps:      opts.OnLogCaps,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = types.DefaultPollInterval
	}
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: c.timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	if ts := snap.Typesize(); ts != (types.Typesize{}) {
		c.parser.SetTypesize(ts)
	}
	return c, nil
}

// Run drives the connect/stream cycle until the context is cancelled
// (returns nil), the remote announces shutdown (returns
// protocol.ErrShutdown), or the session dies on a network error.
// Scheduled disconnects and connect retries are handled internally.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.timedOut = true
				c.log.Warn().Err(err).Msg("connect attempt timed out")
			} else {
				c.log.Warn().Err(err).Bool("after_timeout", c.timedOut).Msg("connect attempt failed")
			}
			c.connectFailed(time.Now())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryInterval):
			}
			metrics.ReconnectsTotal.WithLabelValues(c.alias).Inc()
			continue
		}

		err = c.stream(ctx, conn)
		conn.Close()
		switch {
		case ctx.Err() != nil:
			if serr := c.store.SetConnectStatus(c.index, types.StatusDisconnected); serr != nil {
				c.log.Warn().Err(serr).Msg("failed to mark site disconnected")
			}
			return nil
		case errors.Is(err, errScheduledDisconnect):
			c.setStatus(types.StatusDisconnected)
			c.publish(events.EventSiteDisconnected, "scheduled disconnect")
			c.log.Info().Dur("reconnect_in", c.disconnectTime).Msg("scheduled disconnect")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.disconnectTime):
			}
			metrics.ReconnectsTotal.WithLabelValues(c.alias).Inc()
		case errors.Is(err, protocol.ErrShutdown):
			c.log.Warn().Msg("========> REMOTE SHUTDOWN <========")
			c.setStatus(types.StatusDisconnected)
			c.publish(events.EventSiteShutdown, "remote announced shutdown")
			return fmt.Errorf("site %s: %w", c.alias, protocol.ErrShutdown)
		default:
			c.setStatus(types.StatusError)
			c.publish(events.EventSiteDisconnected, "session lost")
			return fmt.Errorf("site %s session lost: %w", c.alias, err)
		}
	}
}

// connect dials the endpoint the toggle selects, wrapping in TLS before
// the first protocol byte when the site asks for it.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	rec, err := c.store.Record(c.index)
	if err != nil {
		return nil, err
	}
	ep := rec.CurrentEndpoint()
	addr := net.JoinHostPort(ep.Host, fmt.Sprintf("%d", ep.Port))

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if c.options&types.OptTLS != 0 {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         ep.Host,
			InsecureSkipVerify: c.options&types.OptStrictHostKey == 0,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", addr, err)
		}
		conn = tlsConn
	}

	c.failSince = time.Time{}
	c.setStatus(types.StatusOK)
	c.publish(events.EventSiteConnected, "session established")
	c.log.Info().Str("endpoint", addr).Str("session", uuid.New().String()).Msg("connected")
	return conn, nil
}

// connectFailed records one failed attempt. Under automatic switching a
// toggle that has been failing for a whole retry interval is flipped so
// the next attempt uses the other endpoint.
func (c *Client) connectFailed(now time.Time) {
	c.setStatus(types.StatusError)
	if c.failSince.IsZero() {
		c.failSince = now
		return
	}
	if c.switchMode != types.SwitchAuto || now.Sub(c.failSince) < c.retryInterval {
		return
	}
	flipped := false
	if err := c.store.Update(c.index, func(r *types.SiteRecord) {
		if r.Endpoints[1].Host == "" {
			return
		}
		r.Toggle ^= 1
		flipped = true
	}); err != nil {
		c.log.Warn().Err(err).Msg("failed to flip endpoint toggle")
		return
	}
	if !flipped {
		return
	}
	c.failSince = time.Time{}
	metrics.FailoversTotal.WithLabelValues(c.alias).Inc()
	c.publish(events.EventSiteFailover, "endpoint toggle flipped")
	c.log.Warn().Msg("endpoint failing, switched to alternate")
}

// stream runs one established session: the START_STAT handshake, then
// the poll loop until cancellation, scheduled disconnect, remote
// shutdown, or a network error.
func (c *Client) stream(ctx context.Context, conn net.Conn) error {
	sessionStart := time.Now()
	var framer protocol.Framer
	c.awaitReply = false
	c.quietPeriods = 0

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			// Unblock the pending read so the quit handshake can run.
			conn.SetReadDeadline(time.Now())
		case <-sessionDone:
		}
	}()

	if err := c.send(conn, protocol.CmdStartStat); err != nil {
		return err
	}
	c.awaitReply = true

	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return c.quit(conn)
		}
		if c.connectTime > 0 && c.disconnectTime > 0 && time.Since(sessionStart) >= c.connectTime {
			if err := c.send(conn, protocol.CmdQuit); err != nil {
				c.log.Debug().Err(err).Msg("quit not delivered")
			}
			return errScheduledDisconnect
		}

		deadline := time.Now().Add(c.pollInterval)
		if c.connectTime > 0 && c.disconnectTime > 0 {
			if end := sessionStart.Add(c.connectTime); end.Before(deadline) {
				deadline = end
			}
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("failed to arm read deadline: %w", err)
		}

		n, err := conn.Read(buf)
		if n > 0 {
			c.quietPeriods = 0
			c.timedOut = false
			now := time.Now()
			for _, msg := range framer.Push(buf[:n]) {
				if herr := c.handle(msg, now); herr != nil {
					return herr
				}
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return c.quit(conn)
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			c.quietPeriods++
			if c.quietPeriods >= 2 {
				c.setStatus(types.StatusWarn)
			}
			if c.connectTime > 0 && c.disconnectTime > 0 && time.Since(sessionStart) >= c.connectTime {
				// Session end reached; the top of the loop issues the QUIT.
				continue
			}
			if serr := c.send(conn, protocol.CmdStat); serr != nil {
				return serr
			}
			c.awaitReply = true
			continue
		}
		return fmt.Errorf("read failed: %w", err)
	}
}

// handle dispatches one framed message: list updates go to the snapshot
// manager, everything else to the status area.
func (c *Client) handle(msg []byte, now time.Time) error {
	u, err := c.parser.Parse(msg)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues(c.alias).Inc()
		if c.awaitReply {
			return fmt.Errorf("garbage at command-reply position: %w", err)
		}
		c.log.Debug().Err(err).Bytes("message", msg).Msg("unparseable message skipped")
		return nil
	}
	metrics.PollMessagesTotal.WithLabelValues(c.alias).Inc()

	switch v := u.(type) {
	case protocol.ShutdownNotice:
		return protocol.ErrShutdown
	case protocol.CommandReply:
		c.awaitReply = false
		return nil
	case protocol.TypesizeUpdate:
		c.parser.SetTypesize(v.Values)
		return c.snap.Apply(u, now)
	case protocol.HostListEntry, protocol.DirListEntry, protocol.JobListEntry,
		protocol.ErrorHistoryUpdate:
		return c.snap.Apply(u, now)
	case protocol.HostCount, protocol.DirCount, protocol.JobCount:
		if _, err := c.store.Apply(c.index, u, now); err != nil {
			return err
		}
		return c.snap.Apply(u, now)
	default:
		res, err := c.store.Apply(c.index, u, now)
		if err != nil {
			return err
		}
		if res.FirstLogCaps && c.onLogCaps != nil {
			c.onLogCaps(c.index)
		}
		return nil
	}
}

// quit attempts the graceful goodbye: send QUIT, give the remote a
// moment to acknowledge, then drop the socket.
func (c *Client) quit(conn net.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := c.send(conn, protocol.CmdQuit); err != nil {
		return nil
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ack [64]byte
	conn.Read(ack[:])
	return nil
}

func (c *Client) send(conn net.Conn, cmd string) error {
	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, err)
	}
	return nil
}

func (c *Client) setStatus(st types.ConnectStatus) {
	if err := c.store.SetConnectStatus(c.index, st); err != nil {
		c.log.Warn().Err(err).Msg("failed to set connect status")
	}
}

func (c *Client) publish(t events.EventType, msg string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(events.NewEvent(t, c.alias, msg))
}
