package logfwd

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetmon/fleetmon/pkg/log"
	"github.com/fleetmon/fleetmon/pkg/metrics"
	"github.com/fleetmon/fleetmon/pkg/protocol"
	"github.com/fleetmon/fleetmon/pkg/ssa"
	"github.com/fleetmon/fleetmon/pkg/types"
)

const readBufferSize = 4096

// Forwarder streams log bytes from one remote node over a secondary
// connection and appends them to a rotating file under <work>/log. The
// requested kinds are the intersection of what the site's options ask
// for and what the remote declared it can serve.
type Forwarder struct {
	store  *ssa.Store
	index  int
	alias  string
	mask   uint32
	writer *RotatingWriter
	log    zerolog.Logger

	timeout time.Duration
	retry   time.Duration

	// dial is swappable for tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// New creates a log forwarder for the site at the given record index.
func New(store *ssa.Store, index int, workDir string, mask uint32, maxSize int64, maxFiles int) (*Forwarder, error) {
	rec, err := store.Record(index)
	if err != nil {
		return nil, err
	}
	w, err := NewRotatingWriter(RemoteLogPath(workDir, rec.Alias), maxSize, maxFiles)
	if err != nil {
		return nil, err
	}
	f := &Forwarder{
		store:   store,
		index:   index,
		alias:   rec.Alias,
		mask:    mask,
		writer:  w,
		log:     log.WithSite(rec.Alias),
		timeout: types.DefaultTCPTimeout,
		retry:   types.DefaultRetryInterval,
	}
	f.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: f.timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	return f, nil
}

// Run streams until the context is cancelled, reconnecting with the
// retry interval after any session loss.
func (f *Forwarder) Run(ctx context.Context) {
	defer f.writer.Close()

	for {
		if err := f.session(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn().Err(err).Msg("log session lost, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.retry):
		}
	}
}

func (f *Forwarder) session(ctx context.Context) error {
	rec, err := f.store.Record(f.index)
	if err != nil {
		return err
	}
	ep := rec.CurrentEndpoint()
	addr := net.JoinHostPort(ep.Host, fmt.Sprintf("%d", ep.Port))

	conn, err := f.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to connect for logs: %w", err)
	}
	defer conn.Close()

	// Drop the connection promptly on cancellation.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if _, err := fmt.Fprintf(conn, "%s %d\r\n", protocol.CmdLog, f.mask); err != nil {
		return fmt.Errorf("failed to request log streams: %w", err)
	}
	f.log.Info().Uint32("mask", f.mask).Msg("log stream established")

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := f.writer.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to append log bytes: %w", werr)
			}
			f.count(n)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("log stream read failed: %w", err)
		}
	}
}

func (f *Forwarder) count(n int) {
	metrics.LogBytesTotal.WithLabelValues(f.alias).Add(float64(n))
	if err := f.store.Update(f.index, func(r *types.SiteRecord) {
		r.LogBytesReceived[types.SlotCurrent] += uint64(n)
	}); err != nil {
		f.log.Warn().Err(err).Msg("failed to count log bytes")
	}
}

// RemoteLogPath is where a site's forwarded log bytes accumulate.
func RemoteLogPath(workDir, alias string) string {
	return filepath.Join(workDir, "log", "remote_"+alias+".log")
}

// SystemLogPath is the process-wide system log file.
func SystemLogPath(workDir string) string {
	return filepath.Join(workDir, "log", "fleetmon_sys.log")
}

// MonitorLogPath is the process-wide monitor log file.
func MonitorLogPath(workDir string) string {
	return filepath.Join(workDir, "log", "fleetmon_mon.log")
}
