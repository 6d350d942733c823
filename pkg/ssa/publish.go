package ssa

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetmon/fleetmon/pkg/log"
	"github.com/fleetmon/fleetmon/pkg/types"
)

// Snapshot file layout constants. Viewers parse the published files with
// ReadSnapshot, so any layout change must bump types.LayoutVersion.
const (
	snapshotMagic = uint32(0x464d4f4e) // "FMON"

	cmdWidth     = 64
	versionWidth = types.MaxVersionLength
	workDirWidth = types.MaxPathLength
	aliasWidth   = types.MaxAliasLength
	hostWidth    = types.MaxRealHostnameLength
)

// File names under <work>/fifo.
const (
	StatusAreaFile       = "status_area"
	SupervisorStatusFile = "supervisor_status"
	SupervisorActiveFile = "supervisor_active"
)

// Publisher periodically serializes the store into the fixed-layout
// status area file that external viewers read. Files are written to a
// temp name and renamed so a reader never sees a half-written area.
type Publisher struct {
	store    *Store
	fifoDir  string
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPublisher creates a publisher writing into fifoDir every interval.
func NewPublisher(store *Store, fifoDir string, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{
		store:    store,
		fifoDir:  fifoDir,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the publish loop.
func (p *Publisher) Start() {
	go p.run()
}

// Stop halts the loop, flushing one final snapshot.
func (p *Publisher) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Publisher) run() {
	defer close(p.doneCh)
	logger := log.WithComponent("ssa-publisher")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.Publish(); err != nil {
				logger.Warn().Err(err).Msg("failed to publish status area")
			}
		case <-p.stopCh:
			if err := p.Publish(); err != nil {
				logger.Warn().Err(err).Msg("failed to publish final status area")
			}
			return
		}
	}
}

// Publish writes the status area and supervisor status files once.
func (p *Publisher) Publish() error {
	if err := p.writeAtomic(StatusAreaFile, func(w io.Writer) error {
		return WriteSnapshot(w, p.store.Records())
	}); err != nil {
		return err
	}
	return p.writeAtomic(SupervisorStatusFile, func(w io.Writer) error {
		return writeSupervisorStatus(w, p.store.Status())
	})
}

func (p *Publisher) writeAtomic(name string, fill func(io.Writer) error) error {
	final := filepath.Join(p.fifoDir, name)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	bw := bufio.NewWriter(f)
	if err := fill(bw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

// WriteSnapshot serializes the record set: a header followed by one
// fixed-size record per site.
func WriteSnapshot(w io.Writer, recs []types.SiteRecord) error {
	hdr := struct {
		Magic   uint32
		Version uint32
		Sites   uint32
		Pad     uint32
	}{snapshotMagic, types.LayoutVersion, uint32(len(recs)), 0}
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}
	for i := range recs {
		if err := writeRecord(w, &recs[i]); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	return nil
}

// ReadSnapshot parses a published status area.
func ReadSnapshot(r io.Reader) ([]types.SiteRecord, error) {
	var hdr struct {
		Magic   uint32
		Version uint32
		Sites   uint32
		Pad     uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	if hdr.Magic != snapshotMagic {
		return nil, fmt.Errorf("bad snapshot magic %#x", hdr.Magic)
	}
	if hdr.Version != types.LayoutVersion {
		return nil, fmt.Errorf("unsupported snapshot layout version %d", hdr.Version)
	}

	recs := make([]types.SiteRecord, hdr.Sites)
	for i := range recs {
		if err := readRecord(r, &recs[i]); err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", i, err)
		}
	}
	return recs, nil
}

func writeRecord(w io.Writer, r *types.SiteRecord) error {
	ew := &errWriter{w: w}

	ew.fixedString(r.Alias, aliasWidth)
	for _, ep := range r.Endpoints {
		ew.fixedString(ep.Host, hostWidth)
		ew.u32(uint32(ep.Port))
	}
	ew.fixedString(r.RemoteCmd, cmdWidth)
	ew.fixedString(r.RemoteVersion, versionWidth)
	ew.fixedString(r.RemoteWorkDir, workDirWidth)

	ew.u32(uint32(r.ConnectStatus))
	ew.bools(r.AMGStatus, r.FDStatus, r.ArchiveWatch)
	ew.u64(r.FilesPending, r.BytesPending, r.TransferRate, r.FileRate,
		r.ErrorCounter, r.JobsInQueue, r.ActiveTransfers, r.HostErrorCounter,
		r.MaxConnections, r.DangerNoOfJobs)
	ew.u32(uint32(r.NoOfHosts), uint32(r.NoOfDirs), uint32(r.NoOfJobs))

	for _, top := range [][types.StorageTime]uint64{r.TopTransferRate, r.TopFileRate, r.TopTransfers} {
		ew.u64(top[:]...)
	}
	ew.unix(r.TopTransferTime, r.TopFileRateTime, r.TopTransfersTime)

	for _, ring := range rings(r) {
		ew.u64(ring[:]...)
	}

	ew.bytes(r.LogFifo[:])
	ew.u64(r.LogFifoCounter)
	for i := range r.LogHistory {
		ew.bytes(r.LogHistory[i][:])
	}

	ew.i64(int64(r.PollInterval/time.Second), int64(r.ConnectTime/time.Second),
		int64(r.DisconnectTime/time.Second))
	ew.unix(r.LastDataTime)

	ew.bytes([]byte{byte(r.SwitchMode), byte(r.Toggle)})
	ew.u32(r.Options, r.Capabilities, r.SpecialFlag)
	ew.u64(r.Seq)

	return ew.err
}

func readRecord(r io.Reader, rec *types.SiteRecord) error {
	er := &errReader{r: r}

	rec.Alias = er.fixedString(aliasWidth)
	for i := range rec.Endpoints {
		rec.Endpoints[i].Host = er.fixedString(hostWidth)
		rec.Endpoints[i].Port = int(er.u32())
	}
	rec.RemoteCmd = er.fixedString(cmdWidth)
	rec.RemoteVersion = er.fixedString(versionWidth)
	rec.RemoteWorkDir = er.fixedString(workDirWidth)

	rec.ConnectStatus = types.ConnectStatus(er.u32())
	rec.AMGStatus, rec.FDStatus, rec.ArchiveWatch = er.bool(), er.bool(), er.bool()
	rec.FilesPending = er.u64()
	rec.BytesPending = er.u64()
	rec.TransferRate = er.u64()
	rec.FileRate = er.u64()
	rec.ErrorCounter = er.u64()
	rec.JobsInQueue = er.u64()
	rec.ActiveTransfers = er.u64()
	rec.HostErrorCounter = er.u64()
	rec.MaxConnections = er.u64()
	rec.DangerNoOfJobs = er.u64()
	rec.NoOfHosts = int(er.u32())
	rec.NoOfDirs = int(er.u32())
	rec.NoOfJobs = int(er.u32())

	for _, top := range []*[types.StorageTime]uint64{&rec.TopTransferRate, &rec.TopFileRate, &rec.TopTransfers} {
		for i := range top {
			top[i] = er.u64()
		}
	}
	rec.TopTransferTime = er.unix()
	rec.TopFileRateTime = er.unix()
	rec.TopTransfersTime = er.unix()

	for _, ring := range rings(rec) {
		for i := range ring {
			ring[i] = er.u64()
		}
	}

	er.bytes(rec.LogFifo[:])
	rec.LogFifoCounter = er.u64()
	for i := range rec.LogHistory {
		er.bytes(rec.LogHistory[i][:])
	}

	rec.PollInterval = time.Duration(er.i64()) * time.Second
	rec.ConnectTime = time.Duration(er.i64()) * time.Second
	rec.DisconnectTime = time.Duration(er.i64()) * time.Second
	rec.LastDataTime = er.unix()

	var sw [2]byte
	er.bytes(sw[:])
	rec.SwitchMode = types.SwitchMode(sw[0])
	rec.Toggle = int(sw[1])
	rec.Options = er.u32()
	rec.Capabilities = er.u32()
	rec.SpecialFlag = er.u32()
	rec.Seq = er.u64()

	return er.err
}

func writeSupervisorStatus(w io.Writer, st types.SupervisorStatus) error {
	ew := &errWriter{w: w}
	ew.u32(snapshotMagic, types.LayoutVersion)
	ew.unix(st.StartTime)
	ew.u32(uint32(st.SysLogStatus))
	ew.bools(st.MonLogStatus)
	ew.bytes(st.LogFifo[:])
	ew.u64(st.LogFifoCounter)
	ew.u64(st.LogBytes[:]...)
	return ew.err
}

// errWriter batches binary writes and keeps the first error.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) fixedString(s string, width int) {
	buf := make([]byte, width)
	copy(buf, s)
	e.bytes(buf)
}

func (e *errWriter) bytes(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *errWriter) bools(vs ...bool) {
	b := make([]byte, len(vs))
	for i, v := range vs {
		if v {
			b[i] = 1
		}
	}
	e.bytes(b)
}

func (e *errWriter) u32(vs ...uint32) {
	for _, v := range vs {
		if e.err != nil {
			return
		}
		e.err = binary.Write(e.w, binary.BigEndian, v)
	}
}

func (e *errWriter) u64(vs ...uint64) {
	for _, v := range vs {
		if e.err != nil {
			return
		}
		e.err = binary.Write(e.w, binary.BigEndian, v)
	}
}

func (e *errWriter) i64(vs ...int64) {
	for _, v := range vs {
		if e.err != nil {
			return
		}
		e.err = binary.Write(e.w, binary.BigEndian, v)
	}
}

func (e *errWriter) unix(ts ...time.Time) {
	for _, t := range ts {
		var v int64
		if !t.IsZero() {
			v = t.Unix()
		}
		e.i64(v)
	}
}

// errReader mirrors errWriter for parsing.
type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) bytes(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = io.ReadFull(e.r, b)
}

func (e *errReader) fixedString(width int) string {
	buf := make([]byte, width)
	e.bytes(buf)
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func (e *errReader) bool() bool {
	var b [1]byte
	e.bytes(b[:])
	return b[0] != 0
}

func (e *errReader) u32() uint32 {
	if e.err != nil {
		return 0
	}
	var v uint32
	e.err = binary.Read(e.r, binary.BigEndian, &v)
	return v
}

func (e *errReader) u64() uint64 {
	if e.err != nil {
		return 0
	}
	var v uint64
	e.err = binary.Read(e.r, binary.BigEndian, &v)
	return v
}

func (e *errReader) i64() int64 {
	if e.err != nil {
		return 0
	}
	var v int64
	e.err = binary.Read(e.r, binary.BigEndian, &v)
	return v
}

func (e *errReader) unix() time.Time {
	v := e.i64()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
