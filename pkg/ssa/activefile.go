package ssa

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ActiveInfo is what other tools need to decide whether a supervisor is
// running: its PID, start time, the site count and the task identifier of
// every child.
type ActiveInfo struct {
	PID       int
	StartTime time.Time
	Sites     int
	// ClientIDs and ForwarderIDs hold one task identifier per site;
	// uuid.Nil marks a task that is not running.
	ClientIDs    []uuid.UUID
	ForwarderIDs []uuid.UUID
}

// WriteActive publishes the supervisor liveness file.
func WriteActive(fifoDir string, info ActiveInfo) error {
	final := filepath.Join(fifoDir, SupervisorActiveFile)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create active file: %w", err)
	}

	ew := &errWriter{w: f}
	ew.u32(snapshotMagic)
	ew.u32(uint32(info.PID))
	ew.unix(info.StartTime)
	ew.u32(uint32(info.Sites))
	for i := 0; i < info.Sites; i++ {
		ew.bytes(idBytes(info.ClientIDs, i))
		ew.bytes(idBytes(info.ForwarderIDs, i))
	}
	if ew.err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write active file: %w", ew.err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close active file: %w", err)
	}
	return os.Rename(tmp, final)
}

// ReadActive parses the supervisor liveness file.
func ReadActive(fifoDir string) (*ActiveInfo, error) {
	f, err := os.Open(filepath.Join(fifoDir, SupervisorActiveFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	er := &errReader{r: f}
	if magic := er.u32(); er.err == nil && magic != snapshotMagic {
		return nil, fmt.Errorf("bad active file magic %#x", magic)
	}
	info := &ActiveInfo{
		PID:       int(er.u32()),
		StartTime: er.unix(),
		Sites:     int(er.u32()),
	}
	if er.err != nil {
		return nil, fmt.Errorf("failed to read active file: %w", er.err)
	}
	for i := 0; i < info.Sites; i++ {
		var cid, fid [16]byte
		er.bytes(cid[:])
		er.bytes(fid[:])
		info.ClientIDs = append(info.ClientIDs, uuid.UUID(cid))
		info.ForwarderIDs = append(info.ForwarderIDs, uuid.UUID(fid))
	}
	if er.err != nil {
		return nil, fmt.Errorf("failed to read active file: %w", er.err)
	}
	return info, nil
}

// Alive reports whether the supervisor recorded in the active file is
// still running.
func Alive(fifoDir string) bool {
	info, err := ReadActive(fifoDir)
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without touching the process.
	return proc.Signal(syscall.Signal(0)) == nil
}

func idBytes(ids []uuid.UUID, i int) []byte {
	if i < len(ids) {
		b := ids[i]
		return b[:]
	}
	return make([]byte, 16)
}
