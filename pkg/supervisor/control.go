package supervisor

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// ControlSocketName is the UNIX-domain control socket under <work>/fifo.
const ControlSocketName = "control.sock"

const controlTimeout = 2 * time.Second

// opRespawn is internal only: a crashed child's retry timer telling the
// control loop to start it again. Never valid on the wire.
const opRespawn = byte(0xF0)

// controlMsg is one decoded control request. reply is nil for internal
// messages.
type controlMsg struct {
	op    byte
	index int
	reply chan byte
}

func (m controlMsg) ack(b byte) {
	if m.reply != nil {
		m.reply <- b
	}
}

// indexedOp reports whether the opcode carries a 32-bit site index.
func indexedOp(op byte) bool {
	switch op {
	case types.OpGotLC, types.OpDisableMon, types.OpEnableMon:
		return true
	}
	return false
}

// ControlSocketPath is where a running supervisor listens.
func ControlSocketPath(workDir string) string {
	return filepath.Join(workDir, "fifo", ControlSocketName)
}

func (s *Supervisor) listenControl() error {
	path := filepath.Join(s.fifoDir, ControlSocketName)
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}
	s.ctrlLn = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleControlConn(conn)
		}
	}()
	return nil
}

func (s *Supervisor) closeControl() {
	if s.ctrlLn != nil {
		s.ctrlLn.Close()
		os.Remove(filepath.Join(s.fifoDir, ControlSocketName))
	}
}

// handleControlConn reads one opcode (plus index payload where the
// opcode carries one), forwards it to the control loop and relays the
// single-byte reply. Both directions are bounded by the control
// timeout.
func (s *Supervisor) handleControlConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(controlTimeout))

	var op [1]byte
	if _, err := io.ReadFull(conn, op[:]); err != nil {
		return
	}
	msg := controlMsg{op: op[0], reply: make(chan byte, 1)}
	if indexedOp(op[0]) {
		var idx [4]byte
		if _, err := io.ReadFull(conn, idx[:]); err != nil {
			return
		}
		msg.index = int(binary.BigEndian.Uint32(idx[:]))
	}

	select {
	case s.ctrlCh <- msg:
	case <-time.After(controlTimeout):
		return
	}
	select {
	case b := <-msg.reply:
		conn.Write([]byte{b})
	case <-time.After(controlTimeout):
	}
}

// SendCommand delivers one control opcode to the supervisor serving
// workDir and returns its reply byte. The index is ignored for opcodes
// that do not carry one.
func SendCommand(workDir string, op byte, index int) (byte, error) {
	conn, err := net.DialTimeout("unix", ControlSocketPath(workDir), controlTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to reach supervisor: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(controlTimeout))

	buf := []byte{op}
	if indexedOp(op) {
		buf = binary.BigEndian.AppendUint32(buf, uint32(index))
	}
	if _, err := conn.Write(buf); err != nil {
		return 0, fmt.Errorf("failed to send control command: %w", err)
	}

	var reply [1]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return 0, fmt.Errorf("no reply from supervisor: %w", err)
	}
	return reply[0], nil
}
