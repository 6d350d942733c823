package protocol

import (
	"bytes"
)

// Framer splits the inbound TCP stream into protocol messages. The remote
// terminates each message with CRLF; the framing layer overwrites the CR
// with NUL and resumes two bytes later, so an already NUL-terminated
// stream is handled the same way. An incomplete trailing message is
// retained across pushes.
type Framer struct {
	buf    []byte
	skipLF bool // a terminator was consumed right at a push boundary
}

// Push appends data and returns all complete messages now available. The
// returned slices are copies and stay valid after the next Push.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)

	if f.skipLF && len(f.buf) > 0 {
		if f.buf[0] == '\n' {
			f.buf = f.buf[1:]
		}
		f.skipLF = false
	}

	var msgs [][]byte
	for {
		i := bytes.IndexAny(f.buf, "\r\x00")
		if i < 0 {
			break
		}
		// An empty message is framing residue (NUL written over the CR
		// with the LF still on the wire), not a protocol line.
		if i > 0 {
			msg := make([]byte, i)
			copy(msg, f.buf[:i])
			msgs = append(msgs, msg)
		}

		// Resume past the terminator and the LF that follows it on the
		// wire. The LF may not have arrived yet.
		next := i + 1
		if next < len(f.buf) {
			if f.buf[next] == '\n' {
				next++
			}
		} else {
			f.skipLF = true
		}
		f.buf = f.buf[next:]
	}

	// Keep the retained tail small by reallocating once it owns a large
	// dead prefix.
	if cap(f.buf) > 64*1024 && len(f.buf) < cap(f.buf)/4 {
		f.buf = append([]byte(nil), f.buf...)
	}
	return msgs
}

// Pending reports how many buffered bytes await a terminator.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset drops any buffered partial message.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.skipLF = false
}
