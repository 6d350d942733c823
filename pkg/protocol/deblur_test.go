package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlurRoundTrip(t *testing.T) {
	tests := []string{
		"",
		"a",
		"ftp://user@host/dir",
		"sftp://distribution@node-17.example.org:2022/incoming/data",
		// Longer than one 28 byte block so the offset reset is exercised.
		"mailto://operations@example.org?subject=dissemination+status+report+hourly",
	}

	for _, tt := range tests {
		blurred := Blur([]byte(tt))
		assert.Equal(t, tt, string(Deblur(blurred)))
	}
}

func TestBlurChangesBytes(t *testing.T) {
	in := []byte("ftp://user@host/dir")
	assert.NotEqual(t, in, Blur(in))
}

func TestBlurOffsetResetsPerBlock(t *testing.T) {
	// Bytes 28 blocks apart with the same in-block position get the same
	// delta.
	in := make([]byte, blurBlockSize*2)
	for i := range in {
		in[i] = 'x'
	}
	out := Blur(in)
	for i := 0; i < blurBlockSize; i++ {
		j := i + blurBlockSize
		if i%3 == j%3 {
			assert.Equal(t, out[i], out[j], "position %d", i)
		}
	}
}

func TestFramerSplitsMessages(t *testing.T) {
	var f Framer

	msgs := f.Push([]byte("IS 1 2 3 4 5 6 7 8\r\nNH 2\r\n"))
	assert.Equal(t, [][]byte{[]byte("IS 1 2 3 4 5 6 7 8"), []byte("NH 2")}, msgs)
	assert.Zero(t, f.Pending())
}

func TestFramerRetainsPartialMessage(t *testing.T) {
	var f Framer

	msgs := f.Push([]byte("HL 0 alp"))
	assert.Empty(t, msgs)
	assert.Equal(t, 8, f.Pending())

	msgs = f.Push([]byte("ha host-a.example\r\n"))
	assert.Equal(t, [][]byte{[]byte("HL 0 alpha host-a.example")}, msgs)
}

func TestFramerHandlesSplitCRLF(t *testing.T) {
	var f Framer

	msgs := f.Push([]byte("NH 2\r"))
	assert.Equal(t, [][]byte{[]byte("NH 2")}, msgs)

	// The LF arrives in the next read and must not leak into the next
	// message.
	msgs = f.Push([]byte("\nND 3\r\n"))
	assert.Equal(t, [][]byte{[]byte("ND 3")}, msgs)
}

func TestFramerNULTerminated(t *testing.T) {
	var f Framer

	msgs := f.Push([]byte("NH 2\x00\nND 3\x00\n"))
	assert.Equal(t, [][]byte{[]byte("NH 2"), []byte("ND 3")}, msgs)
}

func TestFramerNULAfterCR(t *testing.T) {
	var f Framer

	// Some daemons write the NUL over the CR with the LF still on the
	// wire; the residue must not surface as an empty message.
	msgs := f.Push([]byte("NH 2\r\x00\nND 3\r\x00\n"))
	assert.Equal(t, [][]byte{[]byte("NH 2"), []byte("ND 3")}, msgs)
	assert.Zero(t, f.Pending())
}

func TestFramerByteAtATime(t *testing.T) {
	var f Framer
	input := "IS 1 2 3 4 5 6 7 8\r\nNH 4\r\n"

	var got [][]byte
	for i := 0; i < len(input); i++ {
		got = append(got, f.Push([]byte{input[i]})...)
	}
	assert.Equal(t, [][]byte{[]byte("IS 1 2 3 4 5 6 7 8"), []byte("NH 4")}, got)
}
