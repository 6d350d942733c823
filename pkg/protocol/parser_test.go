package protocol

import (
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmon/fleetmon/pkg/types"
)

func newTestParser() *Parser {
	return NewParser(zerolog.Nop())
}

func TestParseIntervalSummary(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte("IS 3 12345 42 1 0 0 2 5"))
	require.NoError(t, err)

	is, ok := u.(IntervalSummary)
	require.True(t, ok)
	assert.Equal(t, uint64(3), is.FilesPending)
	assert.Equal(t, uint64(12345), is.BytesPending)
	assert.Equal(t, uint64(42), is.TransferRate)
	assert.Equal(t, uint64(1), is.FileRate)
	assert.Equal(t, uint64(0), is.ErrorCounter)
	assert.Equal(t, uint64(0), is.HostErrorCounter)
	assert.Equal(t, uint64(2), is.ActiveTransfers)
	assert.Equal(t, uint64(5), is.JobsInQueue)
	assert.Equal(t, 0, is.Present)
}

func TestParseIntervalSummaryWithCounters(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte("IS 3 12345 42 1 0 0 2 5 10 2048 7 1 20 4096"))
	require.NoError(t, err)

	is := u.(IntervalSummary)
	assert.Equal(t, 6, is.Present)
	assert.Equal(t, uint64(10), is.FilesSent)
	assert.Equal(t, uint64(2048), is.BytesSent)
	assert.Equal(t, uint64(7), is.Connections)
	assert.Equal(t, uint64(1), is.TotalErrors)
	assert.Equal(t, uint64(20), is.FilesReceived)
	assert.Equal(t, uint64(4096), is.BytesReceived)
}

func TestParseIntervalSummaryPartialCounters(t *testing.T) {
	p := newTestParser()

	// A missing trailing field is "not present", not an error.
	u, err := p.Parse([]byte("IS 1 2 3 4 5 6 7 8 100 200"))
	require.NoError(t, err)

	is := u.(IntervalSummary)
	assert.Equal(t, 2, is.Present)
	assert.Equal(t, uint64(100), is.FilesSent)
	assert.Equal(t, uint64(200), is.BytesSent)
}

func TestParseIntervalSummaryErrors(t *testing.T) {
	p := newTestParser()

	_, err := p.Parse([]byte("IS 1 2 3"))
	assert.Error(t, err)

	// A present field that fails to parse is an error.
	_, err = p.Parse([]byte("IS 1 2 3 4 5 6 7 eight"))
	assert.Error(t, err)
}

func TestParseSimpleIntegerTags(t *testing.T) {
	p := newTestParser()

	tests := []struct {
		line string
		want Update
	}{
		{"NH 4", HostCount{Count: 4}},
		{"ND 12", DirCount{Count: 12}},
		{"NJ 30", JobCount{Count: 30}},
		{"MC 10", MaxConnections{Value: 10}},
		{"AM 1", SubsystemStatus{Subsystem: SubsystemAMG, Value: 1}},
		{"FD 0", SubsystemStatus{Subsystem: SubsystemFD, Value: 0}},
		{"AW 1", SubsystemStatus{Subsystem: SubsystemArchiveWatch, Value: 1}},
		{"DJ 500", DangerJobs{Threshold: 500}},
		{"LC 7", LogCapabilities{Mask: 7}},
	}

	for _, tt := range tests {
		t.Run(tt.line[:2], func(t *testing.T) {
			u, err := p.Parse([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, u)
		})
	}
}

func TestParseStringTags(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte("AV 2.1.4"))
	require.NoError(t, err)
	assert.Equal(t, VersionUpdate{Version: "2.1.4"}, u)

	u, err = p.Parse([]byte("WD /var/spool/dist"))
	require.NoError(t, err)
	assert.Equal(t, WorkDirUpdate{Dir: "/var/spool/dist"}, u)
}

func TestParseVersionOverflowClamped(t *testing.T) {
	p := newTestParser()

	long := make([]byte, types.MaxVersionLength+20)
	for i := range long {
		long[i] = 'v'
	}
	u, err := p.Parse(append([]byte("AV "), long...))
	require.NoError(t, err)
	assert.Len(t, u.(VersionUpdate).Version, types.MaxVersionLength)
}

func TestParseTypesize(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte("TD 32 256 40 8 10 120 1024 40"))
	require.NoError(t, err)

	td := u.(TypesizeUpdate)
	assert.Equal(t, 8, td.N)
	assert.Equal(t, 32, td.Values[types.TSMsgNameLength])
	assert.Equal(t, 40, td.Values[types.TSHostnameLength])
	assert.Equal(t, 120, td.Values[types.TSRecipientLength])
}

func TestParseHostList(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte("HL 0 alpha host-a.example"))
	require.NoError(t, err)

	hl := u.(HostListEntry)
	assert.Equal(t, 0, hl.Pos)
	assert.Equal(t, "alpha", hl.Entry.Alias)
	assert.Equal(t, crc32.ChecksumIEEE([]byte("alpha")), hl.Entry.HostID)
	assert.Equal(t, "host-a.example", hl.Entry.RealHostname[0])
	assert.False(t, hl.Entry.IsGroup())

	u, err = p.Parse([]byte("HL 1 beta host-b.example host-b2.example"))
	require.NoError(t, err)
	assert.Equal(t, "host-b2.example", u.(HostListEntry).Entry.RealHostname[1])

	// No real hostname: group header row.
	u, err = p.Parse([]byte("HL 2 eu-group"))
	require.NoError(t, err)
	grp := u.(HostListEntry)
	assert.True(t, grp.Entry.IsGroup())
}

func TestParseDirList(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte("DL 3 1a2b3c4d wmo /data/in/wmo /raw/wmo anonymous 10"))
	require.NoError(t, err)

	dl := u.(DirListEntry)
	assert.Equal(t, 3, dl.Pos)
	assert.Equal(t, uint32(0x1a2b3c4d), dl.Entry.DirID)
	assert.Equal(t, "wmo", dl.Entry.Alias)
	assert.Equal(t, "/data/in/wmo", dl.Entry.Name)
	assert.Equal(t, "/raw/wmo", dl.Entry.OrigName)
	assert.Equal(t, "anonymous", dl.Entry.HomeDirUser)
	assert.Equal(t, 0x10, dl.Entry.HomeDirLen)

	// Optional tail absent.
	u, err = p.Parse([]byte("DL 0 ff alias /dir"))
	require.NoError(t, err)
	assert.Empty(t, u.(DirListEntry).Entry.OrigName)
}

func TestParseJobList(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte("JL 2 cafe 1a2b 3 9 ftp://user@host/dir"))
	require.NoError(t, err)

	jl := u.(JobListEntry)
	assert.Equal(t, 2, jl.Pos)
	assert.Equal(t, uint32(0xcafe), jl.Entry.JobID)
	assert.Equal(t, uint32(0x1a2b), jl.Entry.DirID)
	assert.Equal(t, 3, jl.Entry.NoOfLoption)
	assert.Equal(t, byte('9'), jl.Entry.Priority)
	assert.Equal(t, "ftp://user@host/dir", jl.Entry.Recipient)
}

func TestParseBlurredJobList(t *testing.T) {
	p := newTestParser()

	recipient := "sftp://distuser@host-a.example:22/out"
	blurred := Blur([]byte(recipient))
	line := fmt.Sprintf("Jl 0 1 2 5 9 %s", blurred)

	u, err := p.Parse([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, recipient, u.(JobListEntry).Entry.Recipient)
}

func TestParseErrorHistory(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte("EL 1 3 0 0 2"))
	require.NoError(t, err)

	el := u.(ErrorHistoryUpdate)
	assert.Equal(t, 1, el.HostPos)
	assert.Equal(t, []int{3, 0, 0, 2}, el.History)
}

func TestParseLogHistory(t *testing.T) {
	p := newTestParser()

	// Severity bytes are offset by a space on the wire.
	payload := []byte{' ' + 1, ' ' + 2, ' ' + 3}
	u, err := p.Parse(append([]byte("RH "), payload...))
	require.NoError(t, err)

	lh := u.(LogHistoryUpdate)
	assert.Equal(t, types.HistoryReceive, lh.Category)
	assert.Equal(t, []byte{1, 2, 3}, lh.Severities)

	u, err = p.Parse(append([]byte("TH "), payload...))
	require.NoError(t, err)
	assert.Equal(t, types.HistoryTransfer, u.(LogHistoryUpdate).Category)

	u, err = p.Parse(append([]byte("SH "), payload...))
	require.NoError(t, err)
	assert.Equal(t, types.HistorySystem, u.(LogHistoryUpdate).Category)
}

func TestParseLogHistoryUnknownSeverity(t *testing.T) {
	p := newTestParser()

	payload := []byte{' ' + 1, ' ' + types.ColorPoolSize + 5}
	u, err := p.Parse(append([]byte("SH "), payload...))
	require.NoError(t, err)

	lh := u.(LogHistoryUpdate)
	assert.Equal(t, []byte{1, types.NoInformation}, lh.Severities)
}

func TestParseSysLogRadar(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte{'S', 'R', ' ', '4', '2', ' ', ' ' + 1, ' ' + 4, ' ' + 2})
	require.NoError(t, err)

	sr := u.(SysLogRadar)
	assert.Equal(t, uint64(42), sr.Counter)
	assert.Equal(t, []byte{1, 4, 2}, sr.Fifo)
}

func TestParseCommandReply(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte("211-AFD status:"))
	require.NoError(t, err)
	assert.Equal(t, CommandReply{Code: 211}, u)

	u, err = p.Parse([]byte("200-OK"))
	require.NoError(t, err)
	assert.Equal(t, CommandReply{Code: 200}, u)
}

func TestParseShutdown(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte(ShutdownMessage))
	require.NoError(t, err)
	assert.IsType(t, ShutdownNotice{}, u)
}

func TestParseUnknownTag(t *testing.T) {
	p := newTestParser()

	_, err := p.Parse([]byte("XX what is this"))
	assert.ErrorIs(t, err, ErrUnknownTag)

	_, err = p.Parse([]byte(""))
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestParseTrailingNUL(t *testing.T) {
	p := newTestParser()

	u, err := p.Parse([]byte("NH 2\x00"))
	require.NoError(t, err)
	assert.Equal(t, HostCount{Count: 2}, u)
}

func TestTypesizeClampsRecipient(t *testing.T) {
	p := newTestParser()

	var ts types.Typesize
	ts[types.TSRecipientLength] = 10
	p.SetTypesize(ts)

	u, err := p.Parse([]byte("JL 0 1 2 3 5 ftp://very-long-recipient@host/dir"))
	require.NoError(t, err)
	assert.Len(t, u.(JobListEntry).Entry.Recipient, 10)
}

// Replaying the same messages must yield identical updates regardless of
// parser history.
func TestParserDeterministic(t *testing.T) {
	lines := []string{
		"IS 3 12345 42 1 0 0 2 5",
		"NH 2",
		"HL 0 alpha host-a.example",
		"HL 1 beta host-b.example",
		"AV 2.1.4",
		"MC 10",
	}

	p1 := newTestParser()
	p2 := newTestParser()

	var got1, got2 []Update
	for _, l := range lines {
		u, err := p1.Parse([]byte(l))
		require.NoError(t, err)
		got1 = append(got1, u)
	}
	// Second parser sees the lines twice; the second pass must match the
	// first parser's single pass.
	for i := 0; i < 2; i++ {
		got2 = got2[:0]
		for _, l := range lines {
			u, err := p2.Parse([]byte(l))
			require.NoError(t, err)
			got2 = append(got2, u)
		}
	}
	assert.Equal(t, got1, got2)
}
